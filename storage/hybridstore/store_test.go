/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package hybridstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-ratelimit/ratelimit"
	"github.com/acronis/go-ratelimit/storage"
	"github.com/acronis/go-ratelimit/storage/memstore"
)

// flakyBackend wraps a real backend and fails every operation while broken.
type flakyBackend struct {
	storage.Backend
	broken bool
}

var errBackendBroken = errors.New("backend is broken")

func (f *flakyBackend) GetState(ctx context.Context, id string) (*ratelimit.State, bool, error) {
	if f.broken {
		return nil, false, errBackendBroken
	}
	return f.Backend.GetState(ctx, id)
}

func (f *flakyBackend) SetState(ctx context.Context, id string, st *ratelimit.State, ttl time.Duration) error {
	if f.broken {
		return errBackendBroken
	}
	return f.Backend.SetState(ctx, id, st, ttl)
}

func (f *flakyBackend) Increment(ctx context.Context, id string, amount uint64, window time.Duration) (uint64, error) {
	if f.broken {
		return 0, errBackendBroken
	}
	return f.Backend.Increment(ctx, id, amount, window)
}

func (f *flakyBackend) BatchSet(ctx context.Context, items map[string]*ratelimit.State, ttl time.Duration) error {
	if f.broken {
		return errBackendBroken
	}
	return f.Backend.BatchSet(ctx, items, ttl)
}

func (f *flakyBackend) HealthCheck(ctx context.Context) error {
	if f.broken {
		return errBackendBroken
	}
	return f.Backend.HealthCheck(ctx)
}

func newTestState(count uint64) *ratelimit.State {
	st := ratelimit.NewState(ratelimit.AlgTokenBucket, time.Now().UTC())
	st.RequestCount = count
	return st
}

func TestWriteBackL1FreshL2StaleUntilFlush(t *testing.T) {
	ctx := context.Background()
	l1, l2 := memstore.New(), memstore.New()
	s, err := New(l1, l2, Options{WritePolicy: WriteBack})
	require.NoError(t, err)

	require.NoError(t, s.SetState(ctx, "k", newTestState(1), time.Minute))

	// L1 is always fresh after a local write.
	got, found, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, got.RequestCount)

	// L2 has not seen the write yet.
	_, found, err = l2.GetState(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
	require.Equal(t, 1, s.DirtyLen())

	require.NoError(t, s.Flush(ctx))
	got, found, err = l2.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 1, got.RequestCount)
	require.Equal(t, 0, s.DirtyLen())
}

func TestWriteThroughPropagatesImmediately(t *testing.T) {
	ctx := context.Background()
	l1, l2 := memstore.New(), memstore.New()
	s, err := New(l1, l2, Options{WritePolicy: WriteThrough})
	require.NoError(t, err)

	require.NoError(t, s.SetState(ctx, "k", newTestState(2), time.Minute))
	_, found, err := l2.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
}

func TestWriteAroundBypassesL1(t *testing.T) {
	ctx := context.Background()
	l1, l2 := memstore.New(), memstore.New()
	s, err := New(l1, l2, Options{WritePolicy: WriteAround, ReadPolicy: CacheAside})
	require.NoError(t, err)

	require.NoError(t, s.SetState(ctx, "k", newTestState(3), time.Minute))
	_, found, err := l1.GetState(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)

	// The composed read still finds it through L2.
	got, found, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 3, got.RequestCount)
	// CacheAside does not populate L1.
	_, found, err = l1.GetState(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestReadThroughPopulatesL1(t *testing.T) {
	ctx := context.Background()
	l1, l2 := memstore.New(), memstore.New()
	s, err := New(l1, l2, Options{ReadPolicy: ReadThrough})
	require.NoError(t, err)

	require.NoError(t, l2.SetState(ctx, "k", newTestState(4), time.Minute))
	_, found, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	_, found, err = l1.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
}

// gatedBackend counts GetState calls and blocks them until the gate opens.
type gatedBackend struct {
	storage.Backend
	gate chan struct{}
	gets atomic.Int64
}

func (b *gatedBackend) GetState(ctx context.Context, id string) (*ratelimit.State, bool, error) {
	b.gets.Inc()
	<-b.gate
	return b.Backend.GetState(ctx, id)
}

func TestRefreshAheadDeduplicatesInFlightRefreshes(t *testing.T) {
	ctx := context.Background()
	l1 := memstore.New()
	l2 := &gatedBackend{Backend: memstore.New(), gate: make(chan struct{})}
	s, err := New(l1, l2, Options{ReadPolicy: RefreshAhead})
	require.NoError(t, err)

	require.NoError(t, l1.SetState(ctx, "hot", newTestState(1), time.Minute))
	require.NoError(t, l2.Backend.SetState(ctx, "hot", newTestState(2), time.Minute))

	_, found, err := s.GetState(ctx, "hot") // triggers the first refresh
	require.NoError(t, err)
	require.True(t, found)
	require.Eventually(t, func() bool { return l2.gets.Load() == 1 }, time.Second, time.Millisecond)

	// Many L1 hits while the first refresh is still blocked on L2 must not
	// spawn additional refreshes for the same key.
	for i := 0; i < 20; i++ {
		_, found, err := s.GetState(ctx, "hot")
		require.NoError(t, err)
		require.True(t, found)
	}
	require.EqualValues(t, 1, l2.gets.Load())

	close(l2.gate)
	// Once the refresh completes, L1 converges to the L2 copy and the key can
	// be refreshed again.
	require.Eventually(t, func() bool {
		got, found, err := l1.GetState(ctx, "hot")
		return err == nil && found && got.RequestCount == 2
	}, time.Second, time.Millisecond)

	_, _, err = s.GetState(ctx, "hot")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return l2.gets.Load() == 2 }, time.Second, time.Millisecond)
}

func TestL2FailureDegradesInsteadOfFailing(t *testing.T) {
	ctx := context.Background()
	l1 := memstore.New()
	l2 := &flakyBackend{Backend: memstore.New(), broken: true}
	s, err := New(l1, l2, Options{WritePolicy: WriteThrough, Consistency: Strong})
	require.NoError(t, err)

	// The write does not fail the request even though L2 is down.
	require.NoError(t, s.SetState(ctx, "k", newTestState(5), time.Minute))
	require.True(t, s.Degraded())
	require.Equal(t, Eventual, s.Consistency())
	require.Equal(t, 1, s.DirtyLen())

	hcErr := s.HealthCheck(ctx)
	require.Error(t, hcErr)
	require.ErrorIs(t, hcErr, ErrDegraded)

	// Increments fall back to L1 while degraded.
	v, err := s.Increment(ctx, "cnt", 1, time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	// Once L2 recovers, a flush drains the dirty entries and clears the flag.
	l2.broken = false
	require.NoError(t, s.Flush(ctx))
	require.False(t, s.Degraded())
	require.Equal(t, Strong, s.Consistency())

	got, found, err := l2.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 5, got.RequestCount)
}

func TestStrongConsistencyIncrementsOnL2(t *testing.T) {
	ctx := context.Background()
	l1, l2 := memstore.New(), memstore.New()
	s, err := New(l1, l2, Options{Consistency: Strong})
	require.NoError(t, err)

	_, err = s.Increment(ctx, "cnt", 1, time.Minute)
	require.NoError(t, err)
	v, err := l2.Increment(ctx, "cnt", 0, time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestEventualConsistencyIncrementsLocally(t *testing.T) {
	ctx := context.Background()
	l1, l2 := memstore.New(), memstore.New()
	s, err := New(l1, l2, Options{Consistency: Eventual})
	require.NoError(t, err)

	_, err = s.Increment(ctx, "cnt", 1, time.Minute)
	require.NoError(t, err)
	v, err := l1.Increment(ctx, "cnt", 0, time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestBatchGetMergesLevels(t *testing.T) {
	ctx := context.Background()
	l1, l2 := memstore.New(), memstore.New()
	s, err := New(l1, l2, Options{ReadPolicy: CacheAside})
	require.NoError(t, err)

	require.NoError(t, l1.SetState(ctx, "a", newTestState(1), time.Minute))
	require.NoError(t, l2.SetState(ctx, "b", newTestState(2), time.Minute))

	got, err := s.BatchGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.EqualValues(t, 1, got["a"].RequestCount)
	require.EqualValues(t, 2, got["b"].RequestCount)
}

func TestInvalidPolicyOptions(t *testing.T) {
	l1, l2 := memstore.New(), memstore.New()
	_, err := New(l1, l2, Options{WritePolicy: "bogus"})
	require.Error(t, err)
	_, err = New(l1, l2, Options{ReadPolicy: "bogus"})
	require.Error(t, err)
	_, err = New(l1, l2, Options{Consistency: "bogus"})
	require.Error(t, err)
}

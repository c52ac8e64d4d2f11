/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-ratelimit/ratelimit"
)

func newTestState() *ratelimit.State {
	return ratelimit.NewState(ratelimit.AlgTokenBucket, time.Now())
}

func TestStoreSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, found, err := s.GetState(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	st := newTestState()
	st.RequestCount = 42
	require.NoError(t, s.SetState(ctx, "user:1", st, 0))

	got, found, err := s.GetState(ctx, "user:1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(42), got.RequestCount)
}

func TestStoreTTLExpiration(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.SetState(ctx, "k", newTestState(), 10*time.Millisecond))

	_, found, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	time.Sleep(20 * time.Millisecond)
	_, found, err = s.GetState(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStoreCapacityAndEvictionPolicies(t *testing.T) {
	ctx := context.Background()
	for _, policy := range []EvictionPolicy{
		EvictionLRU, EvictionLFU, EvictionTTL, EvictionRandom, EvictionAdaptiveLRU,
	} {
		t.Run(string(policy), func(t *testing.T) {
			s, err := NewWithOpts(Options{MaxEntries: 3, Policy: policy})
			require.NoError(t, err)
			for i := 0; i < 10; i++ {
				require.NoError(t, s.SetState(ctx, fmt.Sprintf("k%d", i), newTestState(), time.Minute))
				require.LessOrEqual(t, s.Len(), 3)
			}
			require.EqualValues(t, 7, s.Stats().Evictions)
		})
	}
}

func TestStoreLRUEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s, err := NewWithOpts(Options{MaxEntries: 2, Policy: EvictionLRU})
	require.NoError(t, err)

	require.NoError(t, s.SetState(ctx, "a", newTestState(), 0))
	require.NoError(t, s.SetState(ctx, "b", newTestState(), 0))
	_, _, err = s.GetState(ctx, "a") // refresh "a", making "b" the victim
	require.NoError(t, err)

	require.NoError(t, s.SetState(ctx, "c", newTestState(), 0))
	_, found, err := s.GetState(ctx, "b")
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = s.GetState(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
}

func TestStoreIncrementWindowedCounter(t *testing.T) {
	ctx := context.Background()
	s := New()

	v, err := s.Increment(ctx, "ip:10.0.0.1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
	v, err = s.Increment(ctx, "ip:10.0.0.1", 2, 50*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 3, v)

	// The counter resets when the window rolls over.
	time.Sleep(60 * time.Millisecond)
	v, err = s.Increment(ctx, "ip:10.0.0.1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestStoreIncrementIsRaceFree(t *testing.T) {
	ctx := context.Background()
	s := New()
	const goroutines = 8
	const perGoroutine = 250

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, err := s.Increment(ctx, "shared", 1, time.Minute)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	v, err := s.Increment(ctx, "shared", 0, time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, goroutines*perGoroutine, v)
}

func TestStoreReturnsIsolatedStateCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	st := ratelimit.NewState(ratelimit.AlgSlidingWindow, time.Now())
	st.SlidingWindow.Windows[1] = 5
	require.NoError(t, s.SetState(ctx, "k", st, 0))

	// Mutating the state after SetState must not reach the store.
	st.SlidingWindow.Windows[1] = 100
	got, found, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 5, got.SlidingWindow.Windows[1])

	// Two reads see distinct copies, so callers can mutate theirs freely.
	got2, _, err := s.GetState(ctx, "k")
	require.NoError(t, err)
	require.NotSame(t, got, got2)
	got.SlidingWindow.Windows[1] = 100
	got.Touch(time.Now())
	require.EqualValues(t, 5, got2.SlidingWindow.Windows[1])

	batch, err := s.BatchGet(ctx, []string{"k"})
	require.NoError(t, err)
	require.NotSame(t, got2, batch["k"])
	require.EqualValues(t, 5, batch["k"].SlidingWindow.Windows[1])
}

func TestStoreConcurrentDecideOnSharedIdentifier(t *testing.T) {
	ctx := context.Background()
	s := New()
	rule := ratelimit.Rule{MaxRequests: 1000000, Window: time.Minute, Algorithm: ratelimit.AlgSlidingWindow}
	alg := ratelimit.MustNewAlgorithm(rule.Algorithm)

	const goroutines = 8
	const perGoroutine = 100
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				now := time.Now()
				st, found, err := s.GetState(ctx, "shared")
				require.NoError(t, err)
				if !found {
					st = ratelimit.NewState(rule.Algorithm, now)
				}
				_, err = alg.Decide(st, now, rule)
				require.NoError(t, err)
				require.NoError(t, s.SetState(ctx, "shared", st, time.Minute))
			}
		}()
	}
	wg.Wait()

	got, found, err := s.GetState(ctx, "shared")
	require.NoError(t, err)
	require.True(t, found)
	require.Positive(t, got.RequestCount)
}

func TestStoreCountersBoundedByCapacity(t *testing.T) {
	ctx := context.Background()
	s, err := NewWithOpts(Options{MaxEntries: 3})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := s.Increment(ctx, fmt.Sprintf("cnt%d", i), 1, time.Hour)
		require.NoError(t, err)
		require.LessOrEqual(t, s.Stats().Counters, 3)
	}
	require.Equal(t, 3, s.Stats().Counters)
	require.EqualValues(t, 7, s.Stats().Evictions)

	// Re-incrementing a surviving counter does not evict anything.
	evictionsBefore := s.Stats().Evictions
	_, err = s.Increment(ctx, "cnt9", 1, time.Hour)
	require.NoError(t, err)
	require.Equal(t, evictionsBefore, s.Stats().Evictions)
}

func TestStoreBatchOps(t *testing.T) {
	ctx := context.Background()
	s := New()

	items := map[string]*ratelimit.State{
		"a": newTestState(),
		"b": newTestState(),
	}
	require.NoError(t, s.BatchSet(ctx, items, time.Minute))

	got, err := s.BatchGet(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Contains(t, got, "a")
	require.Contains(t, got, "b")
}

func TestStoreCleanupExpiredIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.SetState(ctx, "short", newTestState(), 10*time.Millisecond))
	require.NoError(t, s.SetState(ctx, "long", newTestState(), time.Hour))
	_, err := s.Increment(ctx, "cnt", 1, 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	removed, err := s.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	removed, err = s.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)
	require.Equal(t, 1, s.Len())
}

func TestStoreHealthCheck(t *testing.T) {
	require.NoError(t, New().HealthCheck(context.Background()))
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeakyBucketSmoothThroughputOnceSaturated(t *testing.T) {
	const capacity = 4
	rule := Rule{MaxRequests: capacity, Window: time.Second, Algorithm: AlgLeakyBucket}
	minSpacing := time.Second / capacity // 1/rate

	alg := MustNewAlgorithm(AlgLeakyBucket)
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
	st := NewState(AlgLeakyBucket, now)

	// Saturate the bucket.
	for {
		dec, err := alg.Decide(st, now, rule)
		require.NoError(t, err)
		if !dec.Allow {
			break
		}
	}

	// Bursty arrivals: random small steps. Once the bucket is full, no two
	// admissions may happen closer together than 1/rate.
	rnd := rand.New(rand.NewSource(1))
	var lastAdmitted time.Time
	for i := 0; i < 1000; i++ {
		now = now.Add(time.Duration(rnd.Intn(100)) * time.Millisecond)
		dec, err := alg.Decide(st, now, rule)
		require.NoError(t, err)
		if !dec.Allow {
			continue
		}
		if !lastAdmitted.IsZero() {
			spacing := now.Sub(lastAdmitted)
			require.GreaterOrEqual(t, spacing+time.Millisecond, minSpacing,
				"admissions #%d spaced %s apart, want at least %s", i, spacing, minSpacing)
		}
		lastAdmitted = now
	}
}

func TestLeakyBucketDrainsWhenIdle(t *testing.T) {
	rule := Rule{MaxRequests: 2, Window: time.Second, Algorithm: AlgLeakyBucket}
	alg := MustNewAlgorithm(AlgLeakyBucket)
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
	st := NewState(AlgLeakyBucket, now)

	for i := 0; i < 2; i++ {
		dec, err := alg.Decide(st, now, rule)
		require.NoError(t, err)
		require.True(t, dec.Allow)
	}
	dec, err := alg.Decide(st, now, rule)
	require.NoError(t, err)
	require.False(t, dec.Allow)
	require.Greater(t, dec.RetryAfter, time.Duration(0))

	// After a long idle period the bucket is fully drained again.
	now = now.Add(time.Minute)
	dec, err = alg.Decide(st, now, rule)
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, 1, dec.Remaining)
}

func TestLeakyBucketRemainingReflectsFreeCapacity(t *testing.T) {
	rule := Rule{MaxRequests: 3, Window: time.Minute, Algorithm: AlgLeakyBucket}
	alg := MustNewAlgorithm(AlgLeakyBucket)
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
	st := NewState(AlgLeakyBucket, now)

	dec, err := alg.Decide(st, now, rule)
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, 2, dec.Remaining)

	dec, err = alg.Decide(st, now, rule)
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, 1, dec.Remaining)
}

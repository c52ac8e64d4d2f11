/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func adaptiveTestRule() Rule {
	return Rule{
		MaxRequests: 10,
		Window:      time.Second,
		Algorithm:   AlgAdaptive,
		Adaptive: AdaptiveParams{
			LearningWindow: 10 * time.Second,
			MinLimit:       2,
			MaxLimit:       50,
			Step:           3,
			Base:           AlgTokenBucket,
		},
	}
}

func TestAdaptiveStartsAtRuleLimit(t *testing.T) {
	alg := NewAdaptive(nil)
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
	st := NewState(AlgAdaptive, now)

	dec, err := alg.Decide(st, now, adaptiveTestRule())
	require.NoError(t, err)
	require.True(t, dec.Allow)
	require.Equal(t, 10, dec.Limit)
	require.Equal(t, AlgTokenBucket, st.Adaptive.Base.Algorithm)
}

func TestAdaptiveShrinksUnderLowTraffic(t *testing.T) {
	rule := adaptiveTestRule()
	alg := NewAdaptive(nil)
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
	st := NewState(AlgAdaptive, now)

	// One request per learning window: demand far below the limit of 10.
	for i := 0; i < 4; i++ {
		_, err := alg.Decide(st, now, rule)
		require.NoError(t, err)
		now = now.Add(rule.Adaptive.LearningWindow)
	}
	// Each adjustment moves at most Step=3 down, clamped at MinLimit=2.
	require.Less(t, st.Adaptive.CurrentLimit, 10)
	require.GreaterOrEqual(t, st.Adaptive.CurrentLimit, rule.Adaptive.MinLimit)
}

func TestAdaptiveStepIsBounded(t *testing.T) {
	rule := adaptiveTestRule()
	alg := NewAdaptive(func(observed uint64, current int, params AdaptiveParams) int {
		return 1000 // always ask for a huge limit
	})
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
	st := NewState(AlgAdaptive, now)

	_, err := alg.Decide(st, now, rule)
	require.NoError(t, err)
	require.Equal(t, 10, st.Adaptive.CurrentLimit)

	now = now.Add(rule.Adaptive.LearningWindow)
	_, err = alg.Decide(st, now, rule)
	require.NoError(t, err)
	require.Equal(t, 13, st.Adaptive.CurrentLimit, "limit should move by at most Step per learning window")
}

func TestAdaptiveClampsToMaxLimit(t *testing.T) {
	rule := adaptiveTestRule()
	rule.Adaptive.Step = 1000
	alg := NewAdaptive(func(observed uint64, current int, params AdaptiveParams) int {
		return 1000
	})
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
	st := NewState(AlgAdaptive, now)

	_, err := alg.Decide(st, now, rule)
	require.NoError(t, err)
	now = now.Add(rule.Adaptive.LearningWindow)
	_, err = alg.Decide(st, now, rule)
	require.NoError(t, err)
	require.Equal(t, rule.Adaptive.MaxLimit, st.Adaptive.CurrentLimit)
}

func TestAdaptiveIsDeterministic(t *testing.T) {
	rule := adaptiveTestRule()
	run := func() (int, float64) {
		alg := NewAdaptive(nil)
		now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
		st := NewState(AlgAdaptive, now)
		for i := 0; i < 100; i++ {
			_, err := alg.Decide(st, now, rule)
			require.NoError(t, err)
			now = now.Add(1500 * time.Millisecond)
		}
		return st.Adaptive.CurrentLimit, st.Adaptive.PerformanceScore
	}

	limit1, score1 := run()
	limit2, score2 := run()
	require.Equal(t, limit1, limit2)
	require.Equal(t, score1, score2)
}

func TestAdaptiveHistoryIsBounded(t *testing.T) {
	rule := adaptiveTestRule()
	alg := NewAdaptive(nil)
	now := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC)
	st := NewState(AlgAdaptive, now)

	for i := 0; i < 200; i++ {
		_, err := alg.Decide(st, now, rule)
		require.NoError(t, err)
		now = now.Add(rule.Adaptive.LearningWindow)
	}
	require.LessOrEqual(t, len(st.Adaptive.TrafficHistory), maxTrafficSamples)
}

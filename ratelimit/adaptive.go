/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"math"
	"time"
)

// maxTrafficSamples bounds the adaptive traffic history kept in state.
const maxTrafficSamples = 32

// defaultAdjustHeadroom is the multiplier DefaultAdjust applies to the
// observed demand when picking the target limit.
const defaultAdjustHeadroom = 1.25

// AdjustFunc recomputes the adaptive limit from observed traffic.
// observed is the number of requests seen during the last learning window,
// current is the limit in effect. The returned value is clamped to
// [params.MinLimit, params.MaxLimit] and to at most params.Step away from
// current by the caller, so implementations only need to pick a target.
//
// Implementations must be deterministic: same inputs, same output.
type AdjustFunc func(observed uint64, current int, params AdaptiveParams) int

// DefaultAdjust is a utilization controller: it moves the limit toward the
// observed demand multiplied by a fixed headroom, so sustained traffic below
// the limit shrinks it and sustained saturation grows it.
func DefaultAdjust(observed uint64, current int, _ AdaptiveParams) int {
	return int(math.Ceil(float64(observed) * defaultAdjustHeadroom))
}

// adaptive wraps a base algorithm and learns the effective limit from traffic.
type adaptive struct {
	adjust AdjustFunc
}

// NewAdaptive creates the adaptive algorithm with the given adjustment
// strategy. Pass nil to use DefaultAdjust.
func NewAdaptive(adjust AdjustFunc) Algorithm {
	if adjust == nil {
		adjust = DefaultAdjust
	}
	return adaptive{adjust: adjust}
}

// Kind is a part of Algorithm interface.
func (adaptive) Kind() AlgorithmKind { return AlgAdaptive }

// Decide is a part of Algorithm interface.
func (a adaptive) Decide(st *State, now time.Time, rule Rule) (Decision, error) {
	if err := checkStateKind(st, AlgAdaptive); err != nil {
		return Decision{}, err
	}
	d := st.Adaptive
	if d == nil {
		return Decision{}, &AlgorithmError{Want: AlgAdaptive}
	}

	params := rule.Adaptive
	if d.CurrentLimit == 0 {
		d.CurrentLimit = clampInt(rule.MaxRequests, params.MinLimit, params.MaxLimit)
		d.LastAdjust = now
	}

	a.recordSample(d, now, params)
	a.maybeAdjust(d, now, params)

	baseKind := params.Base
	if baseKind == "" {
		baseKind = AlgSlidingWindow
	}
	baseAlg, err := NewAlgorithm(baseKind)
	if err != nil {
		return Decision{}, err
	}
	if d.Base == nil || d.Base.Algorithm != baseKind {
		d.Base = NewState(baseKind, now)
	}

	baseRule := rule
	baseRule.Algorithm = baseKind
	baseRule.MaxRequests = d.CurrentLimit

	dec, err := baseAlg.Decide(d.Base, now, baseRule)
	if err != nil {
		return Decision{}, err
	}
	dec.Limit = d.CurrentLimit
	st.Touch(now)
	return dec, nil
}

// recordSample aggregates requests into one sample per learning window.
func (adaptive) recordSample(d *AdaptiveData, now time.Time, params AdaptiveParams) {
	n := len(d.TrafficHistory)
	if n > 0 && now.Sub(d.TrafficHistory[n-1].At) < params.LearningWindow {
		d.TrafficHistory[n-1].Count++
		return
	}
	d.TrafficHistory = append(d.TrafficHistory, TrafficSample{At: now, Count: 1})
	if len(d.TrafficHistory) > maxTrafficSamples {
		d.TrafficHistory = d.TrafficHistory[len(d.TrafficHistory)-maxTrafficSamples:]
	}
}

// maybeAdjust recomputes the limit once per learning window with a bounded step.
func (a adaptive) maybeAdjust(d *AdaptiveData, now time.Time, params AdaptiveParams) {
	if now.Sub(d.LastAdjust) < params.LearningWindow {
		return
	}
	var observed uint64
	for i := len(d.TrafficHistory) - 1; i >= 0; i-- {
		s := d.TrafficHistory[i]
		if now.Sub(s.At) > params.LearningWindow {
			break
		}
		observed += s.Count
	}

	target := a.adjust(observed, d.CurrentLimit, params)
	next := d.CurrentLimit
	switch {
	case target > d.CurrentLimit:
		next += minInt(params.Step, target-d.CurrentLimit)
	case target < d.CurrentLimit:
		next -= minInt(params.Step, d.CurrentLimit-target)
	}
	d.CurrentLimit = clampInt(next, params.MinLimit, params.MaxLimit)
	if d.CurrentLimit > 0 {
		d.PerformanceScore = math.Min(1, float64(observed)/float64(d.CurrentLimit))
	}
	d.LastAdjust = now
}

func clampInt(v, lo, hi int) int {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

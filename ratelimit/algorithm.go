/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"
)

// Decision is the outcome of a single rate-limiting check. Remaining, ResetAt,
// and RetryAfter are derived header values, not persisted state.
type Decision struct {
	Allow      bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Algorithm makes rate-limiting decisions over stored state.
// Decide is a pure function of (state, now, rule): it mutates the passed state
// in place and performs no I/O. Implementations must never read the clock
// themselves, so that decisions are reproducible and testable with a fake now.
type Algorithm interface {
	Kind() AlgorithmKind
	Decide(st *State, now time.Time, rule Rule) (Decision, error)
}

// NewAlgorithm creates an algorithm of the given kind.
func NewAlgorithm(kind AlgorithmKind) (Algorithm, error) {
	switch kind {
	case AlgSlidingWindow:
		return slidingWindow{}, nil
	case AlgTokenBucket:
		return tokenBucket{}, nil
	case AlgLeakyBucket:
		return leakyBucket{}, nil
	case AlgSlidingWindowLog:
		return slidingWindowLog{}, nil
	case AlgAdaptive:
		return NewAdaptive(DefaultAdjust), nil
	}
	return nil, fmt.Errorf("unknown rate limit algorithm %q", string(kind))
}

// MustNewAlgorithm is a version of NewAlgorithm that panics if an error occurs.
func MustNewAlgorithm(kind AlgorithmKind) Algorithm {
	alg, err := NewAlgorithm(kind)
	if err != nil {
		panic(err)
	}
	return alg
}

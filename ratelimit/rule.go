/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"time"
)

// AlgorithmKind represents a type for specifying rate-limiting algorithm.
type AlgorithmKind string

// Supported rate-limiting algorithms.
const (
	AlgSlidingWindow    AlgorithmKind = "sliding_window"
	AlgTokenBucket      AlgorithmKind = "token_bucket"
	AlgLeakyBucket      AlgorithmKind = "leaky_bucket"
	AlgSlidingWindowLog AlgorithmKind = "sliding_window_log"
	AlgAdaptive         AlgorithmKind = "adaptive"
)

// Validate checks that the algorithm kind is one of the supported ones.
func (k AlgorithmKind) Validate() error {
	switch k {
	case AlgSlidingWindow, AlgTokenBucket, AlgLeakyBucket, AlgSlidingWindowLog, AlgAdaptive:
		return nil
	}
	return fmt.Errorf("unknown rate limit algorithm %q", string(k))
}

// Rate describes the frequency of requests.
type Rate struct {
	Count    int
	Duration time.Duration
}

// PerSecond returns the rate normalized to requests per second.
func (r Rate) PerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Count) / r.Duration.Seconds()
}

// AdaptiveParams contains parameters of the adaptive algorithm.
// The adaptive algorithm wraps a base algorithm and periodically recomputes
// the effective limit from observed traffic, clamped to [MinLimit, MaxLimit]
// and moving at most Step per learning window.
type AdaptiveParams struct {
	LearningWindow time.Duration
	MinLimit       int
	MaxLimit       int
	Step           int
	Base           AlgorithmKind
}

// Rule is an immutable rate-limiting rule resolved for a request.
type Rule struct {
	MaxRequests int
	Window      time.Duration
	Algorithm   AlgorithmKind

	// Burst overrides the bucket capacity for token/leaky bucket algorithms.
	// Zero means MaxRequests.
	Burst int

	// Precision is the number of sub-windows for the sliding window algorithm.
	// Zero means DefaultSlidingWindowPrecision.
	Precision int

	// LogRetention determines how long the sliding window log keeps timestamps
	// that already fell out of the window. Zero means Window.
	LogRetention time.Duration

	Adaptive AdaptiveParams
}

// DefaultSlidingWindowPrecision is the default number of sub-windows
// the sliding window algorithm divides the window into.
const DefaultSlidingWindowPrecision = 10

// Capacity returns the bucket capacity for token/leaky bucket algorithms.
func (r Rule) Capacity() int {
	if r.Burst > 0 {
		return r.Burst
	}
	return r.MaxRequests
}

// RatePerSecond returns the refill/leak rate in units per second.
func (r Rule) RatePerSecond() float64 {
	return Rate{Count: r.MaxRequests, Duration: r.Window}.PerSecond()
}

func (r Rule) precision() int {
	if r.Precision > 0 {
		return r.Precision
	}
	return DefaultSlidingWindowPrecision
}

// Validate checks rule parameters ranges.
func (r Rule) Validate() error {
	if err := r.Algorithm.Validate(); err != nil {
		return err
	}
	if r.MaxRequests <= 0 {
		return fmt.Errorf("max requests should be positive, got %d", r.MaxRequests)
	}
	if r.Window <= 0 {
		return fmt.Errorf("window should be positive, got %s", r.Window)
	}
	if r.Burst < 0 {
		return fmt.Errorf("burst should not be negative, got %d", r.Burst)
	}
	if r.Precision < 0 {
		return fmt.Errorf("precision should not be negative, got %d", r.Precision)
	}
	if r.Precision > 0 && r.Window/time.Duration(r.Precision) < time.Millisecond {
		return fmt.Errorf("sub-window should be at least 1ms, got %s", r.Window/time.Duration(r.Precision))
	}
	if r.Algorithm == AlgAdaptive {
		return r.Adaptive.validate()
	}
	return nil
}

func (p AdaptiveParams) validate() error {
	if p.LearningWindow <= 0 {
		return fmt.Errorf("adaptive learning window should be positive, got %s", p.LearningWindow)
	}
	if p.MinLimit <= 0 {
		return fmt.Errorf("adaptive min limit should be positive, got %d", p.MinLimit)
	}
	if p.MaxLimit < p.MinLimit {
		return fmt.Errorf("adaptive max limit should be >= min limit, got %d < %d", p.MaxLimit, p.MinLimit)
	}
	if p.Step <= 0 {
		return fmt.Errorf("adaptive step should be positive, got %d", p.Step)
	}
	if p.Base == AlgAdaptive {
		return fmt.Errorf("adaptive algorithm cannot wrap itself")
	}
	if p.Base != "" {
		return p.Base.Validate()
	}
	return nil
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"
)

// State is the per-identifier rate-limiting state persisted by a storage
// backend. Exactly one algorithm data variant is populated, matching the
// Algorithm tag. State is owned by the backend that persists it and must not
// be shared outside the backend's concurrency control.
type State struct {
	Algorithm AlgorithmKind `json:"algorithm"`

	SlidingWindow    *SlidingWindowData    `json:"sliding_window,omitempty"`
	TokenBucket      *TokenBucketData      `json:"token_bucket,omitempty"`
	LeakyBucket      *LeakyBucketData      `json:"leaky_bucket,omitempty"`
	SlidingWindowLog *SlidingWindowLogData `json:"sliding_window_log,omitempty"`
	Adaptive         *AdaptiveData         `json:"adaptive,omitempty"`

	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	RequestCount uint64            `json:"request_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// SlidingWindowData holds counters of the sliding window algorithm.
// Keys are sub-window indexes (unix nanoseconds divided by sub-window size).
type SlidingWindowData struct {
	Windows       map[int64]uint64 `json:"windows"`
	CurrentWindow int64            `json:"current_window"`
}

// TokenBucketData holds the token bucket fill level.
type TokenBucketData struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// LeakyBucketData holds the leaky bucket volume.
type LeakyBucketData struct {
	Volume   float64   `json:"volume"`
	LastLeak time.Time `json:"last_leak"`
}

// SlidingWindowLogData holds the ordered request timestamp log.
type SlidingWindowLogData struct {
	Requests []time.Time `json:"requests"`
}

// TrafficSample is a single aggregated traffic observation of the adaptive algorithm.
type TrafficSample struct {
	At    time.Time `json:"at"`
	Count uint64    `json:"count"`
}

// AdaptiveData holds the learned limit and traffic history of the adaptive
// algorithm. Base is the state of the wrapped base algorithm.
type AdaptiveData struct {
	CurrentLimit     int             `json:"current_limit"`
	TrafficHistory   []TrafficSample `json:"traffic_history"`
	PerformanceScore float64         `json:"performance_score"`
	LastAdjust       time.Time       `json:"last_adjust"`
	Base             *State          `json:"base,omitempty"`
}

// NewState creates a state for the given algorithm with the matching
// zero-valued data variant populated.
func NewState(kind AlgorithmKind, now time.Time) *State {
	st := &State{Algorithm: kind, CreatedAt: now, LastAccessed: now}
	switch kind {
	case AlgSlidingWindow:
		st.SlidingWindow = &SlidingWindowData{Windows: make(map[int64]uint64)}
	case AlgTokenBucket:
		st.TokenBucket = &TokenBucketData{}
	case AlgLeakyBucket:
		st.LeakyBucket = &LeakyBucketData{}
	case AlgSlidingWindowLog:
		st.SlidingWindowLog = &SlidingWindowLogData{}
	case AlgAdaptive:
		st.Adaptive = &AdaptiveData{}
	}
	return st
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.SlidingWindow != nil {
		windows := make(map[int64]uint64, len(s.SlidingWindow.Windows))
		for k, v := range s.SlidingWindow.Windows {
			windows[k] = v
		}
		c.SlidingWindow = &SlidingWindowData{Windows: windows, CurrentWindow: s.SlidingWindow.CurrentWindow}
	}
	if s.TokenBucket != nil {
		tb := *s.TokenBucket
		c.TokenBucket = &tb
	}
	if s.LeakyBucket != nil {
		lb := *s.LeakyBucket
		c.LeakyBucket = &lb
	}
	if s.SlidingWindowLog != nil {
		reqs := make([]time.Time, len(s.SlidingWindowLog.Requests))
		copy(reqs, s.SlidingWindowLog.Requests)
		c.SlidingWindowLog = &SlidingWindowLogData{Requests: reqs}
	}
	if s.Adaptive != nil {
		ad := *s.Adaptive
		ad.TrafficHistory = make([]TrafficSample, len(s.Adaptive.TrafficHistory))
		copy(ad.TrafficHistory, s.Adaptive.TrafficHistory)
		ad.Base = s.Adaptive.Base.Clone()
		c.Adaptive = &ad
	}
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		c.Metadata = md
	}
	return &c
}

// Touch updates access bookkeeping. Algorithms call it on every decision.
func (s *State) Touch(now time.Time) {
	s.LastAccessed = now
	s.RequestCount++
}

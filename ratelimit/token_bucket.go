/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"math"
	"time"
)

// tokenBucket implements the token bucket algorithm: the bucket refills at
// rule.RatePerSecond up to rule.Capacity, and each allowed request consumes
// exactly one token. Bursts up to the capacity are allowed.
type tokenBucket struct{}

// Kind is a part of Algorithm interface.
func (tokenBucket) Kind() AlgorithmKind { return AlgTokenBucket }

// Decide is a part of Algorithm interface.
func (tokenBucket) Decide(st *State, now time.Time, rule Rule) (Decision, error) {
	if err := checkStateKind(st, AlgTokenBucket); err != nil {
		return Decision{}, err
	}
	d := st.TokenBucket
	if d == nil {
		return Decision{}, &AlgorithmError{Want: AlgTokenBucket}
	}
	st.Touch(now)

	capacity := float64(rule.Capacity())
	rate := rule.RatePerSecond()

	if d.LastRefill.IsZero() {
		// A fresh bucket starts full.
		d.Tokens = capacity
	} else if elapsed := now.Sub(d.LastRefill).Seconds(); elapsed > 0 {
		d.Tokens = math.Min(capacity, d.Tokens+elapsed*rate)
	}
	d.LastRefill = now

	dec := Decision{Limit: rule.MaxRequests}
	if d.Tokens >= 1 {
		d.Tokens--
		dec.Allow = true
	} else if rate > 0 {
		dec.RetryAfter = secondsToDuration((1 - d.Tokens) / rate)
	}
	dec.Remaining = int(math.Floor(d.Tokens))
	if rate > 0 {
		dec.ResetAt = now.Add(secondsToDuration((capacity - d.Tokens) / rate))
	}
	return dec, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

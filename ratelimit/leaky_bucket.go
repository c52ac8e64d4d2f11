/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"math"
	"time"
)

// leakyBucket implements the leaky bucket algorithm: the bucket drains at
// rule.RatePerSecond and each request adds one unit of volume. A request is
// allowed only while the volume is below the capacity, which makes the
// admitted throughput perfectly smooth once the bucket is saturated: no two
// admissions happen closer together than 1/rate.
type leakyBucket struct{}

// Kind is a part of Algorithm interface.
func (leakyBucket) Kind() AlgorithmKind { return AlgLeakyBucket }

// Decide is a part of Algorithm interface.
func (leakyBucket) Decide(st *State, now time.Time, rule Rule) (Decision, error) {
	if err := checkStateKind(st, AlgLeakyBucket); err != nil {
		return Decision{}, err
	}
	d := st.LeakyBucket
	if d == nil {
		return Decision{}, &AlgorithmError{Want: AlgLeakyBucket}
	}
	st.Touch(now)

	capacity := float64(rule.Capacity())
	rate := rule.RatePerSecond()

	if !d.LastLeak.IsZero() {
		if elapsed := now.Sub(d.LastLeak).Seconds(); elapsed > 0 {
			d.Volume = math.Max(0, d.Volume-elapsed*rate)
		}
	}
	d.LastLeak = now

	dec := Decision{Limit: rule.MaxRequests}
	if d.Volume < capacity {
		d.Volume++
		dec.Allow = true
	} else if rate > 0 {
		// Volume may overshoot the capacity by the not-yet-leaked remainder of
		// the last admission; the +1 keeps saturated admissions 1/rate apart.
		dec.RetryAfter = secondsToDuration((d.Volume - capacity + 1) / rate)
	}
	dec.Remaining = int(math.Floor(capacity - d.Volume))
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}
	if rate > 0 {
		dec.ResetAt = now.Add(secondsToDuration(d.Volume / rate))
	}
	return dec, nil
}

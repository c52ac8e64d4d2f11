/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"
)

// slidingWindowLog implements the exact sliding window algorithm over an
// ordered timestamp log: a request at time T is allowed iff the number of
// recorded requests in (T-window, T] is below the limit.
//
// The log is evicted on every decision, so it never holds more than
// rule.MaxRequests timestamps inside the window plus whatever the retention
// period keeps around for observability. Cost is O(n) per identifier, which
// stays bounded because only allowed requests are recorded.
type slidingWindowLog struct{}

// Kind is a part of Algorithm interface.
func (slidingWindowLog) Kind() AlgorithmKind { return AlgSlidingWindowLog }

// Decide is a part of Algorithm interface.
func (slidingWindowLog) Decide(st *State, now time.Time, rule Rule) (Decision, error) {
	if err := checkStateKind(st, AlgSlidingWindowLog); err != nil {
		return Decision{}, err
	}
	d := st.SlidingWindowLog
	if d == nil {
		return Decision{}, &AlgorithmError{Want: AlgSlidingWindowLog}
	}
	st.Touch(now)

	retention := rule.LogRetention
	if retention < rule.Window {
		retention = rule.Window
	}
	evictBefore := now.Add(-retention)
	cutoff := now.Add(-rule.Window)

	kept := d.Requests[:0]
	count := 0
	var oldestCounted time.Time
	for _, t := range d.Requests {
		if !t.After(evictBefore) {
			continue
		}
		kept = append(kept, t)
		if t.After(cutoff) { // in (now-window, now]
			if count == 0 {
				oldestCounted = t
			}
			count++
		}
	}
	d.Requests = kept

	dec := Decision{Limit: rule.MaxRequests}
	if count < rule.MaxRequests {
		d.Requests = append(d.Requests, now)
		if count == 0 {
			oldestCounted = now
		}
		count++
		dec.Allow = true
	}
	dec.Remaining = rule.MaxRequests - count
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}
	if !oldestCounted.IsZero() {
		dec.ResetAt = oldestCounted.Add(rule.Window)
	} else {
		dec.ResetAt = now.Add(rule.Window)
	}
	if !dec.Allow {
		dec.RetryAfter = dec.ResetAt.Sub(now)
		if dec.RetryAfter <= 0 {
			dec.RetryAfter = time.Nanosecond
		}
	}
	return dec, nil
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"time"
)

// slidingWindow implements the sliding window counter algorithm.
// The window is divided into rule.Precision sub-windows and the decision sums
// the counts of all sub-windows in the lookback. A timestamp exactly on a
// sub-window boundary is attributed to the newer sub-window (flooring by the
// sub-window size does exactly that).
type slidingWindow struct{}

// Kind is a part of Algorithm interface.
func (slidingWindow) Kind() AlgorithmKind { return AlgSlidingWindow }

// Decide is a part of Algorithm interface.
func (slidingWindow) Decide(st *State, now time.Time, rule Rule) (Decision, error) {
	if err := checkStateKind(st, AlgSlidingWindow); err != nil {
		return Decision{}, err
	}
	d := st.SlidingWindow
	if d == nil {
		return Decision{}, &AlgorithmError{Want: AlgSlidingWindow}
	}
	if d.Windows == nil {
		d.Windows = make(map[int64]uint64)
	}
	st.Touch(now)

	precision := int64(rule.precision())
	subNs := rule.Window.Nanoseconds() / precision
	idx := now.UnixNano() / subNs
	oldest := idx - precision + 1

	var total uint64
	oldestCounted := int64(-1)
	for wIdx, count := range d.Windows {
		if wIdx < oldest {
			delete(d.Windows, wIdx)
			continue
		}
		total += count
		if oldestCounted == -1 || wIdx < oldestCounted {
			oldestCounted = wIdx
		}
	}
	d.CurrentWindow = idx

	dec := Decision{Limit: rule.MaxRequests}
	if total < uint64(rule.MaxRequests) {
		d.Windows[idx]++
		total++
		if oldestCounted == -1 || idx < oldestCounted {
			oldestCounted = idx
		}
		dec.Allow = true
	}
	dec.Remaining = rule.MaxRequests - int(total)
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}
	// The oldest counted sub-window falls out of the lookback when the index
	// advances past oldestCounted+precision-1.
	resetIdx := idx + 1
	if oldestCounted != -1 {
		resetIdx = oldestCounted + precision
	}
	dec.ResetAt = time.Unix(0, resetIdx*subNs)
	if !dec.Allow {
		dec.RetryAfter = dec.ResetAt.Sub(now)
		if dec.RetryAfter <= 0 {
			dec.RetryAfter = time.Duration(subNs)
		}
	}
	return dec, nil
}

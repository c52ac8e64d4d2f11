/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package pipeline

import (
	"fmt"
	"time"
)

// FailurePolicy determines the decision outcome when the storage backend
// fails or times out.
type FailurePolicy string

// Failure policies.
const (
	// FailOpen allows the request. Availability over strictness.
	FailOpen FailurePolicy = "fail_open"

	// FailClosed denies the request. Strictness over availability.
	FailClosed FailurePolicy = "fail_closed"

	// FailWithLastKnown repeats the last decision made for the same
	// identifier; when there is none, it falls back to allowing.
	FailWithLastKnown FailurePolicy = "fail_with_last_known"
)

func (p FailurePolicy) validate() error {
	switch p {
	case FailOpen, FailClosed, FailWithLastKnown:
		return nil
	}
	return fmt.Errorf("unknown failure policy %q", string(p))
}

// DecisionTimeoutError is returned when a storage call exceeded its bounded
// per-call timeout. It is mapped to the FailurePolicy at the pipeline
// boundary and never propagates to the caller.
type DecisionTimeoutError struct {
	Elapsed time.Duration
}

// Error implements the error interface.
func (e *DecisionTimeoutError) Error() string {
	return fmt.Sprintf("rate limit storage call timed out after %s", e.Elapsed)
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import (
	"context"
	"time"

	"github.com/acronis/go-ratelimit/ratelimit"
)

// Backend is the uniform contract for atomic state read/write/increment/cleanup.
//
// Implementations must be safe for concurrent use. Every method honors the
// passed context's deadline; callers on the request path are expected to bound
// each call with a timeout and map violations to their failure policy.
//
// Atomicity scope: Increment and Decider.Decide are atomic across processes
// on shared backends. A GetState/SetState round-trip is not: two processes
// can interleave and lose one update, so under concurrent writers the window
// algorithms driven through it may over-admit by a bounded amount. Returned
// states are private copies; callers may mutate them freely and persist the
// result with SetState.
type Backend interface {
	// GetState returns the state stored for the identifier.
	// found is false when there is no (non-expired) state.
	GetState(ctx context.Context, id string) (st *ratelimit.State, found bool, err error)

	// SetState stores the state for the identifier with the given TTL.
	// Zero TTL means no expiration.
	SetState(ctx context.Context, id string, st *ratelimit.State, ttl time.Duration) error

	// Increment atomically adds amount to the identifier's windowed counter and
	// returns the new value. The counter resets when the window rolls over.
	Increment(ctx context.Context, id string, amount uint64, window time.Duration) (uint64, error)

	// BatchGet returns states for the given identifiers; missing identifiers
	// are absent from the result.
	BatchGet(ctx context.Context, ids []string) (map[string]*ratelimit.State, error)

	// BatchSet stores multiple states with a common TTL.
	BatchSet(ctx context.Context, items map[string]*ratelimit.State, ttl time.Duration) error

	// HealthCheck reports whether the backend is operational.
	HealthCheck(ctx context.Context) error

	// CleanupExpired removes expired entries and returns how many were removed.
	// It is idempotent: a second call with no intervening writes returns 0.
	CleanupExpired(ctx context.Context) (int, error)
}

// Decider is an optional Backend capability: the backend makes the whole
// check-refill-consume decision server-side in one atomic call, sparing the
// get-decide-set round-trips. Callers should fall back to the generic path
// when the backend does not implement it or the algorithm is not supported.
type Decider interface {
	Decide(ctx context.Context, id string, rule ratelimit.Rule, now time.Time) (ratelimit.Decision, error)
}

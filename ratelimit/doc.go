/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit contains the core decision engine: rate-limiting rules,
// per-identifier state, and the throttling algorithms that operate on them.
//
// Every algorithm is a pure function of (state, now, rule): it inspects and
// mutates the passed state and returns a Decision, but performs no I/O and
// reads no clocks. Persisting state between calls is the caller's concern
// (see the storage package), which is what makes the same algorithm code work
// against the in-process, Redis, Postgres, and hybrid backends.
//
// Supported algorithms:
//   - sliding window counter with configurable precision
//   - token bucket (burst-friendly)
//   - leaky bucket (perfectly smooth output, zero burst tolerance)
//   - sliding window log (exact, O(n) per identifier)
//   - adaptive (wraps a base algorithm and learns the limit from traffic)
package ratelimit

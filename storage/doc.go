/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package storage defines the uniform contract for persisting per-identifier
// rate-limiting state and provides the wire codec shared by all backends.
//
// Concrete backends live in sub-packages:
//   - memstore: in-process concurrent map with TTL and eviction policies
//   - redisstore: Redis with server-side Lua atomicity and pipelined batches
//   - pgstore: Postgres with atomic upsert-returning increments
//   - hybridstore: L1 memory + L2 remote composite with write/read policies
//
// All operations are race-free for concurrent callers on the same identifier;
// Increment is atomic even across processes to the extent the backend's
// primitive (Lua script, SQL statement, CAS) provides it. No ordering is
// imposed across distinct identifiers.
package storage

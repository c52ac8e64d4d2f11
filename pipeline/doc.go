/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package pipeline orchestrates single rate-limiting decisions: identifier
// extraction, rule resolution, algorithm invocation against a storage backend,
// failure-policy handling, and header/metrics emission.
//
// The pipeline itself is transport-agnostic. The host framework builds a
// Request from whatever it parses (HTTP, gRPC, message headers), calls Check,
// and applies the returned decision and headers. Storage calls run under a
// bounded per-call timeout; when the backend misbehaves, the configured
// FailurePolicy decides the outcome instead of the error propagating to the
// caller.
//
// Decision events are forwarded to Prometheus metrics asynchronously through a
// bounded channel, so metrics never block the request path; when the channel
// is full, events are dropped and the drops are counted.
package pipeline

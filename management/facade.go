/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package management exposes runtime control over the rate-limiting engine:
// validating and publishing hierarchy updates, inspecting the live
// configuration, and fetching realtime statistics. Caller authentication and
// the transport (HTTP handler, gRPC service, CLI) are the host application's
// responsibility.
package management

import (
	"context"
	"time"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-ratelimit/pipeline"
	"github.com/acronis/go-ratelimit/ruleconfig"
)

// Stats is a realtime snapshot of the engine's counters and health.
type Stats struct {
	Allowed   uint64                      `json:"allowed"`
	Denied    uint64                      `json:"denied"`
	Errors    uint64                      `json:"errors"`
	LayerHits map[ruleconfig.Layer]uint64 `json:"layerHits"`

	ConfigVersion  string    `json:"configVersion"`
	ConfigLoadedAt time.Time `json:"configLoadedAt"`

	StorageHealthy bool   `json:"storageHealthy"`
	StorageError   string `json:"storageError,omitempty"`
}

// Facade is the management entry point for a running engine.
type Facade struct {
	resolver *ruleconfig.Resolver
	pipeline *pipeline.Pipeline
	logger   log.FieldLogger
}

// New creates a new management facade over the resolver and pipeline.
func New(resolver *ruleconfig.Resolver, p *pipeline.Pipeline, logger log.FieldLogger) *Facade {
	return &Facade{resolver: resolver, pipeline: p, logger: logger}
}

// ApplyHierarchy validates the proposed hierarchy and publishes it as the new
// live snapshot, returning the new snapshot's version. An invalid hierarchy
// is rejected with a *ruleconfig.ConfigError and the live snapshot is left
// untouched: partial application is never visible.
func (f *Facade) ApplyHierarchy(cfg *ruleconfig.HierarchyConfig) (version string, err error) {
	snap, err := f.resolver.Load(cfg)
	if err != nil {
		f.logger.Warn("rejected rate limit hierarchy update", log.Error(err))
		return "", err
	}
	f.logger.Info("applied rate limit hierarchy update",
		log.String("config_version", snap.Version))
	return snap.Version, nil
}

// ValidateRule checks a single rule without applying anything.
func (f *Facade) ValidateRule(cfg *ruleconfig.RuleConfig) error {
	if err := cfg.Validate(); err != nil {
		return &ruleconfig.ConfigError{Err: err}
	}
	return nil
}

// Hierarchy returns the live hierarchy and its version. ok is false when no
// configuration has been applied yet.
func (f *Facade) Hierarchy() (cfg *ruleconfig.HierarchyConfig, version string, ok bool) {
	snap := f.resolver.Snapshot()
	if snap == nil {
		return nil, "", false
	}
	return snap.Hierarchy(), snap.Version, true
}

// Stats returns the engine's realtime totals, the live configuration version,
// and the storage backend's health.
func (f *Facade) Stats(ctx context.Context) Stats {
	counters := f.pipeline.Counters()
	st := Stats{
		Allowed:   counters.Allowed,
		Denied:    counters.Denied,
		Errors:    counters.Errors,
		LayerHits: counters.LayerHits,
	}
	if snap := f.resolver.Snapshot(); snap != nil {
		st.ConfigVersion = snap.Version
		st.ConfigLoadedAt = snap.LoadedAt
	}
	if err := f.pipeline.Store().HealthCheck(ctx); err != nil {
		st.StorageError = err.Error()
	} else {
		st.StorageHealthy = true
	}
	return st
}

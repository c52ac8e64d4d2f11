/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ruleconfig

import (
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/vasayxtx/go-glob"

	"github.com/acronis/go-ratelimit/ratelimit"
)

// Request carries the attributes the resolver matches rules against.
type Request struct {
	IP       string
	TenantID string
	UserID   string
	Method   string
	Path     string
}

// ResolvedRule is the outcome of a successful resolution.
type ResolvedRule struct {
	Rule  ratelimit.Rule
	Layer Layer
	// Key names the matched hierarchy node (tenant id, endpoint pattern, ...).
	Key string
}

type compiledEndpoint struct {
	method  string
	pattern string
	match   func(string) bool
	rule    ratelimit.Rule
}

type compiledIP struct {
	cidr  string
	ipNet *net.IPNet
	rule  ratelimit.Rule
}

// Snapshot is an immutable, version-stamped compiled copy of the hierarchy.
type Snapshot struct {
	Version  string
	LoadedAt time.Time

	cfg       *HierarchyConfig
	global    *ratelimit.Rule
	tenants   map[string]ratelimit.Rule
	users     map[string]ratelimit.Rule
	endpoints []compiledEndpoint
	ips       []compiledIP
}

// Hierarchy returns the configuration the snapshot was compiled from.
// Callers must treat it as read-only.
func (s *Snapshot) Hierarchy() *HierarchyConfig {
	return s.cfg
}

// Resolve walks the layers from the most to the least specific and returns
// the first matching rule. ok is false when no layer matches; the engine
// treats that as deny-by-default.
func (s *Snapshot) Resolve(req Request) (ResolvedRule, bool) {
	if req.IP != "" {
		if ip := net.ParseIP(req.IP); ip != nil {
			for i := range s.ips {
				if s.ips[i].ipNet.Contains(ip) {
					return ResolvedRule{Rule: s.ips[i].rule, Layer: LayerIP, Key: s.ips[i].cidr}, true
				}
			}
		}
	}
	if req.Path != "" {
		for i := range s.endpoints {
			ep := &s.endpoints[i]
			if ep.method != "" && !strings.EqualFold(ep.method, req.Method) {
				continue
			}
			if ep.match(req.Path) {
				return ResolvedRule{Rule: ep.rule, Layer: LayerEndpoint, Key: ep.pattern}, true
			}
		}
	}
	if req.UserID != "" {
		if rule, ok := s.users[req.UserID]; ok {
			return ResolvedRule{Rule: rule, Layer: LayerUser, Key: req.UserID}, true
		}
	}
	if req.TenantID != "" {
		if rule, ok := s.tenants[req.TenantID]; ok {
			return ResolvedRule{Rule: rule, Layer: LayerTenant, Key: req.TenantID}, true
		}
	}
	if s.global != nil {
		return ResolvedRule{Rule: *s.global, Layer: LayerGlobal, Key: string(LayerGlobal)}, true
	}
	return ResolvedRule{}, false
}

// Resolver publishes compiled hierarchy snapshots and serves lock-free reads.
type Resolver struct {
	snap atomic.Pointer[Snapshot]
}

// NewResolver creates a resolver with no hierarchy loaded. Until the first
// successful Load every resolution fails, which the engine maps to deny.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Load validates and compiles the configuration and atomically publishes it
// as the new current snapshot. On validation failure the live snapshot is
// left untouched, so no partial application is ever visible.
func (r *Resolver) Load(cfg *HierarchyConfig) (*Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	snap := compile(cfg)
	r.snap.Store(snap)
	return snap, nil
}

// Snapshot returns the current snapshot, or nil when nothing is loaded.
func (r *Resolver) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Resolve resolves the rule for the request against the current snapshot.
func (r *Resolver) Resolve(req Request) (ResolvedRule, bool) {
	snap := r.snap.Load()
	if snap == nil {
		return ResolvedRule{}, false
	}
	return snap.Resolve(req)
}

func compile(cfg *HierarchyConfig) *Snapshot {
	snap := &Snapshot{
		Version:  xid.New().String(),
		LoadedAt: time.Now().UTC(),
		cfg:      cfg,
		tenants:  make(map[string]ratelimit.Rule, len(cfg.Tenants)),
		users:    make(map[string]ratelimit.Rule, len(cfg.Users)),
	}
	if cfg.Global != nil {
		rule := cfg.Global.ToRule()
		snap.global = &rule
	}
	for tenant, rc := range cfg.Tenants {
		snap.tenants[tenant] = rc.ToRule()
	}
	for user, rc := range cfg.Users {
		snap.users[user] = rc.ToRule()
	}
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		snap.endpoints = append(snap.endpoints, compiledEndpoint{
			method:  ep.Method,
			pattern: ep.Path,
			match:   glob.Compile(ep.Path),
			rule:    ep.RuleConfig.ToRule(),
		})
	}
	for i := range cfg.IPs {
		ipRule := &cfg.IPs[i]
		ipNet, _ := parseCIDR(ipRule.CIDR) // Validated by cfg.Validate().
		snap.ips = append(snap.ips, compiledIP{cidr: ipRule.CIDR, ipNet: ipNet, rule: ipRule.RuleConfig.ToRule()})
	}
	return snap
}

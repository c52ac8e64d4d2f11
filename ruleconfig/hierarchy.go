/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ruleconfig

import (
	"fmt"
	"net"
	"strings"
)

// Layer identifies a level of the rule hierarchy.
type Layer string

// Hierarchy layers, ordered from the most to the least specific.
const (
	LayerIP       Layer = "ip"
	LayerEndpoint Layer = "endpoint"
	LayerUser     Layer = "user"
	LayerTenant   Layer = "tenant"
	LayerGlobal   Layer = "global"
)

// Layers lists all hierarchy layers in resolution order.
func Layers() []Layer {
	return []Layer{LayerIP, LayerEndpoint, LayerUser, LayerTenant, LayerGlobal}
}

// EndpointRuleConfig binds a rule to an endpoint. Path supports glob patterns
// ("/api/v1/*"); empty Method matches any method.
type EndpointRuleConfig struct {
	Method     string `mapstructure:"method" yaml:"method" json:"method"`
	Path       string `mapstructure:"path" yaml:"path" json:"path"`
	RuleConfig `mapstructure:",squash" yaml:",inline" json:",inline"`
}

// IPRuleConfig binds a rule to an IP address or CIDR range.
type IPRuleConfig struct {
	CIDR       string `mapstructure:"cidr" yaml:"cidr" json:"cidr"`
	RuleConfig `mapstructure:",squash" yaml:",inline" json:",inline"`
}

// HierarchyConfig is the whole rule hierarchy as it appears in configuration
// files. It is never consulted directly on the request path: Resolver.Load
// compiles it into an immutable snapshot first.
type HierarchyConfig struct {
	Global    *RuleConfig            `mapstructure:"global" yaml:"global" json:"global"`
	Tenants   map[string]*RuleConfig `mapstructure:"tenants" yaml:"tenants" json:"tenants"`
	Users     map[string]*RuleConfig `mapstructure:"users" yaml:"users" json:"users"`
	Endpoints []EndpointRuleConfig   `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"`
	IPs       []IPRuleConfig         `mapstructure:"ips" yaml:"ips" json:"ips"`
}

// Validate validates the whole hierarchy. An invalid hierarchy is rejected
// before it can be published, so configuration errors never reach the request
// path.
func (c *HierarchyConfig) Validate() error {
	if c.Global != nil {
		if err := c.Global.Validate(); err != nil {
			return fmt.Errorf("global rule: %w", err)
		}
	}
	for tenant, rule := range c.Tenants {
		if tenant == "" {
			return fmt.Errorf("tenant id should not be empty")
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("tenant %q rule: %w", tenant, err)
		}
	}
	for user, rule := range c.Users {
		if user == "" {
			return fmt.Errorf("user id should not be empty")
		}
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("user %q rule: %w", user, err)
		}
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Path == "" {
			return fmt.Errorf("endpoint rule #%d: path should not be empty", i)
		}
		if err := ep.RuleConfig.Validate(); err != nil {
			return fmt.Errorf("endpoint rule %q: %w", ep.Path, err)
		}
	}
	for i := range c.IPs {
		ipRule := &c.IPs[i]
		if _, err := parseCIDR(ipRule.CIDR); err != nil {
			return fmt.Errorf("ip rule #%d: %w", i, err)
		}
		if err := ipRule.RuleConfig.Validate(); err != nil {
			return fmt.Errorf("ip rule %q: %w", ipRule.CIDR, err)
		}
	}
	return nil
}

// parseCIDR parses a CIDR range; a bare IP address is treated as a single-host range.
func parseCIDR(s string) (*net.IPNet, error) {
	if s == "" {
		return nil, fmt.Errorf("ip or CIDR should not be empty")
	}
	if !strings.Contains(s, "/") {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, fmt.Errorf("invalid ip address %q", s)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
	}
	_, ipNet, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
	}
	return ipNet, nil
}

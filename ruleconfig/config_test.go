/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ruleconfig

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-ratelimit/ratelimit"
)

func TestRateValueUnmarshal(t *testing.T) {
	tests := []struct {
		text    string
		want    RateValue
		wantErr bool
	}{
		{text: "10/s", want: RateValue{Count: 10, Duration: time.Second}},
		{text: "100/m", want: RateValue{Count: 100, Duration: time.Minute}},
		{text: "1000/h", want: RateValue{Count: 1000, Duration: time.Hour}},
		{text: "", want: RateValue{}},
		{text: "10", wantErr: true},
		{text: "ten/s", wantErr: true},
		{text: "10/d", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			var rv RateValue
			err := rv.UnmarshalText([]byte(tt.text))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, rv)
		})
	}
}

func TestRateValueMarshalRoundtrip(t *testing.T) {
	rv := RateValue{Count: 100, Duration: time.Minute}
	b, err := json.Marshal(rv)
	require.NoError(t, err)
	require.Equal(t, `"100/m"`, string(b))

	var got RateValue
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, rv, got)
}

func TestHierarchyConfigUnmarshalYAML(t *testing.T) {
	data := `
global:
  rate: 1000/m
tenants:
  acme:
    rate: 100/s
    algorithm: token_bucket
    burst: 150
users:
  alice:
    rate: 10/s
    algorithm: sliding_window_log
    logRetention: 2m
endpoints:
  - method: POST
    path: /api/v1/*
    rate: 5/s
    algorithm: leaky_bucket
ips:
  - cidr: 10.0.0.0/8
    rate: 1/s
`
	var cfg HierarchyConfig
	require.NoError(t, yaml.Unmarshal([]byte(data), &cfg))
	require.NoError(t, cfg.Validate())

	require.Equal(t, RateValue{Count: 1000, Duration: time.Minute}, cfg.Global.Rate)

	tenant := cfg.Tenants["acme"]
	require.NotNil(t, tenant)
	require.Equal(t, ratelimit.AlgTokenBucket, tenant.Algorithm)
	require.Equal(t, 150, tenant.Burst)

	user := cfg.Users["alice"]
	require.NotNil(t, user)
	require.Equal(t, 2*time.Minute, user.LogRetention)

	require.Len(t, cfg.Endpoints, 1)
	require.Equal(t, "POST", cfg.Endpoints[0].Method)
	require.Equal(t, "/api/v1/*", cfg.Endpoints[0].Path)
	require.Equal(t, ratelimit.AlgLeakyBucket, cfg.Endpoints[0].Algorithm)

	require.Len(t, cfg.IPs, 1)
	require.Equal(t, "10.0.0.0/8", cfg.IPs[0].CIDR)
}

func TestHierarchyConfigUnmarshalJSON(t *testing.T) {
	data := `{
		"global": {"rate": "100/m"},
		"endpoints": [{"path": "/login", "rate": "3/m"}]
	}`
	var cfg HierarchyConfig
	require.NoError(t, json.Unmarshal([]byte(data), &cfg))
	require.NoError(t, cfg.Validate())
	require.Equal(t, 100, cfg.Global.Rate.Count)
	require.Equal(t, 3, cfg.Endpoints[0].Rate.Count)
}

func TestRuleConfigToRuleDefaultsAlgorithm(t *testing.T) {
	rc := RuleConfig{Rate: RateValue{Count: 5, Duration: time.Minute}}
	rule := rc.ToRule()
	require.Equal(t, ratelimit.AlgSlidingWindow, rule.Algorithm)
	require.Equal(t, 5, rule.MaxRequests)
	require.Equal(t, time.Minute, rule.Window)
}

func TestRuleConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  RuleConfig
	}{
		{name: "missing rate", cfg: RuleConfig{}},
		{name: "negative burst", cfg: RuleConfig{
			Rate:      RateValue{Count: 10, Duration: time.Second},
			Algorithm: ratelimit.AlgTokenBucket,
			Burst:     -1,
		}},
		{name: "adaptive without params", cfg: RuleConfig{
			Rate:      RateValue{Count: 10, Duration: time.Second},
			Algorithm: ratelimit.AlgAdaptive,
		}},
		{name: "unknown algorithm", cfg: RuleConfig{
			Rate:      RateValue{Count: 10, Duration: time.Second},
			Algorithm: "fixed_window",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.cfg.Validate())
		})
	}
}

func TestHierarchyConfigValidateRejectsBadEntries(t *testing.T) {
	goodRule := &RuleConfig{Rate: RateValue{Count: 10, Duration: time.Second}}

	cfg := HierarchyConfig{Tenants: map[string]*RuleConfig{"": goodRule}}
	require.Error(t, cfg.Validate())

	cfg = HierarchyConfig{Endpoints: []EndpointRuleConfig{{RuleConfig: *goodRule}}}
	require.Error(t, cfg.Validate())

	cfg = HierarchyConfig{IPs: []IPRuleConfig{{CIDR: "not-an-ip", RuleConfig: *goodRule}}}
	require.Error(t, cfg.Validate())

	cfg = HierarchyConfig{Users: map[string]*RuleConfig{"u": {}}}
	require.Error(t, cfg.Validate())
}

func TestParseCIDR(t *testing.T) {
	ipNet, err := parseCIDR("192.168.1.1")
	require.NoError(t, err)
	require.Equal(t, "192.168.1.1/32", ipNet.String())

	ipNet, err = parseCIDR("2001:db8::1")
	require.NoError(t, err)
	require.Equal(t, "2001:db8::1/128", ipNet.String())

	ipNet, err = parseCIDR("10.0.0.0/8")
	require.NoError(t, err)
	require.True(t, ipNet.Contains(parseIPForTest(t, "10.20.30.40")))

	_, err = parseCIDR("")
	require.Error(t, err)
	_, err = parseCIDR("10.0.0.0/33")
	require.Error(t, err)
}

func parseIPForTest(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip
}

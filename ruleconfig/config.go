/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ruleconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/acronis/go-ratelimit/ratelimit"
)

// RateValue represents a rate limit value in the "N/(s|m|h)" form,
// for example "10/s", "100/m", "1000/h".
type RateValue struct {
	Count    int
	Duration time.Duration
}

// String returns a string representation of the rate value.
// Implements fmt.Stringer interface.
func (rv RateValue) String() string {
	if rv.Duration == 0 && rv.Count == 0 {
		return ""
	}
	var d string
	switch rv.Duration {
	case time.Second:
		d = "s"
	case time.Minute:
		d = "m"
	case time.Hour:
		d = "h"
	default:
		d = rv.Duration.String()
	}
	return fmt.Sprintf("%d/%s", rv.Count, d)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (rv *RateValue) UnmarshalText(text []byte) error {
	return rv.unmarshal(string(text))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (rv *RateValue) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (rv *RateValue) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	return rv.unmarshal(text)
}

func (rv *RateValue) unmarshal(rate string) error {
	if rate == "" {
		*rv = RateValue{}
		return nil
	}
	incorrectFormatErr := fmt.Errorf(
		"incorrect format for rate %q, should be N/(s|m|h), for example 10/s, 100/m, 1000/h", rate)
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) != 2 {
		return incorrectFormatErr
	}
	count, err := strconv.Atoi(parts[0])
	if err != nil {
		return incorrectFormatErr
	}
	var dur time.Duration
	switch strings.ToLower(parts[1]) {
	case "s":
		dur = time.Second
	case "m":
		dur = time.Minute
	case "h":
		dur = time.Hour
	default:
		return incorrectFormatErr
	}
	*rv = RateValue{Count: count, Duration: dur}
	return nil
}

// MarshalText implements the encoding.TextMarshaler interface.
func (rv RateValue) MarshalText() ([]byte, error) {
	return []byte(rv.String()), nil
}

// MarshalJSON implements the json.Marshaler interface.
func (rv RateValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(rv.String())
}

// MarshalYAML implements the yaml.Marshaler interface.
func (rv RateValue) MarshalYAML() (interface{}, error) {
	return rv.String(), nil
}

// AdaptiveConfig represents configuration of the adaptive algorithm.
type AdaptiveConfig struct {
	LearningWindow time.Duration           `mapstructure:"learningWindow" yaml:"learningWindow" json:"learningWindow"`
	MinLimit       int                     `mapstructure:"minLimit" yaml:"minLimit" json:"minLimit"`
	MaxLimit       int                     `mapstructure:"maxLimit" yaml:"maxLimit" json:"maxLimit"`
	Step           int                     `mapstructure:"step" yaml:"step" json:"step"`
	Base           ratelimit.AlgorithmKind `mapstructure:"base" yaml:"base" json:"base"`
}

// RuleConfig represents a configuration of a single rate-limiting rule.
type RuleConfig struct {
	// Rate determines the allowed frequency, e.g. "100/m".
	Rate RateValue `mapstructure:"rate" yaml:"rate" json:"rate"`

	// Algorithm selects the throttling algorithm. Empty means sliding_window.
	Algorithm ratelimit.AlgorithmKind `mapstructure:"algorithm" yaml:"algorithm" json:"algorithm"`

	// Burst overrides the bucket capacity for token/leaky bucket algorithms.
	Burst int `mapstructure:"burst" yaml:"burst" json:"burst"`

	// Precision is the number of sub-windows for the sliding window algorithm.
	Precision int `mapstructure:"precision" yaml:"precision" json:"precision"`

	// LogRetention determines how long the sliding window log keeps expired timestamps.
	LogRetention time.Duration `mapstructure:"logRetention" yaml:"logRetention" json:"logRetention"`

	Adaptive *AdaptiveConfig `mapstructure:"adaptive" yaml:"adaptive" json:"adaptive"`
}

// ToRule converts the configuration into an immutable engine rule.
func (c *RuleConfig) ToRule() ratelimit.Rule {
	rule := ratelimit.Rule{
		MaxRequests:  c.Rate.Count,
		Window:       c.Rate.Duration,
		Algorithm:    c.Algorithm,
		Burst:        c.Burst,
		Precision:    c.Precision,
		LogRetention: c.LogRetention,
	}
	if rule.Algorithm == "" {
		rule.Algorithm = ratelimit.AlgSlidingWindow
	}
	if c.Adaptive != nil {
		rule.Adaptive = ratelimit.AdaptiveParams{
			LearningWindow: c.Adaptive.LearningWindow,
			MinLimit:       c.Adaptive.MinLimit,
			MaxLimit:       c.Adaptive.MaxLimit,
			Step:           c.Adaptive.Step,
			Base:           c.Adaptive.Base,
		}
	}
	return rule
}

// Validate validates the rule configuration.
func (c *RuleConfig) Validate() error {
	if c.Rate.Count == 0 && c.Rate.Duration == 0 {
		return fmt.Errorf("rate is missing")
	}
	if c.Algorithm == ratelimit.AlgAdaptive && c.Adaptive == nil {
		return fmt.Errorf("adaptive parameters are missing for %q algorithm", ratelimit.AlgAdaptive)
	}
	return c.ToRule().Validate()
}

// MapstructureDecodeHook returns a DecodeHookFunc for mapstructure to handle
// custom types. Pass it to viper or config.Loader when decoding files that
// contain rate-limiting rules.
func MapstructureDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ruleconfig

// ConfigError indicates an invalid rule or hierarchy. It is always raised at
// publish time, before the configuration can apply, so it never reaches the
// request path.
type ConfigError struct {
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "invalid rate limit configuration: " + e.Err.Error()
}

// Unwrap returns the underlying validation error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

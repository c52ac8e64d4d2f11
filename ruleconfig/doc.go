/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package ruleconfig defines the runtime-configurable rule hierarchy and its
// resolver. Rules are organized in layers ordered from the most to the least
// specific: ip, endpoint, user, tenant, global. Resolution takes the first
// layer with a matching rule; when nothing matches, the engine denies by
// default.
//
// Updates never mutate a live hierarchy: a new validated configuration is
// compiled into an immutable version-stamped Snapshot and published with a
// single atomic pointer swap, so every decision reads one consistent snapshot
// for its whole lifetime.
//
// Configuration can be expressed in YAML or JSON and loaded with
// config.Loader from github.com/acronis/go-appkit or with viper directly
// (see MapstructureDecodeHook).
package ruleconfig

// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for Haven nodes.
//
// Configuration is loaded from a single file specified by either the
// HAVEN_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. This ensures deterministic, auditable
// configuration with no hidden overrides.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${HAVEN_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Node, Store, Propagation, Reaper
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//   - [Duration] -- parses duration fields after Validate
//
// This package depends on no other Haven packages.
package config

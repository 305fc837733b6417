// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for a Haven node.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Node configures the local node identity and listeners.
	Node NodeConfig `yaml:"node"`

	// Store configures the durable bundle store.
	Store StoreConfig `yaml:"store"`

	// Propagation configures neighbor exchange.
	Propagation PropagationConfig `yaml:"propagation"`

	// Reaper configures expiry sweeps.
	Reaper ReaperConfig `yaml:"reaper"`

	// Per-environment overrides, applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths       *PathsConfig       `yaml:"paths,omitempty"`
	Node        *NodeConfig        `yaml:"node,omitempty"`
	Store       *StoreConfig       `yaml:"store,omitempty"`
	Propagation *PropagationConfig `yaml:"propagation,omitempty"`
	Reaper      *ReaperConfig      `yaml:"reaper,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Haven data.
	Root string `yaml:"root"`

	// Database is the SQLite bundle store path.
	// Default: ${HAVEN_ROOT}/bundles.db
	Database string `yaml:"database"`

	// Vault is the encrypted identity vault path.
	// Default: ${HAVEN_ROOT}/identity.vault
	Vault string `yaml:"vault"`
}

// NodeConfig configures the local node identity and listeners.
type NodeConfig struct {
	// Name is the human-readable node name used in logs and handshakes.
	Name string `yaml:"name"`

	// Listen is the TCP address neighbor links accept on.
	// Default: 127.0.0.1:7740
	Listen string `yaml:"listen"`

	// HealthListen is the HTTP address the health endpoint serves on.
	// Empty disables the endpoint.
	HealthListen string `yaml:"health_listen"`

	// ShutdownGrace bounds how long in-flight exchanges may run at
	// shutdown before links are cut. Default: 10s
	ShutdownGrace string `yaml:"shutdown_grace"`
}

// StoreConfig configures the durable bundle store.
type StoreConfig struct {
	// MaxBytes is the storage budget for bundle payloads. Inserting
	// past the budget evicts lowest-value bundles first.
	// Default: 256 MiB
	MaxBytes int64 `yaml:"max_bytes"`

	// PoolSize is the SQLite connection pool size.
	// Default: 4
	PoolSize int `yaml:"pool_size"`

	// CompressThreshold is the payload size in bytes above which
	// payloads are compressed before encryption. Zero disables
	// compression. Default: 4096
	CompressThreshold int `yaml:"compress_threshold"`
}

// NeighborConfig describes one statically configured neighbor.
type NeighborConfig struct {
	// Name identifies the neighbor in queue state and logs.
	Name string `yaml:"name"`

	// Address is the neighbor's TCP address.
	Address string `yaml:"address"`
}

// PropagationConfig configures neighbor exchange.
type PropagationConfig struct {
	// Neighbors lists statically configured neighbors to dial.
	Neighbors []NeighborConfig `yaml:"neighbors"`

	// ExchangeInterval is how often an idle worker re-runs a manifest
	// exchange with a connected neighbor. Default: 30s
	ExchangeInterval string `yaml:"exchange_interval"`

	// BackoffBase is the first retry delay after a failed contact.
	// Default: 2s
	BackoffBase string `yaml:"backoff_base"`

	// BackoffCap is the largest retry delay. Default: 5m
	BackoffCap string `yaml:"backoff_cap"`

	// MaxFrameBytes limits the size of a single wire frame.
	// Default: 16 MiB
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// SuspicionThreshold is the number of signature failures from a
	// neighbor before its exchanges are deprioritized. Default: 3
	SuspicionThreshold int `yaml:"suspicion_threshold"`
}

// ReaperConfig configures expiry sweeps.
type ReaperConfig struct {
	// Interval is the period between routine sweeps. Default: 1m
	Interval string `yaml:"interval"`

	// DeepSweep is an optional 5-field cron expression for full-table
	// sweeps that also purge ephemeral records past their deadline.
	// Empty disables cron sweeps.
	DeepSweep string `yaml:"deep_sweep"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "haven")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:     defaultRoot,
			Database: filepath.Join(defaultRoot, "bundles.db"),
			Vault:    filepath.Join(defaultRoot, "identity.vault"),
		},
		Node: NodeConfig{
			Name:          "haven",
			Listen:        "127.0.0.1:7740",
			HealthListen:  "",
			ShutdownGrace: "10s",
		},
		Store: StoreConfig{
			MaxBytes:          256 << 20,
			PoolSize:          4,
			CompressThreshold: 4096,
		},
		Propagation: PropagationConfig{
			ExchangeInterval:   "30s",
			BackoffBase:        "2s",
			BackoffCap:         "5m",
			MaxFrameBytes:      16 << 20,
			SuspicionThreshold: 3,
		},
		Reaper: ReaperConfig{
			Interval:  "1m",
			DeepSweep: "",
		},
	}
}

// Load loads configuration from the HAVEN_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if HAVEN_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("HAVEN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HAVEN_CONFIG environment variable not set; " +
			"set it to the path of your haven.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.Database != "" {
			c.Paths.Database = overrides.Paths.Database
		}
		if overrides.Paths.Vault != "" {
			c.Paths.Vault = overrides.Paths.Vault
		}
	}

	if overrides.Node != nil {
		if overrides.Node.Name != "" {
			c.Node.Name = overrides.Node.Name
		}
		if overrides.Node.Listen != "" {
			c.Node.Listen = overrides.Node.Listen
		}
		if overrides.Node.HealthListen != "" {
			c.Node.HealthListen = overrides.Node.HealthListen
		}
		if overrides.Node.ShutdownGrace != "" {
			c.Node.ShutdownGrace = overrides.Node.ShutdownGrace
		}
	}

	if overrides.Store != nil {
		if overrides.Store.MaxBytes != 0 {
			c.Store.MaxBytes = overrides.Store.MaxBytes
		}
		if overrides.Store.PoolSize != 0 {
			c.Store.PoolSize = overrides.Store.PoolSize
		}
		if overrides.Store.CompressThreshold != 0 {
			c.Store.CompressThreshold = overrides.Store.CompressThreshold
		}
	}

	if overrides.Propagation != nil {
		if overrides.Propagation.Neighbors != nil {
			c.Propagation.Neighbors = overrides.Propagation.Neighbors
		}
		if overrides.Propagation.ExchangeInterval != "" {
			c.Propagation.ExchangeInterval = overrides.Propagation.ExchangeInterval
		}
		if overrides.Propagation.BackoffBase != "" {
			c.Propagation.BackoffBase = overrides.Propagation.BackoffBase
		}
		if overrides.Propagation.BackoffCap != "" {
			c.Propagation.BackoffCap = overrides.Propagation.BackoffCap
		}
		if overrides.Propagation.MaxFrameBytes != 0 {
			c.Propagation.MaxFrameBytes = overrides.Propagation.MaxFrameBytes
		}
		if overrides.Propagation.SuspicionThreshold != 0 {
			c.Propagation.SuspicionThreshold = overrides.Propagation.SuspicionThreshold
		}
	}

	if overrides.Reaper != nil {
		if overrides.Reaper.Interval != "" {
			c.Reaper.Interval = overrides.Reaper.Interval
		}
		if overrides.Reaper.DeepSweep != "" {
			c.Reaper.DeepSweep = overrides.Reaper.DeepSweep
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HAVEN_ROOT": c.Paths.Root,
		"HOME":       os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["HAVEN_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Paths.Vault = expandVars(c.Paths.Vault, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, fmt.Errorf("paths.database is required"))
	}

	if c.Node.Name == "" {
		errs = append(errs, fmt.Errorf("node.name is required"))
	}

	if c.Store.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("store.max_bytes must be positive"))
	}
	if c.Store.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("store.pool_size must be positive"))
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"node.shutdown_grace", c.Node.ShutdownGrace},
		{"propagation.exchange_interval", c.Propagation.ExchangeInterval},
		{"propagation.backoff_base", c.Propagation.BackoffBase},
		{"propagation.backoff_cap", c.Propagation.BackoffCap},
		{"reaper.interval", c.Reaper.Interval},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field.name, field.value))
		}
	}

	seen := make(map[string]bool)
	for _, neighbor := range c.Propagation.Neighbors {
		if neighbor.Name == "" || neighbor.Address == "" {
			errs = append(errs, fmt.Errorf("propagation.neighbors entries require name and address"))
			continue
		}
		if seen[neighbor.Name] {
			errs = append(errs, fmt.Errorf("duplicate neighbor name %q", neighbor.Name))
		}
		seen[neighbor.Name] = true
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Duration parses a duration config field. Call Validate first; this
// panics on malformed values so callers can treat validated config as
// trustworthy.
func Duration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: unvalidated duration %q: %v", value, err))
	}
	return d
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Paths.Vault),
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

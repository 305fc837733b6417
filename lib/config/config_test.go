// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Node.Listen != "127.0.0.1:7740" {
		t.Errorf("expected listen=127.0.0.1:7740, got %s", cfg.Node.Listen)
	}
	if cfg.Store.MaxBytes != 256<<20 {
		t.Errorf("expected max_bytes=%d, got %d", int64(256<<20), cfg.Store.MaxBytes)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_RequiresHavenConfig(t *testing.T) {
	origConfig := os.Getenv("HAVEN_CONFIG")
	defer os.Setenv("HAVEN_CONFIG", origConfig)

	os.Unsetenv("HAVEN_CONFIG")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when HAVEN_CONFIG not set, got nil")
	}
	if !strings.Contains(err.Error(), "HAVEN_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestLoad_WithHavenConfig(t *testing.T) {
	origConfig := os.Getenv("HAVEN_CONFIG")
	defer os.Setenv("HAVEN_CONFIG", origConfig)

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "haven.yaml")

	configContent := `
environment: staging
paths:
  root: /test/root
node:
  name: relay-7
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	os.Setenv("HAVEN_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Paths.Root != "/test/root" {
		t.Errorf("expected root=/test/root, got %s", cfg.Paths.Root)
	}
	if cfg.Node.Name != "relay-7" {
		t.Errorf("expected name=relay-7, got %s", cfg.Node.Name)
	}
}

func TestLoadFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "haven.yaml")

	configContent := `
environment: staging

paths:
  root: /custom/root

node:
  name: edge-1
  listen: 0.0.0.0:9000

store:
  max_bytes: 1048576
  pool_size: 2

propagation:
  neighbors:
    - name: relay-a
      address: 10.0.0.2:7740
    - name: relay-b
      address: 10.0.0.3:7740
  backoff_base: 1s

reaper:
  interval: 30s
  deep_sweep: "0 4 * * *"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Node.Listen != "0.0.0.0:9000" {
		t.Errorf("expected listen=0.0.0.0:9000, got %s", cfg.Node.Listen)
	}
	if cfg.Store.MaxBytes != 1048576 {
		t.Errorf("expected max_bytes=1048576, got %d", cfg.Store.MaxBytes)
	}
	if len(cfg.Propagation.Neighbors) != 2 {
		t.Fatalf("expected 2 neighbors, got %d", len(cfg.Propagation.Neighbors))
	}
	if cfg.Propagation.Neighbors[1].Address != "10.0.0.3:7740" {
		t.Errorf("neighbor address = %s", cfg.Propagation.Neighbors[1].Address)
	}
	// Unset fields keep defaults.
	if cfg.Propagation.BackoffCap != "5m" {
		t.Errorf("expected default backoff_cap=5m, got %s", cfg.Propagation.BackoffCap)
	}
	if cfg.Reaper.DeepSweep != "0 4 * * *" {
		t.Errorf("deep_sweep = %s", cfg.Reaper.DeepSweep)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "haven.yaml")

	configContent := `
environment: production

paths:
  root: /base/root

node:
  name: relay-1

production:
  paths:
    root: /prod/root
  store:
    max_bytes: 2147483648
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Root != "/prod/root" {
		t.Errorf("expected production root override, got %s", cfg.Paths.Root)
	}
	if cfg.Store.MaxBytes != 2147483648 {
		t.Errorf("expected production max_bytes override, got %d", cfg.Store.MaxBytes)
	}
	// Overrides must not leak section defaults over loaded values.
	if cfg.Node.Name != "relay-1" {
		t.Errorf("expected name=relay-1, got %s", cfg.Node.Name)
	}
}

func TestVariableExpansion(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "haven.yaml")

	configContent := `
paths:
  root: /var/lib/haven
  database: ${HAVEN_ROOT}/store/bundles.db
  vault: ${HAVEN_ROOT}/identity.vault
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Paths.Database != "/var/lib/haven/store/bundles.db" {
		t.Errorf("database = %s", cfg.Paths.Database)
	}
	if cfg.Paths.Vault != "/var/lib/haven/identity.vault" {
		t.Errorf("vault = %s", cfg.Paths.Vault)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad_environment", func(c *Config) { c.Environment = "qa" }, "invalid environment"},
		{"empty_root", func(c *Config) { c.Paths.Root = "" }, "paths.root is required"},
		{"empty_name", func(c *Config) { c.Node.Name = "" }, "node.name is required"},
		{"zero_budget", func(c *Config) { c.Store.MaxBytes = 0 }, "max_bytes must be positive"},
		{"bad_duration", func(c *Config) { c.Reaper.Interval = "soon" }, "invalid duration"},
		{"anonymous_neighbor", func(c *Config) {
			c.Propagation.Neighbors = []NeighborConfig{{Address: "10.0.0.2:7740"}}
		}, "require name and address"},
		{"duplicate_neighbor", func(c *Config) {
			c.Propagation.Neighbors = []NeighborConfig{
				{Name: "a", Address: "10.0.0.2:7740"},
				{Name: "a", Address: "10.0.0.3:7740"},
			}
		}, "duplicate neighbor name"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate = nil, want error containing %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate = %q, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("45s"); got != 45*time.Second {
		t.Errorf("Duration(45s) = %v", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("Duration on malformed value should panic")
		}
	}()
	Duration("whenever")
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Paths.Root = filepath.Join(tmpDir, "root")
	cfg.Paths.Database = filepath.Join(tmpDir, "root", "db", "bundles.db")
	cfg.Paths.Vault = filepath.Join(tmpDir, "root", "identity.vault")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}

	for _, dir := range []string{cfg.Paths.Root, filepath.Dir(cfg.Paths.Database)} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

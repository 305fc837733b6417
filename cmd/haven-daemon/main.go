// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Haven-daemon is the long-running node process. It loads (or creates)
// the node's identity vault, opens the durable bundle store, and runs
// propagation workers, the inbound exchange listener, the expiry
// reaper, and the health endpoint until terminated.
//
// Configuration comes from the YAML file named by --config or the
// HAVEN_CONFIG environment variable. The vault passphrase comes from
// --passphrase-file or the HAVEN_PASSPHRASE environment variable; on
// first start the daemon generates a fresh identity and persists it
// under that passphrase.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/haven-foundation/haven/identity"
	"github.com/haven-foundation/haven/lib/clock"
	"github.com/haven-foundation/haven/lib/config"
	"github.com/haven-foundation/haven/lib/process"
	"github.com/haven-foundation/haven/lib/secret"
	"github.com/haven-foundation/haven/lib/version"
	"github.com/haven-foundation/haven/node"
	"github.com/haven-foundation/haven/store"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath     string
		passphraseFile string
		showVersion    bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the node configuration file (default $HAVEN_CONFIG)")
	pflag.StringVar(&passphraseFile, "passphrase-file", "", "file holding the vault passphrase (default $HAVEN_PASSPHRASE)")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(cfg.Environment)
	logger.Info("starting", "version", version.Short(), "node", cfg.Node.Name,
		"environment", cfg.Environment)

	passphrase, err := loadPassphrase(passphraseFile)
	if err != nil {
		return err
	}
	defer passphrase.Close()

	ident, err := openIdentity(cfg.Paths.Vault, passphrase, logger)
	if err != nil {
		return err
	}
	defer ident.Close()

	s, err := store.Open(store.Config{
		Path:     cfg.Paths.Database,
		PoolSize: cfg.Store.PoolSize,
		MaxBytes: cfg.Store.MaxBytes,
		Clock:    clock.Real(),
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer s.Close()

	neighbors := make([]node.Neighbor, 0, len(cfg.Propagation.Neighbors))
	for _, neighbor := range cfg.Propagation.Neighbors {
		neighbors = append(neighbors, node.Neighbor{
			Name:    neighbor.Name,
			Address: neighbor.Address,
		})
	}

	n, err := node.New(node.Options{
		Name:               cfg.Node.Name,
		Store:              s,
		Identity:           ident,
		Clock:              clock.Real(),
		Logger:             logger,
		Listen:             cfg.Node.Listen,
		HealthListen:       cfg.Node.HealthListen,
		Neighbors:          neighbors,
		ExchangeInterval:   config.Duration(cfg.Propagation.ExchangeInterval),
		BackoffBase:        config.Duration(cfg.Propagation.BackoffBase),
		BackoffCap:         config.Duration(cfg.Propagation.BackoffCap),
		MaxFrameBytes:      cfg.Propagation.MaxFrameBytes,
		SuspicionThreshold: cfg.Propagation.SuspicionThreshold,
		ReapInterval:       config.Duration(cfg.Reaper.Interval),
		DeepSweep:          cfg.Reaper.DeepSweep,
		CompressThreshold:  cfg.Store.CompressThreshold,
		ShutdownGrace:      config.Duration(cfg.Node.ShutdownGrace),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = n.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shut down cleanly")
		return nil
	}
	return err
}

// newLogger builds the process logger: JSON in production so log
// shippers can parse it, human-readable text elsewhere.
func newLogger(environment config.Environment) *slog.Logger {
	if environment == config.Production {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// loadPassphrase reads the vault passphrase from the given file, or
// from HAVEN_PASSPHRASE when no file is named.
func loadPassphrase(path string) (*secret.Buffer, error) {
	if path != "" {
		return secret.ReadFromPath(path)
	}
	if env := os.Getenv("HAVEN_PASSPHRASE"); env != "" {
		return secret.NewFromBytes([]byte(env))
	}
	return nil, errors.New("no vault passphrase: set --passphrase-file or HAVEN_PASSPHRASE")
}

// openIdentity loads the persisted identity, creating and persisting
// a fresh one on first start.
func openIdentity(vaultPath string, passphrase *secret.Buffer, logger *slog.Logger) (*identity.Identity, error) {
	ident, err := identity.LoadVault(vaultPath, passphrase)
	if err == nil {
		logger.Info("identity loaded", "vault", vaultPath)
		return ident, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	ident, err = identity.Generate()
	if err != nil {
		return nil, err
	}
	if err := ident.SaveVault(vaultPath, passphrase); err != nil {
		ident.Close()
		return nil, err
	}
	logger.Info("generated new identity", "vault", vaultPath)
	return ident, nil
}

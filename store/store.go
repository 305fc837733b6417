// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/haven-foundation/haven/lib/clock"
	"github.com/haven-foundation/haven/lib/sqlitepool"
)

// ErrNotFound reports a lookup for a bundle ID the store does not
// hold.
var ErrNotFound = errors.New("store: bundle not found")

// Store is the durable, content-addressed bundle store shared by the
// node's propagation workers, the reaper, and the delivery feeds. All
// mutation funnels through SQLite IMMEDIATE transactions, which
// serialize the check-then-act sequences (size accounting plus
// eviction, duplicate detection plus insert) against concurrent
// writers.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// maxBytes is the storage budget for bundle frames. Inserts past
	// the budget evict lowest-value bundles inside the same
	// transaction.
	maxBytes int64

	// lossEvents counts forced evictions of custody-protected
	// bundles. Aggregate only; no per-bundle detail is retained.
	lossEvents atomic.Int64
}

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. The parent directory must
	// exist. ":memory:" with PoolSize 1 gives an in-memory store for
	// tests.
	Path string

	// PoolSize is the connection pool size. Defaults to 4.
	PoolSize int

	// MaxBytes is the storage budget. Required.
	MaxBytes int64

	// Clock provides the current time for expiry checks. Required.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to discard.
	Logger *slog.Logger
}

const schema = `
	CREATE TABLE IF NOT EXISTS bundles (
		id          BLOB PRIMARY KEY,
		destination TEXT NOT NULL,
		topic       TEXT NOT NULL,
		priority    INTEGER NOT NULL,
		audience    INTEGER NOT NULL,
		created_at  INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL,
		hop_limit   INTEGER NOT NULL,
		hop_count   INTEGER NOT NULL,
		flags       INTEGER NOT NULL,
		frame       BLOB NOT NULL,
		size        INTEGER NOT NULL,
		stored_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_bundles_expires ON bundles(expires_at);
	CREATE INDEX IF NOT EXISTS idx_bundles_topic ON bundles(topic);
	CREATE INDEX IF NOT EXISTS idx_bundles_eviction ON bundles(priority DESC, expires_at ASC);

	CREATE TABLE IF NOT EXISTS queue_state (
		bundle_id        BLOB NOT NULL,
		neighbor_id      TEXT NOT NULL,
		attempts         INTEGER NOT NULL DEFAULT 0,
		last_attempt     INTEGER,
		backoff_until    INTEGER NOT NULL DEFAULT 0,
		custody_accepted INTEGER NOT NULL DEFAULT 0,
		acked            INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (bundle_id, neighbor_id)
	);

	CREATE TABLE IF NOT EXISTS neighbors (
		neighbor_id TEXT PRIMARY KEY,
		suspicion   INTEGER NOT NULL DEFAULT 0,
		last_seen   INTEGER
	);

	CREATE TABLE IF NOT EXISTS ephemeral_records (
		parent_id TEXT PRIMARY KEY,
		body      BLOB NOT NULL,
		purge_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ephemeral_purge ON ephemeral_records(purge_at);

	CREATE TABLE IF NOT EXISTS deliveries (
		bundle_id    BLOB NOT NULL,
		topic        TEXT NOT NULL,
		delivered_at INTEGER NOT NULL,
		PRIMARY KEY (bundle_id, topic)
	);
`

// Open creates or opens a bundle store. The schema is applied
// idempotently on every open.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("bundle store: Clock is required")
	}
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("bundle store: MaxBytes is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bundle store: %w", err)
	}

	store := &Store{
		pool:     pool,
		clock:    cfg.Clock,
		logger:   logger,
		maxBytes: cfg.MaxBytes,
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("bundle store: %w", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bundle store: applying schema: %w", err)
	}

	return store, nil
}

// Close closes the underlying connection pool. Blocks until all
// borrowed connections are returned.
func (s *Store) Close() error {
	return s.pool.Close()
}

// LossEvents returns the cumulative count of forced evictions of
// custody-protected bundles since the store was opened.
func (s *Store) LossEvents() int64 {
	return s.lossEvents.Load()
}

// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/haven-foundation/haven/bundle"
)

// Get returns the bundle with the given ID, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, id bundle.ID) (*bundle.Bundle, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle store: get: %w", err)
	}
	defer s.pool.Put(conn)

	var frame []byte
	err = sqlitex.Execute(conn, `SELECT frame FROM bundles WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id[:]},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			frame = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, frame)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bundle store: get: %w", err)
	}
	if frame == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id.Short())
	}

	b, err := bundle.Decode(frame)
	if err != nil {
		// A frame that passed Put but no longer decodes means the
		// database is corrupted. This is one of the few fatal
		// conditions in the system; surface it loudly.
		return nil, fmt.Errorf("bundle store: stored frame for %s is corrupt: %w", id.Short(), err)
	}
	return b, nil
}

// ListQuery filters and paginates ListPending. The zero value lists
// everything pending, oldest stored first.
type ListQuery struct {
	// Topic restricts results to one topic when non-empty.
	Topic string

	// Destination restricts results to one destination when
	// non-empty.
	Destination string

	// After resumes a previous listing: only bundles stored strictly
	// after the bundle with this ID are returned. This is what makes
	// the sequence lazy and restartable.
	After bundle.ID

	// Limit caps the page size. Zero means no cap.
	Limit int
}

// ListPending returns stored, unexpired bundles in insertion order.
// Expired bundles are excluded here even before the reaper has swept
// them; expiry is enforced at read time, not just at delete time.
func (s *Store) ListPending(ctx context.Context, q ListQuery) ([]*bundle.Bundle, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle store: list pending: %w", err)
	}
	defer s.pool.Put(conn)

	var conditions []string
	var args []any

	conditions = append(conditions, "expires_at > ?")
	args = append(args, s.clock.Now().UnixNano())

	if q.Topic != "" {
		conditions = append(conditions, "topic = ?")
		args = append(args, q.Topic)
	}
	if q.Destination != "" {
		conditions = append(conditions, "destination = ?")
		args = append(args, q.Destination)
	}
	if !q.After.IsZero() {
		conditions = append(conditions,
			`(stored_at, id) > (SELECT stored_at, id FROM bundles WHERE id = ?)`)
		args = append(args, q.After[:])
	}

	query := `SELECT frame FROM bundles WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY stored_at, id`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	var bundles []*bundle.Bundle
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			frame := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, frame)
			b, err := bundle.Decode(frame)
			if err != nil {
				return fmt.Errorf("stored frame is corrupt: %w", err)
			}
			bundles = append(bundles, b)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bundle store: list pending: %w", err)
	}
	return bundles, nil
}

// MarkDelivered records that a bundle's plaintext was handed to the
// local subscriber feed for a topic. Idempotent.
func (s *Store) MarkDelivered(ctx context.Context, id bundle.ID, topic string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("bundle store: mark delivered: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO deliveries (bundle_id, topic, delivered_at)
		VALUES (?, ?, ?) ON CONFLICT (bundle_id, topic) DO NOTHING`, &sqlitex.ExecOptions{
		Args: []any{id[:], topic, s.clock.Now().UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("bundle store: mark delivered: %w", err)
	}
	return nil
}

// Undelivered returns unexpired bundles on a topic that have not yet
// been marked delivered, in insertion order. The delivery feed calls
// this on every wakeup, which makes subscriptions restartable across
// node restarts: the delivery marks are durable.
func (s *Store) Undelivered(ctx context.Context, topic string, limit int) ([]*bundle.Bundle, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle store: undelivered: %w", err)
	}
	defer s.pool.Put(conn)

	query := `SELECT frame FROM bundles
		WHERE topic = ? AND expires_at > ?
		  AND NOT EXISTS (SELECT 1 FROM deliveries d
		                  WHERE d.bundle_id = bundles.id AND d.topic = bundles.topic)
		ORDER BY stored_at, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var bundles []*bundle.Bundle
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{topic, s.clock.Now().UnixNano()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			frame := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, frame)
			b, err := bundle.Decode(frame)
			if err != nil {
				return fmt.Errorf("stored frame is corrupt: %w", err)
			}
			bundles = append(bundles, b)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bundle store: undelivered: %w", err)
	}
	return bundles, nil
}

// ManifestIDs returns the IDs of all unexpired, forwardable bundles,
// for advertising to a neighbor during manifest exchange.
func (s *Store) ManifestIDs(ctx context.Context) ([]bundle.ID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle store: manifest: %w", err)
	}
	defer s.pool.Put(conn)

	var ids []bundle.ID
	err = sqlitex.Execute(conn, `SELECT id FROM bundles
		WHERE expires_at > ? AND hop_count < hop_limit
		ORDER BY stored_at, id`, &sqlitex.ExecOptions{
		Args: []any{s.clock.Now().UnixNano()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var id bundle.ID
			if stmt.ColumnLen(0) != len(id) {
				return fmt.Errorf("stored id has %d bytes, want %d", stmt.ColumnLen(0), len(id))
			}
			stmt.ColumnBytes(0, id[:])
			ids = append(ids, id)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bundle store: manifest: %w", err)
	}
	return ids, nil
}

// Contains reports which of the given IDs the store already holds.
// Used for the set-difference step of manifest exchange.
func (s *Store) Contains(ctx context.Context, ids []bundle.ID) (map[bundle.ID]bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle store: contains: %w", err)
	}
	defer s.pool.Put(conn)

	held := make(map[bundle.ID]bool, len(ids))
	for _, id := range ids {
		err = sqlitex.Execute(conn, `SELECT 1 FROM bundles WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id[:]},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				held[id] = true
				return nil
			},
		})
		if err != nil {
			return nil, fmt.Errorf("bundle store: contains: %w", err)
		}
	}
	return held, nil
}

// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SweepExpired deletes every bundle whose expiry has passed, along
// with its queue and delivery rows, and returns the number removed.
// Called by the reaper on its schedule and before propagation cycles.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("bundle store: sweep expired: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("bundle store: sweep expired: %w", err)
	}
	defer endTransaction(&err)

	now := s.clock.Now().UnixNano()

	var victims [][]byte
	err = sqlitex.Execute(conn, `SELECT id FROM bundles WHERE expires_at <= ?`, &sqlitex.ExecOptions{
		Args: []any{now},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, id)
			victims = append(victims, id)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("bundle store: sweep expired: %w", err)
	}

	for _, id := range victims {
		if err = deleteBundle(conn, id); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// SweepEphemeral deletes every ephemeral record whose purge deadline
// has passed and returns the number removed. The reaper is the sole
// authorized caller; no other component deletes ephemeral records,
// and nothing extends purge_at once set. Deletion leaves no trace of
// the record's existence.
func (s *Store) SweepEphemeral(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("bundle store: sweep ephemeral: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `DELETE FROM ephemeral_records WHERE purge_at <= ?`, &sqlitex.ExecOptions{
		Args: []any{s.clock.Now().UnixNano()},
	})
	if err != nil {
		return 0, fmt.Errorf("bundle store: sweep ephemeral: %w", err)
	}
	return conn.Changes(), nil
}

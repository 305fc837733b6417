// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// PutEphemeral stores an ephemeral record attached to a parent
// entity. The purge deadline is fixed at first write: re-inserting
// the same parent updates the body but never moves purge_at, since
// extending it would defeat the privacy guarantee the deadline
// exists for.
func (s *Store) PutEphemeral(ctx context.Context, parentID string, body []byte, purgeAt time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("bundle store: put ephemeral: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO ephemeral_records (parent_id, body, purge_at)
		VALUES (?, ?, ?)
		ON CONFLICT (parent_id) DO UPDATE SET body = excluded.body`, &sqlitex.ExecOptions{
		Args: []any{parentID, body, purgeAt.UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("bundle store: put ephemeral: %w", err)
	}
	return nil
}

// GetEphemeral returns the ephemeral record for a parent entity, or
// [ErrNotFound]. Records past their purge deadline are reported as
// absent even if the reaper has not swept them yet.
func (s *Store) GetEphemeral(ctx context.Context, parentID string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle store: get ephemeral: %w", err)
	}
	defer s.pool.Put(conn)

	var body []byte
	err = sqlitex.Execute(conn, `SELECT body FROM ephemeral_records
		WHERE parent_id = ? AND purge_at > ?`, &sqlitex.ExecOptions{
		Args: []any{parentID, s.clock.Now().UnixNano()},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			body = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, body)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("bundle store: get ephemeral: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: ephemeral record %s", ErrNotFound, parentID)
	}
	return body, nil
}

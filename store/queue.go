// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/haven-foundation/haven/bundle"
)

// QueueEntry is the per-neighbor transport state for one bundle. It
// is owned by the propagation worker for that neighbor; the store
// only persists it.
type QueueEntry struct {
	BundleID        bundle.ID
	NeighborID      string
	Attempts        int
	LastAttempt     time.Time
	BackoffUntil    time.Time
	CustodyAccepted bool
	Acked           bool
}

// RecordAttempt upserts a queue entry after a transfer attempt,
// incrementing the attempt counter and setting the backoff deadline
// for the next retry.
func (s *Store) RecordAttempt(ctx context.Context, id bundle.ID, neighborID string, backoffUntil time.Time) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("bundle store: record attempt: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO queue_state
		(bundle_id, neighbor_id, attempts, last_attempt, backoff_until)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (bundle_id, neighbor_id) DO UPDATE SET
			attempts = attempts + 1,
			last_attempt = excluded.last_attempt,
			backoff_until = excluded.backoff_until`, &sqlitex.ExecOptions{
		Args: []any{id[:], neighborID, s.clock.Now().UnixNano(), backoffUntil.UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("bundle store: record attempt: %w", err)
	}
	return nil
}

// MarkCustodyAccepted records that a neighbor accepted custody of a
// bundle. The bundle becomes eviction-protected until acknowledged.
func (s *Store) MarkCustodyAccepted(ctx context.Context, id bundle.ID, neighborID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("bundle store: mark custody: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO queue_state
		(bundle_id, neighbor_id, custody_accepted)
		VALUES (?, ?, 1)
		ON CONFLICT (bundle_id, neighbor_id) DO UPDATE SET custody_accepted = 1`, &sqlitex.ExecOptions{
		Args: []any{id[:], neighborID},
	})
	if err != nil {
		return fmt.Errorf("bundle store: mark custody: %w", err)
	}
	return nil
}

// MarkAcked records a destination acknowledgement for a bundle. The
// bundle loses its eviction protection for every neighbor and becomes
// an early-eviction candidate.
func (s *Store) MarkAcked(ctx context.Context, id bundle.ID) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("bundle store: mark acked: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE queue_state SET acked = 1 WHERE bundle_id = ?`, &sqlitex.ExecOptions{
		Args: []any{id[:]},
	})
	if err != nil {
		return fmt.Errorf("bundle store: mark acked: %w", err)
	}
	return nil
}

// QueueState returns the queue entry for (bundle, neighbor), or a
// zero entry with found=false when no attempt has been recorded yet.
func (s *Store) QueueState(ctx context.Context, id bundle.ID, neighborID string) (entry QueueEntry, found bool, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("bundle store: queue state: %w", err)
	}
	defer s.pool.Put(conn)

	entry = QueueEntry{BundleID: id, NeighborID: neighborID}
	err = sqlitex.Execute(conn, `SELECT attempts, last_attempt, backoff_until, custody_accepted, acked
		FROM queue_state WHERE bundle_id = ? AND neighbor_id = ?`, &sqlitex.ExecOptions{
		Args: []any{id[:], neighborID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			entry.Attempts = stmt.ColumnInt(0)
			if stmt.ColumnType(1) != sqlite.TypeNull {
				entry.LastAttempt = time.Unix(0, stmt.ColumnInt64(1)).UTC()
			}
			entry.BackoffUntil = time.Unix(0, stmt.ColumnInt64(2)).UTC()
			entry.CustodyAccepted = stmt.ColumnInt(3) != 0
			entry.Acked = stmt.ColumnInt(4) != 0
			return nil
		},
	})
	if err != nil {
		return QueueEntry{}, false, fmt.Errorf("bundle store: queue state: %w", err)
	}
	return entry, found, nil
}

// PendingForNeighbor returns the bundles eligible to offer a neighbor
// right now: unexpired, with hops remaining, not yet acknowledged,
// and not inside their backoff window for this neighbor. Results are
// unordered; the scheduler imposes propagation order.
func (s *Store) PendingForNeighbor(ctx context.Context, neighborID string) ([]*bundle.Bundle, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle store: pending for neighbor: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.clock.Now().UnixNano()

	var bundles []*bundle.Bundle
	err = sqlitex.Execute(conn, `SELECT b.frame FROM bundles b
		LEFT JOIN queue_state q ON q.bundle_id = b.id AND q.neighbor_id = ?
		WHERE b.expires_at > ?
		  AND b.hop_count < b.hop_limit
		  AND COALESCE(q.acked, 0) = 0
		  AND COALESCE(q.backoff_until, 0) <= ?`, &sqlitex.ExecOptions{
		Args: []any{neighborID, now, now},
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
		return nil, fmt.Errorf("bundle store: pending for neighbor: %w", err)
	}
	return bundles, nil
}

// RecordNeighborSeen upserts a neighbor's last-contact time.
func (s *Store) RecordNeighborSeen(ctx context.Context, neighborID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("bundle store: neighbor seen: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO neighbors (neighbor_id, last_seen)
		VALUES (?, ?)
		ON CONFLICT (neighbor_id) DO UPDATE SET last_seen = excluded.last_seen`, &sqlitex.ExecOptions{
		Args: []any{neighborID, s.clock.Now().UnixNano()},
	})
	if err != nil {
		return fmt.Errorf("bundle store: neighbor seen: %w", err)
	}
	return nil
}

// RaiseSuspicion increments a neighbor's suspicion counter (one per
// signature failure) and returns the new value. Workers deprioritize
// exchanges with suspect neighbors.
func (s *Store) RaiseSuspicion(ctx context.Context, neighborID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("bundle store: raise suspicion: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO neighbors (neighbor_id, suspicion)
		VALUES (?, 1)
		ON CONFLICT (neighbor_id) DO UPDATE SET suspicion = suspicion + 1`, &sqlitex.ExecOptions{
		Args: []any{neighborID},
	})
	if err != nil {
		return 0, fmt.Errorf("bundle store: raise suspicion: %w", err)
	}

	var suspicion int
	err = sqlitex.Execute(conn, `SELECT suspicion FROM neighbors WHERE neighbor_id = ?`, &sqlitex.ExecOptions{
		Args: []any{neighborID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			suspicion = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("bundle store: raise suspicion: %w", err)
	}
	return suspicion, nil
}

// Suspicion returns a neighbor's current suspicion counter.
func (s *Store) Suspicion(ctx context.Context, neighborID string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("bundle store: suspicion: %w", err)
	}
	defer s.pool.Put(conn)

	var suspicion int
	err = sqlitex.Execute(conn, `SELECT suspicion FROM neighbors WHERE neighbor_id = ?`, &sqlitex.ExecOptions{
		Args: []any{neighborID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			suspicion = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("bundle store: suspicion: %w", err)
	}
	return suspicion, nil
}

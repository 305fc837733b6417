// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/haven-foundation/haven/bundle"
)

// PutResult is the tagged outcome of an insert. There is no silent
// overwrite path: every Put reports exactly what happened.
type PutResult int

const (
	// PutInserted means the bundle is newly stored.
	PutInserted PutResult = iota

	// PutDuplicate means the store already held a byte-identical
	// copy. Not an error; duplicate offers are routine in the
	// exchange protocol.
	PutDuplicate

	// PutRejected means the bundle failed validation, conflicted
	// with a stored bundle of the same ID but different bytes, or
	// could not fit within the storage budget.
	PutRejected
)

func (r PutResult) String() string {
	switch r {
	case PutInserted:
		return "inserted"
	case PutDuplicate:
		return "duplicate"
	case PutRejected:
		return "rejected"
	}
	return fmt.Sprintf("put(%d)", int(r))
}

// Put validates, verifies, and stores a bundle.
//
// Duplicate policy: an ID already present is re-checked byte for
// byte. An identical frame, or one differing only in hop count, is a
// no-op ([PutDuplicate] with a nil error); a frame whose immutable
// content differs under the same ID is a conflict and is rejected,
// because a content-derived ID can only collide through a malformed
// or forged frame.
//
// Budget: the size check, candidate eviction, and insert run in one
// IMMEDIATE transaction, so a concurrent Put can never interleave
// between the accounting read and the eviction. Custody-accepted,
// unacknowledged bundles are evicted only if the budget cannot be met
// without them; each such forced eviction is logged as a loss event.
func (s *Store) Put(ctx context.Context, b *bundle.Bundle) (PutResult, error) {
	now := s.clock.Now()
	if err := b.Validate(now); err != nil {
		return PutRejected, err
	}
	if err := b.Verify(); err != nil {
		return PutRejected, err
	}

	frame, err := bundle.Encode(b)
	if err != nil {
		return PutRejected, fmt.Errorf("bundle store: %w", err)
	}
	if int64(len(frame)) > s.maxBytes {
		return PutRejected, fmt.Errorf("%w: frame of %d bytes exceeds budget %d",
			bundle.ErrStorageFull, len(frame), s.maxBytes)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return PutRejected, fmt.Errorf("bundle store: put: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return PutRejected, fmt.Errorf("bundle store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	// Duplicate check against stored bytes, not just the ID.
	var existing []byte
	err = sqlitex.Execute(conn, `SELECT frame FROM bundles WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{b.ID[:]},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			existing = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, existing)
			return nil
		},
	})
	if err != nil {
		return PutRejected, fmt.Errorf("bundle store: duplicate check: %w", err)
	}
	if existing != nil {
		if bytes.Equal(existing, frame) {
			return PutDuplicate, nil
		}
		// hop_count differences are expected between copies of the
		// same bundle; the stored copy wins. Anything else differing
		// under the same content-derived ID is a forgery attempt.
		if framesEqualExceptHops(existing, b) {
			return PutDuplicate, nil
		}
		return PutRejected, fmt.Errorf("bundle store: id %s conflicts with stored bundle of different content", b.ID.Short())
	}

	if err = s.evictForBudget(conn, int64(len(frame))); err != nil {
		return PutRejected, err
	}

	err = sqlitex.Execute(conn, `INSERT INTO bundles
		(id, destination, topic, priority, audience, created_at,
		 expires_at, hop_limit, hop_count, flags, frame, size, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			b.ID[:],
			b.Destination,
			b.Topic,
			int(b.Priority),
			int(b.Audience),
			b.CreatedAt,
			b.ExpiresAt,
			int(b.HopLimit),
			int(b.HopCount),
			int(b.Flags),
			frame,
			len(frame),
			now.UnixNano(),
		},
	})
	if err != nil {
		return PutRejected, fmt.Errorf("bundle store: insert: %w", err)
	}
	return PutInserted, nil
}

// framesEqualExceptHops reports whether the stored frame decodes to
// the same content as the offered bundle, differing at most in
// HopCount. Both frames carry IDs derived from identical immutable
// fields when this holds.
func framesEqualExceptHops(storedFrame []byte, offered *bundle.Bundle) bool {
	stored, err := bundle.Decode(storedFrame)
	if err != nil {
		return false
	}
	storedID, err := stored.RecomputeID()
	if err != nil {
		return false
	}
	offeredID, err := offered.RecomputeID()
	if err != nil {
		return false
	}
	return storedID == offeredID && stored.Signature == offered.Signature
}

// evictForBudget deletes lowest-value bundles until needed bytes fit
// within the budget. Must run inside the caller's transaction.
//
// Two passes: first bundles without custody protection, in
// priority-descending (bulk first), expiry-ascending order; then, only
// if the budget still cannot be met, custody-protected bundles in the
// same order, each logged as a loss event.
func (s *Store) evictForBudget(conn *sqlite.Conn, needed int64) error {
	total, err := s.totalSize(conn)
	if err != nil {
		return err
	}
	if total+needed <= s.maxBytes {
		return nil
	}

	excess := total + needed - s.maxBytes

	freed, err := s.evictPass(conn, excess, false)
	if err != nil {
		return err
	}
	if freed >= excess {
		return nil
	}

	forcedFreed, err := s.evictPass(conn, excess-freed, true)
	if err != nil {
		return err
	}
	if freed+forcedFreed < excess {
		return fmt.Errorf("%w: need %d bytes, freed %d", bundle.ErrStorageFull, excess, freed+forcedFreed)
	}
	return nil
}

// evictPass deletes eligible bundles until atLeast bytes are freed or
// candidates run out. Returns the bytes actually freed. The forced
// pass targets custody-protected bundles and logs each as a loss.
func (s *Store) evictPass(conn *sqlite.Conn, atLeast int64, forced bool) (int64, error) {
	// Custody protection: a bundle with an accepted, unacknowledged
	// custody entry for any neighbor.
	protectedClause := `EXISTS (SELECT 1 FROM queue_state q
		WHERE q.bundle_id = bundles.id AND q.custody_accepted = 1 AND q.acked = 0)`
	condition := "NOT " + protectedClause
	if forced {
		condition = protectedClause
	}

	type victim struct {
		id   []byte
		size int64
	}
	var victims []victim
	var selected int64

	err := sqlitex.Execute(conn, fmt.Sprintf(
		`SELECT id, size FROM bundles WHERE %s
		 ORDER BY priority DESC, expires_at ASC`, condition), &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			if selected >= atLeast {
				return nil
			}
			id := make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, id)
			victims = append(victims, victim{id: id, size: stmt.ColumnInt64(1)})
			selected += stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("bundle store: selecting eviction candidates: %w", err)
	}

	var freed int64
	for _, v := range victims {
		if freed >= atLeast {
			break
		}
		if err := deleteBundle(conn, v.id); err != nil {
			return freed, err
		}
		freed += v.size
		if forced {
			s.lossEvents.Add(1)
			s.logger.Warn("forced eviction of custody-protected bundle",
				"bundle_id", fmt.Sprintf("%x", v.id[:4]),
				"size", v.size)
		}
	}
	return freed, nil
}

// deleteBundle removes a bundle and its dependent queue and delivery
// rows. Must run inside the caller's transaction.
func deleteBundle(conn *sqlite.Conn, id []byte) error {
	for _, query := range []string{
		`DELETE FROM queue_state WHERE bundle_id = ?`,
		`DELETE FROM deliveries WHERE bundle_id = ?`,
		`DELETE FROM bundles WHERE id = ?`,
	} {
		if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
			return fmt.Errorf("bundle store: deleting bundle: %w", err)
		}
	}
	return nil
}

// totalSize sums stored frame sizes. Must run inside the caller's
// transaction for the budget check to be race-free.
func (s *Store) totalSize(conn *sqlite.Conn) (int64, error) {
	var total int64
	err := sqlitex.Execute(conn, `SELECT COALESCE(SUM(size), 0) FROM bundles`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			total = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("bundle store: size accounting: %w", err)
	}
	return total, nil
}

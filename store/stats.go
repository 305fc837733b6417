// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/haven-foundation/haven/bundle"
)

// Stats is an aggregate snapshot of the store for the operational
// surface. Counts only; never per-user or per-bundle detail.
type Stats struct {
	TotalBundles int64
	TotalBytes   int64
	ByPriority   map[bundle.Priority]int64
	ByTopic      map[string]int64
	LossEvents   int64
}

// Stats returns aggregate bundle counts grouped by priority and
// topic, plus the loss-event counter.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("bundle store: stats: %w", err)
	}
	defer s.pool.Put(conn)

	stats := Stats{
		ByPriority: make(map[bundle.Priority]int64),
		ByTopic:    make(map[string]int64),
		LossEvents: s.lossEvents.Load(),
	}

	err = sqlitex.Execute(conn, `SELECT COUNT(*), COALESCE(SUM(size), 0) FROM bundles`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.TotalBundles = stmt.ColumnInt64(0)
			stats.TotalBytes = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("bundle store: stats: %w", err)
	}

	err = sqlitex.Execute(conn, `SELECT priority, COUNT(*) FROM bundles GROUP BY priority`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.ByPriority[bundle.Priority(stmt.ColumnInt(0))] = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("bundle store: stats: %w", err)
	}

	err = sqlitex.Execute(conn, `SELECT topic, COUNT(*) FROM bundles GROUP BY topic`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			stats.ByTopic[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
			return nil
		},
	})
	if err != nil {
		return Stats{}, fmt.Errorf("bundle store: stats: %w", err)
	}

	return stats, nil
}

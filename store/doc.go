// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable, content-addressed bundle store backed
// by SQLite (one database, four tables: bundles, queue_state,
// ephemeral_records, deliveries, plus per-neighbor bookkeeping).
//
// Concurrency: every propagation worker, the reaper, and the delivery
// feeds share one Store. Mutations that involve check-then-act
// sequences — duplicate detection before insert, size accounting
// before eviction — run inside a single IMMEDIATE transaction, which
// takes the write lock up front and makes the sequence atomic with
// respect to concurrent inserts.
//
// Budget and eviction: [Store.Put] enforces the storage budget at
// insert time. Eviction order is priority-descending (bulk first),
// expiry-ascending (soonest to expire first). Bundles with accepted
// but unacknowledged custody are skipped by the first eviction pass
// and taken only when the budget cannot otherwise be met; each such
// forced eviction increments the loss-event counter and is logged.
//
// Expiry is enforced at read time everywhere ([Store.ListPending],
// [Store.Undelivered], [Store.PendingForNeighbor] all exclude expired
// rows) and at delete time by the reaper's [Store.SweepExpired] and
// [Store.SweepEphemeral].
package store

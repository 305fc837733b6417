// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package reaper deletes what has outlived its deadline: bundles past
// their expiry and ephemeral records past their purge time. It is the
// only component allowed to delete ephemeral records, and nothing may
// move a purge deadline once set; both rules exist so that "what was
// here and when it vanished" cannot be reconstructed later.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/haven-foundation/haven/lib/clock"
	"github.com/haven-foundation/haven/lib/cron"
	"github.com/haven-foundation/haven/store"
)

// Config configures a Reaper.
type Config struct {
	Store  *store.Store
	Clock  clock.Clock
	Logger *slog.Logger

	// Interval between routine sweeps.
	Interval time.Duration

	// DeepSweep is an optional cron expression (UTC) for sweeps that
	// also log store statistics, for off-peak auditing. Empty disables
	// the deep sweep.
	DeepSweep string
}

// Reaper periodically sweeps the store. Workers also trigger a sweep
// before each propagation cycle via [Reaper.Sweep], so expired
// bundles never survive long enough to be advertised.
type Reaper struct {
	store     *store.Store
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	deepSweep *cron.Schedule

	expired atomic.Int64
	purged  atomic.Int64
}

func New(cfg Config) (*Reaper, error) {
	if cfg.Store == nil {
		return nil, errors.New("reaper: Config.Store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	r := &Reaper{
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		interval: cfg.Interval,
	}
	if cfg.DeepSweep != "" {
		schedule, err := cron.Parse(cfg.DeepSweep)
		if err != nil {
			return nil, err
		}
		r.deepSweep = &schedule
	}
	return r, nil
}

// Run sweeps on the configured interval (and cron schedule, if any)
// until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	var deepTimer <-chan time.Time
	if r.deepSweep != nil {
		next, err := r.deepSweep.Next(r.clock.Now())
		if err != nil {
			return err
		}
		deepTimer = r.clock.After(next.Sub(r.clock.Now()))
	}

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", "error", err)
			}
		case <-deepTimer:
			r.deep(ctx)
			next, err := r.deepSweep.Next(r.clock.Now())
			if err != nil {
				return err
			}
			deepTimer = r.clock.After(next.Sub(r.clock.Now()))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sweep removes expired bundles and purgeable ephemeral records.
// Safe to call from any goroutine at any time.
func (r *Reaper) Sweep(ctx context.Context) error {
	expired, err := r.store.SweepExpired(ctx)
	if err != nil {
		return err
	}
	purged, err := r.store.SweepEphemeral(ctx)
	if err != nil {
		return err
	}
	r.expired.Add(int64(expired))
	r.purged.Add(int64(purged))
	if expired > 0 || purged > 0 {
		r.logger.Info("sweep complete", "expired_bundles", expired, "purged_records", purged)
	}
	return nil
}

// Expired is the total number of bundles removed by expiry sweeps
// since this reaper started.
func (r *Reaper) Expired() int64 { return r.expired.Load() }

// Purged is the total number of ephemeral records removed since this
// reaper started.
func (r *Reaper) Purged() int64 { return r.purged.Load() }

// deep runs a routine sweep and then logs aggregate store statistics.
// Scheduled off-peak via cron so the stats line lands once a day (or
// whatever the operator chose) rather than on every sweep.
func (r *Reaper) deep(ctx context.Context) {
	if err := r.Sweep(ctx); err != nil {
		r.logger.Error("deep sweep failed", "error", err)
		return
	}
	stats, err := r.store.Stats(ctx)
	if err != nil {
		r.logger.Error("reading store statistics", "error", err)
		return
	}
	r.logger.Info("deep sweep complete",
		"bundles", stats.TotalBundles,
		"bytes", stats.TotalBytes,
		"loss_events", stats.LossEvents)
}

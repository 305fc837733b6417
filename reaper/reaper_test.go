// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package reaper

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haven-foundation/haven/bundle"
	"github.com/haven-foundation/haven/identity"
	"github.com/haven-foundation/haven/lib/clock"
	"github.com/haven-foundation/haven/lib/testutil"
	"github.com/haven-foundation/haven/store"
)

var testStart = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*store.Store, *clock.FakeClock, *identity.Identity) {
	t.Helper()
	fake := clock.Fake(testStart)
	s, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "bundles.db"),
		PoolSize: 2,
		MaxBytes: 1 << 20,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	t.Cleanup(func() { ident.Close() })
	return s, fake, ident
}

func putWithTTL(t *testing.T, s *store.Store, ident *identity.Identity, ttl time.Duration) *bundle.Bundle {
	t.Helper()
	b := &bundle.Bundle{
		Version:     bundle.Version,
		Destination: "topic://mesh/alerts",
		Topic:       "alerts",
		Priority:    bundle.Normal,
		Audience:    bundle.Public,
		CreatedAt:   testStart.UnixNano(),
		ExpiresAt:   testStart.Add(ttl).UnixNano(),
		HopLimit:    30,
		Payload:     []byte(testutil.UniqueID("payload")),
	}
	if err := ident.Seal(b); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s.Put(context.Background(), b); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return b
}

func TestSweepRemovesExpired(t *testing.T) {
	s, fake, ident := newFixture(t)
	ctx := context.Background()

	short := putWithTTL(t, s, ident, time.Minute)
	long := putWithTTL(t, s, ident, time.Hour)
	if err := s.PutEphemeral(ctx, "record-1", []byte("note"), testStart.Add(time.Minute)); err != nil {
		t.Fatalf("PutEphemeral: %v", err)
	}

	r, err := New(Config{Store: s, Clock: fake})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	fake.Advance(5 * time.Minute)
	if err := r.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := s.Get(ctx, short.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("expired bundle survived the sweep")
	}
	if _, err := s.Get(ctx, long.ID); err != nil {
		t.Errorf("unexpired bundle removed: %v", err)
	}
	if _, err := s.GetEphemeral(ctx, "record-1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("purgeable ephemeral record survived the sweep")
	}
}

func TestRunSweepsOnInterval(t *testing.T) {
	s, fake, ident := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	short := putWithTTL(t, s, ident, 30*time.Second)

	r, err := New(Config{Store: s, Clock: fake, Interval: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	// One tick past the bundle's expiry.
	fake.WaitForTimers(1)
	fake.Advance(time.Minute)

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := s.Get(ctx, short.ID); errors.Is(err, store.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expired bundle not swept after interval tick")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := testutil.RequireReceive(t, runDone, 10*time.Second, "reaper shutdown"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestDeepSweepSchedule(t *testing.T) {
	s, fake, ident := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Expires well before the nightly deep sweep at 03:00 UTC.
	short := putWithTTL(t, s, ident, time.Hour)

	r, err := New(Config{
		Store:     s,
		Clock:     fake,
		Interval:  240 * time.Hour, // interval ticks out of the way
		DeepSweep: "0 3 * * *",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	runDone := make(chan error, 1)
	go func() { runDone <- r.Run(ctx) }()

	// Ticker plus deep sweep timer.
	fake.WaitForTimers(2)
	fake.Advance(15 * time.Hour) // testStart is 12:00 UTC; 03:00 is 15h away

	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := s.Get(ctx, short.ID); errors.Is(err, store.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("deep sweep did not run at its scheduled time")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	testutil.RequireReceive(t, runDone, 10*time.Second, "reaper shutdown")
}

func TestNewRejectsBadCron(t *testing.T) {
	s, fake, _ := newFixture(t)
	if _, err := New(Config{Store: s, Clock: fake, DeepSweep: "not a schedule"}); err == nil {
		t.Error("New accepted an invalid cron expression")
	}
}

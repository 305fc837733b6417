// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package propagation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/haven-foundation/haven/identity"
	"github.com/haven-foundation/haven/lib/clock"
	"github.com/haven-foundation/haven/store"
)

// State is a worker's position in its lifecycle.
type State int32

const (
	// Discovered: the neighbor is configured but no link is up.
	Discovered State = iota
	// Handshaking: a link is up, identity not yet proven.
	Handshaking
	// Exchanging: an exchange round is in flight.
	Exchanging
	// Idle: authenticated and between rounds.
	Idle
	// Disconnected: the link died; waiting out the backoff.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Handshaking:
		return "handshaking"
	case Exchanging:
		return "exchanging"
	case Idle:
		return "idle"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// handshakeTimeout bounds the whole hello and challenge-response. A
// peer that stalls the handshake is treated as disconnected.
const handshakeTimeout = 10 * time.Second

// WorkerConfig configures a per-neighbor propagation worker.
type WorkerConfig struct {
	// NodeID is this node's name, bound into handshake signatures.
	NodeID string
	// NeighborID is the configured name of the neighbor. The peer must
	// announce exactly this name during the handshake.
	NeighborID string
	// Dial opens a fresh link to the neighbor. Called for the initial
	// connection and after every disconnect.
	Dial func(ctx context.Context) (Link, error)

	Store    *store.Store
	Identity *identity.Identity
	Clock    clock.Clock
	Logger   *slog.Logger

	// PreExchange, when set, runs before every exchange round. The
	// node wires the reaper's sweep here so a round never advertises
	// bundles that have already expired.
	PreExchange func(ctx context.Context) error

	// ExchangeInterval is the pause between exchange rounds on a
	// healthy link.
	ExchangeInterval time.Duration
	// BackoffBase and BackoffCap bound the exponential reconnect
	// backoff after failures.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// SuspicionThreshold is the number of recorded verification
	// failures after which the worker quarantines the neighbor:
	// it stops exchanging and only retries at the backoff cap.
	SuspicionThreshold int
}

// Worker drives propagation to a single neighbor. Run owns the
// connection lifecycle: dial, handshake, periodic exchange rounds,
// and exponential backoff on failure. One worker per neighbor; the
// store serializes everything they share.
type Worker struct {
	cfg      WorkerConfig
	state    atomic.Int32
	failures int

	sent     atomic.Int64
	received atomic.Int64
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	switch {
	case cfg.NodeID == "":
		return nil, errors.New("propagation: WorkerConfig.NodeID is required")
	case cfg.NeighborID == "":
		return nil, errors.New("propagation: WorkerConfig.NeighborID is required")
	case cfg.Dial == nil:
		return nil, errors.New("propagation: WorkerConfig.Dial is required")
	case cfg.Store == nil:
		return nil, errors.New("propagation: WorkerConfig.Store is required")
	case cfg.Identity == nil:
		return nil, errors.New("propagation: WorkerConfig.Identity is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ExchangeInterval <= 0 {
		cfg.ExchangeInterval = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.SuspicionThreshold <= 0 {
		cfg.SuspicionThreshold = 3
	}
	cfg.Logger = cfg.Logger.With("neighbor", cfg.NeighborID)
	w := &Worker{cfg: cfg}
	w.state.Store(int32(Discovered))
	return w, nil
}

// State reports the worker's current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Sent is the total number of bundles forwarded to this neighbor.
func (w *Worker) Sent() int64 { return w.sent.Load() }

// Received is the total number of bundles accepted from this neighbor.
func (w *Worker) Received() int64 { return w.received.Load() }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Run drives the neighbor until ctx is cancelled. It never returns a
// neighbor-caused error: link failures feed the backoff loop, version
// mismatches degrade to waiting, and only cancellation ends it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		suspicion, err := w.cfg.Store.Suspicion(ctx, w.cfg.NeighborID)
		if err != nil {
			return err
		}
		if suspicion >= w.cfg.SuspicionThreshold {
			w.cfg.Logger.Warn("neighbor quarantined for repeated verification failures",
				"suspicion", suspicion)
			w.setState(Disconnected)
			if err := w.wait(ctx, w.cfg.BackoffCap); err != nil {
				return err
			}
			continue
		}

		switch err := w.session(ctx); {
		case err == nil:
			// Session ended cleanly (never happens today; sessions run
			// until an error or cancellation).
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			w.setState(Disconnected)
			return err
		case errors.Is(err, errVersionMismatch):
			w.cfg.Logger.Info("neighbor speaks a different protocol version, standing by", "error", err)
			w.setState(Disconnected)
			if err := w.wait(ctx, w.cfg.BackoffCap); err != nil {
				return err
			}
		default:
			w.failures++
			backoff := w.backoff()
			w.cfg.Logger.Warn("neighbor session failed",
				"error", err, "failures", w.failures, "backoff", backoff)
			w.setState(Disconnected)
			if err := w.wait(ctx, backoff); err != nil {
				return err
			}
		}
	}
}

// session dials, handshakes, and runs exchange rounds until the link
// dies. Any successful round resets the failure counter.
func (w *Worker) session(ctx context.Context) error {
	w.setState(Discovered)
	link, err := w.cfg.Dial(ctx)
	if err != nil {
		return err
	}
	defer link.Close()

	w.setState(Handshaking)
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	peer, err := handshake(hsCtx, link, w.cfg.Identity, w.cfg.NodeID)
	cancel()
	if err != nil {
		return err
	}
	if peer.NodeID != w.cfg.NeighborID {
		return fmt.Errorf("propagation: dialed %s but peer announced as %s",
			w.cfg.NeighborID, peer.NodeID)
	}
	if err := w.cfg.Store.RecordNeighborSeen(ctx, peer.NodeID); err != nil {
		return err
	}
	w.cfg.Logger.Info("neighbor authenticated")

	ex := &exchange{
		store:        w.cfg.Store,
		clock:        w.cfg.Clock,
		logger:       w.cfg.Logger,
		link:         link,
		peer:         peer,
		retryBackoff: w.cfg.BackoffBase,
	}
	for {
		if w.cfg.PreExchange != nil {
			if err := w.cfg.PreExchange(ctx); err != nil {
				w.cfg.Logger.Warn("pre-exchange hook failed", "error", err)
			}
		}
		w.setState(Exchanging)
		result, err := ex.runInitiator(ctx)
		if err != nil {
			return err
		}
		w.failures = 0
		w.sent.Add(int64(result.Sent))
		w.received.Add(int64(result.Received))
		if result.Sent > 0 || result.Received > 0 || result.Rejected > 0 {
			w.cfg.Logger.Info("exchange round complete",
				"sent", result.Sent, "received", result.Received, "rejected", result.Rejected)
		}

		w.setState(Idle)
		if err := w.wait(ctx, w.cfg.ExchangeInterval); err != nil {
			return err
		}
	}
}

// backoff returns the current exponential backoff: base doubled per
// consecutive failure, bounded by the cap.
func (w *Worker) backoff() time.Duration {
	backoff := w.cfg.BackoffBase
	for i := 1; i < w.failures; i++ {
		backoff *= 2
		if backoff >= w.cfg.BackoffCap {
			return w.cfg.BackoffCap
		}
	}
	return min(backoff, w.cfg.BackoffCap)
}

func (w *Worker) wait(ctx context.Context, d time.Duration) error {
	select {
	case <-w.cfg.Clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haven-foundation/haven/identity"
	"github.com/haven-foundation/haven/lib/clock"
	"github.com/haven-foundation/haven/propagation"
	"github.com/haven-foundation/haven/reaper"
	"github.com/haven-foundation/haven/store"
)

// Neighbor names a peer node and where to dial it.
type Neighbor struct {
	Name    string
	Address string
}

// Options configures a Node. Store and Identity are owned by the
// caller; the node does not close them.
type Options struct {
	Name     string
	Store    *store.Store
	Identity *identity.Identity
	Clock    clock.Clock
	Logger   *slog.Logger

	// Listen is the TCP address for inbound neighbor connections.
	// Empty disables the inbound side.
	Listen string
	// HealthListen is the TCP address for the health endpoint. Empty
	// disables it.
	HealthListen string

	Neighbors []Neighbor

	ExchangeInterval   time.Duration
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	MaxFrameBytes      int
	SuspicionThreshold int

	ReapInterval time.Duration
	DeepSweep    string

	// CompressThreshold is the payload size in bytes above which
	// Submit tries zstd compression. Zero uses the default.
	CompressThreshold int

	// ShutdownGrace bounds how long Run waits for in-flight exchanges
	// after cancellation before giving up on them. Unacknowledged
	// bundles stay queued either way.
	ShutdownGrace time.Duration
}

// Node wires the store, identity, propagation, and reaper into one
// running unit and exposes the two application surfaces: Submit for
// producers and Subscribe for consumers.
type Node struct {
	name              string
	store             *store.Store
	ident             *identity.Identity
	clock             clock.Clock
	logger            *slog.Logger
	reaper            *reaper.Reaper
	server            *propagation.Server
	workers           []*propagation.Worker
	neighbors         []Neighbor
	opts              Options
	compressThreshold int

	created   atomic.Int64
	delivered atomic.Int64
}

func New(opts Options) (*Node, error) {
	switch {
	case opts.Name == "":
		return nil, errors.New("node: Options.Name is required")
	case opts.Store == nil:
		return nil, errors.New("node: Options.Store is required")
	case opts.Identity == nil:
		return nil, errors.New("node: Options.Identity is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = 16 << 20
	}
	if opts.SuspicionThreshold <= 0 {
		opts.SuspicionThreshold = 3
	}
	if opts.CompressThreshold <= 0 {
		opts.CompressThreshold = 4096
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 10 * time.Second
	}

	r, err := reaper.New(reaper.Config{
		Store:     opts.Store,
		Clock:     opts.Clock,
		Logger:    opts.Logger.With("component", "reaper"),
		Interval:  opts.ReapInterval,
		DeepSweep: opts.DeepSweep,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		name:              opts.Name,
		store:             opts.Store,
		ident:             opts.Identity,
		clock:             opts.Clock,
		logger:            opts.Logger,
		reaper:            r,
		neighbors:         opts.Neighbors,
		opts:              opts,
		compressThreshold: opts.CompressThreshold,
	}

	for _, neighbor := range opts.Neighbors {
		address := neighbor.Address
		worker, err := propagation.NewWorker(propagation.WorkerConfig{
			NodeID:     opts.Name,
			NeighborID: neighbor.Name,
			Dial: func(ctx context.Context) (propagation.Link, error) {
				return propagation.DialTCP(ctx, neighbor.Name, address, opts.MaxFrameBytes)
			},
			Store:              opts.Store,
			Identity:           opts.Identity,
			Clock:              opts.Clock,
			Logger:             opts.Logger.With("component", "propagation"),
			PreExchange:        r.Sweep,
			ExchangeInterval:   opts.ExchangeInterval,
			BackoffBase:        opts.BackoffBase,
			BackoffCap:         opts.BackoffCap,
			SuspicionThreshold: opts.SuspicionThreshold,
		})
		if err != nil {
			return nil, err
		}
		n.workers = append(n.workers, worker)
	}

	if opts.Listen != "" {
		server, err := propagation.NewServer(propagation.ServerConfig{
			NodeID:             opts.Name,
			Address:            opts.Listen,
			Store:              opts.Store,
			Identity:           opts.Identity,
			Clock:              opts.Clock,
			Logger:             opts.Logger.With("component", "propagation"),
			MaxFrameBytes:      opts.MaxFrameBytes,
			SuspicionThreshold: opts.SuspicionThreshold,
		})
		if err != nil {
			return nil, err
		}
		n.server = server
	}

	return n, nil
}

// Address returns the bound neighbor listen address, or "" when the
// inbound side is disabled.
func (n *Node) Address() string {
	if n.server == nil {
		return ""
	}
	return n.server.Address()
}

// Run starts every component and blocks until ctx is cancelled. After
// cancellation it waits up to ShutdownGrace for components to wind
// down. The store survives any shutdown: unacknowledged bundles stay
// queued for the next start.
func (n *Node) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f(runCtx)
			if err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Error("component failed", "component", name, "error", err)
				cancel()
			}
		}()
	}

	run("reaper", n.reaper.Run)
	if n.server != nil {
		run("server", n.server.Serve)
	}
	for _, worker := range n.workers {
		run("worker", worker.Run)
	}
	run("custody-acks", n.consumeCustodyAcks)
	if n.opts.HealthListen != "" {
		run("health", n.serveHealth)
	}

	n.logger.Info("node running",
		"node", n.name, "neighbors", len(n.workers), "listen", n.Address())
	<-runCtx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-n.clock.After(n.opts.ShutdownGrace):
		n.logger.Warn("shutdown grace period elapsed with components still running")
	}
	return ctx.Err()
}

// Stats reports the node's aggregate counters for operational
// surfaces. Aggregates only; no per-bundle or per-user detail.
func (n *Node) Stats(ctx context.Context) (Health, error) {
	storeStats, err := n.store.Stats(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("node: reading store stats: %w", err)
	}

	h := Health{
		Node:       n.name,
		Status:     "ok",
		Created:    n.created.Load(),
		Delivered:  n.delivered.Load(),
		Expired:    n.reaper.Expired(),
		Stored:     storeStats.TotalBundles,
		Bytes:      storeStats.TotalBytes,
		LossEvents: storeStats.LossEvents,
		ByPriority: make(map[string]int64, len(storeStats.ByPriority)),
		ByTopic:    storeStats.ByTopic,
		Neighbors:  make(map[string]NeighborHealth, len(n.workers)),
	}
	for priority, count := range storeStats.ByPriority {
		h.ByPriority[priority.String()] = count
	}
	for i, worker := range n.workers {
		name := n.neighbors[i].Name
		suspicion, err := n.store.Suspicion(ctx, name)
		if err != nil {
			return Health{}, err
		}
		h.Forwarded += worker.Sent()
		h.Neighbors[name] = NeighborHealth{
			State:       worker.State().String(),
			Forwarded:   worker.Sent(),
			Received:    worker.Received(),
			Suspicion:   suspicion,
			Quarantined: n.opts.SuspicionThreshold > 0 && suspicion >= n.opts.SuspicionThreshold,
		}
	}
	return h, nil
}

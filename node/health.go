// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Health is the aggregate operational snapshot served by the health
// endpoint. Counts only: nothing here identifies a user, a payload,
// or an individual bundle.
type Health struct {
	Node       string           `json:"node"`
	Status     string           `json:"status"`
	Created    int64            `json:"created"`
	Delivered  int64            `json:"delivered"`
	Forwarded  int64            `json:"forwarded"`
	Expired    int64            `json:"expired"`
	Stored     int64            `json:"stored"`
	Bytes      int64            `json:"bytes"`
	LossEvents int64            `json:"loss_events"`
	ByPriority map[string]int64 `json:"by_priority"`
	ByTopic    map[string]int64 `json:"by_topic"`

	Neighbors map[string]NeighborHealth `json:"neighbors"`
}

// NeighborHealth is the per-neighbor slice of the snapshot.
type NeighborHealth struct {
	State       string `json:"state"`
	Forwarded   int64  `json:"forwarded"`
	Received    int64  `json:"received"`
	Suspicion   int    `json:"suspicion"`
	Quarantined bool   `json:"quarantined"`
}

// healthHandler serves the aggregate snapshot at GET /healthz.
func (n *Node) healthHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		health, err := n.Stats(r.Context())
		if err != nil {
			n.logger.Error("health snapshot failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(health); err != nil {
			n.logger.Error("writing health response", "error", err)
		}
	})
	return mux
}

// serveHealth runs the HTTP health endpoint until ctx is cancelled.
func (n *Node) serveHealth(ctx context.Context) error {
	server := &http.Server{
		Addr:         n.opts.HealthListen,
		Handler:      n.healthHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), n.opts.ShutdownGrace)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

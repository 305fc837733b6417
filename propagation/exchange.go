// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package propagation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haven-foundation/haven/bundle"
	"github.com/haven-foundation/haven/lib/clock"
	"github.com/haven-foundation/haven/lib/codec"
	"github.com/haven-foundation/haven/scheduler"
	"github.com/haven-foundation/haven/store"
)

// exchange runs manifest rounds with one authenticated neighbor. A
// round is two strictly alternating phases, so it works over fully
// synchronous links with no concurrent reader:
//
//	initiator: offer manifest → read want → stream bundles → read report
//	then the roles flip for the pull direction.
//
// Set-difference exchange: each side requests only IDs it does not
// already hold, so a bundle crosses a given link at most once per
// round regardless of how many neighbors already delivered it.
type exchange struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
	link   Link
	peer   peerInfo

	// retryBackoff is how long a bundle sits out after a failed
	// transfer attempt to this neighbor.
	retryBackoff time.Duration
}

// exchangeResult summarizes one full round for logging and tests.
type exchangeResult struct {
	Sent     int
	Received int
	Rejected int
}

func (e *exchange) runInitiator(ctx context.Context) (exchangeResult, error) {
	var result exchangeResult
	if err := e.offerPhase(ctx, &result); err != nil {
		return result, err
	}
	if err := e.acceptPhase(ctx, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (e *exchange) runResponder(ctx context.Context) (exchangeResult, error) {
	var result exchangeResult
	if err := e.acceptPhase(ctx, &result); err != nil {
		return result, err
	}
	if err := e.offerPhase(ctx, &result); err != nil {
		return result, err
	}
	return result, nil
}

// offerPhase advertises what we hold and streams what the peer asks
// for. Candidates come from the per-neighbor queue, which already
// excludes acked bundles, bundles in backoff, expired bundles, and
// bundles with no hops remaining.
func (e *exchange) offerPhase(ctx context.Context, result *exchangeResult) error {
	candidates, err := e.store.PendingForNeighbor(ctx, e.peer.NodeID)
	if err != nil {
		return err
	}
	byID := make(map[bundle.ID]*bundle.Bundle, len(candidates))
	manifest := manifestBody{IDs: make([]bundle.ID, 0, len(candidates))}
	for _, b := range candidates {
		byID[b.ID] = b
		manifest.IDs = append(manifest.IDs, b.ID)
	}
	if err := sendFrame(ctx, e.link, frameManifest, manifest); err != nil {
		return err
	}

	var want wantBody
	if err := recvFrame(ctx, e.link, frameWant, &want); err != nil {
		return err
	}

	// Stream in transmission order, not manifest order: if the link
	// drops mid-stream, the most urgent bundles have already crossed.
	wanted := make([]*bundle.Bundle, 0, len(want.IDs))
	for _, id := range want.IDs {
		if b, ok := byID[id]; ok {
			wanted = append(wanted, b)
		}
	}
	ordered := scheduler.Order(wanted)
	for i, b := range ordered {
		frame, err := bundle.Encode(b)
		if err != nil {
			e.logger.Error("failed to encode stored bundle, skipping",
				"bundle", b.ID.Short(), "error", err)
			continue
		}
		if err := sendFrame(ctx, e.link, frameBundle, bundleBody{Frame: frame}); err != nil {
			// No partial credit: everything the peer asked for but did
			// not receive goes into backoff and is retried on the next
			// contact.
			e.markUnsent(ordered[i:])
			return err
		}
		result.Sent++
	}
	if err := sendFrame(ctx, e.link, frameDone, nil); err != nil {
		return err
	}

	var report reportBody
	if err := recvFrame(ctx, e.link, frameReport, &report); err != nil {
		return err
	}
	// Record which neighbor took custody. The local copy stays
	// eviction-protected until the destination's acknowledgement comes
	// back through the mesh and releases it.
	for _, id := range report.CustodyAccepted {
		if _, ok := byID[id]; !ok {
			continue
		}
		if err := e.store.MarkCustodyAccepted(ctx, id, e.peer.NodeID); err != nil {
			e.logger.Error("recording custody transfer", "bundle", id.Short(), "error", err)
		}
	}
	if len(report.CustodyAccepted) > 0 {
		e.logger.Info("neighbor accepted custody",
			"neighbor", e.peer.NodeID, "bundles", len(report.CustodyAccepted))
	}
	return nil
}

// acceptPhase reads the peer's manifest, requests the set difference,
// and stores what arrives. Every received bundle is verified and
// validated on its own; a bad bundle is dropped and logged without
// poisoning the rest of the stream.
func (e *exchange) acceptPhase(ctx context.Context, result *exchangeResult) error {
	var manifest manifestBody
	if err := recvFrame(ctx, e.link, frameManifest, &manifest); err != nil {
		return err
	}

	held, err := e.store.Contains(ctx, manifest.IDs)
	if err != nil {
		return err
	}
	want := wantBody{}
	for _, id := range manifest.IDs {
		if !held[id] {
			want.IDs = append(want.IDs, id)
		}
	}
	if err := sendFrame(ctx, e.link, frameWant, want); err != nil {
		return err
	}

	report := reportBody{}
	for {
		frameType, body, err := recvEither(ctx, e.link, frameBundle, frameDone)
		if err != nil {
			return err
		}
		if frameType == frameDone {
			break
		}
		var wire bundleBody
		if err := codec.Unmarshal(body, &wire); err != nil {
			return err
		}
		e.acceptBundle(ctx, wire.Frame, &report, result)
	}

	if err := sendFrame(ctx, e.link, frameReport, report); err != nil {
		return err
	}
	return nil
}

// acceptBundle disposes of one received bundle. Failures here are
// per-bundle and never abort the exchange.
func (e *exchange) acceptBundle(ctx context.Context, frame []byte, report *reportBody, result *exchangeResult) {
	now := e.clock.Now()

	b, err := bundle.Decode(frame)
	if err != nil {
		e.reject(ctx, report, result, "undecodable bundle from neighbor", err, true)
		return
	}
	if err := b.Verify(); err != nil {
		// A neighbor relaying forged or corrupted bundles is suspect;
		// repeated failures get it quarantined by the worker.
		e.reject(ctx, report, result, "bundle failed verification", err,
			errors.Is(err, bundle.ErrSignatureInvalid) || errors.Is(err, bundle.ErrDecode))
		return
	}
	if err := b.Validate(now); err != nil {
		e.reject(ctx, report, result, "bundle failed validation", err, false)
		return
	}
	if b.HopsRemaining() == 0 {
		// A compliant sender never offers a bundle already at its hop
		// limit: the transfer itself would push hop_count past it, and
		// the per-neighbor queue filters such bundles out before the
		// manifest. Receiving one means the peer skipped that check, so
		// it is treated as protocol abuse rather than stored — even a
		// locally deliverable copy is not worth accepting unvalidatable
		// hop accounting for.
		e.reject(ctx, report, result, "bundle arrived with no hops remaining", bundle.ErrHopLimitExceeded, true)
		return
	}

	// One transfer, one hop. The hop count lives outside the signed
	// region, so the incremented copy still verifies.
	b.HopCount++

	putResult, err := e.store.Put(ctx, b)
	if err != nil {
		e.reject(ctx, report, result, "store rejected bundle", err, false)
		return
	}
	if putResult == store.PutDuplicate {
		// Raced another neighbor delivering the same bundle. Fine.
		return
	}

	result.Received++
	report.Stored++
	if b.CustodyRequested() {
		if err := e.store.MarkCustodyAccepted(ctx, b.ID, e.peer.NodeID); err != nil {
			e.logger.Error("recording custody", "bundle", b.ID.Short(), "error", err)
		} else {
			report.CustodyAccepted = append(report.CustodyAccepted, b.ID)
		}
	}
}

// markUnsent records a failed attempt for bundles the peer requested
// but never received. Uses a short background context: the exchange
// context is usually already dead when this runs.
func (e *exchange) markUnsent(unsent []*bundle.Bundle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	until := e.clock.Now().Add(e.retryBackoff)
	for _, b := range unsent {
		if err := e.store.RecordAttempt(ctx, b.ID, e.peer.NodeID, until); err != nil {
			e.logger.Error("recording failed attempt", "bundle", b.ID.Short(), "error", err)
			return
		}
	}
}

func (e *exchange) reject(ctx context.Context, report *reportBody, result *exchangeResult, msg string, err error, suspect bool) {
	report.Rejected++
	result.Rejected++
	e.logger.Warn(msg, "neighbor", e.peer.NodeID, "error", err)
	if !suspect {
		return
	}
	if _, err := e.store.RaiseSuspicion(ctx, e.peer.NodeID); err != nil {
		e.logger.Error("raising suspicion", "neighbor", e.peer.NodeID, "error", err)
	}
}

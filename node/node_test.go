// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

const waitTimeout = 10 * time.Second

func newTestNode(t *testing.T, name string, fake *clock.FakeClock) *Node {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:     filepath.Join(t.TempDir(), "bundles.db"),
		PoolSize: 2,
		MaxBytes: 4 << 20,
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

	n, err := New(Options{
		Name:     name,
		Store:    s,
		Identity: ident,
		Clock:    fake,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestSubmitStoresVerifiableBundle(t *testing.T) {
	fake := clock.Fake(testStart)
	n := newTestNode(t, "node-a", fake)
	ctx := context.Background()

	id, err := n.Submit(ctx, SubmitRequest{
		Destination: "topic://mesh/alerts",
		Topic:       "alerts",
		Payload:     []byte("flood warning"),
		Priority:    bundle.Emergency,
		Audience:    bundle.Public,
		TTL:         time.Hour,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	b, err := n.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := b.Verify(); err != nil {
		t.Errorf("submitted bundle fails verification: %v", err)
	}
	if b.Sender != n.ident.PublicKey() {
		t.Error("bundle not stamped with the node's signing key")
	}
	if b.HopLimit != defaultHopLimit || b.HopCount != 0 {
		t.Errorf("hop fields = %d/%d", b.HopCount, b.HopLimit)
	}
	if !bytes.Equal(b.Payload, []byte("flood warning")) {
		t.Error("public payload should be stored as submitted")
	}
}

func TestSubmitRejections(t *testing.T) {
	fake := clock.Fake(testStart)
	n := newTestNode(t, "node-a", fake)
	ctx := context.Background()

	valid := SubmitRequest{
		Destination: "topic://mesh/alerts",
		Topic:       "alerts",
		Payload:     []byte("x"),
		Priority:    bundle.Normal,
		Audience:    bundle.Public,
		TTL:         time.Hour,
	}

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"bad destination", func(r *SubmitRequest) { r.Destination = "not an address" }},
		{"empty topic", func(r *SubmitRequest) { r.Topic = "" }},
		{"bad priority", func(r *SubmitRequest) { r.Priority = 9 }},
		{"zero ttl", func(r *SubmitRequest) { r.TTL = 0 }},
		{"destination-only without key", func(r *SubmitRequest) { r.Audience = bundle.DestinationOnly }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if _, err := n.Submit(ctx, req); err == nil {
				t.Error("Submit accepted an invalid request")
			}
		})
	}
}

func TestSubmitCompressesLargePayloads(t *testing.T) {
	fake := clock.Fake(testStart)
	n := newTestNode(t, "node-a", fake)
	ctx := context.Background()

	// Highly compressible and well over the threshold.
	payload := bytes.Repeat([]byte("all quiet on the western mesh. "), 1024)
	id, err := n.Submit(ctx, SubmitRequest{
		Destination: "topic://mesh/bulletins",
		Topic:       "bulletins",
		Payload:     payload,
		Priority:    bundle.Bulk,
		Audience:    bundle.Public,
		TTL:         time.Hour,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	b, err := n.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !b.Compressed() {
		t.Fatal("large compressible payload should be stored compressed")
	}
	if len(b.Payload) >= len(payload) {
		t.Errorf("stored payload is %d bytes, original %d", len(b.Payload), len(payload))
	}

	// Subscribers get the original bytes back.
	plain, ok := n.openPayload(b)
	if !ok {
		t.Fatal("openPayload failed")
	}
	if !bytes.Equal(plain, payload) {
		t.Error("decompressed payload differs from the original")
	}
}

func TestSubmitEncryptsDestinationOnly(t *testing.T) {
	fake := clock.Fake(testStart)
	sender := newTestNode(t, "node-a", fake)
	recipient := newTestNode(t, "node-b", fake)
	ctx := context.Background()

	secretText := []byte("meet at the north bridge")
	id, err := sender.Submit(ctx, SubmitRequest{
		Destination: "topic://mesh/direct-messages",
		Topic:       "direct-messages",
		Payload:     secretText,
		Priority:    bundle.Normal,
		Audience:    bundle.DestinationOnly,
		TTL:         time.Hour,
		Recipient:   recipient.ident.BoxPublicKey(),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	b, err := sender.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if bytes.Contains(b.Payload, secretText) {
		t.Fatal("destination-only payload stored in the clear")
	}

	// Only the recipient's keys open it.
	if _, ok := sender.openPayload(b); ok {
		t.Error("sender should not be able to open a payload encrypted to another node")
	}
	plain, ok := recipient.openPayload(b)
	if !ok {
		t.Fatal("recipient failed to open the payload")
	}
	if !bytes.Equal(plain, secretText) {
		t.Error("decrypted payload differs from the original")
	}
}

func TestSubscribeDeliversAndResumes(t *testing.T) {
	fake := clock.Fake(testStart)
	n := newTestNode(t, "node-a", fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	submit := func(text string) bundle.ID {
		id, err := n.Submit(ctx, SubmitRequest{
			Destination: "topic://mesh/alerts",
			Topic:       "alerts",
			Payload:     []byte(text),
			Priority:    bundle.Normal,
			Audience:    bundle.Public,
			TTL:         time.Hour,
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		return id
	}

	first := submit("first")
	second := submit("second")

	feed := n.Subscribe(ctx, "alerts")
	got := testutil.RequireReceive(t, feed, waitTimeout, "first delivery")
	if got.BundleID != first || string(got.Payload) != "first" {
		t.Errorf("delivery = %s %q", got.BundleID.Short(), got.Payload)
	}
	if got.Priority != bundle.Normal || !got.CreatedAt.Equal(testStart) {
		t.Errorf("metadata = %v %v", got.Priority, got.CreatedAt)
	}
	got = testutil.RequireReceive(t, feed, waitTimeout, "second delivery")
	if got.BundleID != second {
		t.Errorf("second delivery = %s", got.BundleID.Short())
	}
	cancel()
	for range feed {
		// Drain until the subscription goroutine closes the feed, so
		// its delivery marks are durably recorded before resuming.
	}

	// A fresh subscription resumes after the delivered marks: only
	// bundles submitted since show up.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	third := submit("third")
	feed2 := n.Subscribe(ctx2, "alerts")
	got = testutil.RequireReceive(t, feed2, waitTimeout, "post-restart delivery")
	if got.BundleID != third {
		t.Errorf("resumed feed delivered %s, want the undelivered bundle", got.BundleID.Short())
	}
}

func TestCustodyAckRoundTrip(t *testing.T) {
	fake := clock.Fake(testStart)
	origin := newTestNode(t, "node-o", fake)
	dest := newTestNode(t, "node-d", fake)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Origin submits a custody-requested, destination-only bundle.
	id, err := origin.Submit(ctx, SubmitRequest{
		Destination:    "topic://mesh/direct-messages",
		Topic:          "direct-messages",
		Payload:        []byte("hold this safe"),
		Priority:       bundle.Expedited,
		Audience:       bundle.DestinationOnly,
		TTL:            24 * time.Hour,
		RequestCustody: true,
		Recipient:      dest.ident.BoxPublicKey(),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Hand-carry the bundle to the destination and record the custody
	// state one exchange round leaves behind: the destination pins its
	// copy against the upstream neighbor, and the origin pins its own
	// after reading the transfer report.
	b, err := origin.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	relayed := b.Clone()
	relayed.HopCount = 1
	if _, err := dest.store.Put(ctx, relayed); err != nil {
		t.Fatalf("Put at destination: %v", err)
	}
	if err := dest.store.MarkCustodyAccepted(ctx, id, "node-o"); err != nil {
		t.Fatalf("MarkCustodyAccepted at destination: %v", err)
	}
	if err := origin.store.MarkCustodyAccepted(ctx, id, "node-d"); err != nil {
		t.Fatalf("MarkCustodyAccepted at origin: %v", err)
	}

	// Delivery at the destination releases its own custody pin and
	// generates the ack bundle.
	feed := dest.Subscribe(ctx, "direct-messages")
	delivery := testutil.RequireReceive(t, feed, waitTimeout, "custody delivery")
	if string(delivery.Payload) != "hold this safe" {
		t.Fatalf("payload = %q", delivery.Payload)
	}

	// The delivery goroutine records the release and the ack just after
	// handing over the payload, so poll briefly.
	var acks []*bundle.Bundle
	deadline := time.Now().Add(waitTimeout)
	for {
		entry, found, err := dest.store.QueueState(ctx, id, "node-o")
		if err != nil {
			t.Fatalf("QueueState at destination: %v", err)
		}
		acks, err = dest.store.ListPending(ctx, store.ListQuery{Topic: custodyAckTopic})
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if found && entry.Acked && len(acks) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("destination never released custody: found=%v entry=%+v acks=%d", found, entry, len(acks))
		}
		time.Sleep(time.Millisecond)
	}
	if acks[0].Audience != bundle.Public {
		t.Errorf("ack audience = %v, want Public so upstream custodians can read it", acks[0].Audience)
	}

	// Hand-carry the ack back and let the origin's ack consumer
	// release custody.
	ackCopy := acks[0].Clone()
	ackCopy.HopCount = 1
	if _, err := origin.store.Put(ctx, ackCopy); err != nil {
		t.Fatalf("Put ack at origin: %v", err)
	}

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- origin.consumeCustodyAcks(ctx) }()

	deadline = time.Now().Add(waitTimeout)
	for {
		entry, found, err := origin.store.QueueState(ctx, id, "node-d")
		if err != nil {
			t.Fatalf("QueueState: %v", err)
		}
		if found && entry.Acked {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("custody never released at origin")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	testutil.RequireReceive(t, consumerDone, waitTimeout, "ack consumer shutdown")
}

func TestHealthEndpoint(t *testing.T) {
	fake := clock.Fake(testStart)
	n := newTestNode(t, "node-a", fake)
	ctx := context.Background()

	for range 3 {
		if _, err := n.Submit(ctx, SubmitRequest{
			Destination: "topic://mesh/alerts",
			Topic:       "alerts",
			Payload:     []byte(testutil.UniqueID("payload")),
			Priority:    bundle.Normal,
			Audience:    bundle.Public,
			TTL:         time.Hour,
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	ts := httptest.NewServer(n.healthHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var health Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decoding health: %v", err)
	}
	if health.Status != "ok" || health.Node != "node-a" {
		t.Errorf("health = %+v", health)
	}
	if health.Created != 3 || health.Stored != 3 {
		t.Errorf("created=%d stored=%d, want 3/3", health.Created, health.Stored)
	}
	if health.ByPriority["normal"] != 3 || health.ByTopic["alerts"] != 3 {
		t.Errorf("aggregates = %v / %v", health.ByPriority, health.ByTopic)
	}
}

func TestRunShutdown(t *testing.T) {
	fake := clock.Fake(testStart)
	n := newTestNode(t, "node-a", fake)
	ctx, cancel := context.WithCancel(context.Background())

	runDone := make(chan error, 1)
	go func() { runDone <- n.Run(ctx) }()

	cancel()
	err := testutil.RequireReceive(t, runDone, waitTimeout, "node shutdown")
	if err != context.Canceled {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

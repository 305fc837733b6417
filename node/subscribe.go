// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"time"

	"github.com/haven-foundation/haven/bundle"
	"github.com/haven-foundation/haven/lib/codec"
)

// custodyAckTopic carries custody acknowledgements back through the
// mesh. Acks are ordinary bundles, signed by the delivering node and
// readable by anyone, so every node still holding a custody-protected
// copy can release it as the ack passes through.
const custodyAckTopic = "custody-acks"

// deliveryPollInterval is how often a subscription checks the store
// for newly arrived bundles.
const deliveryPollInterval = time.Second

// deliveryBatch caps how many bundles one poll drains.
const deliveryBatch = 64

// Delivery is one decrypted payload handed to a subscriber, with the
// originating bundle's metadata attached.
type Delivery struct {
	BundleID  bundle.ID
	Topic     string
	Payload   []byte
	Priority  bundle.Priority
	Audience  bundle.Audience
	CreatedAt time.Time
	Sender    [32]byte
}

// Subscribe returns a feed of plaintext deliveries for a topic. The
// feed is lazy and restartable: delivery marks are durable, so a
// resubscription after a restart resumes exactly where the previous
// one stopped, and bundles that arrived while nobody was subscribed
// are delivered on the first poll. The channel closes when ctx is
// cancelled.
func (n *Node) Subscribe(ctx context.Context, topic string) <-chan Delivery {
	feed := make(chan Delivery)
	go func() {
		defer close(feed)
		ticker := n.clock.NewTicker(deliveryPollInterval)
		defer ticker.Stop()
		for {
			n.deliverPending(ctx, topic, feed)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return feed
}

// deliverPending drains undelivered bundles for one topic into the
// feed. A bundle is marked delivered only after the subscriber has
// accepted it, so a crash between poll and receive re-delivers
// rather than drops.
func (n *Node) deliverPending(ctx context.Context, topic string, feed chan<- Delivery) {
	pending, err := n.store.Undelivered(ctx, topic, deliveryBatch)
	if err != nil {
		if ctx.Err() == nil {
			n.logger.Error("reading undelivered bundles", "topic", topic, "error", err)
		}
		return
	}
	for _, b := range pending {
		payload, ok := n.openPayload(b)
		if !ok {
			// Not addressed to us (or damaged in a way the signature
			// cannot catch). Mark it so the feed does not spin on it;
			// the stored copy still propagates to the real recipient.
			n.markDelivered(ctx, b)
			continue
		}
		select {
		case feed <- Delivery{
			BundleID:  b.ID,
			Topic:     b.Topic,
			Payload:   payload,
			Priority:  b.Priority,
			Audience:  b.Audience,
			CreatedAt: b.CreatedTime(),
			Sender:    b.Sender,
		}:
		case <-ctx.Done():
			return
		}
		n.markDelivered(ctx, b)
		n.delivered.Add(1)
		if b.CustodyRequested() && b.Topic != custodyAckTopic {
			n.acknowledgeCustody(ctx, b)
		}
	}
}

// openPayload recovers the plaintext a subscriber should see:
// decrypt if the bundle is destination-only, decompress if the
// origin compressed it.
func (n *Node) openPayload(b *bundle.Bundle) ([]byte, bool) {
	payload := b.Payload
	if b.Audience == bundle.DestinationOnly {
		plaintext, err := n.ident.DecryptFrom(payload, b.SenderBox)
		if err != nil {
			return nil, false
		}
		payload = plaintext
	}
	if b.Compressed() {
		plain, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			n.logger.Warn("bundle payload fails decompression", "bundle", b.ID.Short(), "error", err)
			return nil, false
		}
		payload = plain
	}
	return payload, true
}

// markDelivered records the durable delivery mark. It deliberately
// survives cancellation: once the subscriber has the payload, losing
// the mark would re-deliver after restart.
func (n *Node) markDelivered(ctx context.Context, b *bundle.Bundle) {
	if err := n.store.MarkDelivered(context.WithoutCancel(ctx), b.ID, b.Topic); err != nil {
		n.logger.Error("marking delivery", "bundle", b.ID.Short(), "error", err)
	}
}

// acknowledgeCustody releases this node's own custody mark for a
// delivered bundle and announces the delivery: a small public bundle
// carrying the acked ID, signed by this node, propagated back through
// the mesh so upstream custodians can release theirs too.
func (n *Node) acknowledgeCustody(ctx context.Context, b *bundle.Bundle) {
	// Our copy reached its subscriber; it no longer needs eviction
	// protection. Like the delivery mark, this survives cancellation.
	if err := n.store.MarkAcked(context.WithoutCancel(ctx), b.ID); err != nil {
		n.logger.Error("releasing local custody", "bundle", b.ID.Short(), "error", err)
	}

	ttl := b.ExpiresTime().Sub(n.clock.Now())
	if ttl <= 0 {
		return
	}
	ackedID, err := codec.Marshal(b.ID)
	if err != nil {
		n.logger.Error("encoding custody ack", "bundle", b.ID.Short(), "error", err)
		return
	}
	_, err = n.Submit(ctx, SubmitRequest{
		Destination: "topic://mesh/" + custodyAckTopic,
		Topic:       custodyAckTopic,
		Payload:     ackedID,
		Priority:    bundle.Expedited,
		Audience:    bundle.Public,
		TTL:         ttl,
	})
	if err != nil {
		n.logger.Error("submitting custody ack", "bundle", b.ID.Short(), "error", err)
		return
	}
	n.logger.Info("custody acknowledged", "bundle", b.ID.Short())
}

// consumeCustodyAcks watches the custody-ack topic and releases
// custody state for every acknowledged bundle this node still holds.
// An ack for a bundle with no custody rows here updates nothing,
// which is the common case for nodes that merely relay the ack.
func (n *Node) consumeCustodyAcks(ctx context.Context) error {
	feed := n.Subscribe(ctx, custodyAckTopic)
	for delivery := range feed {
		var acked bundle.ID
		if err := codec.Unmarshal(delivery.Payload, &acked); err != nil {
			n.logger.Warn("undecodable custody ack", "bundle", delivery.BundleID.Short(), "error", err)
			continue
		}
		if err := n.store.MarkAcked(ctx, acked); err != nil {
			if ctx.Err() != nil {
				break
			}
			n.logger.Error("releasing custody", "bundle", acked.Short(), "error", err)
			continue
		}
		n.logger.Info("custody released", "bundle", acked.Short())
	}
	return ctx.Err()
}

// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/haven-foundation/haven/bundle"
)

// defaultHopLimit caps how many node-to-node transfers a bundle makes
// before it stops spreading. High enough to cross any realistic mesh,
// low enough to fence a forwarding loop.
const defaultHopLimit = 30

// SubmitRequest describes a payload to be wrapped, stored, and
// propagated. The caller never sees bundle internals; Submit returns
// only the content-derived ID.
type SubmitRequest struct {
	Destination string
	Topic       string
	Payload     []byte
	Priority    bundle.Priority
	Audience    bundle.Audience
	TTL         time.Duration

	// HopLimit overrides the default transfer cap when nonzero.
	HopLimit uint8

	// RequestCustody asks relaying nodes to hold the bundle safe from
	// eviction until delivery is acknowledged.
	RequestCustody bool

	// Recipient is the destination's public box key. Required when
	// Audience is DestinationOnly; ignored otherwise.
	Recipient [32]byte
}

// zstd encoder and decoder are package-level and reused; both are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("node: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("node: zstd decoder initialization failed: " + err.Error())
	}
}

// Submit wraps a payload into a signed bundle and stores it for local
// delivery and propagation. The result is definite: a returned ID
// means the bundle is durably stored; an error means it is not.
//
// Large payloads are zstd-compressed when that actually shrinks them.
// DestinationOnly payloads are encrypted to the recipient's box key
// before signing; Public and Trusted payloads travel as submitted.
func (n *Node) Submit(ctx context.Context, req SubmitRequest) (bundle.ID, error) {
	if err := validateSubmit(req); err != nil {
		return bundle.ID{}, err
	}

	payload := req.Payload
	var flags bundle.Flags
	if req.RequestCustody {
		flags |= bundle.FlagCustodyRequested
	}
	if len(payload) >= n.compressThreshold {
		if compressed := zstdEncoder.EncodeAll(payload, nil); len(compressed) < len(payload) {
			payload = compressed
			flags |= bundle.FlagPayloadCompressed
		}
	}
	if req.Audience == bundle.DestinationOnly {
		sealed, err := n.ident.EncryptFor(payload, req.Recipient)
		if err != nil {
			return bundle.ID{}, fmt.Errorf("node: encrypting payload: %w", err)
		}
		payload = sealed
	}

	hopLimit := req.HopLimit
	if hopLimit == 0 {
		hopLimit = defaultHopLimit
	}
	now := n.clock.Now()
	b := &bundle.Bundle{
		Version:     bundle.Version,
		Destination: req.Destination,
		Topic:       req.Topic,
		Priority:    req.Priority,
		Audience:    req.Audience,
		CreatedAt:   now.UnixNano(),
		ExpiresAt:   now.Add(req.TTL).UnixNano(),
		HopLimit:    hopLimit,
		Flags:       flags,
		Payload:     payload,
	}
	if err := n.ident.Seal(b); err != nil {
		return bundle.ID{}, fmt.Errorf("node: sealing bundle: %w", err)
	}

	if _, err := n.store.Put(ctx, b); err != nil {
		return bundle.ID{}, err
	}
	n.created.Add(1)
	return b.ID, nil
}

func validateSubmit(req SubmitRequest) error {
	if _, err := bundle.ParseAddress(req.Destination); err != nil {
		return err
	}
	switch {
	case req.Topic == "":
		return errors.New("node: submit: topic is required")
	case !req.Priority.Valid():
		return fmt.Errorf("node: submit: invalid priority %d", req.Priority)
	case req.TTL <= 0:
		return errors.New("node: submit: ttl must be positive")
	case req.Audience == bundle.DestinationOnly && req.Recipient == [32]byte{}:
		return errors.New("node: submit: destination-only bundles need a recipient key")
	}
	return nil
}

// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package propagation

import (
	"context"
	"fmt"

	"github.com/haven-foundation/haven/bundle"
	"github.com/haven-foundation/haven/lib/codec"
)

// Frame types for the neighbor exchange protocol. Every frame on a
// link is an envelope: a type tag plus a CBOR-encoded body.
const (
	frameHello    uint8 = 1 // handshake: version, identity, challenge nonce
	frameAuth     uint8 = 2 // handshake: signature over peer nonce + node ID
	frameManifest uint8 = 3 // IDs the sender holds and is willing to forward
	frameWant     uint8 = 4 // IDs the sender lacks from the peer's manifest
	frameBundle   uint8 = 5 // one encoded bundle
	frameDone     uint8 = 6 // end of a bundle stream
	frameReport   uint8 = 7 // receiver's result for the preceding stream
)

type envelope struct {
	_    struct{} `cbor:",toarray"`
	Type uint8
	Body codec.RawMessage
}

// helloBody opens the handshake. The nonce is a fresh 32-byte
// challenge; the peer proves possession of the signing key named here
// by signing it in the auth frame.
type helloBody struct {
	_        struct{} `cbor:",toarray"`
	Version  uint8
	NodeID   string
	SignKey  [32]byte
	BoxKey   [32]byte
	Nonce    [32]byte
	Features []string
}

type authBody struct {
	_         struct{} `cbor:",toarray"`
	Signature [64]byte
}

type manifestBody struct {
	_   struct{} `cbor:",toarray"`
	IDs []bundle.ID
}

type wantBody struct {
	_   struct{} `cbor:",toarray"`
	IDs []bundle.ID
}

type bundleBody struct {
	_     struct{} `cbor:",toarray"`
	Frame []byte
}

// reportBody closes a stream phase: how the receiver disposed of the
// bundles it was just sent. CustodyAccepted lists the bundles the
// receiver took custody of; Rejected counts bundles it dropped.
type reportBody struct {
	_               struct{} `cbor:",toarray"`
	Stored          int
	Rejected        int
	CustodyAccepted []bundle.ID
}

func sendFrame(ctx context.Context, link Link, frameType uint8, body any) error {
	raw, err := codec.Marshal(body)
	if err != nil {
		return fmt.Errorf("propagation: encode frame %d: %w", frameType, err)
	}
	wire, err := codec.Marshal(envelope{Type: frameType, Body: raw})
	if err != nil {
		return fmt.Errorf("propagation: encode envelope: %w", err)
	}
	return link.Send(ctx, wire)
}

// recvFrame reads one envelope and decodes its body into out. A frame
// of a different type than expected is a protocol violation.
func recvFrame(ctx context.Context, link Link, want uint8, out any) error {
	wire, err := link.Receive(ctx)
	if err != nil {
		return err
	}
	var env envelope
	if err := codec.Unmarshal(wire, &env); err != nil {
		return fmt.Errorf("propagation: decode envelope: %w", err)
	}
	if env.Type != want {
		return fmt.Errorf("propagation: expected frame %d, got %d", want, env.Type)
	}
	if out == nil {
		return nil
	}
	if err := codec.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("propagation: decode frame %d body: %w", want, err)
	}
	return nil
}

// recvEither reads one envelope that may be one of two types, for
// stream phases where bundle frames are terminated by a done frame.
func recvEither(ctx context.Context, link Link, a, b uint8) (uint8, codec.RawMessage, error) {
	wire, err := link.Receive(ctx)
	if err != nil {
		return 0, nil, err
	}
	var env envelope
	if err := codec.Unmarshal(wire, &env); err != nil {
		return 0, nil, fmt.Errorf("propagation: decode envelope: %w", err)
	}
	if env.Type != a && env.Type != b {
		return 0, nil, fmt.Errorf("propagation: expected frame %d or %d, got %d", a, b, env.Type)
	}
	return env.Type, env.Body, nil
}

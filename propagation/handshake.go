// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package propagation

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/haven-foundation/haven/bundle"
	"github.com/haven-foundation/haven/identity"
)

// protocolVersion is the exchange protocol spoken on links. A peer
// announcing a different version is not an error condition: the link
// degrades to a no-op and is closed, so mixed-version meshes stay up.
const protocolVersion = 1

// errVersionMismatch marks a peer speaking a different protocol
// version. Callers treat it as a quiet degrade, not a failure.
var errVersionMismatch = errors.New("propagation: protocol version mismatch")

// peerInfo is what the handshake learns about the other end.
type peerInfo struct {
	NodeID  string
	SignKey [32]byte
	BoxKey  [32]byte
}

// handshake runs the mutual hello and challenge-response on a fresh
// link. Both ends run it simultaneously:
//
//  1. Send a hello carrying our identity and a fresh 32-byte nonce.
//  2. Read the peer's hello. A version mismatch stops here.
//  3. Sign (peer nonce || peer node ID) and send the signature. The
//     node ID binding prevents replaying a signature obtained for one
//     challenger against another.
//  4. Read and verify the peer's signature over (our nonce || our
//     node ID) with the key from its hello.
//
// Verification proves possession of the announced signing key. Trust
// in what that key may do is decided per bundle, not per link.
func handshake(ctx context.Context, link Link, ident *identity.Identity, nodeID string) (peerInfo, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return peerInfo{}, fmt.Errorf("propagation: generating handshake nonce: %w", err)
	}

	hello := helloBody{
		Version: protocolVersion,
		NodeID:  nodeID,
		SignKey: ident.PublicKey(),
		BoxKey:  ident.BoxPublicKey(),
		Nonce:   nonce,
	}
	if err := sendFrame(ctx, link, frameHello, hello); err != nil {
		return peerInfo{}, err
	}

	var peerHello helloBody
	if err := recvFrame(ctx, link, frameHello, &peerHello); err != nil {
		return peerInfo{}, err
	}
	if peerHello.Version != protocolVersion {
		return peerInfo{}, fmt.Errorf("%w: ours %d, peer %s speaks %d",
			errVersionMismatch, protocolVersion, peerHello.NodeID, peerHello.Version)
	}
	if peerHello.NodeID == "" {
		return peerInfo{}, fmt.Errorf("%w: peer hello carries no node ID", bundle.ErrAuthentication)
	}

	challenge := make([]byte, 0, len(peerHello.Nonce)+len(peerHello.NodeID))
	challenge = append(challenge, peerHello.Nonce[:]...)
	challenge = append(challenge, peerHello.NodeID...)
	if err := sendFrame(ctx, link, frameAuth, authBody{Signature: ident.Sign(challenge)}); err != nil {
		return peerInfo{}, err
	}

	var peerAuth authBody
	if err := recvFrame(ctx, link, frameAuth, &peerAuth); err != nil {
		return peerInfo{}, err
	}

	expected := make([]byte, 0, len(nonce)+len(nodeID))
	expected = append(expected, nonce[:]...)
	expected = append(expected, nodeID...)
	if !ed25519.Verify(peerHello.SignKey[:], expected, peerAuth.Signature[:]) {
		return peerInfo{}, fmt.Errorf("%w: peer %s failed the key possession challenge",
			bundle.ErrAuthentication, peerHello.NodeID)
	}

	return peerInfo{
		NodeID:  peerHello.NodeID,
		SignKey: peerHello.SignKey,
		BoxKey:  peerHello.BoxKey,
	}, nil
}

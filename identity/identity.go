// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/haven-foundation/haven/bundle"
	"github.com/haven-foundation/haven/lib/secret"
)

// Identity holds a node's key material: an Ed25519 signing keypair
// and a Curve25519 box keypair for authenticated payload encryption.
//
// Private keys live in secret.Buffer memory (mmap-backed, locked
// against swap, excluded from core dumps). Public keys are plain
// values, safe to publish and embedded in every bundle this identity
// creates.
//
// The caller must call Close (or Wipe, for emergency erasure) when
// the identity is no longer needed.
type Identity struct {
	signPublic [32]byte
	boxPublic  [32]byte

	// signKey holds the 64-byte Ed25519 private key; boxKey holds
	// the 32-byte Curve25519 private key.
	signKey *secret.Buffer
	boxKey  *secret.Buffer
}

// Generate creates a fresh identity. Private key bytes are moved into
// mmap-backed memory immediately after generation.
func Generate() (*Identity, error) {
	signPublic, signPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	boxPublic, boxPrivate, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating box key: %w", err)
	}
	return newIdentity(signPublic, signPrivate, boxPublic, boxPrivate[:])
}

// newIdentity moves private key bytes into secret buffers, zeroing
// the heap copies.
func newIdentity(signPublic ed25519.PublicKey, signPrivate []byte, boxPublic *[32]byte, boxPrivate []byte) (*Identity, error) {
	signKey, err := secret.NewFromBytes(signPrivate)
	if err != nil {
		return nil, fmt.Errorf("protecting signing key: %w", err)
	}
	boxKey, err := secret.NewFromBytes(boxPrivate)
	if err != nil {
		signKey.Close()
		return nil, fmt.Errorf("protecting box key: %w", err)
	}

	id := &Identity{signKey: signKey, boxKey: boxKey}
	copy(id.signPublic[:], signPublic)
	id.boxPublic = *boxPublic
	return id, nil
}

// PublicKey returns the Ed25519 public key.
func (id *Identity) PublicKey() [32]byte { return id.signPublic }

// BoxPublicKey returns the Curve25519 public key.
func (id *Identity) BoxPublicKey() [32]byte { return id.boxPublic }

// Sign signs a message with the identity's Ed25519 key.
//
// crypto/ed25519 caches the expanded key via a weak pointer to the
// key's backing array, which the runtime only supports for heap
// memory. The locked region is mmap-backed, so the key is copied to
// the heap for the call and zeroed immediately after.
func (id *Identity) Sign(message []byte) [64]byte {
	private := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(private, id.signKey.Bytes())
	defer secret.Zero(private)

	var signature [64]byte
	copy(signature[:], ed25519.Sign(private, message))
	return signature
}

// Seal finalizes a bundle: stamps the sender keys, derives the
// content ID from the canonical bytes, and signs them. After Seal the
// bundle passes [bundle.Bundle.Verify].
func (id *Identity) Seal(b *bundle.Bundle) error {
	b.Sender = id.signPublic
	b.SenderBox = id.boxPublic

	canonical, err := b.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("sealing bundle: %w", err)
	}
	b.ID = bundle.DeriveID(canonical)
	b.Signature = id.Sign(canonical)
	return nil
}

// Close releases the private key memory (zeros, unlocks, unmaps).
// Idempotent.
func (id *Identity) Close() error {
	var firstErr error
	if err := id.signKey.Close(); err != nil {
		firstErr = err
	}
	if err := id.boxKey.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Wipe destroys the private keys with a multi-pass overwrite (zero,
// random, zero) before releasing the memory. Use this for emergency
// erasure; a plain Close suffices for normal shutdown. Callers that
// persisted the identity must also call [DestroyVault].
func (id *Identity) Wipe() error {
	var firstErr error
	if err := id.signKey.Wipe(); err != nil {
		firstErr = err
	}
	if err := id.boxKey.Wipe(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

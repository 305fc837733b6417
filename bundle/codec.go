// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/haven-foundation/haven/lib/codec"
)

// idDomainKey is the 32-byte key for BLAKE3 keyed hashing of bundle
// content IDs. Domain separation ensures the same bytes hashed in a
// different context (manifest digests, future domains) can never
// collide with a bundle ID. The byte values are the ASCII encoding of
// the domain name, zero-padded to 32 bytes: readable in hex dumps and
// debuggers without sacrificing any cryptographic property (BLAKE3
// keyed mode treats the key as an opaque 32-byte value). Changing the
// key invalidates every existing bundle ID.
var idDomainKey = [32]byte{
	'h', 'a', 'v', 'e', 'n', '.', 'b', 'u', 'n', 'd', 'l', 'e', '.', 'i', 'd',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// immutableFields is the canonical signing and ID surface: every
// wire field except ID, HopCount, and Signature. Field order is
// fixed; changing it invalidates all IDs and signatures.
type immutableFields struct {
	_ struct{} `cbor:",toarray"`

	Version     uint8
	Destination string
	Topic       string
	Priority    Priority
	Audience    Audience
	CreatedAt   int64
	ExpiresAt   int64
	HopLimit    uint8
	Flags       Flags
	Sender      [32]byte
	SenderBox   [32]byte
	Payload     []byte
}

// CanonicalBytes returns the deterministic encoding of the immutable
// fields. Two logically identical bundles always produce identical
// canonical bytes, so the derived ID and the signature are pure
// functions of content.
func (b *Bundle) CanonicalBytes() ([]byte, error) {
	return codec.Marshal(immutableFields{
		Version:     b.Version,
		Destination: b.Destination,
		Topic:       b.Topic,
		Priority:    b.Priority,
		Audience:    b.Audience,
		CreatedAt:   b.CreatedAt,
		ExpiresAt:   b.ExpiresAt,
		HopLimit:    b.HopLimit,
		Flags:       b.Flags,
		Sender:      b.Sender,
		SenderBox:   b.SenderBox,
		Payload:     b.Payload,
	})
}

// DeriveID computes the content ID from canonical bytes.
func DeriveID(canonical []byte) ID {
	hasher, err := blake3.NewKeyed(idDomainKey[:])
	if err != nil {
		panic("bundle: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(canonical)
	var id ID
	copy(id[:], hasher.Sum(nil))
	return id
}

// RecomputeID derives the content ID from the bundle's current
// immutable fields without consulting the stored ID field.
func (b *Bundle) RecomputeID() (ID, error) {
	canonical, err := b.CanonicalBytes()
	if err != nil {
		return ID{}, err
	}
	return DeriveID(canonical), nil
}

// Encode produces the full wire frame: the canonical fixed-order
// encoding of all fields including ID, HopCount, and Signature.
func Encode(b *Bundle) ([]byte, error) {
	data, err := codec.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle %s: %w", b.ID.Short(), err)
	}
	return data, nil
}

// Decode parses a wire frame. Malformed frames fail closed: on error
// the returned bundle is nil, never partially populated. Decode does
// not validate or verify; callers run [Bundle.Validate] and
// [Bundle.Verify] before accepting the result.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := codec.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &b, nil
}

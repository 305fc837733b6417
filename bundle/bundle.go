// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Version is the wire format version. A handshake between nodes with
// different versions degrades to no-op rather than failing.
const Version = 1

// ID is the 32-byte content-derived bundle identifier: a keyed BLAKE3
// digest of the canonical encoding of the immutable fields. It doubles
// as the deduplication key everywhere a bundle is stored or offered.
type ID [32]byte

// String returns the hex encoding. This is the canonical format used
// in logs and manifests dumps.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first 8 hex characters, for log readability.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

// IsZero reports whether the ID is all zero bytes.
func (id ID) IsZero() bool { return id == ID{} }

// ParseID parses a 64-character hex string into an ID.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parsing bundle id: %w", err)
	}
	if len(raw) != len(id) {
		return ID{}, fmt.Errorf("parsing bundle id: got %d bytes, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// Priority orders bundles for propagation and eviction. Lower values
// propagate first and evict last.
type Priority uint8

const (
	Emergency Priority = 0
	Expedited Priority = 1
	Normal    Priority = 2
	Bulk      Priority = 3
)

func (p Priority) String() string {
	switch p {
	case Emergency:
		return "emergency"
	case Expedited:
		return "expedited"
	case Normal:
		return "normal"
	case Bulk:
		return "bulk"
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// Valid reports whether p is a defined priority class.
func (p Priority) Valid() bool { return p <= Bulk }

// Audience controls who may relay a bundle versus who may read its
// plaintext.
type Audience uint8

const (
	// Public bundles may be relayed and read by any node.
	Public Audience = 0
	// Trusted bundles may be relayed by any node but are addressed
	// to the trusted audience.
	Trusted Audience = 1
	// DestinationOnly bundles may be relayed by any node but only the
	// destination can decrypt the payload.
	DestinationOnly Audience = 2
)

func (a Audience) String() string {
	switch a {
	case Public:
		return "public"
	case Trusted:
		return "trusted"
	case DestinationOnly:
		return "destination-only"
	}
	return fmt.Sprintf("audience(%d)", uint8(a))
}

// Valid reports whether a is a defined audience class.
func (a Audience) Valid() bool { return a <= DestinationOnly }

// Flags carries boolean bundle attributes on the wire.
type Flags uint8

const (
	// FlagCustodyRequested asks relaying nodes to track which
	// neighbor accepted responsibility for further propagation.
	FlagCustodyRequested Flags = 1 << 0

	// FlagPayloadCompressed records that the plaintext was zstd
	// compressed before encryption.
	FlagPayloadCompressed Flags = 1 << 1
)

// Address is a parsed logical destination of the form
// scheme://scope/topic. The scheme selects unicast ("node"),
// multicast-by-topic ("topic"), or trusted-audience broadcast
// ("trust").
type Address struct {
	Scheme string
	Scope  string
	Topic  string
}

// ParseAddress parses scheme://scope/topic. All three parts are
// required and non-empty.
func ParseAddress(s string) (Address, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok || scheme == "" {
		return Address{}, fmt.Errorf("%w: destination %q missing scheme", ErrDecode, s)
	}
	scope, topic, ok := strings.Cut(rest, "/")
	if !ok || scope == "" || topic == "" {
		return Address{}, fmt.Errorf("%w: destination %q missing scope or topic", ErrDecode, s)
	}
	return Address{Scheme: scheme, Scope: scope, Topic: topic}, nil
}

func (a Address) String() string {
	return a.Scheme + "://" + a.Scope + "/" + a.Topic
}

// Bundle is the atomic unit of delay-tolerant transport: a signed,
// optionally encrypted, self-contained datagram with destination,
// priority, and expiry.
//
// Payload and signature are immutable after creation. The propagation
// protocol mutates only HopCount; custody and delivery state live in
// the store, not on the bundle.
type Bundle struct {
	_ struct{} `cbor:",toarray"`

	Version     uint8
	ID          ID
	Destination string
	Topic       string
	Priority    Priority
	Audience    Audience

	// CreatedAt and ExpiresAt are Unix nanoseconds UTC.
	CreatedAt int64
	ExpiresAt int64

	HopLimit uint8
	HopCount uint8
	Flags    Flags

	// Sender is the creator's Ed25519 public key; Signature is
	// verified against it. SenderBox is the creator's Curve25519
	// public key used for payload decryption.
	Sender    [32]byte
	SenderBox [32]byte
	Signature [64]byte

	// Payload is ciphertext. Only the intended recipients hold the
	// keys to read it.
	Payload []byte
}

// CustodyRequested reports whether relaying nodes should track
// custody for this bundle.
func (b *Bundle) CustodyRequested() bool { return b.Flags&FlagCustodyRequested != 0 }

// Compressed reports whether the plaintext was compressed before
// encryption.
func (b *Bundle) Compressed() bool { return b.Flags&FlagPayloadCompressed != 0 }

// Expired reports whether the bundle's expiry has passed.
func (b *Bundle) Expired(now time.Time) bool { return now.UnixNano() > b.ExpiresAt }

// HopsRemaining returns how many relay transfers the bundle has left.
func (b *Bundle) HopsRemaining() int { return int(b.HopLimit) - int(b.HopCount) }

// Forwardable reports whether the bundle may undergo another relay
// transfer: it must have hops remaining and must not be expired.
func (b *Bundle) Forwardable(now time.Time) bool {
	return b.HopsRemaining() > 0 && !b.Expired(now)
}

// CreatedTime returns CreatedAt as a time.Time.
func (b *Bundle) CreatedTime() time.Time { return time.Unix(0, b.CreatedAt).UTC() }

// ExpiresTime returns ExpiresAt as a time.Time.
func (b *Bundle) ExpiresTime() time.Time { return time.Unix(0, b.ExpiresAt).UTC() }

// Validate checks structural invariants, expiry, and hop fencing.
// It does not verify the signature; see [Bundle.Verify].
//
// The returned error wraps a sentinel from the taxonomy so callers
// can classify with errors.Is.
func (b *Bundle) Validate(now time.Time) error {
	if b.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrDecode, b.Version)
	}
	if _, err := ParseAddress(b.Destination); err != nil {
		return err
	}
	if b.Topic == "" {
		return fmt.Errorf("%w: empty topic", ErrDecode)
	}
	if !b.Priority.Valid() {
		return fmt.Errorf("%w: %s", ErrDecode, b.Priority)
	}
	if !b.Audience.Valid() {
		return fmt.Errorf("%w: %s", ErrDecode, b.Audience)
	}
	if b.ExpiresAt <= b.CreatedAt {
		return fmt.Errorf("%w: expiry %d not after creation %d", ErrDecode, b.ExpiresAt, b.CreatedAt)
	}
	if b.Expired(now) {
		return fmt.Errorf("%w: expired at %s", ErrExpired, b.ExpiresTime().Format(time.RFC3339))
	}
	if int(b.HopCount) > int(b.HopLimit) {
		return fmt.Errorf("%w: hop count %d over limit %d", ErrHopLimitExceeded, b.HopCount, b.HopLimit)
	}
	return nil
}

// Verify recomputes the content ID and checks the signature against
// the embedded sender key. An ID that does not match the content is a
// malformed frame; a signature that does not verify is tampering or
// forgery. Both reject the bundle before any persistence.
func (b *Bundle) Verify() error {
	canonical, err := b.CanonicalBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if derived := DeriveID(canonical); derived != b.ID {
		return fmt.Errorf("%w: frame id %s does not match content %s", ErrDecode, b.ID.Short(), derived.Short())
	}
	if !ed25519.Verify(b.Sender[:], canonical, b.Signature[:]) {
		return fmt.Errorf("%w: sender %s", ErrSignatureInvalid, hex.EncodeToString(b.Sender[:4]))
	}
	return nil
}

// Clone returns a deep copy. Workers clone before incrementing
// HopCount so the stored original stays untouched.
func (b *Bundle) Clone() *Bundle {
	clone := *b
	clone.Payload = make([]byte, len(b.Payload))
	copy(clone.Payload, b.Payload)
	return &clone
}

// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle defines the wire format and validation rules for
// Haven bundles: signed, optionally encrypted, self-contained units
// of delay-tolerant transport.
//
// A bundle's identity is content-derived: [DeriveID] computes a keyed
// BLAKE3 digest over the canonical CBOR encoding of the immutable
// fields (everything except ID, HopCount, and Signature). The same
// canonical bytes are what the creator signs, so the ID and the
// signature bind to exactly the same content. HopCount travels on the
// wire but is outside both; it is fenced by the hop-limit validation
// rules instead.
//
// [Encode] and [Decode] convert between [Bundle] and the fixed-order
// wire frame. Decoding is strict and fails closed. [Bundle.Validate]
// checks structure, expiry, and hop fencing; [Bundle.Verify] checks
// the content ID and the Ed25519 signature. A bundle that fails
// either is rejected and never persisted.
//
// The package also defines the error taxonomy ([ErrDecode],
// [ErrSignatureInvalid], [ErrExpired], and friends) shared by the
// store and propagation layers. All of these are per-bundle and
// non-fatal.
package bundle

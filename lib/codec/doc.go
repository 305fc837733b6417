// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Haven's standard CBOR encoding and decoding.
//
// All persistent data and every wire frame (bundle frames, manifests,
// handshake messages) use CBOR with Core Deterministic Encoding
// (RFC 8949 §4.2). Determinism is load-bearing: the bundle identifier
// is a hash over the canonical encoding, so two nodes encoding the
// same logical bundle must produce identical bytes.
//
// Consumers import this package rather than fxamacker/cbor directly so
// that the encoder configuration is applied uniformly.
package codec

// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package propagation moves bundles between neighboring nodes.
//
// Each configured neighbor gets a [Worker] that dials out, proves key
// possession in a mutual challenge-response handshake, and then runs
// periodic exchange rounds; a [Server] answers the inbound side of
// the same protocol. Rounds are set-difference based: each side
// advertises a manifest of bundle IDs, requests only what it lacks,
// and streams bundles in scheduler order. Frames are deterministic
// CBOR with a length prefix on TCP links.
//
// Propagation is deliberately paranoid at the edges: every received
// bundle is decoded, verified, and validated on its own before it
// touches the store, and a neighbor that repeatedly relays bundles
// failing signature checks is quarantined. Link failures never
// propagate beyond the one neighbor's worker; they feed an
// exponential backoff and the next contact retries whatever the
// peer never confirmed receiving.
package propagation

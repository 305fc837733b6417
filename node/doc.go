// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package node assembles a running Haven node: the durable bundle
// store, the signing identity, per-neighbor propagation workers, the
// inbound exchange server, the expiry reaper, and the health
// endpoint.
//
// Applications talk to a node through two surfaces. Submit wraps a
// plaintext payload into a signed (and, for destination-only
// audiences, encrypted) bundle and durably stores it; the answer is
// definite either way. Subscribe yields a restartable feed of
// decrypted payloads per topic, resuming across restarts from
// durable delivery marks.
//
// Custody acknowledgements ride the same mesh as everything else:
// delivering a custody-requested bundle submits a small ack bundle
// encrypted to the origin, and every node watches the ack topic to
// release custody holds it can decrypt.
package node

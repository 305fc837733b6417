// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import "errors"

// Error taxonomy for bundle handling. All of these are per-bundle
// conditions: they are logged and the offending bundle is dropped,
// but they never take down a worker or the node. Callers classify
// with errors.Is.
var (
	// ErrDecode reports malformed wire bytes. Drop, log, no retry.
	ErrDecode = errors.New("bundle: malformed frame")

	// ErrSignatureInvalid reports a signature that does not verify
	// against the embedded sender key. The bundle is tampered or
	// forged and must never be persisted.
	ErrSignatureInvalid = errors.New("bundle: signature invalid")

	// ErrExpired reports a bundle past its expiry. Dropped silently,
	// no retry.
	ErrExpired = errors.New("bundle: expired")

	// ErrHopLimitExceeded reports a hop count past the hop limit.
	// The bundle leaves forwarding but may still be delivered locally
	// when this node is the destination.
	ErrHopLimitExceeded = errors.New("bundle: hop limit exceeded")

	// ErrDuplicate reports an insert for an ID the store already
	// holds. Not a failure: the exchange protocol routinely offers
	// bundles both sides hold.
	ErrDuplicate = errors.New("bundle: duplicate")

	// ErrStorageFull reports that an insert could not fit within the
	// storage budget even after evicting every eligible bundle.
	ErrStorageFull = errors.New("bundle: storage full")

	// ErrNeighborDisconnected reports a neighbor link failure mid
	// exchange. Transient: the worker retries with backoff.
	ErrNeighborDisconnected = errors.New("bundle: neighbor disconnected")

	// ErrAuthentication reports a payload that failed authenticated
	// decryption. The payload is unreadable; the bundle is dropped
	// for local delivery but remains forwardable.
	ErrAuthentication = errors.New("bundle: payload authentication failed")
)

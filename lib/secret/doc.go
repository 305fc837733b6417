// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for sensitive data such
// as identity private keys, vault passphrases, and derived keys.
//
// [Buffer] allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and marks it
// excluded from core dumps via madvise(MADV_DONTDUMP). On Close, the
// memory is zeroed, unlocked, and unmapped. Because the memory lives
// outside the Go heap, the garbage collector cannot copy or relocate
// it, guaranteeing secret material does not persist after release.
//
// [Buffer.Wipe] is the destruction path for key erasure: three
// overwrite passes (zero, random, zero) on the backing memory before
// the region is released. Emergency key destruction must use Wipe, not
// Close — dropping a reference without overwriting memory violates the
// erasure contract.
//
// Access via [Buffer.Bytes] (slice into mmap region) or
// [Buffer.String] (heap copy for API boundaries). [Buffer.Equal] uses
// constant-time comparison. After Close or Wipe, any access panics.
// Both are idempotent.
//
// Depends on golang.org/x/sys/unix. Imported by the identity package
// for signing keys, box keys, and vault material.
package secret

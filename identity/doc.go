// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity manages a node's cryptographic keys and the three
// crypto surfaces built on them:
//
//   - Signing: Ed25519 over a bundle's canonical bytes ([Identity.Seal],
//     verified by bundle.Verify).
//   - Payload encryption: NaCl box (x25519-xsalsa20-poly1305) between
//     the sender's and recipient's Curve25519 keys
//     ([Identity.EncryptFor], [Identity.DecryptFrom]).
//   - Local-secret storage: the identity vault, encrypted with an age
//     scrypt recipient ([Identity.SaveVault], [LoadVault]). The
//     memory-hard passphrase layer is deliberately separate from the
//     public-key payload layer; the two must never be conflated.
//
// Private keys live in secret.Buffer memory for their whole lifetime.
// [Identity.Wipe] performs emergency erasure: multi-pass overwrite of
// the key memory. [DestroyVault] completes the wipe for persisted
// copies by overwriting the vault file and flushing the deletion.
package identity

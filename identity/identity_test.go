// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haven-foundation/haven/bundle"
	"github.com/haven-foundation/haven/lib/secret"
)

func mustGenerate(t *testing.T) *Identity {
	t.Helper()
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	t.Cleanup(func() { id.Close() })
	return id
}

func testBundle() *bundle.Bundle {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	return &bundle.Bundle{
		Version:     bundle.Version,
		Destination: "topic://local/alerts",
		Topic:       "alerts",
		Priority:    bundle.Normal,
		Audience:    bundle.Public,
		CreatedAt:   now.UnixNano(),
		ExpiresAt:   now.Add(time.Hour).UnixNano(),
		HopLimit:    10,
		Payload:     []byte("payload"),
	}
}

func TestSealProducesVerifiableBundle(t *testing.T) {
	id := mustGenerate(t)

	b := testBundle()
	if err := id.Seal(b); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if b.ID.IsZero() {
		t.Error("Seal left a zero ID")
	}
	if b.Sender != id.PublicKey() {
		t.Error("Seal did not stamp the sender key")
	}
	if b.SenderBox != id.BoxPublicKey() {
		t.Error("Seal did not stamp the box key")
	}
	if err := b.Verify(); err != nil {
		t.Errorf("Verify after Seal: %v", err)
	}
}

func TestSignRepeatedlyFromLockedKey(t *testing.T) {
	// Sign hands crypto/ed25519 a heap copy of the key; passing the
	// locked mmap region directly is a fatal runtime error because the
	// stdlib caches the expanded key with a weak pointer to the key's
	// backing array.
	id := mustGenerate(t)
	message := []byte("over the mesh and far away")

	first := id.Sign(message)
	second := id.Sign(message)
	if first != second {
		t.Error("signing the same message twice produced different signatures")
	}

	pub := id.PublicKey()
	if !ed25519.Verify(pub[:], message, first[:]) {
		t.Error("signature does not verify against the public key")
	}

	// The locked key must survive the sign path untouched.
	if got := id.Sign([]byte("another message")); !ed25519.Verify(pub[:], []byte("another message"), got[:]) {
		t.Error("key material damaged by a previous Sign")
	}
}

func TestSealDeterministicID(t *testing.T) {
	id := mustGenerate(t)

	first := testBundle()
	second := testBundle()
	if err := id.Seal(first); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := id.Seal(second); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if first.ID != second.ID {
		t.Error("sealing identical content twice produced different IDs")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender := mustGenerate(t)
	recipient := mustGenerate(t)

	plaintext := []byte("the meeting point moved to the north bridge")

	ciphertext, err := sender.EncryptFor(plaintext, recipient.BoxPublicKey())
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains the plaintext")
	}

	decrypted, err := recipient.DecryptFrom(ciphertext, sender.BoxPublicKey())
	if err != nil {
		t.Fatalf("DecryptFrom: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptRejectsWrongRecipient(t *testing.T) {
	sender := mustGenerate(t)
	recipient := mustGenerate(t)
	eavesdropper := mustGenerate(t)

	ciphertext, err := sender.EncryptFor([]byte("secret"), recipient.BoxPublicKey())
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}

	if _, err := eavesdropper.DecryptFrom(ciphertext, sender.BoxPublicKey()); !errors.Is(err, bundle.ErrAuthentication) {
		t.Errorf("DecryptFrom by wrong recipient = %v, want ErrAuthentication", err)
	}
}

func TestDecryptRejectsWrongSender(t *testing.T) {
	sender := mustGenerate(t)
	recipient := mustGenerate(t)
	impostor := mustGenerate(t)

	ciphertext, err := sender.EncryptFor([]byte("secret"), recipient.BoxPublicKey())
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}

	// Claiming the wrong sender key breaks mutual authentication.
	if _, err := recipient.DecryptFrom(ciphertext, impostor.BoxPublicKey()); !errors.Is(err, bundle.ErrAuthentication) {
		t.Errorf("DecryptFrom with wrong sender = %v, want ErrAuthentication", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	sender := mustGenerate(t)
	recipient := mustGenerate(t)

	ciphertext, err := sender.EncryptFor([]byte("secret"), recipient.BoxPublicKey())
	if err != nil {
		t.Fatalf("EncryptFor: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 1

	if _, err := recipient.DecryptFrom(ciphertext, sender.BoxPublicKey()); !errors.Is(err, bundle.ErrAuthentication) {
		t.Errorf("DecryptFrom with tampered ciphertext = %v, want ErrAuthentication", err)
	}
}

func TestDecryptRejectsTruncated(t *testing.T) {
	recipient := mustGenerate(t)
	sender := mustGenerate(t)

	if _, err := recipient.DecryptFrom([]byte("short"), sender.BoxPublicKey()); !errors.Is(err, bundle.ErrAuthentication) {
		t.Errorf("DecryptFrom on truncated input = %v, want ErrAuthentication", err)
	}
}

func TestVaultRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt derivation is slow")
	}

	original := mustGenerate(t)
	vaultPath := filepath.Join(t.TempDir(), "identity.vault")

	passphrase, err := secret.NewFromBytes([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer passphrase.Close()

	if err := original.SaveVault(vaultPath, passphrase); err != nil {
		t.Fatalf("SaveVault: %v", err)
	}

	loaded, err := LoadVault(vaultPath, passphrase)
	if err != nil {
		t.Fatalf("LoadVault: %v", err)
	}
	defer loaded.Close()

	if loaded.PublicKey() != original.PublicKey() {
		t.Error("loaded identity has a different signing key")
	}
	if loaded.BoxPublicKey() != original.BoxPublicKey() {
		t.Error("loaded identity has a different box key")
	}

	// The loaded identity can still do useful work.
	b := testBundle()
	if err := loaded.Seal(b); err != nil {
		t.Fatalf("Seal with loaded identity: %v", err)
	}
	if err := b.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVaultWrongPassphrase(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt derivation is slow")
	}

	original := mustGenerate(t)
	vaultPath := filepath.Join(t.TempDir(), "identity.vault")

	passphrase, err := secret.NewFromBytes([]byte("right passphrase"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer passphrase.Close()

	if err := original.SaveVault(vaultPath, passphrase); err != nil {
		t.Fatalf("SaveVault: %v", err)
	}

	wrong, err := secret.NewFromBytes([]byte("wrong passphrase"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer wrong.Close()

	if _, err := LoadVault(vaultPath, wrong); err == nil {
		t.Error("LoadVault with wrong passphrase should fail")
	}
}

func TestVaultCiphertextOpaque(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt derivation is slow")
	}

	original := mustGenerate(t)
	vaultPath := filepath.Join(t.TempDir(), "identity.vault")

	passphrase, err := secret.NewFromBytes([]byte("passphrase"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer passphrase.Close()

	if err := original.SaveVault(vaultPath, passphrase); err != nil {
		t.Fatalf("SaveVault: %v", err)
	}

	data, err := os.ReadFile(vaultPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	signKey := original.signKey.Bytes()
	if bytes.Contains(data, signKey) {
		t.Error("vault file contains the raw signing key")
	}
	if bytes.Contains(data, original.boxKey.Bytes()) {
		t.Error("vault file contains the raw box key")
	}
}

func TestDestroyVault(t *testing.T) {
	if testing.Short() {
		t.Skip("scrypt derivation is slow")
	}

	original := mustGenerate(t)
	vaultPath := filepath.Join(t.TempDir(), "identity.vault")

	passphrase, err := secret.NewFromBytes([]byte("passphrase"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer passphrase.Close()

	if err := original.SaveVault(vaultPath, passphrase); err != nil {
		t.Fatalf("SaveVault: %v", err)
	}
	if err := DestroyVault(vaultPath); err != nil {
		t.Fatalf("DestroyVault: %v", err)
	}
	if _, err := os.Stat(vaultPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("vault still exists after DestroyVault: %v", err)
	}

	// Destroying an absent vault is a no-op.
	if err := DestroyVault(vaultPath); err != nil {
		t.Errorf("DestroyVault on missing file: %v", err)
	}
}

func TestRecoveryCodeRoundTrip(t *testing.T) {
	original := mustGenerate(t)

	code, err := original.RecoveryCode()
	if err != nil {
		t.Fatalf("RecoveryCode: %v", err)
	}

	recovered, err := FromRecoveryCode(code)
	if err != nil {
		t.Fatalf("FromRecoveryCode: %v", err)
	}
	defer recovered.Close()

	if recovered.PublicKey() != original.PublicKey() {
		t.Error("recovered identity has a different signing key")
	}
	if recovered.BoxPublicKey() != original.BoxPublicKey() {
		t.Error("recovered identity has a different box key")
	}

	b := testBundle()
	if err := recovered.Seal(b); err != nil {
		t.Fatalf("Seal with recovered identity: %v", err)
	}
	if err := b.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestRecoveryCodeTolerantInput(t *testing.T) {
	original := mustGenerate(t)

	code, err := original.RecoveryCode()
	if err != nil {
		t.Fatalf("RecoveryCode: %v", err)
	}

	// Upper case, no dashes, stray whitespace: all accepted.
	mangled := "  " + strings.ToUpper(strings.ReplaceAll(code, "-", "")) + "\n"
	recovered, err := FromRecoveryCode(mangled)
	if err != nil {
		t.Fatalf("FromRecoveryCode on mangled input: %v", err)
	}
	defer recovered.Close()

	if recovered.PublicKey() != original.PublicKey() {
		t.Error("recovered identity has a different signing key")
	}
}

func TestRecoveryCodeDetectsTypos(t *testing.T) {
	original := mustGenerate(t)

	code, err := original.RecoveryCode()
	if err != nil {
		t.Fatalf("RecoveryCode: %v", err)
	}

	// Flip one character to another base32 character.
	typo := []byte(code)
	for i, c := range typo {
		if c != '-' {
			if c == 'a' {
				typo[i] = 'b'
			} else {
				typo[i] = 'a'
			}
			break
		}
	}
	if _, err := FromRecoveryCode(string(typo)); err == nil {
		t.Error("FromRecoveryCode accepted a mistyped code")
	}

	if _, err := FromRecoveryCode("too-short"); err == nil {
		t.Error("FromRecoveryCode accepted a truncated code")
	}
}

func TestWipePreventsFurtherUse(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if err := id.Wipe(); err != nil {
		t.Fatalf("Wipe: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Sign after Wipe should panic")
		}
	}()
	id.Sign([]byte("message"))
}

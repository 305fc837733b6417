// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"
	"golang.org/x/crypto/curve25519"

	"github.com/haven-foundation/haven/lib/codec"
	"github.com/haven-foundation/haven/lib/secret"
)

// vaultRecord is the serialized private key material. Public keys are
// re-derived on load rather than stored.
type vaultRecord struct {
	_ struct{} `cbor:",toarray"`

	SignKey []byte // 64-byte Ed25519 private key
	BoxKey  []byte // 32-byte Curve25519 private key
}

// SaveVault persists the identity's private keys at path, encrypted
// with a passphrase-derived key (age scrypt recipient: memory-hard
// derivation, deliberately a separate layer from the public-key
// encryption used for bundle payloads). The write is atomic: a temp
// file is synced and renamed over the target, and the directory entry
// is flushed.
func (id *Identity) SaveVault(path string, passphrase *secret.Buffer) error {
	plaintext, err := codec.Marshal(vaultRecord{
		SignKey: id.signKey.Bytes(),
		BoxKey:  id.boxKey.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("encoding vault record: %w", err)
	}
	defer secret.Zero(plaintext)

	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		return fmt.Errorf("deriving vault key: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("creating vault encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("encrypting vault: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing vault encryption: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating vault file: %w", err)
	}
	if _, err := file.Write(ciphertext.Bytes()); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing vault file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing vault file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing vault file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("installing vault file: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// LoadVault reads and decrypts an identity vault. A wrong passphrase
// surfaces as a decryption error from age; the caller cannot
// distinguish it from a corrupted vault, which is intentional.
func LoadVault(path string, passphrase *secret.Buffer) (*Identity, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault: %w", err)
	}

	ageIdentity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("deriving vault key: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), ageIdentity)
	if err != nil {
		return nil, fmt.Errorf("opening vault: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decrypting vault: %w", err)
	}
	defer secret.Zero(plaintext)

	var record vaultRecord
	if err := codec.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("decoding vault record: %w", err)
	}
	defer secret.Zero(record.SignKey)
	defer secret.Zero(record.BoxKey)

	if len(record.SignKey) != ed25519.PrivateKeySize || len(record.BoxKey) != 32 {
		return nil, errors.New("vault record has malformed key material")
	}

	signPublic := ed25519.PrivateKey(record.SignKey).Public().(ed25519.PublicKey)

	var boxPrivate, boxPublic [32]byte
	copy(boxPrivate[:], record.BoxKey)
	curve25519.ScalarBaseMult(&boxPublic, &boxPrivate)
	defer secret.Zero(boxPrivate[:])

	// newIdentity zeroes the slices it is handed.
	return newIdentity(signPublic, record.SignKey, &boxPublic, record.BoxKey)
}

// DestroyVault removes a persisted vault: the file content is
// overwritten with zeros and synced before deletion, and the deletion
// itself is flushed to stable storage. Removing only the directory
// entry would leave the ciphertext recoverable from the platters.
// A missing vault is not an error.
func DestroyVault(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspecting vault: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening vault for overwrite: %w", err)
	}
	zeros := make([]byte, info.Size())
	if _, err := file.WriteAt(zeros, 0); err != nil {
		file.Close()
		return fmt.Errorf("overwriting vault: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("syncing overwritten vault: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing vault: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing vault: %w", err)
	}
	return syncDir(filepath.Dir(path))
}

// syncDir flushes a directory entry change (create, rename, unlink)
// to stable storage.
func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory %s: %w", dir, err)
	}
	defer handle.Close()
	if err := handle.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}

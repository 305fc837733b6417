// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"

	"github.com/haven-foundation/haven/bundle"
)

// nonceSize is the NaCl box nonce length. The nonce is random per
// message and travels as a prefix of the ciphertext.
const nonceSize = 24

// EncryptFor encrypts plaintext so that only the holder of the
// recipient's box private key can read it, authenticated by this
// identity's box key (x25519-xsalsa20-poly1305: confidentiality,
// mutual authentication, and integrity in one primitive).
//
// The output is nonce || sealed ciphertext.
func (id *Identity) EncryptFor(plaintext []byte, recipient [32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	var private [32]byte
	copy(private[:], id.boxKey.Bytes())

	out := box.Seal(nonce[:], plaintext, &nonce, &recipient, &private)
	private = [32]byte{}
	return out, nil
}

// DecryptFrom opens ciphertext produced by the sender's EncryptFor.
// The sender's box public key is taken from the bundle's SenderBox
// field; authentication failure means the payload was not produced
// for this recipient by that sender, and returns
// [bundle.ErrAuthentication].
func (id *Identity) DecryptFrom(ciphertext []byte, sender [32]byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+box.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", bundle.ErrAuthentication)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])

	var private [32]byte
	copy(private[:], id.boxKey.Bytes())

	plaintext, ok := box.Open(nil, ciphertext[nonceSize:], &nonce, &sender, &private)
	private = [32]byte{}
	if !ok {
		return nil, bundle.ErrAuthentication
	}
	return plaintext, nil
}

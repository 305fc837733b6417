// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"

	"github.com/haven-foundation/haven/lib/secret"
)

// recoveryEncoding is unpadded base32: every character survives a
// phone call or a sheet of paper, unlike base64's mixed case and
// punctuation.
var recoveryEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// recoveryGroup is the dash-separated chunk length in the printed
// form.
const recoveryGroup = 8

// recoveryLen is seed + box key + checksum, before encoding.
const recoveryLen = ed25519.SeedSize + 32 + recoveryCheckLen

const recoveryCheckLen = 4

// RecoveryCode exports the identity's private key material as a
// typable one-line code: the Ed25519 seed and the box private key,
// followed by a 4-byte blake3 checksum to catch transcription errors.
// The code is the identity — anyone holding it can impersonate this
// node — so it is meant to be written down once and stored offline,
// not logged or persisted by the caller.
func (id *Identity) RecoveryCode() (string, error) {
	signPrivate := id.signKey.Bytes()
	boxPrivate := id.boxKey.Bytes()
	if len(signPrivate) != ed25519.PrivateKeySize || len(boxPrivate) != 32 {
		return "", errors.New("identity: key material unavailable")
	}

	material := make([]byte, 0, recoveryLen)
	material = append(material, signPrivate[:ed25519.SeedSize]...)
	material = append(material, boxPrivate...)
	sum := blake3.Sum256(material)
	material = append(material, sum[:recoveryCheckLen]...)
	defer secret.Zero(material)

	encoded := strings.ToLower(recoveryEncoding.EncodeToString(material))
	groups := make([]string, 0, (len(encoded)+recoveryGroup-1)/recoveryGroup)
	for i := 0; i < len(encoded); i += recoveryGroup {
		end := i + recoveryGroup
		if end > len(encoded) {
			end = len(encoded)
		}
		groups = append(groups, encoded[i:end])
	}
	return strings.Join(groups, "-"), nil
}

// FromRecoveryCode reconstructs an identity from a code produced by
// [Identity.RecoveryCode]. Dashes and surrounding whitespace are
// ignored and case does not matter. A failed checksum means the code
// was mistyped, not that the identity is gone.
func FromRecoveryCode(code string) (*Identity, error) {
	compact := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	material, err := recoveryEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("undecodable recovery code: %w", err)
	}
	defer secret.Zero(material)
	if len(material) != recoveryLen {
		return nil, errors.New("recovery code has wrong length")
	}

	body := material[:recoveryLen-recoveryCheckLen]
	sum := blake3.Sum256(body)
	if !bytes.Equal(material[len(body):], sum[:recoveryCheckLen]) {
		return nil, errors.New("recovery code checksum mismatch, check for typos")
	}

	signPrivate := ed25519.NewKeyFromSeed(body[:ed25519.SeedSize])
	signPublic := signPrivate.Public().(ed25519.PublicKey)

	var boxPrivate, boxPublic [32]byte
	copy(boxPrivate[:], body[ed25519.SeedSize:])
	curve25519.ScalarBaseMult(&boxPublic, &boxPrivate)
	defer secret.Zero(boxPrivate[:])

	// newIdentity zeroes the slices it is handed.
	return newIdentity(signPublic, signPrivate, &boxPublic, boxPrivate[:])
}

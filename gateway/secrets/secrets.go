// Copyright (C) 2025 CloudPaste Authors.
// See LICENSE for copying information.

// Package secrets encrypts storage-config secret fields in place.
// Encrypted values carry a recognisable prefix so that key rotation can
// tell already-encrypted rows apart from plaintext ones.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the class for secret box errors.
var Error = errs.Class("secrets")

// Prefix marks an encrypted value.
const Prefix = "encrypted:"

// Box encrypts and decrypts secret field values with AES-256-GCM.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a box from a passphrase. The passphrase is hashed with
// SHA-256 into the AES-256 key.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, Error.New("empty passphrase")
	}
	key := sha256.Sum256([]byte(passphrase))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, Error.Wrap(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Box{aead: aead}, nil
}

// IsEncrypted reports whether the value already carries the prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Encrypt seals plaintext and returns the prefixed, base64 encoded
// value. Already-encrypted values are returned unchanged.
func (box *Box) Encrypt(plaintext string) (string, error) {
	if IsEncrypted(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, box.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", Error.Wrap(err)
	}
	sealed := box.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a prefixed value. Values without the prefix are assumed
// plaintext and returned as-is, so that configs predating encryption
// keep working.
func (box *Box) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", Error.Wrap(err)
	}
	if len(raw) < box.aead.NonceSize() {
		return "", Error.New("ciphertext too short")
	}
	nonce, sealed := raw[:box.aead.NonceSize()], raw[box.aead.NonceSize():]
	plain, err := box.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", Error.Wrap(err)
	}
	return string(plain), nil
}

// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package vault provides authenticated encryption for refresh credentials
// at rest. Each Encrypt call uses a fresh random nonce, so encrypting the
// same plaintext twice yields different ciphertexts and stored rows cannot
// be correlated by value. The nonce is prepended to the ciphertext, making
// each ciphertext self-contained.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidToken indicates a ciphertext that could not be decrypted:
	// tampered data, a mismatched key, or a malformed payload. Decryption
	// never silently returns wrong plaintext.
	ErrInvalidToken = errors.New("invalid token ciphertext")

	// ErrKeyTooShort indicates the configured master key has insufficient entropy.
	ErrKeyTooShort = errors.New("master key must be at least 16 bytes")
)

// hkdfContext binds derived keys to this use so the same master key cannot
// be reused for another purpose with compatible ciphertexts.
const hkdfContext = "auricle-refresh-token"

// Vault seals and opens refresh credentials with AES-256-GCM.
// The encryption key is derived from the configured master key via
// HKDF-SHA256. Safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a base64-encoded master key.
func New(masterKeyB64 string) (*Vault, error) {
	masterKey, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return NewFromKey(masterKey)
}

// NewFromKey creates a Vault from raw master key bytes.
func NewFromKey(masterKey []byte) (*Vault, error) {
	if len(masterKey) < 16 {
		return nil, ErrKeyTooShort
	}

	derived, err := deriveKey(masterKey, []byte(hkdfContext), 32)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// deriveKey derives a key using HKDF-SHA256.
func deriveKey(secret, context []byte, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, context)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals the plaintext and returns base64-encoded ciphertext with the
// nonce prepended. Empty plaintext is sealed like any other value, so the
// round-trip property holds for all inputs.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens base64-encoded ciphertext produced by Encrypt.
// Any failure (bad base64, truncated payload, wrong key, tampering) returns
// an error wrapping ErrInvalidToken.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrInvalidToken)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return "", fmt.Errorf("%w: data too short", ErrInvalidToken)
	}

	nonce := data[:nonceSize]
	plaintext, err := v.aead.Open(nil, nonce, data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrInvalidToken)
	}

	return string(plaintext), nil
}

// GenerateMasterKey generates a 256-bit master key, base64-encoded for
// direct use in configuration.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

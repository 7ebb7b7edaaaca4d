// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when an envelope cannot be decrypted.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// keyInfo binds derived keys to this subsystem; the same operator secret
// used elsewhere yields a different key here.
const keyInfo = "workbench-credential-vault"

// keySize is the AES-256 key length in bytes.
const keySize = 32

// DeriveKey derives the 32-byte AES-256 vault key from the operator secret
// via HKDF-SHA256.
func DeriveKey(secret []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty operator secret", ErrInvalidKey)
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encryptor seals and opens credential envelopes with AES-256-GCM.
//
// Envelope format:
//
//	[nonce (12 bytes)][encrypted data + auth tag]
//
// A fresh random nonce is generated per envelope and prepended so decryption
// needs no external state.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor from a derived 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: key must be %d bytes for AES-256, got %d bytes", ErrInvalidKey, keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext into an envelope.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext and tag after the nonce.
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens an envelope produced by Encrypt.
//
// Returns ErrInvalidCiphertext when the envelope is too short, has been
// tampered with, or was sealed under a different key.
func (e *Encryptor) Decrypt(envelope []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(envelope) < nonceSize {
		return nil, fmt.Errorf("%w: envelope too short (expected at least %d bytes, got %d)",
			ErrInvalidCiphertext, nonceSize, len(envelope))
	}

	nonce, sealed := envelope[:nonceSize], envelope[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// SecretHash fingerprints a plaintext secret as hex SHA-256. The UI displays
// the last 8 characters so users can tell credentials apart without ever
// seeing the secret again.
func SecretHash(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// HashTail returns the displayable suffix of a secret hash.
func HashTail(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[len(hash)-8:]
}

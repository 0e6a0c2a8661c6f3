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

// Package secrets encrypts credentials at rest with AES-256-GCM. The
// master key comes from WORKBRIDGE_MASTER_KEY or the OS keychain; string
// keys are stretched with PBKDF2.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyringService = "workbridge"
	keyringUser    = "master-key"

	// pbkdf2Iterations stretches passphrase-style keys.
	pbkdf2Iterations = 210_000
)

// keyDerivationSalt is fixed: the derived key never leaves the process and
// uniqueness comes from the passphrase.
var keyDerivationSalt = []byte("workbridge.credentials.v1")

var (
	// ErrInvalidCiphertext is returned when ciphertext cannot be decrypted.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrNoMasterKey is returned when no key source is available.
	ErrNoMasterKey = errors.New("no master key configured")
)

// Encryptor seals and opens small secrets with AES-256-GCM.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an encryptor from a 32-byte key.
func NewEncryptor(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
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

// FromEnvironment resolves the master key: WORKBRIDGE_MASTER_KEY first,
// then the OS keychain. A passphrase from either source is stretched with
// PBKDF2 into the AES key.
func FromEnvironment() (*Encryptor, error) {
	passphrase := os.Getenv("WORKBRIDGE_MASTER_KEY")
	if passphrase == "" {
		stored, err := keyring.Get(keyringService, keyringUser)
		if err != nil {
			return nil, ErrNoMasterKey
		}
		passphrase = stored
	}

	key := pbkdf2.Key([]byte(passphrase), keyDerivationSalt, pbkdf2Iterations, 32, sha256.New)
	return NewEncryptor(key)
}

// StoreMasterKey saves a passphrase in the OS keychain.
func StoreMasterKey(passphrase string) error {
	if err := keyring.Set(keyringService, keyringUser, passphrase); err != nil {
		return fmt.Errorf("failed to store master key: %w", err)
	}
	return nil
}

// Encrypt seals plaintext. The ciphertext layout is
// [nonce][data + auth tag].
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize+1 {
		return nil, ErrInvalidCiphertext
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}

// ABOUTME: At-rest encryption for credential blobs
// ABOUTME: XChaCha20-Poly1305 with a random nonce prefixed to the ciphertext

package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when a blob fails authentication or is malformed.
var ErrDecrypt = errors.New("decryption failed")

// Cipher seals and opens credential blobs. Implementations must be safe
// for concurrent use.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// SecretBox is the XChaCha20-Poly1305 Cipher used in production. Each
// sealed blob carries its own random nonce, so identical plaintexts
// never produce identical ciphertexts.
type SecretBox struct {
	key []byte
}

// NewSecretBox creates a SecretBox from a raw 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &SecretBox{key: k}, nil
}

// NewSecretBoxFromBase64 creates a SecretBox from a base64-encoded key,
// the form carried in configuration.
func NewSecretBoxFromBase64(encoded string) (*SecretBox, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	return NewSecretBox(key)
}

// Seal encrypts plaintext, returning nonce || ciphertext.
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal. Returns ErrDecrypt on tampered
// or truncated input.
func (b *SecretBox) Open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

var _ Cipher = (*SecretBox)(nil)

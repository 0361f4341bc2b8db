// Package crypto provides authenticated encryption for bot tokens at rest.
// Tokens are the most sensitive secret the platform stores: whoever holds a
// token controls the bot. They are therefore never written to the database in
// plaintext.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Common errors.
var (
	// ErrInvalidKey is returned when the master key has the wrong length.
	ErrInvalidKey = errors.New("master key must be exactly 32 bytes")

	// ErrCiphertextTooShort is returned when a stored ciphertext is shorter
	// than the nonce prefix it must carry.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// TokenCipher encrypts and decrypts Telegram bot tokens with
// XChaCha20-Poly1305. Each ciphertext is nonce || sealed, with a fresh
// random 24-byte nonce per encryption, so encrypting the same token twice
// yields different ciphertexts.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a TokenCipher from a 32-byte master key.
func NewTokenCipher(masterKey []byte) (*TokenCipher, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("create aead: %w", err)
	}

	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals a plaintext token. The bot's owner id is bound as
// additional data, so a ciphertext copied onto another owner's row fails
// authentication on decrypt.
func (c *TokenCipher) Encrypt(token string, ownerID int64) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(token), additionalData(ownerID))
	return sealed, nil
}

// Decrypt opens a stored ciphertext produced by Encrypt.
func (c *TokenCipher) Decrypt(ciphertext []byte, ownerID int64) (string, error) {
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return "", ErrCiphertextTooShort
	}

	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	sealed := ciphertext[chacha20poly1305.NonceSizeX:]

	plaintext, err := c.aead.Open(nil, nonce, sealed, additionalData(ownerID))
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}

	return string(plaintext), nil
}

// additionalData encodes the owner id as AEAD associated data.
func additionalData(ownerID int64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(ownerID >> (8 * (7 - i)))
	}
	return buf
}

// Package crypto encrypts user-contributed provider credentials at rest.
//
// The key is derived once from a service secret with PBKDF2-HMAC-SHA256 and a
// fixed salt. Tokens are base64url(nonce || AES-256-GCM ciphertext).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	salt       = "jexi_encryption_salt"
	iterations = 100000
	keyLength  = 32
)

// ErrInvalidCiphertext is returned when a token is malformed or fails authentication
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// DeriveKey derives the AES-256 key from a secret
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), iterations, keyLength, sha256.New)
}

// Encrypt seals plaintext with key and returns a printable token
func Encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt
func Decrypt(key []byte, token string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	data, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	nonceSize := gcm.NonceSize()
	if len(data) <= nonceSize {
		return "", ErrInvalidCiphertext
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return cipher.NewGCM(block)
}

// Package crypto encrypts provider API keys at rest.
//
// Keys are sealed with AES-256-GCM. The AES key comes from
// SECURITY_ENCRYPTION_KEY: a base64-encoded 32-byte value is used directly,
// anything else is treated as a passphrase and stretched with PBKDF2.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyLen     = 32
	iterations = 100_000
)

// derivationSalt is fixed per build. Acceptable for key-at-rest encryption
// where the passphrase is already high entropy; rotate the passphrase per
// deployment.
var derivationSalt = []byte("llm-proxy-credential-store")

// Cipher seals and opens provider API keys.
type Cipher struct {
	aead cipher.AEAD
}

// New builds a Cipher from the configured secret. A base64 encoding of
// exactly 32 bytes is used as the AES key directly; any other value is run
// through PBKDF2-SHA256.
func New(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("crypto: empty encryption key")
	}

	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(key) != keyLen {
		key = pbkdf2.Key([]byte(secret), derivationSalt, iterations, keyLen, sha256.New)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce || ciphertext). The nonce
// is random per call, so encrypting the same key twice yields different
// ciphertexts.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or foreign ciphertexts fail
// authentication and return an error.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("crypto: ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: open: %w", err)
	}
	return string(plaintext), nil
}

// Mask renders a key for logs and admin responses: all but the last four
// characters replaced.
func Mask(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

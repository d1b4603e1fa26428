package crypto_test

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/nulpointcorp/llm-proxy/internal/crypto"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := crypto.New("unit-test-passphrase")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const key = "sk-proj-1234567890abcdef"
	sealed, err := c.Encrypt(key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sealed == key {
		t.Fatal("ciphertext equals plaintext")
	}

	opened, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if opened != key {
		t.Errorf("Decrypt = %q, want %q", opened, key)
	}
}

func TestCipher_DistinctCiphertexts(t *testing.T) {
	c, err := crypto.New("unit-test-passphrase")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a, err := c.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := c.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("identical plaintexts produced identical ciphertexts")
	}
}

func TestCipher_DirectBase64Key(t *testing.T) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	c, err := crypto.New(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sealed, err := c.Encrypt("hello")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	opened, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if opened != "hello" {
		t.Errorf("Decrypt = %q, want hello", opened)
	}
}

func TestCipher_WrongKeyFails(t *testing.T) {
	c1, _ := crypto.New("passphrase-one")
	c2, _ := crypto.New("passphrase-two")

	sealed, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := c2.Decrypt(sealed); err == nil {
		t.Error("expected authentication failure with a different key")
	}
}

func TestCipher_GarbageInput(t *testing.T) {
	c, _ := crypto.New("unit-test-passphrase")

	for _, in := range []string{"", "not base64!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := c.Decrypt(in); err == nil {
			t.Errorf("Decrypt(%q) succeeded, expected error", in)
		}
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"sk-abcdef123456", "**********3456"},
		{"abcd", "****"},
		{"ab", "**"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := crypto.Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

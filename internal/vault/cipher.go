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

// ErrDecryptFailed wraps every failure to open a sealed secret.
var ErrDecryptFailed = errors.New("vault: decryption failed")

const keyInfo = "tenant-credentials"

// Cipher seals tenant secrets with AES-256-GCM. The nonce is stored as the
// ciphertext prefix.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the configured secret. A 64-character hex value
// is used as the raw key; anything else is stretched with HKDF-SHA256.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("vault: encryption key is empty")
	}
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func deriveKey(secret string) ([]byte, error) {
	if len(secret) == 64 {
		if raw, err := hex.DecodeString(secret); err == nil {
			return raw, nil
		}
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("vault: deriving key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext. Empty input yields nil so optional secrets stay NULL.
func (c *Cipher) Seal(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("vault: generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts data produced by Seal.
func (c *Cipher) Open(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptFailed)
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	return string(plain), nil
}

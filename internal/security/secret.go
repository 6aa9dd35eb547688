// Package security provides the encrypt/decrypt capability used for credentials at rest.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort is returned when a stored value cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// SecretProvider encrypts and decrypts credential material.
type SecretProvider interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// NoOpSecretProvider stores values as given. Used when no encryption key is configured.
type NoOpSecretProvider struct{}

func NewNoOpSecretProvider() *NoOpSecretProvider {
	return &NoOpSecretProvider{}
}

func (NoOpSecretProvider) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (NoOpSecretProvider) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// AESSecretProvider implements AES-GCM with a random nonce prepended to the ciphertext.
type AESSecretProvider struct {
	gcm cipher.AEAD
}

// NewAESSecretProvider accepts a 16, 24 or 32 byte key (AES-128/192/256).
func NewAESSecretProvider(key string) (*AESSecretProvider, error) {
	if n := len(key); n != 16 && n != 24 && n != 32 {
		return nil, fmt.Errorf("invalid key length: %d. Must be 16, 24, or 32 bytes", n)
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESSecretProvider{gcm: gcm}, nil
}

func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, p.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := p.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (p *AESSecretProvider) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	nonceSize := p.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextTooShort
	}
	plaintext, err := p.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

// NewSecretProvider returns AES-GCM when a key is configured, otherwise the no-op provider.
func NewSecretProvider(key string) (SecretProvider, error) {
	if key == "" {
		return NewNoOpSecretProvider(), nil
	}
	return NewAESSecretProvider(key)
}

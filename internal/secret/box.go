// Package secret seals account tokens before they are written to the
// credential store.
//
// The sealing key is derived once from a passphrase with scrypt; each
// sealed value is nonce || AES-256-GCM ciphertext.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// ErrOpen is returned when a sealed value cannot be decrypted with the
// box's key (wrong passphrase or corrupted data).
var ErrOpen = errors.New("secret: cannot open sealed value")

// scrypt parameters; salt is fixed so the same passphrase always opens the
// same store.
var (
	kdfSalt          = []byte("go-chat-mirror/credentials/v1")
	kdfN, kdfR, kdfP = 1 << 15, 8, 1
)

// Box seals and opens values with one derived key.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives the sealing key from passphrase.
func NewBox(passphrase string) (*Box, error) {
	if passphrase == "" {
		return nil, errors.New("secret: empty passphrase")
	}
	key, err := scrypt.Key([]byte(passphrase), kdfSalt, kdfN, kdfR, kdfP, 32)
	if err != nil {
		return nil, fmt.Errorf("scrypt: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	return &Box{aead: gcm}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (b *Box) Seal(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Open decrypts a value produced by Seal.
func (b *Box) Open(sealed []byte) (string, error) {
	n := b.aead.NonceSize()
	if len(sealed) < n {
		return "", ErrOpen
	}
	plain, err := b.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", ErrOpen
	}
	return string(plain), nil
}

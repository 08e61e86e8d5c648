// Package crypto encrypts archive values at rest with a key derived from the
// archive password.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// SaltSize is the length of the random salt stored with each archive.
const SaltSize = 16

// argon2id parameters
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// ErrDecrypt is returned when a value fails authentication, which almost
// always means a wrong password.
var ErrDecrypt = errors.New("decrypt: authentication failed")

// Encryptor provides XChaCha20-Poly1305 encryption keyed by argon2id.
type Encryptor struct {
	aead cipher.AEAD
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// NewEncryptor derives a 256-bit key from password and salt.
func NewEncryptor(password string, salt []byte) (*Encryptor, error) {
	if password == "" {
		return nil, errors.New("encryption password is required")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt too short: %d bytes", len(salt))
	}
	key := argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Seal encrypts plaintext; the random nonce is prepended to the result.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (e *Encryptor) Open(ciphertext []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(ciphertext) < n+e.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

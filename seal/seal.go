// Package seal encrypts issued credentials for transport to the caller.
//
// The key is derived from the shared secret with HKDF-SHA256 and used with
// AES-256-GCM. Sealed output is hex(nonce) ":" hex(ciphertext||tag).
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	KeyLen    = 32
	NonceLen  = 12
	Separator = ":"
	Info      = "keyrotor credential v1"
)

var ErrMalformed = errors.New("seal: malformed sealed value")

// Sealer encrypts credentials under a key derived from a shared secret.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

// New derives the cipher key from secret.
func New(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("seal: shared secret is required")
	}
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: gcm: %w", err)
	}
	return &Sealer{aead: aead, rand: rand.Reader}, nil
}

// DeriveKey returns the AES-256 key for secret.
func DeriveKey(secret string) ([]byte, error) {
	key := make([]byte, KeyLen)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(Info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("seal: hkdf: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + Separator + hex.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	nonceHex, ctHex, ok := strings.Cut(sealed, Separator)
	if !ok {
		return "", ErrMalformed
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != NonceLen {
		return "", ErrMalformed
	}
	ciphertext, err := hex.DecodeString(ctHex)
	if err != nil || len(ciphertext) < s.aead.Overhead() {
		return "", ErrMalformed
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("seal: open: %w", err)
	}
	return string(plaintext), nil
}

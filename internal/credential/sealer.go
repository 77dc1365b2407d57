package credential

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealOpen indicates ciphertext that failed authentication.
var ErrSealOpen = errors.New("credential: sealed salt failed authentication")

// Sealer encrypts salts at rest with XChaCha20-Poly1305. The AEAD tag makes
// silent tampering of the stored salt detectable on read.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credential: sealer key: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts the plaintext salt under a fresh random nonce. The nonce is
// generated per call and never reused with this key.
func (s *Sealer) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return s.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts and authenticates a sealed salt.
func (s *Sealer) Open(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealOpen
	}
	return plaintext, nil
}

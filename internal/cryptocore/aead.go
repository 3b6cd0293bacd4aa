package cryptocore

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypt seals plaintext under key (32 bytes) with nonce (24 bytes) and
// aad, returning ciphertext||tag. The nonce must never repeat under the
// same key; callers generate it per message (see NewNonce).
func Encrypt(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext (including its trailing 16-byte tag) under
// key, nonce, and aad. Any tampering of ciphertext, nonce, or aad yields
// ErrAuthFailed.
func Decrypt(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// NewNonce returns a fresh random 24-byte XChaCha20-Poly1305 nonce.
// Random generation is safe at this nonce size: collision probability
// within any single session's message volume is negligible.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

func newAEAD(key []byte) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return chacha20poly1305.NewX(key)
}

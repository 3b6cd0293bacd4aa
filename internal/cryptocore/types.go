// Package cryptocore implements the node's three cryptographic primitives:
// ECDH key agreement on secp256k1, XChaCha20-Poly1305 AEAD, and ECDSA
// signature recovery to an Ethereum-style address.
package cryptocore

import "errors"

// Sentinel errors returned by this package. Callers translate these to
// apperrors.Kind at the component boundary.
var (
	ErrInvalidKey       = errors.New("cryptocore: invalid key")
	ErrInvalidSignature = errors.New("cryptocore: invalid signature")
	ErrAuthFailed       = errors.New("cryptocore: aead authentication failed")
	ErrInvalidNonce     = errors.New("cryptocore: nonce must be 24 bytes")
)

// KeySize is the length in bytes of a derived session key and of a raw
// secp256k1 private key.
const KeySize = 32

// NonceSize is the length in bytes of an XChaCha20-Poly1305 nonce.
const NonceSize = 24

// AddressSize is the length in bytes of a recovered client address.
const AddressSize = 20

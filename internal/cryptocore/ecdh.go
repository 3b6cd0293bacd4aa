package cryptocore

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
	"io"
)

// sessionKeyInfo is the HKDF domain-separation label for deriving a
// 32-byte session key from a secp256k1 ECDH shared secret. Bumping the
// version suffix invalidates every key derived under the previous label.
const sessionKeyInfo = "fabstir-llm/session-key/v1"

// DeriveSharedKey performs ECDH on secp256k1 between ourPriv (32 raw
// bytes) and theirPub (33-byte compressed or 65-byte uncompressed),
// then runs the resulting shared X-coordinate through HKDF-SHA256 with
// an empty salt and the session key info label, producing a 32-byte key.
func DeriveSharedKey(ourPriv []byte, theirPub []byte) ([]byte, error) {
	if len(ourPriv) != KeySize {
		return nil, ErrInvalidKey
	}
	priv := secp256k1.PrivKeyFromBytes(ourPriv)
	defer priv.Zero()

	pub, err := secp256k1.ParsePubKey(theirPub)
	if err != nil {
		return nil, ErrInvalidKey
	}

	var theirJacobian secp256k1.JacobianPoint
	pub.AsJacobian(&theirJacobian)

	var sharedJacobian secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&priv.Key, &theirJacobian, &sharedJacobian)
	sharedJacobian.ToAffine()

	if sharedJacobian.X.IsZero() && sharedJacobian.Y.IsZero() {
		return nil, ErrInvalidKey
	}

	xBytes := sharedJacobian.X.Bytes()

	hk := hkdf.New(sha256.New, xBytes[:], nil, []byte(sessionKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// GeneratePrivateKey returns a new random 32-byte secp256k1 private key.
func GeneratePrivateKey() ([]byte, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	defer priv.Zero()
	b := priv.Serialize()
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// CompressedPublicKey returns the 33-byte compressed public key for a
// raw 32-byte secp256k1 private key.
func CompressedPublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, ErrInvalidKey
	}
	pk := secp256k1.PrivKeyFromBytes(priv)
	defer pk.Zero()
	return pk.PubKey().SerializeCompressed(), nil
}

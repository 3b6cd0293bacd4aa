package cryptocore

import (
	"crypto/ecdsa"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RecoverAddress recovers the 20-byte Ethereum-style address of the
// signer of msgHash (32 bytes) from sig (65 bytes, r||s||v with v in
// {0,1}). Address = last 20 bytes of Keccak-256 of the uncompressed
// public key.
func RecoverAddress(sig, msgHash []byte) ([AddressSize]byte, error) {
	var addr [AddressSize]byte
	if len(msgHash) != 32 || len(sig) != 65 {
		return addr, ErrInvalidSignature
	}

	pub, err := ethcrypto.SigToPub(msgHash, sig)
	if err != nil {
		return addr, ErrInvalidSignature
	}

	copy(addr[:], ethcrypto.PubkeyToAddress(*pub).Bytes())
	return addr, nil
}

// Keccak256 hashes b, for callers that need a msgHash to feed into Sign
// or RecoverAddress (e.g. hashing a ciphertext before signing it).
func Keccak256(b []byte) []byte {
	return ethcrypto.Keccak256(b)
}

// AddressFromPrivateKey derives the node's own Ethereum-style address
// from its 32-byte secp256k1 private key, for self-identification in
// proof submissions and session responses.
func AddressFromPrivateKey(priv []byte) ([AddressSize]byte, error) {
	var addr [AddressSize]byte
	if len(priv) != KeySize {
		return addr, ErrInvalidKey
	}
	pk := secp256k1.PrivKeyFromBytes(priv)
	defer pk.Zero()
	copy(addr[:], ethcrypto.PubkeyToAddress(*pk.ToECDSA().Public().(*ecdsa.PublicKey)).Bytes())
	return addr, nil
}

// Sign produces a 65-byte Ethereum-style signature (r||s||v) over
// msgHash using the raw 32-byte secp256k1 private key priv.
func Sign(priv, msgHash []byte) ([]byte, error) {
	if len(priv) != KeySize || len(msgHash) != 32 {
		return nil, ErrInvalidKey
	}
	pk := secp256k1.PrivKeyFromBytes(priv)
	defer pk.Zero()
	return ethcrypto.Sign(msgHash, pk.ToECDSA())
}

// VerifySignature checks sig (64 or 65 bytes) against msgHash and the
// uncompressed or compressed public key pub.
func VerifySignature(pub, sig, msgHash []byte) error {
	if len(msgHash) != 32 {
		return ErrInvalidSignature
	}
	if len(sig) == 65 {
		sig = sig[:64]
	}
	if len(sig) != 64 {
		return ErrInvalidSignature
	}

	pk, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return ErrInvalidSignature
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])

	if !ecdsa.Verify(pk.ToECDSA(), msgHash, r, s) {
		return ErrInvalidSignature
	}
	return nil
}

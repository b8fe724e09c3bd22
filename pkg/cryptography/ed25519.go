// Package cryptography wraps the signing and key-derivation primitives
// the mesh identity layer is built on.
package cryptography

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// GenerateSigningKeyPair creates a fresh ed25519 keypair from the
// system's entropy source.
func GenerateSigningKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// SigningKeyFromSeed rebuilds the private key a seed encodes. The
// matching public key is recovered with VerificationKey.
func SigningKeyFromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length: %d", len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// VerificationKey extracts the public half of a signing key.
func VerificationKey(priv ed25519.PrivateKey) (ed25519.PublicKey, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", priv.Public())
	}
	return pub, nil
}

// Sign signs message with the private key.
func Sign(privateKey ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(privateKey, message)
}

// Verify reports whether signature is a valid signature of message
// under publicKey. An invalid-length key never verifies.
func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

package cryptography

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret into length output bytes with HKDF-SHA256.
// The salt and info parameters domain-separate different uses of the
// same secret; node IDs and any future derived material must never
// share a (salt, info) pair.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

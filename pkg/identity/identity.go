// Package identity manages the node's ed25519 keypair and the stable
// 128-bit node ID derived from it. The same identity file always maps to
// the same sender ID on the mesh.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/Sudo-Ivan/meshtx-go/pkg/cryptography"
	"github.com/Sudo-Ivan/meshtx-go/pkg/debug"
)

const (
	// SeedSize is the length of the raw private seed in bytes.
	SeedSize = ed25519.SeedSize

	// NodeIDSize is the length of a derived node ID in bytes.
	NodeIDSize = 16
)

// nodeIDSalt domain-separates node ID derivation from any other use of
// the verification key.
var nodeIDSalt = []byte("meshtx node id v1")

var ErrInvalidSeed = errors.New("invalid identity seed")

// Identity holds the node's signing keypair and derived node ID.
type Identity struct {
	signingKey      ed25519.PrivateKey
	verificationKey ed25519.PublicKey
	nodeID          uuid.UUID
}

// New generates a fresh identity with a random keypair.
func New() (*Identity, error) {
	pub, priv, err := cryptography.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	return fromKeys(priv, pub)
}

// FromSeed rebuilds an identity deterministically from a raw seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSeed, SeedSize, len(seed))
	}
	priv, err := cryptography.SigningKeyFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	pub, err := cryptography.VerificationKey(priv)
	if err != nil {
		return nil, err
	}
	return fromKeys(priv, pub)
}

func fromKeys(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Identity, error) {
	nodeID, err := DeriveNodeID(pub)
	if err != nil {
		return nil, err
	}
	return &Identity{
		signingKey:      priv,
		verificationKey: pub,
		nodeID:          nodeID,
	}, nil
}

// DeriveNodeID maps a verification key to its 128-bit mesh node ID using
// HKDF-SHA256.
func DeriveNodeID(pub ed25519.PublicKey) (uuid.UUID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return uuid.Nil, fmt.Errorf("invalid public key length: %d", len(pub))
	}

	raw, err := cryptography.DeriveKey(pub, nodeIDSalt, nil, NodeIDSize)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to derive node id: %w", err)
	}
	var id uuid.UUID
	copy(id[:], raw)
	return id, nil
}

// NodeID is the sender ID carried in every header this node originates.
func (i *Identity) NodeID() uuid.UUID {
	return i.nodeID
}

// PublicKey returns the verification key peers use to check signatures.
func (i *Identity) PublicKey() ed25519.PublicKey {
	return i.verificationKey
}

// Seed returns the raw private seed the identity can be rebuilt from.
func (i *Identity) Seed() []byte {
	return i.signingKey.Seed()
}

// Sign signs data with the node's private key.
func (i *Identity) Sign(data []byte) []byte {
	return cryptography.Sign(i.signingKey, data)
}

// Verify checks a signature made by this identity.
func (i *Identity) Verify(data, signature []byte) bool {
	return cryptography.Verify(i.verificationKey, data, signature)
}

// VerifyFrom checks a signature against an arbitrary verification key.
func VerifyFrom(pub ed25519.PublicKey, data, signature []byte) bool {
	return cryptography.Verify(pub, data, signature)
}

// Hex is the node ID without dashes, for log fields and file names.
func (i *Identity) Hex() string {
	return hex.EncodeToString(i.nodeID[:])
}

func (i *Identity) String() string {
	return i.nodeID.String()
}

// Save writes the identity seed to path as hex, readable only by the owner.
func (i *Identity) Save(path string) error {
	data := hex.EncodeToString(i.signingKey.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

// Load reads a hex seed file written by Save.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from the storage layer
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return FromSeed(seed)
}

// LoadOrCreate loads the identity at path, generating and saving a new
// one when the file does not exist yet.
func LoadOrCreate(path string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		debug.Log(debug.DEBUG_INFO, "Loaded node identity", "node_id", id.String())
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = New()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}

	debug.Log(debug.DEBUG_INFO, "Generated new node identity", "node_id", id.String())
	return id, nil
}

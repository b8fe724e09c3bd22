package cryptography

import (
	"bytes"
	"testing"
)

func TestDeriveKey(t *testing.T) {
	secret := []byte("node verification key bytes")
	salt := []byte("meshtx node id v1")

	key1, err := DeriveKey(secret, salt, nil, 16)
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if len(key1) != 16 {
		t.Errorf("DeriveKey() length = %d; want 16", len(key1))
	}

	// Same inputs must always derive the same bytes; a node's ID may
	// never change across restarts.
	key2, err := DeriveKey(secret, salt, nil, 16)
	if err != nil {
		t.Fatalf("second DeriveKey() error = %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Errorf("DeriveKey() is not deterministic: %x != %x", key1, key2)
	}
}

func TestDeriveKeyDomainSeparation(t *testing.T) {
	secret := []byte("shared secret")

	tests := []struct {
		name        string
		saltA, infA []byte
		saltB, infB []byte
	}{
		{"DifferentSalt", []byte("salt-a"), nil, []byte("salt-b"), nil},
		{"DifferentInfo", []byte("salt"), []byte("use-a"), []byte("salt"), []byte("use-b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := DeriveKey(secret, tt.saltA, tt.infA, 32)
			if err != nil {
				t.Fatalf("DeriveKey() error = %v", err)
			}
			b, err := DeriveKey(secret, tt.saltB, tt.infB, 32)
			if err != nil {
				t.Fatalf("DeriveKey() error = %v", err)
			}
			if bytes.Equal(a, b) {
				t.Errorf("DeriveKey() produced identical keys for separated domains")
			}
		})
	}
}

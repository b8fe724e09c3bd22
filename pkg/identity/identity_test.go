package identity

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewGeneratesDistinctIdentities(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if a.NodeID() == b.NodeID() {
		t.Errorf("NodeID() collision across fresh identities: %s", a.NodeID())
	}
	if bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Error("PublicKey() identical across fresh identities")
	}
}

func TestFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, SeedSize)

	a, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}
	b, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}

	if a.NodeID() != b.NodeID() {
		t.Errorf("NodeID() = %s and %s for the same seed", a.NodeID(), b.NodeID())
	}
	if !bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Error("PublicKey() differs for the same seed")
	}
}

func TestFromSeedRejectsBadLength(t *testing.T) {
	if _, err := FromSeed([]byte{1, 2, 3}); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("FromSeed() error = %v; want ErrInvalidSeed", err)
	}
}

func TestDeriveNodeIDMatchesIdentity(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	derived, err := DeriveNodeID(id.PublicKey())
	if err != nil {
		t.Fatalf("DeriveNodeID() error = %v", err)
	}
	if derived != id.NodeID() {
		t.Errorf("DeriveNodeID() = %s; want %s", derived, id.NodeID())
	}
}

func TestDeriveNodeIDRejectsShortKey(t *testing.T) {
	if _, err := DeriveNodeID([]byte{1, 2, 3}); err == nil {
		t.Error("DeriveNodeID() accepted a truncated key")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	msg := []byte("signed transaction bytes")
	sig := id.Sign(msg)

	if !id.Verify(msg, sig) {
		t.Error("Verify() = false for a valid signature")
	}
	if id.Verify([]byte("tampered"), sig) {
		t.Error("Verify() = true for tampered data")
	}

	other, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if other.Verify(msg, sig) {
		t.Error("Verify() = true under the wrong key")
	}
}

func TestVerifyFrom(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	msg := []byte("payload")
	sig := id.Sign(msg)

	if !VerifyFrom(id.PublicKey(), msg, sig) {
		t.Error("VerifyFrom() = false for a valid signature")
	}
	if VerifyFrom([]byte{1, 2}, msg, sig) {
		t.Error("VerifyFrom() = true for a malformed key")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	id, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := id.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("identity file mode = %v; want %v", perm, os.FileMode(0600))
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.NodeID() != id.NodeID() {
		t.Errorf("Load() node ID = %s; want %s", loaded.NodeID(), id.NodeID())
	}

	sig := id.Sign([]byte("hello"))
	if !loaded.Verify([]byte("hello"), sig) {
		t.Error("loaded identity cannot verify the original's signature")
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("not hex at all"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(path); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("Load() error = %v; want ErrInvalidSeed", err)
	}
}

func TestLoadRejectsTruncatedSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")
	if err := os.WriteFile(path, []byte("abcd\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(path); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("Load() error = %v; want ErrInvalidSeed", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v; want os.ErrNotExist", err)
	}
}

func TestLoadOrCreatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	if first.NodeID() != second.NodeID() {
		t.Errorf("LoadOrCreate() node ID changed across runs: %s then %s", first.NodeID(), second.NodeID())
	}
}

func TestLoadOrCreateSurfacesReadErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity")
	if err := os.Mkdir(path, 0700); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	if _, err := LoadOrCreate(path); err == nil {
		t.Error("LoadOrCreate() did not surface an unreadable identity file")
	}
}

func TestHexMatchesNodeID(t *testing.T) {
	seed := bytes.Repeat([]byte{42}, SeedSize)
	id, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed() error = %v", err)
	}

	hex := id.Hex()
	if len(hex) != NodeIDSize*2 {
		t.Errorf("Hex() length = %d; want %d", len(hex), NodeIDSize*2)
	}

	nodeID := id.NodeID()
	if got := nodeID.String(); got != id.String() {
		t.Errorf("String() = %q; want %q", id.String(), got)
	}
}

package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateMasterKeyLength(t *testing.T) {
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	if len(key) != subkeySize {
		t.Fatalf("expected %d-byte key, got %d", subkeySize, len(key))
	}
}

func TestGenerateMasterKeyIsRandom(t *testing.T) {
	key1, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	key2, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	if hex.EncodeToString(key1) == hex.EncodeToString(key2) {
		t.Fatal("expected two generated keys to differ")
	}
}

func TestPersistMasterKeyThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "master.key")

	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	if err := PersistMasterKey(path, key); err != nil {
		t.Fatalf("PersistMasterKey: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat persisted key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected key file mode 0600, got %o", info.Mode().Perm())
	}

	loaded, err := LoadMasterKey(path)
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	if hex.EncodeToString(loaded) != hex.EncodeToString(key) {
		t.Fatal("expected loaded key to match persisted key")
	}
}

package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateSigningKeyGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostkey.json")

	first, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if len(first.Public) == 0 || len(first.Private) == 0 {
		t.Fatalf("expected a generated keypair")
	}

	second, err := LoadOrCreateSigningKey(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !second.Public.Equal(first.Public) {
		t.Fatalf("expected the persisted public key to be reused")
	}
}

func TestLoadOrCreateSigningKeyRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostkey.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	if _, err := LoadOrCreateSigningKey(path); err == nil {
		t.Fatalf("expected error loading a corrupt signing key file")
	}
}

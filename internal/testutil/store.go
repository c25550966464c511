package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nupi-ai/habitvault/internal/store"
)

// OpenStore creates a temporary vault store closed when the test ends.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "vault.db")
	s, err := store.Open(store.Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

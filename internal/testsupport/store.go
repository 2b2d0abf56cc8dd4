package testsupport

import (
	"testing"

	"fieldsync/internal/config"
	"fieldsync/internal/storage/sqlite"
)

// MustOpenStore opens a sqlite.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(cfg)
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Package storagetest provides a throwaway SQLite store for tests.
package storagetest

import (
	"path/filepath"
	"testing"

	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

// NewTestStore opens a migrated store in t.TempDir and closes it on cleanup.
func NewTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("opening test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

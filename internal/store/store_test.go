// ABOUTME: Shared test setup for the SQLite store
// ABOUTME: Each test gets an isolated database in a temp directory

package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

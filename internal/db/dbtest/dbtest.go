// Package dbtest provides shared test helpers for creating test databases.
// Test packages that need a database should use NewTestDB instead of
// writing their own setup functions.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/rjsadow/mortis/internal/db"
)

// NewTestDB creates a migrated SQLite database in t.TempDir() and closes it
// when the test ends.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("dbtest: failed to open SQLite database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/stream-archiver/db"
)

// OpenIndex returns a migrated index. It uses Postgres when TEST_PG_DSN is set and a
// SQLite file under t.TempDir otherwise.
func OpenIndex(t *testing.T) *db.Index {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		dsn = filepath.Join(t.TempDir(), "index.sqlite")
	}
	ctx := context.Background()
	ix, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { _ = ix.Close() })
	if err := ix.Migrate(ctx); err != nil {
		t.Fatalf("migrate index: %v", err)
	}
	return ix
}

// Package sessiondb holds the per-session SQLite files that live next to a session's
// metadata document: the durable chat store and the telemetry events store.
package sessiondb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-go sqlite driver registered as 'sqlite'

	"github.com/onnwee/stream-archiver/archerr"
)

// File names inside a session folder.
const (
	ChatFileName   = "chat.live.sqlite"
	EventsFileName = "events.sqlite"
)

func open(ctx context.Context, op, path string, schema []string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, archerr.IO(op, fmt.Errorf("failed to create database directory: %w", err))
	}
	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, archerr.IO(op, err)
	}
	conn.SetMaxOpenConns(1) // SQLite only supports one writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	for i, s := range schema {
		if _, err := conn.ExecContext(ctx, s); err != nil {
			_ = conn.Close()
			return nil, archerr.IO(op, fmt.Errorf("schema step %d failed: %w", i, err))
		}
	}
	return conn, nil
}

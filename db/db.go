// Package db is the durable cross-session index: one row per live session or backfilled
// recording in the streams table, written with insert-or-replace semantics.
//
// The default backend is a local SQLite file (modernc.org/sqlite). A postgres:// DSN
// selects Postgres through pgx.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure-go sqlite driver registered as 'sqlite'

	"github.com/onnwee/stream-archiver/archerr"
	"github.com/onnwee/stream-archiver/metadata"
)

// Dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// ErrNotFound is returned by Get for unknown identifiers.
var ErrNotFound = errors.New("index record not found")

// Record is one row of the index.
type Record struct {
	StreamID    string
	ChannelName string
	FolderName  string
	StartTime   string
	EndTime     string
	Title       string
	Source      string
	UpdatedAt   string
}

// Index wraps the database handle and its dialect.
type Index struct {
	db      *sql.DB
	dialect string
}

// Open connects to dsn. Anything that is not a postgres URL is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (*Index, error) {
	if dsn == "" {
		return nil, archerr.IO("index open", errors.New("empty dsn"))
	}
	var (
		conn    *sql.DB
		dialect string
		err     error
	)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
		conn, err = sql.Open("pgx", dsn)
	} else {
		dialect = DialectSQLite
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, archerr.IO("index open", fmt.Errorf("failed to create database directory: %w", err))
		}
		conn, err = sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
		if err == nil {
			conn.SetMaxOpenConns(1) // SQLite only supports one writer
			conn.SetMaxIdleConns(1)
			conn.SetConnMaxLifetime(time.Hour)
		}
	}
	if err != nil {
		return nil, archerr.IO("index open", err)
	}
	ix := &Index{db: conn, dialect: dialect}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, archerr.IO("index open", err)
	}
	return ix, nil
}

// Dialect returns sqlite or postgres.
func (ix *Index) Dialect() string { return ix.dialect }

// DB exposes the underlying handle.
func (ix *Index) DB() *sql.DB { return ix.db }

// Ping checks connectivity.
func (ix *Index) Ping(ctx context.Context) error { return ix.db.PingContext(ctx) }

// Close closes the handle.
func (ix *Index) Close() error { return ix.db.Close() }

// Migrate applies idempotent schema changes for the index table and its indices.
func (ix *Index) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			stream_id TEXT PRIMARY KEY,
			channel_name TEXT,
			folder_name TEXT,
			start_time TEXT,
			end_time TEXT,
			title TEXT,
			source TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(channel_name)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_start ON streams(start_time)`,
	}
	for i, s := range stmts {
		if _, err := ix.db.ExecContext(ctx, s); err != nil {
			return archerr.IO("index migrate", fmt.Errorf("%s migrate step %d failed: %w", ix.dialect, i, err))
		}
	}
	return nil
}

// Upsert inserts rec or replaces the row with the same stream_id.
func (ix *Index) Upsert(ctx context.Context, rec Record) error {
	if rec.StreamID == "" {
		return archerr.Data("index upsert", errors.New("stream_id empty"))
	}
	if rec.UpdatedAt == "" {
		rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	q := ix.rebind(`INSERT INTO streams (stream_id, channel_name, folder_name, start_time, end_time, title, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			channel_name=excluded.channel_name,
			folder_name=excluded.folder_name,
			start_time=excluded.start_time,
			end_time=excluded.end_time,
			title=excluded.title,
			source=excluded.source,
			updated_at=excluded.updated_at`)
	_, err := ix.db.ExecContext(ctx, q, rec.StreamID, nullString(rec.ChannelName), nullString(rec.FolderName),
		nullString(rec.StartTime), nullString(rec.EndTime), nullString(rec.Title), nullString(rec.Source), rec.UpdatedAt)
	if err != nil {
		return archerr.IO("index upsert", err)
	}
	return nil
}

const selectCols = `SELECT stream_id, channel_name, folder_name, start_time, end_time, title, source, updated_at FROM streams`

// Get returns the row for id or ErrNotFound.
func (ix *Index) Get(ctx context.Context, id string) (*Record, error) {
	row := ix.db.QueryRowContext(ctx, ix.rebind(selectCols+` WHERE stream_id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, archerr.IO("index get", err)
	}
	return rec, nil
}

// ListByChannel returns a channel's rows newest first. limit <= 0 means no limit.
func (ix *Index) ListByChannel(ctx context.Context, channel string, limit int) ([]Record, error) {
	q := selectCols + ` WHERE channel_name = ? ORDER BY start_time DESC, stream_id`
	args := []any{channel}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := ix.db.QueryContext(ctx, ix.rebind(q), args...)
	if err != nil {
		return nil, archerr.IO("index list", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, archerr.IO("index list", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, archerr.IO("index list", err)
	}
	return out, nil
}

type scanner interface{ Scan(dest ...any) error }

func scanRecord(s scanner) (*Record, error) {
	var (
		rec                                        Record
		channel, folder, start, end, title, source sql.NullString
		updated                                    sql.NullString
	)
	if err := s.Scan(&rec.StreamID, &channel, &folder, &start, &end, &title, &source, &updated); err != nil {
		return nil, err
	}
	rec.ChannelName, rec.FolderName, rec.StartTime = channel.String, folder.String, start.String
	rec.EndTime, rec.Title, rec.Source, rec.UpdatedAt = end.String, title.String, source.String, updated.String
	return &rec, nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (ix *Index) rebind(q string) string {
	if ix.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FromDocument projects a metadata document onto an index row.
func FromDocument(doc *metadata.Document, channel, folder string) Record {
	start := doc.StartTime
	if start == "" {
		start = doc.CreatedAt
	}
	return Record{
		StreamID:    doc.StreamID,
		ChannelName: channel,
		FolderName:  folder,
		StartTime:   start,
		EndTime:     doc.EndTime(),
		Title:       doc.Title,
		Source:      doc.Source,
	}
}

package sessiondb

import (
	"context"
	"database/sql"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

var eventsSchema = []string{
	`CREATE TABLE IF NOT EXISTS viewer_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		elapsed_sec INTEGER NOT NULL,
		viewer_count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chapter_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		elapsed_sec INTEGER NOT NULL,
		game_name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS title_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		elapsed_sec INTEGER NOT NULL,
		observed_at TEXT NOT NULL,
		title TEXT NOT NULL
	)`,
}

// ViewerSample is one audience poll.
type ViewerSample struct {
	ElapsedSec  int64
	ViewerCount int
}

// ChapterMarker records a category change.
type ChapterMarker struct {
	ElapsedSec int64
	GameName   string
}

// TitleEvent records an observed title change.
type TitleEvent struct {
	ElapsedSec int64
	ObservedAt time.Time
	Title      string
}

// EventsStore is the append-only telemetry store of one session.
type EventsStore struct {
	db *sql.DB
}

// OpenEvents opens or creates the events store at path.
func OpenEvents(ctx context.Context, path string) (*EventsStore, error) {
	conn, err := open(ctx, "events store open", path, eventsSchema)
	if err != nil {
		return nil, err
	}
	return &EventsStore{db: conn}, nil
}

// Close closes the store.
func (s *EventsStore) Close() error { return s.db.Close() }

// AddViewerSample appends a viewer sample.
func (s *EventsStore) AddViewerSample(ctx context.Context, v ViewerSample) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO viewer_events (elapsed_sec, viewer_count) VALUES (?, ?)`, v.ElapsedSec, v.ViewerCount)
	if err != nil {
		return archerr.IO("viewer sample insert", err)
	}
	return nil
}

// AddChapter appends a chapter marker.
func (s *EventsStore) AddChapter(ctx context.Context, c ChapterMarker) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chapter_events (elapsed_sec, game_name) VALUES (?, ?)`, c.ElapsedSec, c.GameName)
	if err != nil {
		return archerr.IO("chapter insert", err)
	}
	return nil
}

// AddTitle appends a title change.
func (s *EventsStore) AddTitle(ctx context.Context, t TitleEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO title_events (elapsed_sec, observed_at, title) VALUES (?, ?, ?)`,
		t.ElapsedSec, t.ObservedAt.UTC().Format(time.RFC3339), t.Title)
	if err != nil {
		return archerr.IO("title insert", err)
	}
	return nil
}

// ViewerSamples returns samples in poll order.
func (s *EventsStore) ViewerSamples(ctx context.Context) ([]ViewerSample, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT elapsed_sec, viewer_count FROM viewer_events ORDER BY id`)
	if err != nil {
		return nil, archerr.IO("viewer samples query", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ViewerSample
	for rows.Next() {
		var v ViewerSample
		if err := rows.Scan(&v.ElapsedSec, &v.ViewerCount); err != nil {
			return nil, archerr.IO("viewer samples query", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Chapters returns chapter markers in insertion order.
func (s *EventsStore) Chapters(ctx context.Context) ([]ChapterMarker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT elapsed_sec, game_name FROM chapter_events ORDER BY id`)
	if err != nil {
		return nil, archerr.IO("chapters query", err)
	}
	defer func() { _ = rows.Close() }()
	var out []ChapterMarker
	for rows.Next() {
		var c ChapterMarker
		if err := rows.Scan(&c.ElapsedSec, &c.GameName); err != nil {
			return nil, archerr.IO("chapters query", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Titles returns title changes in insertion order.
func (s *EventsStore) Titles(ctx context.Context) ([]TitleEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT elapsed_sec, observed_at, title FROM title_events ORDER BY id`)
	if err != nil {
		return nil, archerr.IO("titles query", err)
	}
	defer func() { _ = rows.Close() }()
	var out []TitleEvent
	for rows.Next() {
		var (
			t  TitleEvent
			at string
		)
		if err := rows.Scan(&t.ElapsedSec, &at, &t.Title); err != nil {
			return nil, archerr.IO("titles query", err)
		}
		t.ObservedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

package sessiondb

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
	"github.com/onnwee/stream-archiver/chat"
)

const importBatch = 500

var chatSchema = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages (
		message_id TEXT PRIMARY KEY,
		message_sent_absolute TEXT,
		message_sent_offset REAL,
		user_name TEXT,
		user_id TEXT,
		user_logo TEXT,
		message_body TEXT,
		bits INTEGER DEFAULT 0,
		color TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_user_name ON chat_messages(user_name)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_body ON chat_messages(message_body)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_offset ON chat_messages(message_sent_offset)`,
}

// ChatStore is the durable, queryable chat store of one session.
type ChatStore struct {
	db *sql.DB
}

// OpenChat opens or creates the chat store at path.
func OpenChat(ctx context.Context, path string) (*ChatStore, error) {
	conn, err := open(ctx, "chat store open", path, chatSchema)
	if err != nil {
		return nil, err
	}
	return &ChatStore{db: conn}, nil
}

// Close closes the store.
func (s *ChatStore) Close() error { return s.db.Close() }

// Insert writes events in one transaction. Messages already present (same id) are left
// untouched, so re-importing a capture is harmless. It returns the number of new rows.
func (s *ChatStore) Insert(ctx context.Context, events []chat.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, archerr.IO("chat store insert", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO chat_messages
		(message_id, message_sent_absolute, message_sent_offset, user_name, user_id, user_logo, message_body, bits, color)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, archerr.IO("chat store insert", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for _, e := range events {
		abs := ""
		if !e.SentAt.IsZero() {
			abs = e.SentAt.UTC().Format(time.RFC3339Nano)
		}
		res, err := stmt.ExecContext(ctx, e.ID, abs, e.Offset, e.Author, e.AuthorID, e.AuthorLogo, e.Body, e.Bits, e.Color)
		if err != nil {
			return 0, archerr.IO("chat store insert", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, archerr.IO("chat store insert", err)
	}
	return inserted, nil
}

// ImportCapture loads a live capture file (chat.live.jsonl) into the store in batches.
func (s *ChatStore) ImportCapture(ctx context.Context, capturePath string) (int, error) {
	var (
		batch    []chat.Event
		inserted int
	)
	flush := func() error {
		n, err := s.Insert(ctx, batch)
		inserted += n
		batch = batch[:0]
		return err
	}
	err := chat.ReadCapture(capturePath, func(e chat.Event) error {
		batch = append(batch, e)
		if len(batch) >= importBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return inserted, err
	}
	return inserted, flush()
}

// ImportTranscript loads an archived chat transcript into the store.
func (s *ChatStore) ImportTranscript(ctx context.Context, r io.Reader) (int, error) {
	events, err := chat.ReadTranscript(r)
	if err != nil {
		return 0, err
	}
	inserted := 0
	for start := 0; start < len(events); start += importBatch {
		end := min(start+importBatch, len(events))
		n, err := s.Insert(ctx, events[start:end])
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

// Count returns the number of stored messages.
func (s *ChatStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&n); err != nil {
		return 0, archerr.IO("chat store count", err)
	}
	return n, nil
}

// Messages returns stored messages ordered by offset, then insertion order.
func (s *ChatStore) Messages(ctx context.Context) ([]chat.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT message_id, message_sent_absolute, message_sent_offset,
		user_name, user_id, user_logo, message_body, bits, color
		FROM chat_messages ORDER BY message_sent_offset, rowid`)
	if err != nil {
		return nil, archerr.IO("chat store query", err)
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Event
	for rows.Next() {
		var (
			e                           chat.Event
			abs, uid, logo, body, color sql.NullString
		)
		if err := rows.Scan(&e.ID, &abs, &e.Offset, &e.Author, &uid, &logo, &body, &e.Bits, &color); err != nil {
			return nil, archerr.IO("chat store query", err)
		}
		if abs.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, abs.String); err == nil {
				e.SentAt = t
			}
		}
		e.AuthorID, e.AuthorLogo, e.Body, e.Color = uid.String, logo.String, body.String, color.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, archerr.IO("chat store query", err)
	}
	return out, nil
}

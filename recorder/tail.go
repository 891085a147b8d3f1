package recorder

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// tailWriter logs each stderr line at debug level and keeps the last few for error reports.
type tailWriter struct {
	mu     sync.Mutex
	logger *slog.Logger
	limit  int
	lines  []string
	buf    bytes.Buffer
}

func newTailWriter(logger *slog.Logger, limit int) *tailWriter {
	return &tailWriter{logger: logger, limit: limit}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(data[:i]))
		w.buf.Next(i + 1)
		if line == "" {
			continue
		}
		w.logger.Debug("process output", slog.String("line", line))
		w.lines = append(w.lines, line)
		if len(w.lines) > w.limit {
			w.lines = w.lines[len(w.lines)-w.limit:]
		}
	}
	return len(p), nil
}

// Tail returns the retained lines plus any unterminated remainder.
func (w *tailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := append([]string(nil), w.lines...)
	if rest := strings.TrimSpace(w.buf.String()); rest != "" {
		out = append(out, rest)
	}
	return strings.Join(out, " | ")
}

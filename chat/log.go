package chat

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/onnwee/stream-archiver/archerr"
)

// File names inside a session folder.
const (
	LogFileName     = "chat.live.log"
	CaptureFileName = "chat.live.jsonl"
)

// LogWriter appends events to the session chat log and capture. It has a single writer.
type LogWriter struct {
	mu      sync.Mutex
	text    *os.File
	capture *os.File
	lines   int
}

// OpenLog opens (or creates) both chat files in folder for appending.
func OpenLog(folder string) (*LogWriter, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, archerr.IO("chat log open", err)
	}
	text, err := os.OpenFile(filepath.Join(folder, LogFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, archerr.IO("chat log open", err)
	}
	capture, err := os.OpenFile(filepath.Join(folder, CaptureFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		_ = text.Close()
		return nil, archerr.IO("chat log open", err)
	}
	return &LogWriter{text: text, capture: capture}, nil
}

// Append writes e to both files, one unbuffered write per file.
func (w *LogWriter) Append(e Event) error {
	rec, err := json.Marshal(e)
	if err != nil {
		return archerr.Data("chat capture encode", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.text == nil {
		return archerr.IO("chat log append", os.ErrClosed)
	}
	if _, err := w.text.WriteString(LogLine(e) + "\n"); err != nil {
		return archerr.IO("chat log append", err)
	}
	if _, err := w.capture.Write(append(rec, '\n')); err != nil {
		return archerr.IO("chat capture append", err)
	}
	w.lines++
	return nil
}

// Lines returns how many events were appended through this writer.
func (w *LogWriter) Lines() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lines
}

// Close syncs and closes both files.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.text == nil {
		return nil
	}
	var errs []error
	for _, f := range []*os.File{w.text, w.capture} {
		if err := f.Sync(); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.text, w.capture = nil, nil
	return errors.Join(errs...)
}

// ReadCapture calls fn for every event in a capture file, in file order. Lines that do not
// decode (e.g. a torn final line after a crash) are logged and skipped.
func ReadCapture(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return archerr.IO("chat capture read", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			slog.Warn("skipping malformed chat capture line", slog.String("path", path), slog.Int("line", lineNo), slog.Any("err", err))
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return archerr.IO("chat capture read", fmt.Errorf("%s: %w", path, err))
	}
	return nil
}

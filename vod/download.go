package vod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

// progressRe matches the percentage yt-dlp prints, e.g. "[download]  42.5% of ~2.19GiB".
var progressRe = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)

// YtDlp downloads recordings with yt-dlp, retrying transient failures with exponential
// backoff and jitter.
type YtDlp struct {
	// Path defaults to "yt-dlp" on PATH.
	Path string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// BackoffBase defaults to 2s.
	BackoffBase time.Duration
	ExtraArgs   []string
	Logger      *slog.Logger
}

// Args returns the yt-dlp command line (without the binary).
func (y *YtDlp) Args(url, dest string) []string {
	args := []string{
		"--continue",
		"--newline",
		"--retries", "10",
		"--fragment-retries", "10",
		"--concurrent-fragments", "10",
		"-f", "best",
		"-o", dest,
	}
	args = append(args, y.ExtraArgs...)
	return append(args, url)
}

// Download implements Downloader. yt-dlp writes to a .part file and renames it on success,
// so dest only appears once the download is complete.
func (y *YtDlp) Download(ctx context.Context, url, dest string, progress func(float64)) error {
	bin := y.Path
	if bin == "" {
		bin = "yt-dlp"
	}
	maxAttempts := y.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	base := y.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	logger := y.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := base*time.Duration(1<<attempt) + time.Duration(rand.Int63n(int64(base)))
			logger.Warn("retrying download", slog.String("url", url), slog.Int("attempt", attempt), slog.Duration("backoff", backoff), slog.Any("err", lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		lastErr = y.run(ctx, bin, url, dest, progress)
		if lastErr == nil {
			if _, err := os.Stat(dest); err != nil {
				return archerr.Process("yt-dlp", fmt.Errorf("exited cleanly but %s is missing: %w", dest, err))
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if IsFatalError(lastErr) {
			logger.Warn("download failed permanently", slog.String("url", url), slog.Any("err", lastErr))
			return lastErr
		}
	}
	return lastErr
}

func (y *YtDlp) run(ctx context.Context, bin, url, dest string, progress func(float64)) error {
	out := &progressWriter{progress: progress}
	cmd := exec.CommandContext(ctx, bin, y.Args(url, dest)...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return archerr.Process("yt-dlp", fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), out.lastLines()))
		}
		return archerr.Process("yt-dlp", err)
	}
	return nil
}

// progressWriter splits yt-dlp output into lines, reports percentages and keeps the
// last few non-progress lines for error messages.
type progressWriter struct {
	mu       sync.Mutex
	progress func(float64)
	partial  strings.Builder
	tail     []string
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b != '\n' && b != '\r' {
			w.partial.WriteByte(b)
			continue
		}
		w.line(w.partial.String())
		w.partial.Reset()
	}
	return len(p), nil
}

func (w *progressWriter) line(s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if strings.HasPrefix(s, "[download]") {
		if m := progressRe.FindStringSubmatch(s); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil && w.progress != nil {
				w.progress(pct)
			}
			return
		}
	}
	w.tail = append(w.tail, s)
	if len(w.tail) > 5 {
		w.tail = w.tail[len(w.tail)-5:]
	}
}

func (w *progressWriter) lastLines() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := append([]string(nil), w.tail...)
	if rest := strings.TrimSpace(w.partial.String()); rest != "" {
		lines = append(lines, rest)
	}
	return strings.Join(lines, " | ")
}

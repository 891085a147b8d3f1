package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
	"github.com/onnwee/stream-archiver/sampler"
)

// Watcher polls channels and starts a session when one goes live. A channel never has more
// than one session at a time; once its recorder exits the channel is eligible again.
type Watcher struct {
	Channels     []string
	Streams      sampler.StreamSource
	Orchestrator *Orchestrator
	// Interval between live checks; default 60s.
	Interval time.Duration
	Logger   *slog.Logger
}

// Run polls until ctx is canceled, then waits for running sessions to finalize. It returns
// early only when the platform rejects the credentials.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Streams == nil || w.Orchestrator == nil {
		return errors.New("watcher: streams and orchestrator required")
	}
	if len(w.Channels) == 0 {
		return errors.New("watcher: no channels configured")
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "watcher"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running = map[string]bool{}
	)
	defer wg.Wait()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Info("watcher started", slog.Duration("interval", interval), slog.Any("channels", w.Channels))
	for {
		for _, ch := range w.Channels {
			if ctx.Err() != nil {
				break
			}
			mu.Lock()
			busy := running[ch]
			mu.Unlock()
			if busy {
				continue
			}
			stream, err := w.Streams.GetStream(ctx, ch)
			if err != nil {
				if archerr.IsFatal(err) {
					logger.Error("live check rejected credentials; watcher stopping", slog.String("channel", ch), slog.Any("err", err))
					return err
				}
				logger.Debug("live check failed", slog.String("channel", ch), slog.Any("err", err))
				continue
			}
			if stream == nil {
				continue
			}
			logger.Info("channel live; starting session", slog.String("channel", ch), slog.String("title", stream.Title), slog.Time("started_at", stream.StartedAt))
			mu.Lock()
			running[ch] = true
			mu.Unlock()
			wg.Add(1)
			go func(ch string) {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(running, ch)
					mu.Unlock()
				}()
				res, err := w.Orchestrator.Run(ctx, ch, "")
				if err != nil {
					logger.Warn("session ended with error", slog.String("channel", ch), slog.Any("err", err))
					return
				}
				logger.Info("session complete", slog.String("channel", ch), slog.String("session_id", res.StreamID), slog.Float64("duration_sec", res.Duration))
			}(ch)
		}
		select {
		case <-ctx.Done():
			logger.Info("watcher stopping; waiting for running sessions")
			return nil
		case <-ticker.C:
		}
	}
}

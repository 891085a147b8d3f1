package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/stream-archiver/telemetry"
)

// Feed is a live chat connection.
type Feed interface {
	// Run connects and calls handle for each message until Close is called or the
	// connection fails. handle is never called concurrently.
	Run(handle func(RawMessage)) error
	// Close disconnects gracefully. Run returns afterwards.
	Close() error
}

// Sink receives normalized events in arrival order.
type Sink interface {
	Append(Event) error
}

// Worker pumps one session's chat feed into its sink.
type Worker struct {
	Feed       Feed
	Sink       Sink
	Normalizer *Normalizer
	// IdleTimeout is how often a silent feed is checked; default 5s.
	IdleTimeout time.Duration
	// ReconnectDelay is the wait after a dropped connection; default 5s.
	ReconnectDelay time.Duration
	// DrainTimeout bounds the wait for the feed to disconnect on stop; default 10s.
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// Stats summarizes a finished worker run.
type Stats struct {
	Written    int
	Failed     int
	Reconnects int
}

type feedResult struct{ err error }

// Run captures chat until ctx is canceled. Messages already received when the stop is
// observed are still written; the connection is closed between messages, never mid-write.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var st Stats
	if w.Feed == nil || w.Sink == nil || w.Normalizer == nil {
		return st, errors.New("chat worker: feed, sink and normalizer required")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "chat_worker"))
	idle := orDefault(w.IdleTimeout, 5*time.Second)
	reconnect := orDefault(w.ReconnectDelay, 5*time.Second)
	drainTimeout := orDefault(w.DrainTimeout, 10*time.Second)

	msgs := make(chan RawMessage, 256)
	stop := make(chan struct{})
	defer close(stop)

	start := func() chan feedResult {
		done := make(chan feedResult, 1)
		go func() {
			err := w.Feed.Run(func(m RawMessage) {
				select {
				case msgs <- m:
				case <-stop:
				}
			})
			done <- feedResult{err: err}
		}()
		return done
	}

	write := func(m RawMessage) {
		ev := w.Normalizer.Normalize(m)
		if err := w.Sink.Append(ev); err != nil {
			st.Failed++
			telemetry.Inc(telemetry.ChatWriteFails)
			logger.Warn("chat append failed", slog.String("msg_id", ev.ID), slog.Any("err", err))
			return
		}
		st.Written++
		telemetry.Inc(telemetry.ChatMessages)
	}

	feedDone := start()
	ticker := time.NewTicker(idle)
	defer ticker.Stop()
	lastMsg := time.Now()
	logger.Info("chat capture started")

	for {
		select {
		case m := <-msgs:
			write(m)
			lastMsg = time.Now()
		case res := <-feedDone:
			feedDone = nil
			if ctx.Err() != nil {
				w.drain(msgs, write)
				logger.Info("chat capture stopped", slog.Int("written", st.Written))
				return st, nil
			}
			logger.Warn("chat feed ended; reconnecting", slog.Any("err", res.err), slog.Duration("delay", reconnect))
			w.drain(msgs, write)
			select {
			case <-ctx.Done():
				logger.Info("chat capture stopped", slog.Int("written", st.Written))
				return st, nil
			case <-time.After(reconnect):
			}
			st.Reconnects++
			feedDone = start()
		case <-ticker.C:
			if time.Since(lastMsg) >= idle {
				logger.Debug("chat idle", slog.Duration("since_last", time.Since(lastMsg)))
			}
		case <-ctx.Done():
			if err := w.Feed.Close(); err != nil {
				logger.Debug("chat feed close", slog.Any("err", err))
			}
			if feedDone != nil {
				w.waitFeed(feedDone, msgs, write, drainTimeout, logger)
			}
			w.drain(msgs, write)
			logger.Info("chat capture stopped", slog.Int("written", st.Written), slog.Int("failed", st.Failed))
			return st, nil
		}
	}
}

// waitFeed keeps writing messages while the feed shuts down.
func (w *Worker) waitFeed(done chan feedResult, msgs chan RawMessage, write func(RawMessage), timeout time.Duration, logger *slog.Logger) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case m := <-msgs:
			write(m)
		case <-done:
			return
		case <-deadline.C:
			logger.Warn("chat feed did not disconnect in time", slog.Duration("timeout", timeout))
			return
		}
	}
}

func (w *Worker) drain(msgs chan RawMessage, write func(RawMessage)) {
	for {
		select {
		case m := <-msgs:
			write(m)
		default:
			return
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

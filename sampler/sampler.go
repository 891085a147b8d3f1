// Package sampler periodically polls a live channel for audience size, category and title
// and appends what it sees to the session's events store.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
	"github.com/onnwee/stream-archiver/sessiondb"
	"github.com/onnwee/stream-archiver/telemetry"
	"github.com/onnwee/stream-archiver/twitchapi"
)

// StreamSource looks up the current broadcast. A nil stream with a nil error means offline.
type StreamSource interface {
	GetStream(ctx context.Context, login string) (*twitchapi.Stream, error)
}

// EventSink receives telemetry events in poll order.
type EventSink interface {
	AddViewerSample(ctx context.Context, v sessiondb.ViewerSample) error
	AddChapter(ctx context.Context, c sessiondb.ChapterMarker) error
	AddTitle(ctx context.Context, t sessiondb.TitleEvent) error
}

// StopReason tells why Run returned.
type StopReason string

const (
	StopCanceled StopReason = "canceled"
	StopOffline  StopReason = "offline"
)

// Sampler polls one channel for one session.
type Sampler struct {
	Channel string
	Source  StreamSource
	Events  EventSink
	// Start is the session start; elapsed times are measured from it.
	Start time.Time
	// Interval between polls; default 600s.
	Interval time.Duration
	// Tick is how often the wait checks for cancellation; default 1s.
	Tick time.Duration
	// OfflineGrace stops the sampler after this much continuous offline time. 0 disables.
	OfflineGrace time.Duration
	// Title is the title already on record; only differing titles are reported.
	Title  string
	Logger *slog.Logger

	now func() time.Time
}

// Stats summarizes a run.
type Stats struct {
	Polls        int
	Samples      int
	Chapters     int
	TitleChanges int
	OfflinePolls int
	Failures     int
	Reason       StopReason
}

// Run polls until ctx is canceled or, with OfflineGrace set, the channel stays offline.
// Poll and write failures are logged and the loop continues.
func (s *Sampler) Run(ctx context.Context) (Stats, error) {
	var st Stats
	if s.Source == nil || s.Events == nil {
		return st, errors.New("sampler: source and events required")
	}
	now := s.now
	if now == nil {
		now = time.Now
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 600 * time.Second
	}
	tick := s.Tick
	if tick <= 0 {
		tick = time.Second
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "sampler"), slog.String("channel", s.Channel))
	logger.Info("telemetry sampling started", slog.Duration("interval", interval))

	var (
		lastCategory string
		lastTitle    = s.Title
		offlineSince time.Time
	)
	for {
		if ctx.Err() != nil {
			st.Reason = StopCanceled
			return st, nil
		}
		st.Polls++
		polledAt := now()
		stream, err := s.Source.GetStream(ctx, s.Channel)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				st.Reason = StopCanceled
				return st, nil
			}
			st.Failures++
			kind := archerr.KindOf(err).String()
			telemetry.IncLabel(telemetry.PollFailures, kind)
			logger.Warn("telemetry poll failed", slog.String("kind", kind), slog.Any("err", err))
		case stream == nil:
			st.OfflinePolls++
			if offlineSince.IsZero() {
				offlineSince = polledAt
			}
			logger.Info("channel offline at poll", slog.Duration("offline_for", polledAt.Sub(offlineSince)))
			if s.OfflineGrace > 0 && polledAt.Sub(offlineSince) >= s.OfflineGrace {
				logger.Info("channel offline past grace; sampling stopped", slog.Duration("grace", s.OfflineGrace))
				st.Reason = StopOffline
				return st, nil
			}
		default:
			offlineSince = time.Time{}
			elapsed := int64(polledAt.Sub(s.Start).Seconds())
			if elapsed < 0 {
				elapsed = 0
			}
			if err := s.Events.AddViewerSample(ctx, sessiondb.ViewerSample{ElapsedSec: elapsed, ViewerCount: stream.ViewerCount}); err != nil {
				st.Failures++
				logger.Warn("viewer sample write failed", slog.Any("err", err))
			} else {
				st.Samples++
				telemetry.Inc(telemetry.ViewerSamples)
			}
			if stream.GameName != "" && stream.GameName != lastCategory {
				if err := s.Events.AddChapter(ctx, sessiondb.ChapterMarker{ElapsedSec: elapsed, GameName: stream.GameName}); err != nil {
					st.Failures++
					logger.Warn("chapter write failed", slog.Any("err", err))
				} else {
					lastCategory = stream.GameName
					st.Chapters++
					telemetry.Inc(telemetry.ChapterMarkers)
					logger.Info("category changed", slog.String("game", stream.GameName), slog.Int64("elapsed_sec", elapsed))
				}
			}
			if stream.Title != "" && stream.Title != lastTitle {
				if err := s.Events.AddTitle(ctx, sessiondb.TitleEvent{ElapsedSec: elapsed, ObservedAt: polledAt, Title: stream.Title}); err != nil {
					st.Failures++
					logger.Warn("title write failed", slog.Any("err", err))
				} else {
					lastTitle = stream.Title
					st.TitleChanges++
					telemetry.Inc(telemetry.TitleChanges)
					logger.Info("title changed", slog.String("title", stream.Title))
				}
			}
		}

		if !s.wait(ctx, interval, tick) {
			st.Reason = StopCanceled
			logger.Info("telemetry sampling stopped", slog.Int("samples", st.Samples), slog.Int("chapters", st.Chapters))
			return st, nil
		}
	}
}

// wait sleeps for interval in tick steps and reports false if ctx ended first.
func (s *Sampler) wait(ctx context.Context, interval, tick time.Duration) bool {
	t := time.NewTicker(tick)
	defer t.Stop()
	deadline := time.Now().Add(interval)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return ctx.Err() == nil
}

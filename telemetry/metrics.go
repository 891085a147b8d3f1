// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Live sessions
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionsFailed    prometheus.Counter
	ActiveSessions    prometheus.Gauge
	SessionDuration   prometheus.Observer

	// Session workers
	ChatMessages   prometheus.Counter
	ChatWriteFails prometheus.Counter
	ViewerSamples  prometheus.Counter
	ChapterMarkers prometheus.Counter
	TitleChanges   prometheus.Counter
	PollFailures   *prometheus.CounterVec // label: kind

	// Backfill
	BackfillItems        prometheus.Counter
	BackfillStepFailures *prometheus.CounterVec // label: step
	DownloadsStarted     prometheus.Counter
	DownloadsFailed      prometheus.Counter
	DownloadsSucceeded   prometheus.Counter
	DownloadDuration     prometheus.Observer
	HashesComputed       prometheus.Counter
	HashDuration         prometheus.Observer

	// Index
	IndexWriteFailures prometheus.Counter
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_sessions_started_total", Help: "Number of live capture sessions started"})
		SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_sessions_completed_total", Help: "Number of live capture sessions finalized"})
		SessionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_sessions_failed_total", Help: "Number of sessions whose recorder failed to start"})
		ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Name: "archiver_active_sessions", Help: "Sessions currently capturing"})
		SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_session_duration_seconds", Help: "Probed duration of finalized sessions", Buckets: []float64{60, 600, 1800, 3600, 7200, 14400, 28800}})

		ChatMessages = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_chat_messages_total", Help: "Chat messages appended to session logs"})
		ChatWriteFails = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_chat_write_failures_total", Help: "Chat log appends that failed"})
		ViewerSamples = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_viewer_samples_total", Help: "Viewer samples recorded"})
		ChapterMarkers = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_chapter_markers_total", Help: "Category change markers recorded"})
		TitleChanges = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_title_changes_total", Help: "Title changes observed during sessions"})
		PollFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "archiver_poll_failures_total", Help: "Telemetry polls that failed, by error kind"}, []string{"kind"})

		BackfillItems = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_backfill_items_total", Help: "Recordings visited by backfill"})
		BackfillStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "archiver_backfill_step_failures_total", Help: "Backfill per-recording step failures"}, []string{"step"})
		DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_downloads_started_total", Help: "Number of recording downloads started"})
		DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_downloads_failed_total", Help: "Number of recording downloads failed"})
		DownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_downloads_succeeded_total", Help: "Number of recording downloads succeeded"})
		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_download_duration_seconds", Help: "Download duration seconds", Buckets: []float64{60, 300, 600, 1800, 3600, 7200}})
		HashesComputed = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_hashes_computed_total", Help: "Content hashes computed"})
		HashDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_hash_duration_seconds", Help: "Content hash duration seconds", Buckets: prometheus.DefBuckets})

		IndexWriteFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_index_write_failures_total", Help: "Durable index upserts that failed"})
	})
}

// Inc increments c if metrics are initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// IncLabel increments the child of v for label if metrics are initialized.
func IncLabel(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

// AddGauge adds delta to g if metrics are initialized.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

// Observe records v seconds in obs if metrics are initialized.
func Observe(obs prometheus.Observer, v float64) {
	if obs != nil {
		obs.Observe(v)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}

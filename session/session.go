// Package session runs live capture sessions: one recorder, one chat worker and one
// telemetry sampler per session, reconciled into the session's metadata document and the
// durable index when the recorder exits.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-archiver/archerr"
	"github.com/onnwee/stream-archiver/chat"
	"github.com/onnwee/stream-archiver/db"
	"github.com/onnwee/stream-archiver/metadata"
	"github.com/onnwee/stream-archiver/recorder"
	"github.com/onnwee/stream-archiver/sampler"
	"github.com/onnwee/stream-archiver/sessiondb"
	"github.com/onnwee/stream-archiver/telemetry"
)

// Steps recorded in a Result.
const (
	StepMetadataLoad    = "metadata.load"
	StepMetadataInitial = "metadata.initial"
	StepIndexInitial    = "index.initial"
	StepEventsOpen      = "events.open"
	StepRecorderStart   = "recorder.start"
	StepRecorder        = "recorder"
	StepChat            = "chat"
	StepSampler         = "sampler"
	StepProbe           = "probe"
	StepMetadataFinal   = "metadata.final"
	StepIndexFinal      = "index.final"
	StepChatImport      = "chat.import"
)

// Capture is a running recorder process.
type Capture interface {
	Done() <-chan struct{}
	Wait() (int, error)
	Stop(grace time.Duration)
}

// Recorder starts the capture of a channel into folder.
type Recorder interface {
	Start(ctx context.Context, channel, folder string) (Capture, error)
}

// SupervisorRecorder adapts a recorder.Supervisor.
type SupervisorRecorder struct{ *recorder.Supervisor }

// Start implements Recorder.
func (s SupervisorRecorder) Start(ctx context.Context, channel, folder string) (Capture, error) {
	p, err := s.Supervisor.Start(ctx, channel, folder)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Prober measures the captured video.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Index receives durable index rows.
type Index interface {
	Upsert(ctx context.Context, rec db.Record) error
}

// StepResult is the outcome of one orchestrator call site.
type StepResult struct {
	Step string
	Err  error
}

// Result describes a finished session.
type Result struct {
	StreamID     string
	Channel      string
	Folder       string
	Start        time.Time
	End          time.Time
	Duration     float64
	ExitCode     int
	Chat         chat.Stats
	Telemetry    sampler.Stats
	ChatImported int
	Steps        []StepResult

	mu sync.Mutex
}

// Err returns the recorded error of step, if any.
func (r *Result) Err(step string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.Steps {
		if s.Step == step {
			return s.Err
		}
	}
	return nil
}

func (r *Result) record(step string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Step: step, Err: err})
	}
}

// Orchestrator owns the lifecycle of live sessions.
type Orchestrator struct {
	// Dir returns the directory that holds a channel's session folders.
	Dir      func(channel string) string
	Store    *metadata.Store
	Index    Index
	Recorder Recorder
	Prober   Prober
	// NewChatFeed returns the chat connection for a channel; nil disables chat capture.
	NewChatFeed func(channel string) chat.Feed
	// Streams feeds the telemetry sampler; nil disables sampling.
	Streams         sampler.StreamSource
	SampleInterval  time.Duration
	OfflineGrace    time.Duration
	ChatIdleTimeout time.Duration
	// StopGrace is how long the recorder gets to exit after SIGTERM on cancellation.
	StopGrace time.Duration
	Logger    *slog.Logger

	now    func() time.Time
	mu     sync.Mutex
	active map[string]Active
}

// Active describes a running session.
type Active struct {
	Channel  string
	StreamID string
	Folder   string
	Start    time.Time
}

// ErrSessionRunning is returned when the channel already has a session in this process.
var ErrSessionRunning = errors.New("session already running for channel")

// ActiveSessions lists running sessions.
func (o *Orchestrator) ActiveSessions() []Active {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Active, 0, len(o.active))
	for _, a := range o.active {
		out = append(out, a)
	}
	return out
}

func (o *Orchestrator) register(a Active) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		o.active = map[string]Active{}
	}
	if _, ok := o.active[a.Channel]; ok {
		return fmt.Errorf("%w: %s", ErrSessionRunning, a.Channel)
	}
	o.active[a.Channel] = a
	return nil
}

func (o *Orchestrator) unregister(channel string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, channel)
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

// FolderName is the session folder name for a capture of channel starting at start.
func FolderName(channel string, start time.Time) string {
	return channel + "_" + start.UTC().Format("20060102_150405")
}

// Run captures one session of channel. folderHint resumes into an existing folder; empty
// creates a new one. It blocks until the recorder exits or ctx is canceled, then finalizes.
//
// Only a recorder that cannot start is fatal: the attempt is still finalized with duration 0
// and indexed, and the returned error is that start failure. Everything else is recorded in
// Result.Steps and logged.
func (o *Orchestrator) Run(ctx context.Context, channel, folderHint string) (*Result, error) {
	if o.Store == nil || o.Recorder == nil {
		return nil, errors.New("session: metadata store and recorder required")
	}
	start := o.clock().UTC()
	folder := folderHint
	if folder == "" {
		if o.Dir == nil {
			return nil, errors.New("session: folder layout not configured")
		}
		folder = newFolder(filepath.Join(o.Dir(channel), FolderName(channel, start)))
	}
	res := &Result{Channel: channel, Folder: folder, Start: start}

	corr := uuid.NewString()
	ctx = telemetry.WithCorrelation(ctx, corr)
	base := o.Logger
	if base == nil {
		base = slog.Default()
	}
	logger := base.With(slog.String("component", "session"), slog.String("channel", channel), slog.String("corr", corr))

	if err := os.MkdirAll(folder, 0o755); err != nil {
		return res, archerr.IO("session folder", err)
	}
	lease, err := o.Store.Acquire(folder, "session")
	if err != nil {
		return res, err
	}
	defer lease.Release()

	doc, err := lease.Load()
	if err != nil {
		res.record(StepMetadataLoad, err)
		logger.Warn("metadata unreadable; continuing with defaults", slog.Any("err", err))
	}
	if doc.IsFinalized() {
		return res, fmt.Errorf("session folder %s: %w", folder, metadata.ErrAlreadyFinalized)
	}
	// a resumed folder keeps its original start so offsets stay comparable
	if t, err := time.Parse(time.RFC3339, doc.StartTime); err == nil {
		start = t.UTC()
		res.Start = start
	}
	doc.Seed(metadata.Defaults{Channel: channel, Start: start})
	res.StreamID = doc.StreamID
	logger = logger.With(slog.String("session_id", doc.StreamID))

	if err := o.register(Active{Channel: channel, StreamID: doc.StreamID, Folder: folder, Start: start}); err != nil {
		return res, err
	}
	defer o.unregister(channel)

	ctx, span := telemetry.StartSpan(ctx, "session.run",
		attribute.String("channel", channel), attribute.String("session_id", doc.StreamID))
	var runErr error
	defer func() { telemetry.EndSpan(span, runErr) }()

	telemetry.Inc(telemetry.SessionsStarted)
	telemetry.AddGauge(telemetry.ActiveSessions, 1)
	defer telemetry.AddGauge(telemetry.ActiveSessions, -1)

	// final writes must land even when ctx is what ended the session
	persistCtx := context.WithoutCancel(ctx)

	if err := lease.Save(doc); err != nil {
		res.record(StepMetadataInitial, err)
		logger.Warn("initial metadata write failed", slog.Any("err", err))
	}
	o.upsert(persistCtx, res, StepIndexInitial, doc, channel, folder, logger)
	logger.Info("session started", slog.String("folder", folder))

	events, err := sessiondb.OpenEvents(ctx, filepath.Join(folder, sessiondb.EventsFileName))
	if err != nil {
		res.record(StepEventsOpen, err)
		logger.Warn("events store unavailable; sampling disabled", slog.Any("err", err))
	} else {
		defer func() { _ = events.Close() }()
	}

	capture, err := o.Recorder.Start(ctx, channel, folder)
	if err != nil {
		res.record(StepRecorderStart, err)
		telemetry.Inc(telemetry.SessionsFailed)
		logger.Error("recorder failed to start; finalizing empty session", slog.Any("err", err))
		res.End = o.clock().UTC()
		o.finalize(persistCtx, res, lease, doc, events, 0, logger)
		runErr = err
		return res, err
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var g errgroup.Group
	chatLog := o.startChat(workerCtx, &g, res, channel, folder, start, logger)
	if o.Streams != nil && events != nil {
		s := &sampler.Sampler{
			Channel:      channel,
			Source:       o.Streams,
			Events:       events,
			Start:        start,
			Interval:     o.SampleInterval,
			OfflineGrace: o.OfflineGrace,
			Title:        doc.Title,
			Logger:       logger,
		}
		g.Go(func() error {
			st, err := s.Run(workerCtx)
			res.Telemetry = st
			res.record(StepSampler, err)
			return nil
		})
	}

	select {
	case <-capture.Done():
	case <-ctx.Done():
		logger.Info("session canceled; stopping recorder")
		capture.Stop(orDefault(o.StopGrace, 10*time.Second))
	}
	res.ExitCode, err = capture.Wait()
	res.record(StepRecorder, err)
	if err != nil {
		logger.Warn("recorder ended with error", slog.Int("exit_code", res.ExitCode), slog.Any("err", err))
	}
	res.End = o.clock().UTC()

	stopWorkers()
	_ = g.Wait()
	if chatLog != nil {
		if err := chatLog.Close(); err != nil {
			logger.Warn("chat log close", slog.Any("err", err))
		}
		logger.Debug("chat log closed", slog.Int("lines", chatLog.Lines()))
	}

	duration := 0.0
	if o.Prober != nil {
		d, err := o.Prober.Duration(persistCtx, recorder.VideoPath(folder))
		if err != nil {
			res.record(StepProbe, err)
			logger.Warn("duration probe failed; using 0", slog.Any("err", err))
		} else {
			duration = d
		}
	}
	o.finalize(persistCtx, res, lease, doc, events, duration, logger)
	telemetry.Inc(telemetry.SessionsCompleted)
	telemetry.Observe(telemetry.SessionDuration, duration)

	if chatLog != nil {
		n, err := importChat(persistCtx, folder)
		res.ChatImported = n
		res.record(StepChatImport, err)
		if err != nil {
			logger.Warn("chat import failed; raw capture kept", slog.Any("err", err))
		}
	}
	logger.Info("session finished",
		slog.Float64("duration_sec", res.Duration),
		slog.String("duration", metadata.FormatDuration(res.Duration)),
		slog.Int("chat_messages", res.Chat.Written),
		slog.Int("viewer_samples", res.Telemetry.Samples),
		slog.Int("failed_steps", len(res.Steps)))
	return res, nil
}

func (o *Orchestrator) startChat(ctx context.Context, g *errgroup.Group, res *Result, channel, folder string, start time.Time, logger *slog.Logger) *chat.LogWriter {
	if o.NewChatFeed == nil {
		return nil
	}
	feed := o.NewChatFeed(channel)
	if feed == nil {
		return nil
	}
	chatLog, err := chat.OpenLog(folder)
	if err != nil {
		res.record(StepChat, err)
		logger.Warn("chat log unavailable; chat capture disabled", slog.Any("err", err))
		return nil
	}
	w := &chat.Worker{
		Feed:        feed,
		Sink:        chatLog,
		Normalizer:  chat.NewNormalizer(start),
		IdleTimeout: o.ChatIdleTimeout,
		Logger:      logger,
	}
	g.Go(func() error {
		st, err := w.Run(ctx)
		res.Chat = st
		res.record(StepChat, err)
		return nil
	})
	return chatLog
}

// finalize merges observed titles, sets the end fields once and persists document and index.
func (o *Orchestrator) finalize(ctx context.Context, res *Result, lease *metadata.Lease, doc *metadata.Document, events *sessiondb.EventsStore, duration float64, logger *slog.Logger) {
	if events != nil {
		titles, err := events.Titles(ctx)
		if err != nil {
			logger.Warn("title events unreadable", slog.Any("err", err))
		}
		for _, t := range titles {
			doc.AddTitleChange(t.ObservedAt, t.Title)
		}
	}
	if err := doc.Finalize(res.End, duration); err != nil {
		logger.Warn("metadata already finalized", slog.Any("err", err))
	}
	if doc.DownloadedAt == "" {
		if _, err := os.Stat(recorder.VideoPath(res.Folder)); err == nil {
			doc.DownloadedAt = metadata.FormatTime(res.End)
		}
	}
	res.Duration, _ = doc.Duration()
	if err := lease.Save(doc); err != nil {
		res.record(StepMetadataFinal, err)
		logger.Warn("final metadata write failed", slog.Any("err", err))
	}
	o.upsert(ctx, res, StepIndexFinal, doc, res.Channel, res.Folder, logger)
}

func (o *Orchestrator) upsert(ctx context.Context, res *Result, step string, doc *metadata.Document, channel, folder string, logger *slog.Logger) {
	if o.Index == nil {
		return
	}
	if err := o.Index.Upsert(ctx, db.FromDocument(doc, channel, folder)); err != nil {
		res.record(step, err)
		telemetry.Inc(telemetry.IndexWriteFailures)
		logger.Warn("index write failed", slog.String("step", step), slog.Any("err", err))
	}
}

// newFolder returns base, or base_2, base_3... when a session already used that second.
func newFolder(base string) string {
	folder := base
	for i := 2; ; i++ {
		if _, err := os.Stat(folder); errors.Is(err, os.ErrNotExist) {
			return folder
		}
		folder = fmt.Sprintf("%s_%d", base, i)
	}
}

func importChat(ctx context.Context, folder string) (int, error) {
	capture := filepath.Join(folder, chat.CaptureFileName)
	if _, err := os.Stat(capture); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	store, err := sessiondb.OpenChat(ctx, filepath.Join(folder, sessiondb.ChatFileName))
	if err != nil {
		return 0, err
	}
	defer func() { _ = store.Close() }()
	return store.ImportCapture(ctx, capture)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Package vod backfills a channel's archived broadcasts: each recording is downloaded,
// thumbnailed and hashed at most once, merged into its folder's metadata document and
// written to the durable index. Re-running a backfill over the same recordings is a no-op.
package vod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/stream-archiver/db"
	"github.com/onnwee/stream-archiver/metadata"
	"github.com/onnwee/stream-archiver/telemetry"
	"github.com/onnwee/stream-archiver/twitchapi"
)

// Layout of a recording folder.
const (
	VideoDir          = "videos"
	VideoFileName     = "vod.mp4"
	ThumbnailDir      = "thumbnails"
	ThumbnailFileName = "vod_thumbnail.jpg"
)

// Per-recording steps, used in failure reports and the step failure metric.
const (
	StepLease     = "lease"
	StepVideo     = "video"
	StepThumbnail = "thumbnail"
	StepHash      = "hash"
	StepMetadata  = "metadata"
	StepIndex     = "index"
)

// Lister resolves channels and pages through their recordings.
type Lister interface {
	GetUserID(ctx context.Context, login string) (string, error)
	ListVideos(ctx context.Context, userID, after string, first int) ([]twitchapi.VideoMeta, string, error)
}

// Downloader fetches a recording to dest. dest must only exist once the download completed.
type Downloader interface {
	Download(ctx context.Context, url, dest string, progress func(percent float64)) error
}

// ThumbnailFetcher fetches an image to dest.
type ThumbnailFetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// Index receives durable index rows.
type Index interface {
	Upsert(ctx context.Context, rec db.Record) error
}

// Reconciler backfills recordings, one channel and one recording at a time.
type Reconciler struct {
	// Dir returns the directory that holds a channel's recording folders.
	Dir        func(channel string) string
	Lister     Lister
	Downloader Downloader
	Thumbnails ThumbnailFetcher
	Store      *metadata.Store
	Index      Index
	// PageSize is the listing page size; default 100 (the platform maximum).
	PageSize int
	// MaxPages bounds pagination; default 500.
	MaxPages int
	Logger   *slog.Logger

	now func() time.Time
}

// ItemFailure is one failed step of one recording.
type ItemFailure struct {
	VODID string
	Step  string
	Err   error
}

// ItemResult is the outcome of reconciling one recording.
type ItemResult struct {
	VODID      string
	StreamID   string
	Folder     string
	Downloaded bool
	Thumbnail  bool
	Hashed     bool
	Written    bool
	Failures   []ItemFailure
}

func (r *ItemResult) fail(step string, err error) {
	r.Failures = append(r.Failures, ItemFailure{VODID: r.VODID, Step: step, Err: err})
	telemetry.IncLabel(telemetry.BackfillStepFailures, step)
}

// Report summarizes a channel run.
type Report struct {
	Channel    string
	Pages      int
	Items      int
	Downloaded int
	Thumbnails int
	Hashed     int
	Written    int
	Failures   []ItemFailure
	// ListErr is set when pagination stopped on an error; items listed before it were processed.
	ListErr error
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Reconciler) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// ReconcileChannel lists every archived recording of channel and reconciles each one.
// Resolving the channel is the only failure that ends the run; per-recording failures are
// collected in the report.
func (r *Reconciler) ReconcileChannel(ctx context.Context, channel string) (*Report, error) {
	if r.Lister == nil || r.Store == nil || r.Dir == nil {
		return nil, errors.New("backfill: lister, metadata store and folder layout required")
	}
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	logger := r.logger().With(slog.String("component", "backfill"), slog.String("channel", channel), slog.String("corr", telemetry.GetCorrelation(ctx)))
	rep := &Report{Channel: channel}

	userID, err := r.Lister.GetUserID(ctx, channel)
	if err != nil {
		logger.Error("channel lookup failed", slog.Any("err", err))
		return rep, err
	}

	videos, err := r.listAll(ctx, userID, rep, logger)
	if err != nil {
		rep.ListErr = err
		logger.Warn("listing stopped early", slog.Int("pages", rep.Pages), slog.Any("err", err))
	}
	logger.Info("recordings listed", slog.Int("count", len(videos)), slog.Int("pages", rep.Pages))

	for _, v := range videos {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		res := r.ReconcileItem(ctx, channel, v)
		rep.Items++
		telemetry.Inc(telemetry.BackfillItems)
		if res.Downloaded {
			rep.Downloaded++
		}
		if res.Thumbnail {
			rep.Thumbnails++
		}
		if res.Hashed {
			rep.Hashed++
		}
		if res.Written {
			rep.Written++
		}
		rep.Failures = append(rep.Failures, res.Failures...)
	}
	logger.Info("backfill complete",
		slog.Int("items", rep.Items),
		slog.Int("downloaded", rep.Downloaded),
		slog.Int("hashed", rep.Hashed),
		slog.Int("metadata_written", rep.Written),
		slog.Int("failures", len(rep.Failures)))
	return rep, nil
}

// listAll pages until a page has no items or no cursor. A repeated cursor or MaxPages also
// ends the loop so a misbehaving API cannot keep it running.
func (r *Reconciler) listAll(ctx context.Context, userID string, rep *Report, logger *slog.Logger) ([]twitchapi.VideoMeta, error) {
	pageSize := r.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxPages := r.MaxPages
	if maxPages <= 0 {
		maxPages = 500
	}
	var (
		out   []twitchapi.VideoMeta
		after string
	)
	for rep.Pages < maxPages {
		items, cursor, err := r.Lister.ListVideos(ctx, userID, after, pageSize)
		if err != nil {
			return out, err
		}
		rep.Pages++
		out = append(out, items...)
		logger.Debug("recordings page", slog.Int("page", rep.Pages), slog.Int("items", len(items)), slog.Bool("has_cursor", cursor != ""))
		if len(items) == 0 || cursor == "" {
			return out, nil
		}
		if cursor == after {
			logger.Warn("pagination cursor repeated; stopping", slog.String("cursor", cursor))
			return out, nil
		}
		after = cursor
	}
	logger.Warn("pagination page limit reached", slog.Int("max_pages", maxPages))
	return out, nil
}

// ReconcileItem runs the per-recording steps. Every step is attempted even when an earlier
// one failed, except hashing, which needs the video file.
func (r *Reconciler) ReconcileItem(ctx context.Context, channel string, v twitchapi.VideoMeta) ItemResult {
	streamID := v.StreamID
	if streamID == "" {
		streamID = v.ID
	}
	res := ItemResult{VODID: v.ID, StreamID: streamID}
	logger := r.logger().With(slog.String("component", "backfill"), slog.String("channel", channel), slog.String("vod_id", v.ID))

	ctx, span := telemetry.StartSpan(ctx, "backfill.item", attribute.String("channel", channel), attribute.String("vod_id", v.ID))
	defer func() {
		var err error
		if len(res.Failures) > 0 {
			err = res.Failures[0].Err
		}
		telemetry.EndSpan(span, err)
	}()

	dir := r.Dir(channel)
	folder, err := FindFolder(dir, streamID)
	if err != nil {
		logger.Debug("folder scan failed", slog.Any("err", err))
	}
	if folder == "" {
		folder = filepath.Join(dir, SafeTitle(v.Title)+"_"+streamID)
	}
	res.Folder = folder

	lease, err := r.Store.Acquire(folder, "backfill")
	if err != nil {
		res.fail(StepLease, err)
		logger.Warn("recording folder busy; skipping", slog.String("folder", folder), slog.Any("err", err))
		return res
	}
	defer lease.Release()

	doc, err := lease.Load()
	if err != nil {
		logger.Warn("metadata unreadable; rebuilding from listing", slog.Any("err", err))
	}

	videoPath := filepath.Join(folder, VideoDir, VideoFileName)
	if fileExists(videoPath) {
		logger.Debug("video already present", slog.String("path", videoPath))
	} else if r.Downloader != nil {
		if err := r.download(ctx, v, videoPath, logger); err != nil {
			res.fail(StepVideo, err)
			logger.Warn("video download failed", slog.Any("err", err))
		} else {
			res.Downloaded = true
		}
	}

	thumbURL := ResolveThumbnailURL(v.ThumbnailURL)
	thumbPath := filepath.Join(folder, ThumbnailDir, ThumbnailFileName)
	if thumbURL != "" && !fileExists(thumbPath) && r.Thumbnails != nil {
		if err := r.Thumbnails.Fetch(ctx, thumbURL, thumbPath); err != nil {
			res.fail(StepThumbnail, err)
			logger.Warn("thumbnail fetch failed", slog.Any("err", err))
		} else {
			res.Thumbnail = true
		}
	}

	hasVideo := fileExists(videoPath)
	if hasVideo && doc.VODSha256 == "" {
		start := time.Now()
		sum, size, err := FileSHA256(videoPath)
		if err != nil {
			res.fail(StepHash, err)
			logger.Warn("content hash failed", slog.Any("err", err))
		} else {
			doc.VODSha256 = sum
			res.Hashed = true
			telemetry.Inc(telemetry.HashesComputed)
			telemetry.Observe(telemetry.HashDuration, time.Since(start).Seconds())
			logger.Info("content hash computed", slog.String("size", humanize.Bytes(uint64(size))), slog.Duration("took", time.Since(start)))
		}
	}

	r.merge(doc, channel, streamID, v, thumbURL, hasVideo, logger)
	written, err := lease.SaveIfChanged(doc)
	if err != nil {
		res.fail(StepMetadata, err)
		logger.Warn("metadata write failed", slog.Any("err", err))
	}
	res.Written = written

	if r.Index != nil {
		if err := r.Index.Upsert(ctx, db.FromDocument(doc, channel, folder)); err != nil {
			res.fail(StepIndex, err)
			telemetry.Inc(telemetry.IndexWriteFailures)
			logger.Warn("index write failed", slog.Any("err", err))
		}
	}
	return res
}

func (r *Reconciler) download(ctx context.Context, v twitchapi.VideoMeta, dest string, logger *slog.Logger) error {
	url := v.URL
	if url == "" {
		url = "https://www.twitch.tv/videos/" + v.ID
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	telemetry.Inc(telemetry.DownloadsStarted)
	start := time.Now()
	last := -10.0
	err := r.Downloader.Download(ctx, url, dest, func(pct float64) {
		if pct-last >= 10 || pct >= 100 {
			last = pct
			logger.Info("download progress", slog.Float64("percent", pct))
		}
	})
	if err != nil {
		telemetry.Inc(telemetry.DownloadsFailed)
		return err
	}
	telemetry.Inc(telemetry.DownloadsSucceeded)
	telemetry.Observe(telemetry.DownloadDuration, time.Since(start).Seconds())
	if fi, err := os.Stat(dest); err == nil {
		logger.Info("download complete", slog.String("size", humanize.Bytes(uint64(fi.Size()))), slog.Duration("took", time.Since(start)))
	}
	return nil
}

// merge folds the listing fields into doc. Fields the listing does not own are kept.
func (r *Reconciler) merge(doc *metadata.Document, channel, streamID string, v twitchapi.VideoMeta, thumbURL string, hasVideo bool, logger *slog.Logger) {
	doc.StreamID = streamID
	doc.VODID = v.ID
	doc.Title = v.Title
	if doc.ChannelName == "" {
		doc.ChannelName = channel
	}
	if v.CreatedAt != "" {
		doc.CreatedAt = v.CreatedAt
	}
	if v.PublishedAt != "" {
		doc.PublishedAt = v.PublishedAt
	}
	if thumbURL != "" {
		doc.ThumbnailURL = thumbURL
	}
	if v.URL != "" {
		doc.URL = v.URL
	}
	if doc.Language == "" {
		doc.Language = v.Language
	}
	if doc.Source == "" {
		doc.Source = metadata.SourceVOD
	}
	if doc.StartTime == "" {
		doc.StartTime = doc.CreatedAt
	}
	if hasVideo && doc.DownloadedAt == "" {
		doc.DownloadedAt = metadata.FormatTime(r.clock())
	}
	if !doc.IsFinalized() {
		secs := ParseTwitchDuration(v.Duration)
		created, err := time.Parse(time.RFC3339, v.CreatedAt)
		if secs > 0 && err == nil {
			_ = doc.Finalize(created.Add(time.Duration(secs)*time.Second), float64(secs))
		} else {
			logger.Debug("recording not finalized; duration or creation time missing", slog.String("duration", v.Duration))
		}
	}
}

// SafeTitle keeps letters, digits, spaces, underscores and dashes; anything else becomes "_".
func SafeTitle(title string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, title)
}

// FindFolder returns an existing folder in dir whose name ends in "_<streamID>", so a
// recording keeps its folder when its title changes. It returns "" when there is none.
func FindFolder(dir, streamID string) (string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", dir, err)
	}
	suffix := "_" + streamID
	var matches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return filepath.Join(dir, matches[0]), nil
}

// ResolveThumbnailURL fills the size placeholders of a thumbnail template.
func ResolveThumbnailURL(tmpl string) string {
	return strings.NewReplacer("%{width}", "1920", "%{height}", "1080").Replace(tmpl)
}

// ParseTwitchDuration parses durations like "3h15m42s" into seconds.
func ParseTwitchDuration(s string) int {
	var total int
	cur := ""
	for _, r := range s {
		if r >= '0' && r <= '9' {
			cur += string(r)
			continue
		}
		if cur == "" {
			continue
		}
		n := 0
		for _, d := range cur {
			n = n*10 + int(d-'0')
		}
		switch r {
		case 'h':
			total += n * 3600
		case 'm':
			total += n * 60
		case 's':
			total += n
		}
		cur = ""
	}
	return total
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

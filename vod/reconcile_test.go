package vod

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/stream-archiver/db"
	"github.com/onnwee/stream-archiver/metadata"
	"github.com/onnwee/stream-archiver/testutil"
	"github.com/onnwee/stream-archiver/twitchapi"
)

type fakeDownloader struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
}

func (f *fakeDownloader) Download(_ context.Context, url, dest string, progress func(float64)) error {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[url]++
	err := f.fail[url]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	progress(50)
	progress(100)
	return os.WriteFile(dest, []byte("video:"+url), 0o644)
}

func (f *fakeDownloader) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

type fakeThumbs struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeThumbs) Fetch(_ context.Context, url, dest string) error {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(url), 0o644)
}

type memIndex struct {
	mu   sync.Mutex
	recs map[string]db.Record
	err  error
}

func (m *memIndex) Upsert(_ context.Context, rec db.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.recs == nil {
		m.recs = map[string]db.Record{}
	}
	m.recs[rec.StreamID] = rec
	return nil
}

// pagedLister serves pages[i] with cursor "c<i+1>" and no cursor on the last page.
type pagedLister struct {
	pages   [][]twitchapi.VideoMeta
	userErr error
	failAt  int // page index that errors, -1 for none
	repeat  bool
}

func (p *pagedLister) GetUserID(_ context.Context, login string) (string, error) {
	if p.userErr != nil {
		return "", p.userErr
	}
	return "uid-" + login, nil
}

func (p *pagedLister) ListVideos(_ context.Context, _ string, after string, _ int) ([]twitchapi.VideoMeta, string, error) {
	idx := 0
	if after != "" {
		fmt.Sscanf(after, "c%d", &idx)
	}
	if p.failAt >= 0 && idx == p.failAt {
		return nil, "", errors.New("helix videos: HTTP 503")
	}
	if idx >= len(p.pages) {
		return nil, "", nil
	}
	if p.repeat {
		return p.pages[idx], "c0", nil
	}
	cursor := ""
	if idx < len(p.pages)-1 {
		cursor = fmt.Sprintf("c%d", idx+1)
	}
	return p.pages[idx], cursor, nil
}

func makeVideos(from, n int) []twitchapi.VideoMeta {
	out := make([]twitchapi.VideoMeta, 0, n)
	for i := from; i < from+n; i++ {
		out = append(out, twitchapi.VideoMeta{
			ID:           fmt.Sprintf("v%03d", i),
			StreamID:     fmt.Sprintf("s%03d", i),
			Title:        fmt.Sprintf("Run #%d", i),
			Duration:     "1h0m5s",
			CreatedAt:    "2024-01-01T10:00:00Z",
			ThumbnailURL: fmt.Sprintf("https://cdn.example/%d-%%{width}x%%{height}.jpg", i),
			URL:          fmt.Sprintf("https://www.twitch.tv/videos/v%03d", i),
			Language:     "en",
		})
	}
	return out
}

func newTestReconciler(t *testing.T, lister Lister) (*Reconciler, *fakeDownloader, *fakeThumbs, *memIndex, string) {
	t.Helper()
	base := t.TempDir()
	dl := &fakeDownloader{}
	th := &fakeThumbs{}
	ix := &memIndex{}
	r := &Reconciler{
		Dir:        func(ch string) string { return filepath.Join(base, ch) },
		Lister:     lister,
		Downloader: dl,
		Thumbnails: th,
		Store:      metadata.NewStore(),
		Index:      ix,
		now:        func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) },
	}
	return r, dl, th, ix, base
}

func TestReconcileChannelListsEveryPageOverHelix(t *testing.T) {
	srv := testutil.NewMockTwitchServer(t)
	srv.MockUserResponse("42", "streamer")
	srv.MockVideoPages([][]twitchapi.VideoMeta{makeVideos(0, 100), makeVideos(100, 100), {}})

	r, dl, _, _, _ := newTestReconciler(t, srv.Client())
	index := testutil.OpenIndex(t)
	r.Index = index

	rep, err := r.ReconcileChannel(context.Background(), "streamer")
	if err != nil {
		t.Fatalf("ReconcileChannel: %v", err)
	}
	if rep.Items != 200 {
		t.Fatalf("items = %d, want 200", rep.Items)
	}
	if rep.Pages != 3 || srv.Requests("/helix/videos") != 3 {
		t.Errorf("pages = %d, requests = %d, want 3", rep.Pages, srv.Requests("/helix/videos"))
	}
	if dl.total() != 200 || rep.Downloaded != 200 || rep.Hashed != 200 {
		t.Errorf("downloads = %d, downloaded = %d, hashed = %d", dl.total(), rep.Downloaded, rep.Hashed)
	}
	if len(rep.Failures) != 0 {
		t.Errorf("unexpected failures: %+v", rep.Failures)
	}
	recs, err := index.ListByChannel(context.Background(), "streamer", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 200 {
		t.Errorf("index rows = %d, want 200", len(recs))
	}
}

func TestReconcileChannelSecondRunIsNoOp(t *testing.T) {
	lister := &pagedLister{pages: [][]twitchapi.VideoMeta{makeVideos(0, 3), makeVideos(3, 2)}, failAt: -1}
	r, dl, th, ix, base := newTestReconciler(t, lister)
	ctx := context.Background()

	first, err := r.ReconcileChannel(ctx, "streamer")
	if err != nil {
		t.Fatal(err)
	}
	if first.Items != 5 || first.Downloaded != 5 || first.Thumbnails != 5 || first.Hashed != 5 || first.Written != 5 {
		t.Fatalf("first run = %+v", first)
	}
	metaPath := filepath.Join(base, "streamer", "Run _0_s000", metadata.FileName)
	before, err := os.ReadFile(metaPath)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}

	second, err := r.ReconcileChannel(ctx, "streamer")
	if err != nil {
		t.Fatal(err)
	}
	if second.Items != 5 || second.Downloaded != 0 || second.Thumbnails != 0 || second.Hashed != 0 || second.Written != 0 {
		t.Errorf("second run = %+v, want no work", second)
	}
	if dl.total() != 5 || th.calls != 5 {
		t.Errorf("downloads = %d, thumbnails = %d, want 5 each", dl.total(), th.calls)
	}
	after, _ := os.ReadFile(metaPath)
	if !bytes.Equal(before, after) {
		t.Errorf("metadata changed on second run:\n%s\n---\n%s", before, after)
	}
	if len(ix.recs) != 5 {
		t.Errorf("index rows = %d, want 5", len(ix.recs))
	}

	doc, err := metadata.Load(metaPath)
	if err != nil {
		t.Fatal(err)
	}
	if doc.VODSha256 == "" || doc.DownloadedAt != "2024-02-01T00:00:00Z" {
		t.Errorf("hash = %q, downloaded_at = %q", doc.VODSha256, doc.DownloadedAt)
	}
	if doc.Source != metadata.SourceVOD || doc.StartTime != "2024-01-01T10:00:00Z" {
		t.Errorf("source = %q, start = %q", doc.Source, doc.StartTime)
	}
	if doc.ThumbnailURL != "https://cdn.example/0-1920x1080.jpg" {
		t.Errorf("thumbnail url = %q", doc.ThumbnailURL)
	}
	if !doc.IsFinalized() || doc.DurationString() != "1:00:05" || doc.EndTime() != "2024-01-01T11:00:05Z" {
		t.Errorf("final = %v %q %q", doc.IsFinalized(), doc.DurationString(), doc.EndTime())
	}
}

func TestReconcileChannelContainsItemFailures(t *testing.T) {
	videos := makeVideos(0, 3)
	lister := &pagedLister{pages: [][]twitchapi.VideoMeta{videos}, failAt: -1}
	r, dl, _, ix, _ := newTestReconciler(t, lister)
	dl.fail = map[string]error{videos[1].URL: errors.New("exit code 1: This video is subscriber-only")}
	ix.err = errors.New("index down")

	rep, err := r.ReconcileChannel(context.Background(), "streamer")
	if err != nil {
		t.Fatalf("ReconcileChannel: %v", err)
	}
	if rep.Items != 3 || rep.Downloaded != 2 || rep.Hashed != 2 {
		t.Errorf("report = %+v", rep)
	}
	var video, index int
	for _, f := range rep.Failures {
		switch f.Step {
		case StepVideo:
			video++
			if f.VODID != "v001" {
				t.Errorf("video failure for %s, want v001", f.VODID)
			}
		case StepIndex:
			index++
		default:
			t.Errorf("unexpected failure step %s", f.Step)
		}
	}
	if video != 1 || index != 3 {
		t.Errorf("video failures = %d, index failures = %d", video, index)
	}
	// the failed recording still gets metadata without a hash
	if rep.Written != 3 {
		t.Errorf("written = %d, want 3", rep.Written)
	}
}

func TestReconcileChannelListingErrors(t *testing.T) {
	t.Run("channel lookup ends the run", func(t *testing.T) {
		r, _, _, _, _ := newTestReconciler(t, &pagedLister{userErr: errors.New("user not found"), failAt: -1})
		if _, err := r.ReconcileChannel(context.Background(), "ghost"); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("page error keeps earlier items", func(t *testing.T) {
		lister := &pagedLister{pages: [][]twitchapi.VideoMeta{makeVideos(0, 2), makeVideos(2, 2)}, failAt: 1}
		r, _, _, _, _ := newTestReconciler(t, lister)
		rep, err := r.ReconcileChannel(context.Background(), "streamer")
		if err != nil {
			t.Fatalf("ReconcileChannel: %v", err)
		}
		if rep.ListErr == nil || rep.Items != 2 {
			t.Errorf("list err = %v, items = %d", rep.ListErr, rep.Items)
		}
	})
	t.Run("repeated cursor stops", func(t *testing.T) {
		lister := &pagedLister{pages: [][]twitchapi.VideoMeta{makeVideos(0, 1)}, failAt: -1, repeat: true}
		r, _, _, _, _ := newTestReconciler(t, lister)
		rep, err := r.ReconcileChannel(context.Background(), "streamer")
		if err != nil {
			t.Fatal(err)
		}
		if rep.Pages != 2 || rep.Items != 2 {
			t.Errorf("pages = %d, items = %d, want 2 and 2", rep.Pages, rep.Items)
		}
	})
	t.Run("max pages", func(t *testing.T) {
		pages := make([][]twitchapi.VideoMeta, 10)
		for i := range pages {
			pages[i] = makeVideos(i, 1)
		}
		r, _, _, _, _ := newTestReconciler(t, &pagedLister{pages: pages, failAt: -1})
		r.MaxPages = 4
		rep, err := r.ReconcileChannel(context.Background(), "streamer")
		if err != nil {
			t.Fatal(err)
		}
		if rep.Pages != 4 || rep.Items != 4 {
			t.Errorf("pages = %d, items = %d, want 4", rep.Pages, rep.Items)
		}
	})
}

func TestReconcileItemReusesFolderAfterRename(t *testing.T) {
	r, _, _, _, base := newTestReconciler(t, &pagedLister{failAt: -1})
	old := filepath.Join(base, "streamer", "Old title_s007")
	if err := os.MkdirAll(old, 0o755); err != nil {
		t.Fatal(err)
	}
	v := makeVideos(7, 1)[0]
	v.Title = "New title"

	res := r.ReconcileItem(context.Background(), "streamer", v)
	if res.Folder != old {
		t.Errorf("folder = %s, want %s", res.Folder, old)
	}
	doc, err := metadata.Load(filepath.Join(old, metadata.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Title != "New title" || doc.StreamID != "s007" || doc.VODID != "v007" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestReconcileItemKeepsLiveSessionFields(t *testing.T) {
	r, _, _, _, base := newTestReconciler(t, &pagedLister{failAt: -1})
	folder := filepath.Join(base, "streamer", "streamer_20240101_095900_s001")
	lease, err := r.Store.Acquire(folder, "session")
	if err != nil {
		t.Fatal(err)
	}
	live := &metadata.Document{}
	live.Seed(metadata.Defaults{Channel: "streamer", Start: time.Date(2024, 1, 1, 9, 59, 0, 0, time.UTC)})
	live.AddTitleChange(time.Date(2024, 1, 1, 10, 30, 0, 0, time.UTC), "Second half")
	if err := live.Finalize(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), 7260); err != nil {
		t.Fatal(err)
	}
	if err := lease.Save(live); err != nil {
		t.Fatal(err)
	}
	lease.Release()

	res := r.ReconcileItem(context.Background(), "streamer", makeVideos(1, 1)[0])
	if len(res.Failures) != 0 {
		t.Fatalf("failures: %+v", res.Failures)
	}
	doc, err := metadata.Load(filepath.Join(folder, metadata.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if doc.StartTime != "2024-01-01T09:59:00Z" || doc.InitialTitle != "Live: streamer" || len(doc.TitleChanges) != 1 {
		t.Errorf("live fields lost: start=%q initial=%q changes=%d", doc.StartTime, doc.InitialTitle, len(doc.TitleChanges))
	}
	if d, _ := doc.Duration(); d != 7260 {
		t.Errorf("duration = %v, want 7260", d)
	}
	if doc.Source != metadata.SourceLive || doc.VODID != "v001" || doc.VODSha256 == "" {
		t.Errorf("source = %q, vod = %q, sha = %q", doc.Source, doc.VODID, doc.VODSha256)
	}
}

func TestReconcileItemSkipsBusyFolder(t *testing.T) {
	r, dl, _, _, base := newTestReconciler(t, &pagedLister{failAt: -1})
	v := makeVideos(3, 1)[0]
	folder := filepath.Join(base, "streamer", SafeTitle(v.Title)+"_"+v.StreamID)
	lease, err := r.Store.Acquire(folder, "session")
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	res := r.ReconcileItem(context.Background(), "streamer", v)
	if len(res.Failures) != 1 || res.Failures[0].Step != StepLease || !errors.Is(res.Failures[0].Err, metadata.ErrBusy) {
		t.Fatalf("failures = %+v", res.Failures)
	}
	if dl.total() != 0 {
		t.Errorf("downloader called for busy folder")
	}
}

func TestReconcileItemThumbnailFailureStillHashes(t *testing.T) {
	r, _, th, _, _ := newTestReconciler(t, &pagedLister{failAt: -1})
	th.err = errors.New("cdn 500")
	res := r.ReconcileItem(context.Background(), "streamer", makeVideos(0, 1)[0])
	if !res.Downloaded || !res.Hashed || res.Thumbnail || !res.Written {
		t.Errorf("result = %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Step != StepThumbnail {
		t.Errorf("failures = %+v", res.Failures)
	}
}

func TestSafeTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Speedrun any% PB", "Speedrun any_ PB"},
		{"a/b\\c:d", "a_b_c_d"},
		{"ok_name-1", "ok_name-1"},
		{"日本語 stream", "日本語 stream"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SafeTitle(tt.in); got != tt.want {
			t.Errorf("SafeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFindFolder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b_123", "a_123", "x_1234", "other"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "file_999"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct{ id, want string }{
		{"123", filepath.Join(dir, "a_123")},
		{"1234", filepath.Join(dir, "x_1234")},
		{"999", ""},
		{"555", ""},
	}
	for _, tt := range tests {
		got, err := FindFolder(dir, tt.id)
		if err != nil || got != tt.want {
			t.Errorf("FindFolder(%s) = %q, %v, want %q", tt.id, got, err, tt.want)
		}
	}
	if got, err := FindFolder(filepath.Join(dir, "missing"), "1"); got != "" || err != nil {
		t.Errorf("missing dir: %q, %v", got, err)
	}
}

func TestResolveThumbnailURL(t *testing.T) {
	got := ResolveThumbnailURL("https://static-cdn.jtvnw.net/cf_vods/abc/thumb0-%{width}x%{height}.jpg")
	if !strings.HasSuffix(got, "thumb0-1920x1080.jpg") {
		t.Errorf("got %s", got)
	}
	if ResolveThumbnailURL("") != "" {
		t.Error("empty template should stay empty")
	}
}

func TestParseTwitchDuration(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"3h15m42s", 11742},
		{"1h0m5s", 3605},
		{"10m", 600},
		{"45s", 45},
		{"2h", 7200},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := ParseTwitchDuration(tt.in); got != tt.want {
			t.Errorf("ParseTwitchDuration(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

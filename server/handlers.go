package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/stream-archiver/db"
	"github.com/onnwee/stream-archiver/session"
)

// IndexReader is the part of the durable index the HTTP surface reads.
type IndexReader interface {
	Ping(ctx context.Context) error
	ListByChannel(ctx context.Context, channel string, limit int) ([]db.Record, error)
}

// SessionLister reports running sessions.
type SessionLister interface {
	ActiveSessions() []session.Active
}

// Handlers holds dependencies for all HTTP handlers. Sessions may be nil when the process
// is not capturing (e.g. a backfill-only run).
type Handlers struct {
	Index    IndexReader
	Sessions SessionLister
	// Channels is the configured channel list, reported by /status.
	Channels []string

	now func() time.Time
}

func (h *Handlers) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz responds to liveness probes by checking index connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Index.Ping(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs each readiness check in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"index", func() error { return h.Index.Ping(r.Context()) }},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type activeJSON struct {
	Channel  string `json:"channel"`
	StreamID string `json:"stream_id"`
	Folder   string `json:"folder"`
	Start    string `json:"start_time"`
	Elapsed  int64  `json:"elapsed_seconds"`
	Since    string `json:"since"`
}

// HandleStatus lists the sessions currently capturing, oldest first.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var active []session.Active
	if h.Sessions != nil {
		active = h.Sessions.ActiveSessions()
	}
	sort.Slice(active, func(i, j int) bool { return active[i].Start.Before(active[j].Start) })
	now := h.clock()
	out := make([]activeJSON, 0, len(active))
	for _, a := range active {
		out = append(out, activeJSON{
			Channel:  a.Channel,
			StreamID: a.StreamID,
			Folder:   a.Folder,
			Start:    a.Start.UTC().Format(time.RFC3339),
			Elapsed:  int64(now.Sub(a.Start).Seconds()),
			Since:    humanize.RelTime(a.Start, now, "ago", "from now"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels": h.Channels,
		"sessions": out,
	})
}

type recordJSON struct {
	StreamID  string `json:"stream_id"`
	Channel   string `json:"channel_name"`
	Folder    string `json:"folder_name"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time,omitempty"`
	Title     string `json:"title"`
	Source    string `json:"source"`
	UpdatedAt string `json:"updated_at"`
}

// HandleStreams returns index rows for ?channel=, newest first, capped by ?limit= (default 50).
func (h *Handlers) HandleStreams(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel required", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := h.Index.ListByChannel(r.Context(), channel, limit)
	if err != nil {
		slog.Error("index list failed", slog.String("channel", channel), slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "index unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]recordJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordJSON{
			StreamID:  rec.StreamID,
			Channel:   rec.ChannelName,
			Folder:    rec.FolderName,
			StartTime: rec.StartTime,
			EndTime:   rec.EndTime,
			Title:     rec.Title,
			Source:    rec.Source,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

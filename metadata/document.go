// Package metadata reads and writes the per-folder metadata.json document shared by live
// sessions and backfilled recordings.
//
// end_time, duration and duration_string are set together by Finalize and never changed
// afterwards. Keys this package does not know about are preserved across rewrites.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// FileName is the document's name inside a session or recording folder.
const FileName = "metadata.json"

// Source tags.
const (
	SourceLive = "live"
	SourceVOD  = "vod"
)

// ErrAlreadyFinalized is returned when Finalize is called on a finalized document.
var ErrAlreadyFinalized = errors.New("metadata already finalized")

// TitleChange is one entry of the append-only title history.
type TitleChange struct {
	Timestamp string `json:"timestamp"`
	NewTitle  string `json:"new_title"`
}

// Document is the persisted snapshot for one session or recording. Empty strings are
// written as null.
type Document struct {
	StreamID     string
	VODID        string
	ChannelName  string
	Title        string
	InitialTitle string
	CreatedAt    string
	PublishedAt  string
	ThumbnailURL string
	URL          string
	DownloadedAt string
	VODSha256    string
	StartTime    string
	Language     string
	Source       string
	TitleChanges []TitleChange

	endTime        string
	duration       float64
	durationString string
	finalized      bool

	extra map[string]json.RawMessage
}

// Defaults seeds a live session document.
type Defaults struct {
	Channel string
	Start   time.Time
}

// Seed fills defaults for fields that are still empty. Persisted values are never overwritten.
func (d *Document) Seed(def Defaults) {
	setIfEmpty(&d.StreamID, fmt.Sprintf("%s_%d", def.Channel, def.Start.Unix()))
	setIfEmpty(&d.ChannelName, def.Channel)
	setIfEmpty(&d.Title, "Live Stream - "+def.Channel)
	setIfEmpty(&d.InitialTitle, "Live: "+def.Channel)
	setIfEmpty(&d.URL, "https://www.twitch.tv/"+def.Channel)
	setIfEmpty(&d.Language, "en")
	setIfEmpty(&d.Source, SourceLive)
	setIfEmpty(&d.StartTime, FormatTime(def.Start))
	setIfEmpty(&d.CreatedAt, FormatTime(def.Start))
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// AddTitleChange records a new title. Repeats of the current title are ignored.
func (d *Document) AddTitleChange(at time.Time, title string) bool {
	if title == "" {
		return false
	}
	if n := len(d.TitleChanges); n > 0 && d.TitleChanges[n-1].NewTitle == title {
		return false
	}
	if len(d.TitleChanges) == 0 && d.Title == title {
		return false
	}
	d.TitleChanges = append(d.TitleChanges, TitleChange{Timestamp: FormatTime(at), NewTitle: title})
	d.Title = title
	return true
}

// Finalize sets end_time, duration and duration_string in one step.
func (d *Document) Finalize(end time.Time, seconds float64) error {
	if d.finalized {
		return ErrAlreadyFinalized
	}
	if seconds < 0 {
		seconds = 0
	}
	d.endTime = FormatTime(end)
	d.duration = seconds
	d.durationString = FormatDuration(seconds)
	d.finalized = true
	return nil
}

// IsFinalized reports whether the end fields have been set.
func (d *Document) IsFinalized() bool { return d.finalized }

// EndTime returns end_time, empty until finalized.
func (d *Document) EndTime() string { return d.endTime }

// Duration returns duration in seconds and whether it is set.
func (d *Document) Duration() (float64, bool) { return d.duration, d.finalized }

// DurationString returns the H:MM:SS / M:SS rendering, empty until finalized.
func (d *Document) DurationString() string { return d.durationString }

// FormatTime renders t the way every timestamp in the document is written.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// FormatDuration renders whole seconds as H:MM:SS when at least an hour, else M:SS.
func FormatDuration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int64(seconds)
	h, rem := total/3600, total%3600
	m, s := rem/60, rem%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// MarshalJSON writes known fields over any preserved unknown keys.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.extra)+20)
	for k, v := range d.extra {
		out[k] = v
	}
	out["stream_id"] = nullable(d.StreamID)
	out["vod_id"] = nullable(d.VODID)
	out["channel_name"] = nullable(d.ChannelName)
	out["title"] = nullable(d.Title)
	out["initial_title"] = nullable(d.InitialTitle)
	out["created_at"] = nullable(d.CreatedAt)
	out["published_at"] = nullable(d.PublishedAt)
	out["thumbnail_url"] = nullable(d.ThumbnailURL)
	out["url"] = nullable(d.URL)
	out["downloaded_at"] = nullable(d.DownloadedAt)
	out["vod_sha256"] = nullable(d.VODSha256)
	out["start_time"] = nullable(d.StartTime)
	out["language"] = nullable(d.Language)
	out["source"] = nullable(d.Source)
	changes := d.TitleChanges
	if changes == nil {
		changes = []TitleChange{}
	}
	out["title_changes"] = changes
	if d.finalized {
		out["end_time"] = d.endTime
		out["duration"] = d.duration
		out["duration_string"] = d.durationString
	} else {
		out["end_time"] = nil
		out["duration"] = nil
		out["duration_string"] = nil
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads known fields and keeps everything else. A document holding only some
// of the end fields is treated as not finalized and the partial values are dropped.
func (d *Document) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*d = Document{}
	var err error
	take := func(key string, dst *string) {
		v, ok := raw[key]
		if !ok {
			return
		}
		delete(raw, key)
		if err == nil {
			*dst, err = decodeString(key, v)
		}
	}
	take("stream_id", &d.StreamID)
	take("vod_id", &d.VODID)
	take("channel_name", &d.ChannelName)
	take("title", &d.Title)
	take("initial_title", &d.InitialTitle)
	take("created_at", &d.CreatedAt)
	take("published_at", &d.PublishedAt)
	take("thumbnail_url", &d.ThumbnailURL)
	take("url", &d.URL)
	take("downloaded_at", &d.DownloadedAt)
	take("vod_sha256", &d.VODSha256)
	take("start_time", &d.StartTime)
	take("language", &d.Language)
	take("source", &d.Source)
	take("end_time", &d.endTime)
	take("duration_string", &d.durationString)
	if err != nil {
		return err
	}

	if v, ok := raw["title_changes"]; ok {
		delete(raw, "title_changes")
		if !isNull(v) {
			if err := json.Unmarshal(v, &d.TitleChanges); err != nil {
				return fmt.Errorf("title_changes: %w", err)
			}
		}
	}

	hasDuration := false
	if v, ok := raw["duration"]; ok {
		delete(raw, "duration")
		if !isNull(v) {
			f, err := decodeNumber(v)
			if err != nil {
				return fmt.Errorf("duration: %w", err)
			}
			d.duration, hasDuration = f, true
		}
	}
	if d.endTime != "" && d.durationString != "" && hasDuration {
		d.finalized = true
	} else {
		d.endTime, d.durationString, d.duration = "", "", 0
	}

	if len(raw) > 0 {
		d.extra = raw
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func decodeString(key string, v json.RawMessage) (string, error) {
	if isNull(v) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	// tolerate numbers where strings are expected (ids written by other tools)
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("%s: expected string", key)
}

func decodeNumber(v json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

package chat

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const stickerURLFormat = "https://static-cdn.jtvnw.net/emoticons/v1/%s/3.0"

// Badge labels, in the order they are emitted.
const (
	BadgeMod         = "MOD"
	BadgeVIP         = "VIP"
	BadgeSub         = "SUB"
	BadgeBroadcaster = "BROADCASTER"
)

// RawMessage is one chat event as received, before normalization.
type RawMessage struct {
	ID         string
	SentAt     time.Time
	Author     string
	AuthorID   string
	AuthorLogo string
	Body       string

	BitsTag   string
	Color     string
	EmotesTag string

	Moderator   bool
	VIP         bool
	Subscriber  bool
	Broadcaster bool
}

// Event is a normalized chat message. Offset is seconds since session start.
type Event struct {
	ID         string    `json:"id"`
	SentAt     time.Time `json:"sent_at"`
	Offset     float64   `json:"offset"`
	Author     string    `json:"author"`
	AuthorID   string    `json:"author_id,omitempty"`
	AuthorLogo string    `json:"author_logo,omitempty"`
	Bits       int       `json:"bits"`
	Color      string    `json:"color,omitempty"`
	Badges     []string  `json:"badges,omitempty"`
	Stickers   []string  `json:"stickers,omitempty"`
	Body       string    `json:"body"`
}

// Normalizer converts raw messages for one session. Offsets it produces never decrease,
// even if upstream timestamps arrive slightly out of order.
type Normalizer struct {
	start time.Time
	last  float64
}

// NewNormalizer returns a normalizer for a session that started at start.
func NewNormalizer(start time.Time) *Normalizer {
	return &Normalizer{start: start}
}

// Normalize converts m. Messages without an upstream id get a random one.
func (n *Normalizer) Normalize(m RawMessage) Event {
	sent := m.SentAt
	if sent.IsZero() {
		sent = time.Now()
	}
	offset := sent.Sub(n.start).Seconds()
	if offset < n.last {
		offset = n.last
	}
	if offset < 0 {
		offset = 0
	}
	n.last = offset

	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	return Event{
		ID:         id,
		SentAt:     sent.UTC(),
		Offset:     offset,
		Author:     m.Author,
		AuthorID:   m.AuthorID,
		AuthorLogo: m.AuthorLogo,
		Bits:       ParseBits(m.BitsTag),
		Color:      CompressColor(m.Color),
		Badges:     BadgeList(m.Moderator, m.VIP, m.Subscriber, m.Broadcaster),
		Stickers:   StickerURLs(m.EmotesTag),
		Body:       m.Body,
	}
}

// ParseBits parses the bits tag. Anything that is not a non-negative integer counts as 0.
func ParseBits(tag string) int {
	n, err := strconv.Atoi(strings.TrimSpace(tag))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// CompressColor shortens #RRGGBB to #RGB when every channel is a doubled digit.
// Other #-prefixed values pass through unchanged; values without # yield "".
func CompressColor(raw string) string {
	if !strings.HasPrefix(raw, "#") {
		return ""
	}
	if len(raw) != 7 {
		return raw
	}
	up := strings.ToUpper(raw)
	for i := 1; i < 7; i += 2 {
		if !isHex(up[i]) || up[i] != up[i+1] {
			return raw
		}
	}
	return "#" + string([]byte{up[1], up[3], up[5]})
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}

// BadgeList returns the badge labels for the given flags in fixed order.
func BadgeList(mod, vip, sub, broadcaster bool) []string {
	var out []string
	if mod {
		out = append(out, BadgeMod)
	}
	if vip {
		out = append(out, BadgeVIP)
	}
	if sub {
		out = append(out, BadgeSub)
	}
	if broadcaster {
		out = append(out, BadgeBroadcaster)
	}
	return out
}

// StickerURLs expands an emotes tag ("25:0-4/1902:6-10") into one CDN URL per emote id.
func StickerURLs(tag string) []string {
	if tag == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(tag, "/") {
		id, _, _ := strings.Cut(part, ":")
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		out = append(out, fmt.Sprintf(stickerURLFormat, id))
	}
	return out
}

// FormatOffset renders whole seconds as HH:MM:SS.
func FormatOffset(seconds float64) string {
	if seconds < 0 || math.IsNaN(seconds) {
		seconds = 0
	}
	total := int64(math.Floor(seconds))
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// LogLine renders e as one chat log line, without the trailing newline.
func LogLine(e Event) string {
	var extras []string
	if e.Bits > 0 {
		extras = append(extras, "bits="+strconv.Itoa(e.Bits))
	}
	if e.Color != "" {
		extras = append(extras, "color="+e.Color)
	}
	if len(e.Badges) > 0 {
		extras = append(extras, "roles="+strings.Join(e.Badges, " "))
	}
	if len(e.Stickers) > 0 {
		extras = append(extras, "stickers="+quotedList(e.Stickers))
	}
	author := e.Author
	if len(extras) > 0 {
		author += "(" + strings.Join(extras, ", ") + ")"
	}
	// bodies are single-line in the log
	body := strings.NewReplacer("\r", " ", "\n", " ").Replace(e.Body)
	return fmt.Sprintf("[%s] [%s] %s %s", e.SentAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"), FormatOffset(e.Offset), author, body)
}

// quotedList renders ss as ['a', 'b'], the form older chat logs used.
func quotedList(ss []string) string {
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = "'" + s + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

// transcript is an archived chat download: a list of comments with offsets relative to
// the recording start.
type transcript struct {
	Comments []struct {
		ID            string   `json:"_id"`
		CreatedAt     string   `json:"created_at"`
		ContentOffset *float64 `json:"content_offset_seconds"`
		Commenter     struct {
			DisplayName string `json:"display_name"`
			ID          string `json:"_id"`
			Logo        string `json:"logo"`
		} `json:"commenter"`
		Message struct {
			Body      string `json:"body"`
			BitsSpent int    `json:"bits_spent"`
			UserColor string `json:"user_color"`
		} `json:"message"`
	} `json:"comments"`
}

// ReadTranscript normalizes an archived chat transcript. Comments without an id get
// msg_<n>, numbered from 1; offsets come from the transcript, not from wall-clock time.
func ReadTranscript(r io.Reader) ([]Event, error) {
	var tr transcript
	if err := json.NewDecoder(r).Decode(&tr); err != nil {
		return nil, archerr.Data("chat transcript", err)
	}
	out := make([]Event, 0, len(tr.Comments))
	for i, c := range tr.Comments {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("msg_%d", i+1)
		}
		sent, _ := time.Parse(time.RFC3339Nano, c.CreatedAt)
		offset := 0.0
		if c.ContentOffset != nil && *c.ContentOffset > 0 {
			offset = *c.ContentOffset
		}
		bits := c.Message.BitsSpent
		if bits < 0 {
			bits = 0
		}
		out = append(out, Event{
			ID:         id,
			SentAt:     sent.UTC(),
			Offset:     offset,
			Author:     c.Commenter.DisplayName,
			AuthorID:   c.Commenter.ID,
			AuthorLogo: c.Commenter.Logo,
			Bits:       bits,
			Color:      CompressColor(c.Message.UserColor),
			Body:       c.Message.Body,
		})
	}
	return out, nil
}

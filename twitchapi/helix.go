// Package twitchapi contains minimal helpers to interact with Twitch Helix APIs:
// user id resolution, live stream lookup and listing archived VODs.
// Failures are classified with archerr: rejected credentials are auth errors,
// transport and 5xx failures are network errors and undecodable bodies are data errors.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// helixMaxRetries bounds attempts for 429/5xx/transport failures. A single 401
// triggers one token refresh and one extra attempt on top of this budget.
const helixMaxRetries = 3

// retryBackoff is the base delay between retries; overridden in tests.
var retryBackoff = 500 * time.Millisecond

// maxRetryAfter caps how long a Retry-After header may stall a call.
const maxRetryAfter = 30 * time.Second

// HelixClient provides the Helix calls needed for live capture and VOD discovery.
type HelixClient struct {
	Tokens     Tokens
	ClientID   string
	HTTPClient *http.Client
	// BaseURL overrides the Helix root (tests, proxies).
	BaseURL string
}

// NewHelixClient wires a client with an app token source built from client credentials.
func NewHelixClient(clientID, clientSecret string) *HelixClient {
	return &HelixClient{
		Tokens:   &TokenSource{ClientID: clientID, ClientSecret: clientSecret},
		ClientID: clientID,
	}
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return helixBaseURL
}

// get issues an authenticated GET and decodes the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, op, path string, q url.Values, out any) error {
	if hc.ClientID == "" || hc.Tokens == nil {
		return archerr.Auth(op, errors.New("missing twitch client id or token source"))
	}
	maxAttempts := helixMaxRetries
	refreshed := false
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 && lastErr != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
		}
		tok, err := hc.Tokens.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = archerr.Network(op, err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			drain(resp)
			slog.Debug("helix 401, refreshing token", slog.String("op", op))
			hc.Tokens.Invalidate()
			refreshed = true
			maxAttempts++
			lastErr = nil
			continue
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			drain(resp)
			return archerr.Auth(op, fmt.Errorf("helix %s", resp.Status))
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp.Header.Get("Retry-After"))
			drain(resp)
			lastErr = archerr.Network(op, fmt.Errorf("helix %s", resp.Status))
			if wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				lastErr = nil
			}
			continue
		case resp.StatusCode >= 500:
			drain(resp)
			lastErr = archerr.Network(op, fmt.Errorf("helix %s", resp.Status))
			continue
		case resp.StatusCode != http.StatusOK:
			drain(resp)
			return archerr.Data(op, fmt.Errorf("helix %s", resp.Status))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		closeBody(resp)
		if err != nil {
			return archerr.Data(op, err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = archerr.Network(op, errors.New("retries exhausted"))
	}
	return lastErr
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0
	}
	d := time.Duration(n) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	closeBody(resp)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "helix users", "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", archerr.Data("helix users", fmt.Errorf("user not found: %s", login))
	}
	return body.Data[0].ID, nil
}

// Stream is a live broadcast as reported by the streams endpoint.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
	Language    string    `json:"language"`
}

// GetStreams returns the live streams for a login; empty when the channel is offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.get(ctx, "helix streams", "/streams", url.Values{"user_login": {login}}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetStream returns the channel's live stream, or nil when it is offline.
func (hc *HelixClient) GetStream(ctx context.Context, login string) (*Stream, error) {
	streams, err := hc.GetStreams(ctx, login)
	if err != nil || len(streams) == 0 {
		return nil, err
	}
	return &streams[0], nil
}

// VideoMeta is one archived broadcast.
type VideoMeta struct {
	ID           string `json:"id"`
	StreamID     string `json:"stream_id"`
	UserLogin    string `json:"user_login"`
	Title        string `json:"title"`
	Duration     string `json:"duration"`
	CreatedAt    string `json:"created_at"`
	PublishedAt  string `json:"published_at"`
	ThumbnailURL string `json:"thumbnail_url"`
	URL          string `json:"url"`
	Language     string `json:"language"`
}

// ListVideos lists archive videos for a user, one page at a time. The returned cursor is
// empty on the last page.
func (hc *HelixClient) ListVideos(ctx context.Context, userID, after string, first int) ([]VideoMeta, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("type", "archive")
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data       []VideoMeta `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "helix videos", "/videos", q, &body); err != nil {
		return nil, "", err
	}
	return body.Data, body.Pagination.Cursor, nil
}

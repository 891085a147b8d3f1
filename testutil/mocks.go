// Package testutil holds fakes shared by package tests: a Helix API server and a
// throwaway durable index.
package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/onnwee/stream-archiver/twitchapi"
)

// MockTwitchServer serves canned Helix responses keyed by request path.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests map[string]int
}

// NewMockTwitchServer starts a mock Helix server that is closed when the test ends.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		requests: make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests[r.URL.Path]++
		m.mu.Unlock()
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Requests returns how many times path was requested.
func (m *MockTwitchServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

// Client returns a Helix client pointed at the mock with a fixed token.
func (m *MockTwitchServer) Client() *twitchapi.HelixClient {
	return &twitchapi.HelixClient{
		Tokens:   StaticToken("test-token"),
		ClientID: "test-client-id",
		BaseURL:  m.URL + "/helix",
	}
}

// StaticToken is a token source that never refreshes.
type StaticToken string

// Get returns the token.
func (s StaticToken) Get(context.Context) (string, error) { return string(s), nil }

// Invalidate is a no-op.
func (StaticToken) Invalidate() {}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockUserResponse answers /helix/users with one user.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/helix/users"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"data": []map[string]string{{"id": userID, "login": login}},
		})
	}
}

// MockVideoPages answers /helix/videos with pages[i] for the i-th page. The cursor of
// page i is "page-<i+1>" except on the last page, which has none. Requests past the last
// page get an empty page.
func (m *MockTwitchServer) MockVideoPages(pages [][]twitchapi.VideoMeta) {
	m.Handlers["/helix/videos"] = func(w http.ResponseWriter, r *http.Request) {
		idx := 0
		if after := r.URL.Query().Get("after"); after != "" {
			n, err := strconv.Atoi(after[len("page-"):])
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			idx = n
		}
		data := []twitchapi.VideoMeta{}
		cursor := ""
		if idx < len(pages) {
			data = pages[idx]
			if idx < len(pages)-1 {
				cursor = "page-" + strconv.Itoa(idx+1)
			}
		}
		writeJSON(w, map[string]any{
			"data":       data,
			"pagination": map[string]string{"cursor": cursor},
		})
	}
}

// MockStreamsResponse answers /helix/streams with streams.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handlers["/helix/streams"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": streams})
	}
}

// MockOAuthTokenResponse answers /oauth2/token with an app token.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

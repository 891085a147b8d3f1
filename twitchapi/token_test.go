package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-archiver/archerr"
)

func tokenServer(t *testing.T, count *int32, access string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(count, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("client_id") == "" {
			t.Errorf("client_id must be sent in params")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  access,
			"refresh_token": "new-refresh",
			"token_type":    "bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenSource_GetCached(t *testing.T) {
	var count int32
	srv := tokenServer(t, &count, "fetched")
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}
	ts.SetToken("cached", time.Now().Add(time.Hour))

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "cached" {
		t.Errorf("Get() = %q, want cached", tok)
	}
	if count != 0 {
		t.Errorf("expected no token requests, got %d", count)
	}
}

func TestTokenSource_GetRefreshExpired(t *testing.T) {
	var count int32
	srv := tokenServer(t, &count, "fetched")
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}
	ts.SetToken("old", time.Now().Add(30*time.Second)) // inside the 1 min buffer

	tok, err := ts.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "fetched" {
		t.Errorf("Get() = %q, want fetched", tok)
	}
	if tok, _ := ts.Get(context.Background()); tok != "fetched" || count != 1 {
		t.Errorf("second Get() = %q after %d requests, want cached fetched after 1", tok, count)
	}
}

func TestTokenSource_GetMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Get(context.Background())
	if !errors.Is(err, archerr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestTokenSource_GetServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	ts := &TokenSource{ClientID: "id", ClientSecret: "wrong", TokenURL: srv.URL}
	_, err := ts.Get(context.Background())
	if !errors.Is(err, archerr.ErrAuth) {
		t.Fatalf("expected auth error for rejected credentials, got %v", err)
	}
}

func TestTokenSource_ConcurrentAccess(t *testing.T) {
	var count int32
	srv := tokenServer(t, &count, "shared")
	ts := &TokenSource{ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tok, err := ts.Get(context.Background()); err != nil || tok != "shared" {
				t.Errorf("Get() = %q, %v", tok, err)
			}
		}()
	}
	wg.Wait()
	if count != 1 {
		t.Errorf("expected 1 token request, got %d", count)
	}
}

func TestUserTokenSource_RefreshOnInvalidate(t *testing.T) {
	var count int32
	srv := tokenServer(t, &count, "refreshed")
	cfg := &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	us := NewUserTokenSource(cfg, "user-token", "refresh-1")
	var persisted *oauth2.Token
	us.OnRefresh = func(tok *oauth2.Token) { persisted = tok }

	tok, err := us.Get(context.Background())
	if err != nil || tok != "user-token" {
		t.Fatalf("Get() = %q, %v; want user-token", tok, err)
	}

	us.Invalidate()
	tok, err = us.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() after invalidate error = %v", err)
	}
	if tok != "refreshed" {
		t.Errorf("Get() = %q, want refreshed", tok)
	}
	if persisted == nil || persisted.RefreshToken != "new-refresh" {
		t.Errorf("OnRefresh not called with new token: %+v", persisted)
	}
}

func TestUserTokenSource_NoRefreshToken(t *testing.T) {
	us := NewUserTokenSource(&oauth2.Config{}, "user-token", "")
	us.Invalidate()
	if _, err := us.Get(context.Background()); !errors.Is(err, archerr.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestUserTokenSource_ForcedRefreshKeepsRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"forced","token_type":"bearer","expires_in":3600}`))
	}))
	defer srv.Close()
	cfg := &oauth2.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	us := NewUserTokenSource(cfg, "user-token", "refresh-1")
	var persisted *oauth2.Token
	us.OnRefresh = func(tok *oauth2.Token) { persisted = tok }

	if got := us.Current(); got != "user-token" {
		t.Fatalf("Current() = %q", got)
	}
	tok, err := us.Refresh(context.Background())
	if err != nil || tok != "forced" {
		t.Fatalf("Refresh() = %q, %v", tok, err)
	}
	if us.Current() != "forced" {
		t.Errorf("Current() after refresh = %q", us.Current())
	}
	if persisted == nil || persisted.RefreshToken != "refresh-1" {
		t.Errorf("persisted = %+v, want refresh token kept", persisted)
	}
}

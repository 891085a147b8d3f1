package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/onnwee/stream-archiver/archerr"
)

func TestBuildAuthorizeURL(t *testing.T) {
	cfg := OAuthConfig("cid", "secret", "http://localhost:3000", "chat:read,user:read:email")
	raw, err := BuildAuthorizeURL(cfg, "state-1")
	if err != nil {
		t.Fatalf("BuildAuthorizeURL() error = %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Host != "id.twitch.tv" || u.Path != "/oauth2/authorize" {
		t.Errorf("unexpected endpoint %s", raw)
	}
	q := u.Query()
	if q.Get("client_id") != "cid" || q.Get("state") != "state-1" || q.Get("response_type") != "code" {
		t.Errorf("unexpected query %v", q)
	}
	if q.Get("scope") != "chat:read user:read:email" {
		t.Errorf("scope = %q", q.Get("scope"))
	}

	if _, err := BuildAuthorizeURL(OAuthConfig("", "", "", ""), "s"); err == nil {
		t.Error("expected error without client id")
	}
}

func TestExchangeAndRefresh(t *testing.T) {
	var grants []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		grants = append(grants, r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "acc-" + r.Form.Get("grant_type"),
			"refresh_token": "ref",
			"expires_in":    100,
			"token_type":    "bearer",
		})
	}))
	defer srv.Close()

	cfg := OAuthConfig("cid", "secret", "http://localhost:3000", "chat:read")
	cfg.Endpoint = oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}

	tok, err := ExchangeAuthCode(context.Background(), cfg, "code-1", nil)
	if err != nil {
		t.Fatalf("ExchangeAuthCode() error = %v", err)
	}
	if tok.AccessToken != "acc-authorization_code" || tok.RefreshToken != "ref" {
		t.Errorf("unexpected token %+v", tok)
	}

	tok, err = RefreshToken(context.Background(), cfg, "ref", nil)
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if tok.AccessToken != "acc-refresh_token" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if strings.Join(grants, ",") != "authorization_code,refresh_token" {
		t.Errorf("grants = %v", grants)
	}

	if _, err := RefreshToken(context.Background(), cfg, "", nil); !errors.Is(err, archerr.ErrAuth) {
		t.Errorf("expected auth error for empty refresh token, got %v", err)
	}
	if _, err := ExchangeAuthCode(context.Background(), cfg, "", nil); !errors.Is(err, archerr.ErrAuth) {
		t.Errorf("expected auth error for empty code, got %v", err)
	}
}

func TestValidateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/validate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "OAuth good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"client_id":  "cid",
			"login":      "bot",
			"scopes":     []string{"chat:read"},
			"expires_in": 5000,
		})
	}))
	defer srv.Close()

	hc := &http.Client{Transport: &rewriteTransport{Transport: http.DefaultTransport, host: srv.URL}}

	v, err := ValidateToken(context.Background(), "oauth:good", hc)
	if err != nil {
		t.Fatalf("ValidateToken() error = %v", err)
	}
	if v.Login != "bot" || v.ExpiresIn != 5000 || len(v.Scopes) != 1 {
		t.Errorf("unexpected validation %+v", v)
	}

	if _, err := ValidateToken(context.Background(), "bad", hc); !errors.Is(err, archerr.ErrAuth) {
		t.Errorf("expected auth error, got %v", err)
	}
}

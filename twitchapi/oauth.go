package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/stream-archiver/archerr"
)

const validateURL = "https://id.twitch.tv/oauth2/validate"

// OAuthConfig builds the authorization-code configuration for the Twitch identity service.
func OAuthConfig(clientID, clientSecret, redirectURI, scopes string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       strings.Fields(strings.ReplaceAll(scopes, ",", " ")),
		Endpoint:     twitch.Endpoint,
	}
}

// BuildAuthorizeURL constructs the user authorization URL for OAuth code grant.
func BuildAuthorizeURL(cfg *oauth2.Config, state string) (string, error) {
	if cfg.ClientID == "" || cfg.RedirectURL == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	return cfg.AuthCodeURL(state), nil
}

// ExchangeAuthCode exchanges an authorization code for access & refresh tokens.
func ExchangeAuthCode(ctx context.Context, cfg *oauth2.Config, code string, hc *http.Client) (*oauth2.Token, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || code == "" {
		return nil, archerr.Auth("twitch code exchange", errors.New("missing required parameter for auth code exchange"))
	}
	tok, err := cfg.Exchange(withHTTPClient(ctx, hc), code)
	if err != nil {
		return nil, classifyTokenError("twitch code exchange", err)
	}
	return tok, nil
}

// RefreshToken trades a refresh token for a new token pair.
func RefreshToken(ctx context.Context, cfg *oauth2.Config, refreshToken string, hc *http.Client) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, archerr.Auth("twitch refresh", errors.New("refresh token empty"))
	}
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Hour)}
	tok, err := cfg.TokenSource(withHTTPClient(ctx, hc), stale).Token()
	if err != nil {
		return nil, classifyTokenError("twitch refresh", err)
	}
	return tok, nil
}

// Validation is the identity service's view of an access token.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken checks an access token against the identity service. A rejected token
// yields an auth error.
func ValidateToken(ctx context.Context, token string, hc *http.Client) (*Validation, error) {
	if token == "" {
		return nil, archerr.Auth("twitch validate", errors.New("token empty"))
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "OAuth "+strings.TrimPrefix(token, "oauth:"))
	resp, err := hc.Do(req)
	if err != nil {
		return nil, archerr.Network("twitch validate", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, archerr.Auth("twitch validate", errors.New("token invalid or expired"))
	case resp.StatusCode != http.StatusOK:
		return nil, archerr.Network("twitch validate", fmt.Errorf("unexpected status %s", resp.Status))
	}
	var v Validation
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, archerr.Data("twitch validate", err)
	}
	return &v, nil
}

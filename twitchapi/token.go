package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"

	"github.com/onnwee/stream-archiver/archerr"
)

// Tokens supplies bearer tokens for Helix calls. Invalidate drops the cached token so the
// next Get fetches or refreshes a new one; HelixClient calls it once after a 401.
type Tokens interface {
	Get(ctx context.Context) (string, error)
	Invalidate()
}

// TokenSource fetches and caches a Twitch app access (client credentials) token.
// NOTE: This token CANNOT be used for IRC chat; chat requires a user OAuth token with chat:read scope.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	// TokenURL overrides the Twitch token endpoint (tests).
	TokenURL string

	mu  sync.RWMutex
	tok *oauth2.Token
}

// SetToken seeds the cache, e.g. with a token restored from a previous run.
func (ts *TokenSource) SetToken(token string, expiresAt time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tok = &oauth2.Token{AccessToken: token, TokenType: "bearer", Expiry: expiresAt}
}

// Invalidate drops the cached token.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tok = nil
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if fresh(ts.tok) {
		tok := ts.tok.AccessToken
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if fresh(ts.tok) {
		return ts.tok.AccessToken, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", archerr.Auth("twitch app token", errors.New("missing client id/secret for twitch app token"))
	}
	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     ts.tokenURL(),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(withHTTPClient(ctx, ts.HTTPClient))
	if err != nil {
		return "", classifyTokenError("twitch app token", err)
	}
	if tok.AccessToken == "" {
		return "", archerr.Data("twitch app token", errors.New("empty access_token in twitch response"))
	}
	ts.tok = tok
	return tok.AccessToken, nil
}

func (ts *TokenSource) tokenURL() string {
	if ts.TokenURL != "" {
		return ts.TokenURL
	}
	return twitch.Endpoint.TokenURL
}

// UserTokenSource serves a user access token and refreshes it with the refresh token
// when it expires or the API rejects it. OnRefresh, when set, receives every new token.
type UserTokenSource struct {
	Config     *oauth2.Config
	HTTPClient *http.Client
	OnRefresh  func(*oauth2.Token)

	mu  sync.Mutex
	tok *oauth2.Token
}

// NewUserTokenSource wraps an existing access/refresh token pair.
func NewUserTokenSource(cfg *oauth2.Config, accessToken, refreshToken string) *UserTokenSource {
	return &UserTokenSource{
		Config: cfg,
		tok:    &oauth2.Token{AccessToken: accessToken, RefreshToken: refreshToken, TokenType: "bearer"},
	}
}

// Get returns the current user token, refreshing it first if it is known to be stale.
func (us *UserTokenSource) Get(ctx context.Context) (string, error) {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.tok == nil || (us.tok.AccessToken == "" && us.tok.RefreshToken == "") {
		return "", archerr.Auth("twitch user token", errors.New("missing access token"))
	}
	if us.tok.Valid() {
		return us.tok.AccessToken, nil
	}
	return us.refreshLocked(ctx)
}

// Current returns the access token being served without refreshing it.
func (us *UserTokenSource) Current() string {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.tok == nil {
		return ""
	}
	return us.tok.AccessToken
}

// Refresh trades the refresh token for a new pair even if the current token looks valid.
func (us *UserTokenSource) Refresh(ctx context.Context) (string, error) {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.tok == nil {
		return "", archerr.Auth("twitch user token", errors.New("missing access token"))
	}
	return us.refreshLocked(ctx)
}

func (us *UserTokenSource) refreshLocked(ctx context.Context) (string, error) {
	if us.tok.RefreshToken == "" {
		return "", archerr.Auth("twitch user token", errors.New("access token expired and no refresh token"))
	}
	stale := *us.tok
	stale.Expiry = time.Now().Add(-time.Minute)
	newTok, err := us.Config.TokenSource(withHTTPClient(ctx, us.HTTPClient), &stale).Token()
	if err != nil {
		return "", classifyTokenError("twitch user token refresh", err)
	}
	if newTok.RefreshToken == "" {
		newTok.RefreshToken = us.tok.RefreshToken
	}
	us.tok = newTok
	if us.OnRefresh != nil {
		us.OnRefresh(newTok)
	}
	return newTok.AccessToken, nil
}

// Invalidate marks the current access token expired so the next Get refreshes it.
func (us *UserTokenSource) Invalidate() {
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.tok != nil {
		us.tok.Expiry = time.Now().Add(-time.Minute)
	}
}

func fresh(tok *oauth2.Token) bool {
	return tok != nil && tok.AccessToken != "" && time.Until(tok.Expiry) > 60*time.Second // 1 min buffer
}

func withHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

func classifyTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch {
		case re.Response.StatusCode >= 500:
			return archerr.Network(op, err)
		case re.Response.StatusCode >= 400:
			return archerr.Auth(op, err)
		}
	}
	return archerr.Network(op, err)
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/stream-archiver/chat"
	"github.com/onnwee/stream-archiver/config"
	"github.com/onnwee/stream-archiver/db"
	"github.com/onnwee/stream-archiver/metadata"
	"github.com/onnwee/stream-archiver/oauth"
	"github.com/onnwee/stream-archiver/recorder"
	"github.com/onnwee/stream-archiver/server"
	"github.com/onnwee/stream-archiver/session"
	"github.com/onnwee/stream-archiver/twitchapi"
	"github.com/onnwee/stream-archiver/vod"
)

// app holds what every command shares. One metadata store serves every writer in the
// process so a live session and a backfill never write the same folder at once.
type app struct {
	cfg   *config.Config
	index *db.Index
	store *metadata.Store
	helix *twitchapi.HelixClient
	// user is set when a user token is configured; it also authenticates chat.
	user  *twitchapi.UserTokenSource
}

// newApp loads config and opens the index. needAPI also validates credentials and builds
// the Helix client.
func newApp(ctx context.Context, needAPI bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	a := &app{cfg: cfg, store: metadata.NewStore()}
	if needAPI {
		if err := cfg.ValidateAPI(); err != nil {
			return nil, err
		}
		a.helix, a.user = helixClient(cfg)
	}
	index, err := db.Open(ctx, cfg.IndexDSN)
	if err != nil {
		return nil, err
	}
	if err := index.Migrate(ctx); err != nil {
		_ = index.Close()
		return nil, err
	}
	a.index = index
	slog.Debug("index ready", slog.String("dialect", index.Dialect()))
	return a, nil
}

func (a *app) Close() {
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			slog.Warn("index close failed", slog.Any("err", err))
		}
	}
}

// helixClient prefers the user token (refreshed and persisted on expiry) and falls back
// to an app token from client credentials.
func helixClient(cfg *config.Config) (*twitchapi.HelixClient, *twitchapi.UserTokenSource) {
	if cfg.AccessToken == "" {
		return twitchapi.NewHelixClient(cfg.TwitchClientID, cfg.TwitchClientSecret), nil
	}
	us := twitchapi.NewUserTokenSource(oauthConfig(cfg), cfg.AccessToken, cfg.RefreshToken)
	us.OnRefresh = func(tok *oauth2.Token) {
		if err := persistTokens(cfg.EnvFile, tok); err != nil {
			slog.Warn("refreshed token not persisted", slog.String("file", cfg.EnvFile), slog.Any("err", err))
			return
		}
		slog.Info("refreshed token persisted", slog.String("file", cfg.EnvFile))
	}
	return &twitchapi.HelixClient{Tokens: us, ClientID: cfg.TwitchClientID}, us
}

// keepTokenFresh refreshes the user token in the background so sessions started late in
// a long watch still join chat with a valid token.
func (a *app) keepTokenFresh(ctx context.Context) {
	if a.user == nil || a.cfg.RefreshToken == "" || a.cfg.TwitchClientSecret == "" {
		return
	}
	r := &oauth.Refresher{
		Source: a.user,
		Validate: func(ctx context.Context, token string) (time.Duration, error) {
			v, err := twitchapi.ValidateToken(ctx, token, nil)
			if err != nil {
				return 0, err
			}
			return time.Duration(v.ExpiresIn) * time.Second, nil
		},
	}
	go r.Run(ctx)
}

func (a *app) chatToken() string {
	if a.user != nil {
		return a.user.Current()
	}
	return a.cfg.AccessToken
}

func oauthConfig(cfg *config.Config) *oauth2.Config {
	return twitchapi.OAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.RedirectURI, cfg.Scopes)
}

// persistTokens writes the token pair back to the env file, keeping its other keys.
func persistTokens(envFile string, tok *oauth2.Token) error {
	env, err := godotenv.Read(envFile)
	if errors.Is(err, fs.ErrNotExist) {
		env = map[string]string{}
	} else if err != nil {
		return fmt.Errorf("read %s: %w", envFile, err)
	}
	env["ACCESS_TOKEN"] = tok.AccessToken
	if tok.RefreshToken != "" {
		env["REFRESH_TOKEN"] = tok.RefreshToken
	}
	return godotenv.Write(env, envFile)
}

func (a *app) orchestrator() *session.Orchestrator {
	cfg := a.cfg
	username := cfg.BotUsername
	if err := cfg.ValidateChat(); err != nil {
		slog.Info("chat joins anonymously (read-only)", slog.Any("reason", err))
		username = ""
	}
	return &session.Orchestrator{
		Dir:      cfg.LivestreamsDir,
		Store:    a.store,
		Index:    a.index,
		Recorder: session.SupervisorRecorder{Supervisor: &recorder.Supervisor{StreamlinkPath: cfg.StreamlinkPath}},
		Prober:   recorder.Prober{FFprobePath: cfg.FFprobePath},
		NewChatFeed: func(channel string) chat.Feed {
			return &chat.IRCFeed{Channel: channel, Username: username, Token: a.chatToken()}
		},
		Streams:         a.helix,
		SampleInterval:  cfg.ViewerPollInterval,
		OfflineGrace:    cfg.ViewerOfflineGrace,
		ChatIdleTimeout: cfg.ChatIdleTimeout,
		StopGrace:       cfg.StopGrace,
	}
}

func (a *app) reconciler() *vod.Reconciler {
	cfg := a.cfg
	return &vod.Reconciler{
		Dir:    cfg.LivestreamsDir,
		Lister: a.helix,
		Downloader: &vod.YtDlp{
			Path:        cfg.YtDlpPath,
			MaxAttempts: cfg.DownloadMaxAttempts,
			BackoffBase: cfg.DownloadBackoffBase,
		},
		Thumbnails: vod.HTTPThumbnails{},
		Store:      a.store,
		Index:      a.index,
		MaxPages:   cfg.BackfillMaxPages,
	}
}

// serveHTTP starts the HTTP surface in the background when HTTP_ADDR is set.
func (a *app) serveHTTP(ctx context.Context, sessions server.SessionLister) {
	if a.cfg.HTTPAddr == "" {
		return
	}
	h := &server.Handlers{Index: a.index, Sessions: sessions, Channels: a.cfg.Channels}
	go func() {
		if err := server.Start(ctx, a.cfg.HTTPAddr, h); err != nil {
			slog.Error("http server stopped", slog.Any("err", err))
		}
	}()
}

// Package config loads environment variables and provides a typed Config used across the archiver.
// It applies sensible defaults so the binary can run locally with minimal setup.
// An optional TOML file (ARCHIVER_CONFIG) supplies values for keys the environment leaves unset.
// For required credentials, use ValidateAPI and ValidateChat.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/onnwee/stream-archiver/archerr"
)

type Config struct {
	// Channels to watch and backfill.
	Channels []string

	// Twitch credentials
	TwitchClientID     string
	TwitchClientSecret string
	AccessToken        string
	RefreshToken       string
	RedirectURI        string
	Scopes             string
	BotUsername        string

	// Storage
	DataDir  string
	IndexDSN string
	EnvFile  string

	// Live capture
	ViewerPollInterval time.Duration
	ViewerOfflineGrace time.Duration
	ChatIdleTimeout    time.Duration
	LivePollInterval   time.Duration
	StopGrace          time.Duration

	// External tools
	StreamlinkPath string
	YtDlpPath      string
	FFprobePath    string

	// Backfill
	DownloadMaxAttempts int
	DownloadBackoffBase time.Duration
	BackfillMaxPages    int

	// HTTP surface; empty disables it.
	HTTPAddr string
}

// fileConfig mirrors the env keys for the optional TOML overlay.
type fileConfig struct {
	Channels            []string `toml:"channels"`
	ClientID            string   `toml:"client_id"`
	ClientSecret        string   `toml:"client_secret"`
	BotUsername         string   `toml:"bot_username"`
	RedirectURI         string   `toml:"redirect_uri"`
	DataDir             string   `toml:"data_dir"`
	IndexDSN            string   `toml:"index_dsn"`
	ViewerPollInterval  string   `toml:"viewer_poll_interval"`
	ViewerOfflineGrace  string   `toml:"viewer_offline_grace"`
	ChatIdleTimeout     string   `toml:"chat_idle_timeout"`
	LivePollInterval    string   `toml:"live_poll_interval"`
	StreamlinkPath      string   `toml:"streamlink_path"`
	YtDlpPath           string   `toml:"ytdlp_path"`
	FFprobePath         string   `toml:"ffprobe_path"`
	DownloadMaxAttempts int      `toml:"download_max_attempts"`
	BackfillMaxPages    int      `toml:"backfill_max_pages"`
	HTTPAddr            string   `toml:"http_addr"`
}

// Load reads environment variables, overlays ARCHIVER_CONFIG when present and applies defaults.
// It doesn't fail if Twitch creds are missing; use ValidateAPI() before calling the platform.
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv("ARCHIVER_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	cfg := &Config{}
	var err error

	cfg.Channels = splitList(firstNonEmpty(os.Getenv("CHANNEL_NAMES"), os.Getenv("TWITCH_CHANNELS"), os.Getenv("TWITCH_CHANNEL")))
	if len(cfg.Channels) == 0 {
		cfg.Channels = normalizeChannels(fc.Channels)
	}

	cfg.TwitchClientID = firstNonEmpty(os.Getenv("TWITCH_CLIENT_ID"), os.Getenv("CLIENT_ID"), fc.ClientID)
	cfg.TwitchClientSecret = firstNonEmpty(os.Getenv("TWITCH_CLIENT_SECRET"), os.Getenv("CLIENT_SECRET"), fc.ClientSecret)
	cfg.AccessToken = strings.TrimPrefix(firstNonEmpty(os.Getenv("ACCESS_TOKEN"), os.Getenv("TWITCH_OAUTH_TOKEN")), "oauth:")
	cfg.RefreshToken = os.Getenv("REFRESH_TOKEN")
	cfg.RedirectURI = firstNonEmpty(os.Getenv("REDIRECT_URI"), os.Getenv("TWITCH_REDIRECT_URI"), fc.RedirectURI, "http://localhost:3000")
	cfg.Scopes = firstNonEmpty(os.Getenv("TWITCH_SCOPES"), "chat:read")
	cfg.BotUsername = firstNonEmpty(os.Getenv("TWITCH_BOT_USERNAME"), fc.BotUsername)

	cfg.DataDir = firstNonEmpty(os.Getenv("DATA_DIR"), fc.DataDir, "data")
	cfg.IndexDSN = firstNonEmpty(os.Getenv("INDEX_DSN"), fc.IndexDSN, filepath.Join(cfg.DataDir, "metadata", "database.db"))
	cfg.EnvFile = firstNonEmpty(os.Getenv("ENV_FILE"), ".env")

	if cfg.ViewerPollInterval, err = durationVar("VIEWER_POLL_INTERVAL", fc.ViewerPollInterval, 600*time.Second); err != nil {
		return nil, err
	}
	if cfg.ViewerOfflineGrace, err = durationVar("VIEWER_OFFLINE_GRACE", fc.ViewerOfflineGrace, 0); err != nil {
		return nil, err
	}
	if cfg.ChatIdleTimeout, err = durationVar("CHAT_IDLE_TIMEOUT", fc.ChatIdleTimeout, 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.LivePollInterval, err = durationVar("LIVE_POLL_INTERVAL", fc.LivePollInterval, 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.StopGrace, err = durationVar("RECORDER_STOP_GRACE", "", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.DownloadBackoffBase, err = durationVar("DOWNLOAD_BACKOFF_BASE", "", 2*time.Second); err != nil {
		return nil, err
	}

	cfg.StreamlinkPath = firstNonEmpty(os.Getenv("STREAMLINK_PATH"), fc.StreamlinkPath, "streamlink")
	cfg.YtDlpPath = firstNonEmpty(os.Getenv("YTDLP_PATH"), fc.YtDlpPath, "yt-dlp")
	cfg.FFprobePath = firstNonEmpty(os.Getenv("FFPROBE_PATH"), fc.FFprobePath, "ffprobe")

	if cfg.DownloadMaxAttempts, err = intVar("DOWNLOAD_MAX_ATTEMPTS", fc.DownloadMaxAttempts, 3); err != nil {
		return nil, err
	}
	if cfg.BackfillMaxPages, err = intVar("BACKFILL_MAX_PAGES", fc.BackfillMaxPages, 500); err != nil {
		return nil, err
	}

	cfg.HTTPAddr = firstNonEmpty(os.Getenv("HTTP_ADDR"), fc.HTTPAddr)
	return cfg, nil
}

// ValidateAPI checks the credentials every Helix call needs. A client id plus either a
// client secret (app token) or a user access token is required.
func (c *Config) ValidateAPI() error {
	if c.TwitchClientID == "" {
		return archerr.Auth("config", errors.New("missing twitch env: require TWITCH_CLIENT_ID"))
	}
	if c.TwitchClientSecret == "" && c.AccessToken == "" {
		return archerr.Auth("config", errors.New("missing twitch env: require TWITCH_CLIENT_SECRET or ACCESS_TOKEN"))
	}
	return nil
}

// ValidateChat checks the fields the live chat connection needs.
func (c *Config) ValidateChat() error {
	if c.BotUsername == "" || c.AccessToken == "" {
		return archerr.Auth("config", errors.New("missing twitch env: require TWITCH_BOT_USERNAME, ACCESS_TOKEN"))
	}
	return nil
}

// LivestreamsDir returns the directory holding session and recording folders for channel.
func (c *Config) LivestreamsDir(channel string) string {
	return filepath.Join(c.DataDir, "persons", channel, "twitch", "livestreams")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return normalizeChannels(strings.Split(s, ","))
}

func normalizeChannels(in []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func durationVar(key, fileVal string, def time.Duration) (time.Duration, error) {
	v := firstNonEmpty(os.Getenv(key), fileVal)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// bare integers are seconds
		n, nerr := strconv.Atoi(v)
		if nerr != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		d = time.Duration(n) * time.Second
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration", key)
	}
	return d, nil
}

func intVar(key string, fileVal, def int) (int, error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid %s: %q", key, v)
		}
		return n, nil
	}
	if fileVal > 0 {
		return fileVal, nil
	}
	return def, nil
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/stream-archiver/archerr"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CHANNEL_NAMES", "TWITCH_CHANNELS", "TWITCH_CHANNEL", "TWITCH_CLIENT_ID", "CLIENT_ID",
		"TWITCH_CLIENT_SECRET", "CLIENT_SECRET", "ACCESS_TOKEN", "TWITCH_OAUTH_TOKEN", "REFRESH_TOKEN",
		"TWITCH_BOT_USERNAME", "DATA_DIR", "INDEX_DSN", "VIEWER_POLL_INTERVAL", "VIEWER_OFFLINE_GRACE",
		"CHAT_IDLE_TIMEOUT", "LIVE_POLL_INTERVAL", "DOWNLOAD_MAX_ATTEMPTS", "BACKFILL_MAX_PAGES",
		"ARCHIVER_CONFIG", "HTTP_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.DataDir != "data" {
		t.Errorf("DataDir = %q, want data", cfg.DataDir)
	}
	if want := filepath.Join("data", "metadata", "database.db"); cfg.IndexDSN != want {
		t.Errorf("IndexDSN = %q, want %q", cfg.IndexDSN, want)
	}
	if cfg.ViewerPollInterval != 600*time.Second {
		t.Errorf("ViewerPollInterval = %v, want 10m", cfg.ViewerPollInterval)
	}
	if cfg.ViewerOfflineGrace != 0 {
		t.Errorf("ViewerOfflineGrace = %v, want disabled", cfg.ViewerOfflineGrace)
	}
	if cfg.DownloadMaxAttempts != 3 {
		t.Errorf("DownloadMaxAttempts = %d, want 3", cfg.DownloadMaxAttempts)
	}
	if len(cfg.Channels) != 0 {
		t.Errorf("Channels = %v, want none", cfg.Channels)
	}
}

func TestLoadChannelsNormalized(t *testing.T) {
	clearEnv(t)
	t.Setenv("CHANNEL_NAMES", " Foo, bar ,,foo")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0] != "foo" || cfg.Channels[1] != "bar" {
		t.Errorf("Channels = %v, want [foo bar]", cfg.Channels)
	}
}

func TestLoadDurations(t *testing.T) {
	clearEnv(t)
	t.Setenv("VIEWER_POLL_INTERVAL", "30")
	t.Setenv("CHAT_IDLE_TIMEOUT", "2s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ViewerPollInterval != 30*time.Second {
		t.Errorf("ViewerPollInterval = %v, want 30s", cfg.ViewerPollInterval)
	}
	if cfg.ChatIdleTimeout != 2*time.Second {
		t.Errorf("ChatIdleTimeout = %v, want 2s", cfg.ChatIdleTimeout)
	}

	t.Setenv("VIEWER_POLL_INTERVAL", "soon")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid VIEWER_POLL_INTERVAL")
	}
}

func TestLoadTOMLOverlay(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "archiver.toml")
	content := `channels = ["alpha", "beta"]
data_dir = "/srv/archive"
viewer_poll_interval = "5m"
backfill_max_pages = 7
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ARCHIVER_CONFIG", path)
	t.Setenv("BACKFILL_MAX_PAGES", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0] != "alpha" {
		t.Errorf("Channels = %v", cfg.Channels)
	}
	if cfg.DataDir != "/srv/archive" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.ViewerPollInterval != 5*time.Minute {
		t.Errorf("ViewerPollInterval = %v", cfg.ViewerPollInterval)
	}
	if cfg.BackfillMaxPages != 9 {
		t.Errorf("BackfillMaxPages = %d, env should win over file", cfg.BackfillMaxPages)
	}
}

func TestValidateAPI(t *testing.T) {
	clearEnv(t)
	cfg, _ := Load()
	err := cfg.ValidateAPI()
	if err == nil {
		t.Fatal("expected error with no credentials")
	}
	if !errors.Is(err, archerr.ErrAuth) {
		t.Errorf("expected auth error, got %v", err)
	}

	t.Setenv("CLIENT_ID", "cid")
	t.Setenv("ACCESS_TOKEN", "oauth:tok")
	cfg, _ = Load()
	if err := cfg.ValidateAPI(); err != nil {
		t.Errorf("expected valid api config, got %v", err)
	}
	if cfg.AccessToken != "tok" {
		t.Errorf("AccessToken = %q, oauth: prefix should be stripped", cfg.AccessToken)
	}
}

func TestValidateChat(t *testing.T) {
	clearEnv(t)
	t.Setenv("ACCESS_TOKEN", "tok")
	cfg, _ := Load()
	if err := cfg.ValidateChat(); err == nil {
		t.Error("expected error when bot username missing")
	}
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	cfg, _ = Load()
	if err := cfg.ValidateChat(); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
}

func TestLivestreamsDir(t *testing.T) {
	cfg := &Config{DataDir: "/d"}
	if got, want := cfg.LivestreamsDir("foo"), filepath.Join("/d", "persons", "foo", "twitch", "livestreams"); got != want {
		t.Errorf("LivestreamsDir = %q, want %q", got, want)
	}
}

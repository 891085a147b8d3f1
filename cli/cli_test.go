package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"

	"github.com/onnwee/stream-archiver/archerr"
	"github.com/onnwee/stream-archiver/chat"
	"github.com/onnwee/stream-archiver/config"
	"github.com/onnwee/stream-archiver/db"
)

// cleanEnv clears every variable config.Load reads so the host environment cannot leak in.
func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ARCHIVER_CONFIG", "CHANNEL_NAMES", "TWITCH_CHANNELS", "TWITCH_CHANNEL",
		"TWITCH_CLIENT_ID", "CLIENT_ID", "TWITCH_CLIENT_SECRET", "CLIENT_SECRET",
		"ACCESS_TOKEN", "TWITCH_OAUTH_TOKEN", "REFRESH_TOKEN", "REDIRECT_URI", "TWITCH_REDIRECT_URI",
		"TWITCH_SCOPES", "TWITCH_BOT_USERNAME", "DATA_DIR", "INDEX_DSN", "ENV_FILE", "HTTP_ADDR",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("DATA_DIR", t.TempDir())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestChatImportIsIdempotent(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	transcript := filepath.Join(dir, "chat.json")
	body := `{"comments":[
		{"_id":"c1","created_at":"2024-01-01T00:00:05Z","content_offset_seconds":5,
		 "commenter":{"display_name":"Alice","_id":"u1"},"message":{"body":"hi"}},
		{"created_at":"2024-01-01T00:00:09Z","content_offset_seconds":9,
		 "commenter":{"display_name":"Bob"},"message":{"body":"yo","bits_spent":100}}
	]}`
	if err := os.WriteFile(transcript, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	store := filepath.Join(dir, "out", "chat.live.sqlite")

	out, err := run(t, "chat", "import", transcript, store)
	if err != nil {
		t.Fatalf("first import: %v (%s)", err, out)
	}
	if !strings.Contains(out, "imported 2 messages (2 in store)") {
		t.Errorf("first import output = %q", out)
	}
	out, err = run(t, "chat", "import", transcript, store)
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if !strings.Contains(out, "imported 0 messages (2 in store)") {
		t.Errorf("second import output = %q", out)
	}
}

func TestChatImportErrors(t *testing.T) {
	cleanEnv(t)
	dir := t.TempDir()
	if _, err := run(t, "chat", "import", filepath.Join(dir, "missing.json"), filepath.Join(dir, "c.sqlite")); err == nil {
		t.Error("expected error for missing transcript")
	}
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, "chat", "import", bad, filepath.Join(dir, "c.sqlite")); err == nil {
		t.Error("expected error for malformed transcript")
	}
	if _, err := run(t, "chat", "import", bad); err == nil {
		t.Error("expected arg count error")
	}
}

func TestIndexList(t *testing.T) {
	cleanEnv(t)
	dsn := filepath.Join(t.TempDir(), "index.sqlite")
	t.Setenv("INDEX_DSN", dsn)
	t.Setenv("CHANNEL_NAMES", "alpha")

	ctx := context.Background()
	ix, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	for _, rec := range []db.Record{
		{StreamID: "alpha_1", ChannelName: "alpha", StartTime: "2024-01-01T00:00:00Z", EndTime: "2024-01-01T02:00:00Z", Title: "First", Source: "live"},
		{StreamID: "beta_1", ChannelName: "beta", StartTime: "2024-01-02T00:00:00Z", Title: "Other", Source: "vod"},
	} {
		if err := ix.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	_ = ix.Close()

	out, err := run(t, "index", "list")
	if err != nil {
		t.Fatalf("index list: %v", err)
	}
	if !strings.Contains(out, "CHANNEL") || !strings.Contains(out, "alpha_1") || strings.Contains(out, "beta_1") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "ago") {
		t.Errorf("expected relative times in %q", out)
	}

	out, err = run(t, "index", "list", "beta")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "beta_1") || !strings.Contains(out, "Other") {
		t.Errorf("output = %q", out)
	}
}

func TestAuthURL(t *testing.T) {
	cleanEnv(t)
	t.Setenv("TWITCH_CLIENT_ID", "abc123")
	t.Setenv("REDIRECT_URI", "http://localhost:3000/callback")

	out, err := run(t, "auth", "url")
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	for _, want := range []string{"https://id.twitch.tv/oauth2/authorize", "client_id=abc123", "scope=chat%3Aread", "state="} {
		if !strings.Contains(out, want) {
			t.Errorf("url %q missing %q", out, want)
		}
	}
}

func TestAuthRefreshRequiresCredentials(t *testing.T) {
	cleanEnv(t)
	_, err := run(t, "auth", "refresh")
	if !errors.Is(err, archerr.ErrAuth) {
		t.Errorf("err = %v, want auth error", err)
	}
}

func TestAPICommandsFailFastWithoutCredentials(t *testing.T) {
	cleanEnv(t)
	for _, args := range [][]string{{"backfill", "alpha"}, {"record", "alpha"}, {"watch"}} {
		_, err := run(t, args...)
		if !errors.Is(err, archerr.ErrAuth) {
			t.Errorf("%v: err = %v, want auth error", args, err)
		}
	}
}

func TestPersistTokens(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("TWITCH_CLIENT_ID=abc\nACCESS_TOKEN=old\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := persistTokens(envFile, &oauth2.Token{AccessToken: "new", RefreshToken: "r2"}); err != nil {
		t.Fatal(err)
	}
	env, err := godotenv.Read(envFile)
	if err != nil {
		t.Fatal(err)
	}
	if env["TWITCH_CLIENT_ID"] != "abc" || env["ACCESS_TOKEN"] != "new" || env["REFRESH_TOKEN"] != "r2" {
		t.Errorf("env = %v", env)
	}

	// refresh responses without a new refresh token keep the old one
	if err := persistTokens(envFile, &oauth2.Token{AccessToken: "newer"}); err != nil {
		t.Fatal(err)
	}
	env, _ = godotenv.Read(envFile)
	if env["ACCESS_TOKEN"] != "newer" || env["REFRESH_TOKEN"] != "r2" {
		t.Errorf("env = %v", env)
	}

	fresh := filepath.Join(t.TempDir(), "new.env")
	if err := persistTokens(fresh, &oauth2.Token{AccessToken: "a"}); err != nil {
		t.Fatalf("missing env file: %v", err)
	}
}

func TestOrchestratorChatCredentials(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		wantUser string
	}{
		{"bot credentials", config.Config{BotUsername: "archivebot", AccessToken: "tok"}, "archivebot"},
		{"username without token joins anonymously", config.Config{BotUsername: "archivebot"}, ""},
		{"token without username joins anonymously", config.Config{AccessToken: "tok"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &app{cfg: &tt.cfg}
			feed, ok := a.orchestrator().NewChatFeed("somechannel").(*chat.IRCFeed)
			if !ok {
				t.Fatal("chat feed is not an IRC feed")
			}
			if feed.Username != tt.wantUser || feed.Channel != "somechannel" {
				t.Errorf("feed = %q on %q, want user %q", feed.Username, feed.Channel, tt.wantUser)
			}
		})
	}
}

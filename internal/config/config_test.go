package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
platform: telegram
admin_id: "777"
telegram:
  bot_token: tg-token
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  name: relay_prod
  user: relay
  password: secret
relay:
  workers: 4
  send_timeout_sec: 5
  welcome_text: "hi"
console:
  list_buttons: 5
  history_limit: 20
  preview_limit: 3
  preview_chars: 10
  chunk_size: 1000
digest:
  enabled: true
  cron: "30 8 * * 1"
metrics:
  enabled: true
  listen: ":9999"
`

const minimalYAML = `
platform: discord
admin_id: "42"
discord:
  bot_token: d-token
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Platform != PlatformTelegram {
		t.Errorf("Platform = %q, want %q", cfg.Platform, PlatformTelegram)
	}
	if cfg.AdminID != "777" {
		t.Errorf("AdminID = %q, want %q", cfg.AdminID, "777")
	}
	if cfg.Telegram.BotToken != "tg-token" {
		t.Errorf("Telegram.BotToken = %q, want tg-token", cfg.Telegram.BotToken)
	}
	if cfg.Database.Driver != DriverMySQL || cfg.Database.Host != "10.0.0.5" || cfg.Database.Port != 3307 {
		t.Errorf("Database = %+v, want mysql at 10.0.0.5:3307", cfg.Database)
	}
	if cfg.Database.Name != "relay_prod" || cfg.Database.User != "relay" || cfg.Database.Password != "secret" {
		t.Errorf("Database credentials = %+v", cfg.Database)
	}
	if cfg.Relay.Workers != 4 {
		t.Errorf("Relay.Workers = %d, want 4", cfg.Relay.Workers)
	}
	if cfg.Relay.SendTimeout() != 5*time.Second {
		t.Errorf("Relay.SendTimeout() = %v, want 5s", cfg.Relay.SendTimeout())
	}
	if cfg.Relay.WelcomeText != "hi" {
		t.Errorf("Relay.WelcomeText = %q, want hi", cfg.Relay.WelcomeText)
	}
	want := ConsoleConfig{ListButtons: 5, HistoryLimit: 20, PreviewLimit: 3, PreviewChars: 10, ChunkSize: 1000}
	if cfg.Console != want {
		t.Errorf("Console = %+v, want %+v", cfg.Console, want)
	}
	if !cfg.Digest.Enabled || cfg.Digest.Cron != "30 8 * * 1" {
		t.Errorf("Digest = %+v", cfg.Digest)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != ":9999" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestParse_MinimalConfigDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Database.Path != "anon_relay.db" {
		t.Errorf("Database.Path = %q, want anon_relay.db", cfg.Database.Path)
	}
	if cfg.Relay.Workers != 8 {
		t.Errorf("Relay.Workers = %d, want 8", cfg.Relay.Workers)
	}
	if cfg.Relay.SendTimeoutSec != 15 {
		t.Errorf("Relay.SendTimeoutSec = %d, want 15", cfg.Relay.SendTimeoutSec)
	}
	want := ConsoleConfig{ListButtons: 10, HistoryLimit: 100, PreviewLimit: 2, PreviewChars: 50, ChunkSize: 4000}
	if cfg.Console != want {
		t.Errorf("Console = %+v, want %+v", cfg.Console, want)
	}
	if cfg.Digest.Enabled {
		t.Error("Digest.Enabled = true, want false")
	}
	if cfg.Metrics.Listen != "127.0.0.1:9090" {
		t.Errorf("Metrics.Listen = %q, want 127.0.0.1:9090", cfg.Metrics.Listen)
	}
}

func TestParse_MySQLDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "database:\n  driver: mysql\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 {
		t.Errorf("Database addr = %s:%d, want 127.0.0.1:3306", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Database.Name != "anon_relay" || cfg.Database.User != "root" {
		t.Errorf("Database = %+v", cfg.Database)
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("RELAY_TEST_TOKEN", "from-env")
	cfg, err := Parse([]byte(`
platform: TELEGRAM
admin_id: "1"
telegram:
  bot_token: ${RELAY_TEST_TOKEN}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telegram.BotToken != "from-env" {
		t.Errorf("Telegram.BotToken = %q, want from-env", cfg.Telegram.BotToken)
	}
	if cfg.Platform != PlatformTelegram {
		t.Errorf("Platform = %q, want lower-cased telegram", cfg.Platform)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing platform", `admin_id: "1"`, "platform is required"},
		{"unknown platform", "platform: irc\nadmin_id: \"1\"", `unsupported platform "irc"`},
		{"missing admin", "platform: discord\ndiscord:\n  bot_token: x", "admin_id is required"},
		{"missing telegram token", "platform: telegram\nadmin_id: \"1\"", "telegram.bot_token is required"},
		{"missing discord token", "platform: discord\nadmin_id: \"1\"", "discord.bot_token is required"},
		{"missing slack tokens", "platform: slack\nadmin_id: U1", "slack.bot_token is required"},
		{"missing slack app token", "platform: slack\nadmin_id: U1\nslack:\n  bot_token: xoxb", "slack.app_token is required"},
		{"bad driver", minimalYAML + "database:\n  driver: postgres\n", `unsupported database.driver "postgres"`},
		{"bad cron", minimalYAML + "digest:\n  enabled: true\n  cron: \"not a cron\"\n", "digest.cron"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("platform: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err.Error())
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Platform != PlatformDiscord {
		t.Errorf("Platform = %q, want discord", cfg.Platform)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want config: read prefix", err.Error())
	}
}

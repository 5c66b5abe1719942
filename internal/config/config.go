// Package config provides YAML-based configuration loading for the relay.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Supported chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformSlack    = "slack"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the top-level relay configuration, loaded from relay.yaml.
type Config struct {
	Platform string         `yaml:"platform"`
	AdminID  string         `yaml:"admin_id"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	Database DatabaseConfig `yaml:"database"`
	Relay    RelayConfig    `yaml:"relay"`
	Console  ConsoleConfig  `yaml:"console"`
	Digest   DigestConfig   `yaml:"digest"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// TelegramConfig holds Telegram Bot API credentials.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord gateway credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"` // xapp-...
	BotToken string `yaml:"bot_token"` // xoxb-...
}

// DatabaseConfig selects and addresses the dialog store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite only
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// RelayConfig tunes event processing.
type RelayConfig struct {
	Workers        int    `yaml:"workers"`
	SendTimeoutSec int    `yaml:"send_timeout_sec"`
	WelcomeText    string `yaml:"welcome_text"`
}

// SendTimeout returns the per-delivery timeout as a duration.
func (r RelayConfig) SendTimeout() time.Duration {
	return time.Duration(r.SendTimeoutSec) * time.Second
}

// ConsoleConfig controls the admin console views.
type ConsoleConfig struct {
	ListButtons  int `yaml:"list_buttons"`
	HistoryLimit int `yaml:"history_limit"`
	PreviewLimit int `yaml:"preview_limit"`
	PreviewChars int `yaml:"preview_chars"`
	ChunkSize    int `yaml:"chunk_size"`
}

// DigestConfig schedules the periodic admin summary.
type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

// MetricsConfig controls the operator HTTP surface.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references from the environment, unmarshals the YAML
// and returns a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	c.Platform = strings.ToLower(strings.TrimSpace(c.Platform))
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Driver == DriverSQLite && c.Database.Path == "" {
		c.Database.Path = "anon_relay.db"
	}
	if c.Database.Driver == DriverMySQL {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.Name == "" {
			c.Database.Name = "anon_relay"
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Relay.Workers <= 0 {
		c.Relay.Workers = 8
	}
	if c.Relay.SendTimeoutSec <= 0 {
		c.Relay.SendTimeoutSec = 15
	}
	if c.Console.ListButtons <= 0 {
		c.Console.ListButtons = 10
	}
	if c.Console.HistoryLimit <= 0 {
		c.Console.HistoryLimit = 100
	}
	if c.Console.PreviewLimit <= 0 {
		c.Console.PreviewLimit = 2
	}
	if c.Console.PreviewChars <= 0 {
		c.Console.PreviewChars = 50
	}
	if c.Console.ChunkSize <= 0 {
		c.Console.ChunkSize = 4000
	}
	if c.Digest.Cron == "" {
		c.Digest.Cron = "0 9 * * *"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Platform {
	case PlatformTelegram:
		if c.Telegram.BotToken == "" {
			errs = append(errs, "telegram.bot_token is required")
		}
	case PlatformDiscord:
		if c.Discord.BotToken == "" {
			errs = append(errs, "discord.bot_token is required")
		}
	case PlatformSlack:
		if c.Slack.BotToken == "" {
			errs = append(errs, "slack.bot_token is required")
		}
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required")
		}
	case "":
		errs = append(errs, "platform is required")
	default:
		errs = append(errs, fmt.Sprintf("unsupported platform %q", c.Platform))
	}
	if strings.TrimSpace(c.AdminID) == "" {
		errs = append(errs, "admin_id is required")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Sprintf("unsupported database.driver %q", c.Database.Driver))
	}
	if c.Digest.Enabled {
		if _, err := cron.ParseStandard(c.Digest.Cron); err != nil {
			errs = append(errs, fmt.Sprintf("digest.cron %q: %v", c.Digest.Cron, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

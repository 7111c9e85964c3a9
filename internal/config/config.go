// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTokenEnv is the environment variable holding the backend bearer token.
const DefaultTokenEnv = "SWITCHBOARD_TOKEN"

// Config is the top-level Switchboard configuration, loaded from switchboard.yaml.
type Config struct {
	Tenant  TenantConfig  `yaml:"tenant"`
	Backend BackendConfig `yaml:"backend"`
	Polling PollingConfig `yaml:"polling"`
	Log     LogConfig     `yaml:"log"`
	Notify  NotifyConfig  `yaml:"notify"`
	Sandbox SandboxConfig `yaml:"sandbox"`
}

// TenantConfig identifies the village/instance this process acts for.
type TenantConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// BackendConfig holds connection settings for the REST backend.
type BackendConfig struct {
	URL        string `yaml:"url"`
	TokenEnv   string `yaml:"token_env"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// PollingConfig holds the polling cadences of the conversation view and the
// pairing dialog.
type PollingConfig struct {
	ConversationsMs   int `yaml:"conversations_ms"`
	SessionStatusMs   int `yaml:"session_status_ms"`
	QRRefreshMs       int `yaml:"qr_refresh_ms"`
	ScrollThresholdPx int `yaml:"scroll_threshold_px"`
}

// LogConfig controls the logrus loggers.
type LogConfig struct {
	Level      string `yaml:"level"`  // trace, debug, info, warn, error
	Format     string `yaml:"format"` // text, json
	Output     string `yaml:"output"` // stdout, file, both
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NotifyConfig configures the ops alert channel.
type NotifyConfig struct {
	Platform   string        `yaml:"platform"` // "slack", "discord", or empty
	Channel    string        `yaml:"channel"`
	DigestCron string        `yaml:"digest_cron"`
	Slack      SlackConfig   `yaml:"slack"`
	Discord    DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// SandboxConfig configures the local reference backend.
type SandboxConfig struct {
	Port         int             `yaml:"port"`
	Driver       string          `yaml:"driver"` // "sqlite" or "mysql"
	SQLitePath   string          `yaml:"sqlite_path"`
	MySQL        MySQLConfig     `yaml:"mysql"`
	Tokens       []string        `yaml:"tokens"`
	Tenants      []TenantConfig  `yaml:"tenants"`
	Responder    ResponderConfig `yaml:"responder"`
	StageDelayMs int             `yaml:"stage_delay_ms"`
}

// MySQLConfig holds connection settings for a MySQL-compatible server.
type MySQLConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	User        string `yaml:"user"`
	PasswordEnv string `yaml:"password_env"`
}

// ResponderConfig selects how the sandbox generates AI replies.
type ResponderConfig struct {
	Kind      string `yaml:"kind"` // "echo" or "openai"
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Prompt    string `yaml:"prompt"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
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
	if c.Tenant.Name == "" {
		c.Tenant.Name = c.Tenant.ID
	}
	if c.Backend.TokenEnv == "" {
		c.Backend.TokenEnv = DefaultTokenEnv
	}
	if c.Backend.TimeoutSec == 0 {
		c.Backend.TimeoutSec = 10
	}
	c.Backend.URL = strings.TrimRight(c.Backend.URL, "/")

	if c.Polling.ConversationsMs == 0 {
		c.Polling.ConversationsMs = 3000
	}
	if c.Polling.SessionStatusMs == 0 {
		c.Polling.SessionStatusMs = 1000
	}
	if c.Polling.QRRefreshMs == 0 {
		c.Polling.QRRefreshMs = 2000
	}
	if c.Polling.ScrollThresholdPx == 0 {
		c.Polling.ScrollThresholdPx = 100
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
	if c.Log.Path == "" {
		c.Log.Path = "./logs"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 7
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 7
	}

	if c.Sandbox.Port == 0 {
		c.Sandbox.Port = 8090
	}
	if c.Sandbox.Driver == "" {
		c.Sandbox.Driver = "sqlite"
	}
	if c.Sandbox.SQLitePath == "" {
		c.Sandbox.SQLitePath = "switchboard.db"
	}
	if c.Sandbox.MySQL.Host == "" {
		c.Sandbox.MySQL.Host = "127.0.0.1"
	}
	if c.Sandbox.MySQL.Port == 0 {
		c.Sandbox.MySQL.Port = 3306
	}
	if c.Sandbox.MySQL.User == "" {
		c.Sandbox.MySQL.User = "root"
	}
	if c.Sandbox.MySQL.Database == "" {
		c.Sandbox.MySQL.Database = "switchboard"
	}
	if c.Sandbox.MySQL.PasswordEnv == "" {
		c.Sandbox.MySQL.PasswordEnv = "SWITCHBOARD_DB_PASSWORD"
	}
	if c.Sandbox.Responder.Kind == "" {
		c.Sandbox.Responder.Kind = "echo"
	}
	if c.Sandbox.Responder.Model == "" {
		c.Sandbox.Responder.Model = "gpt-4o-mini"
	}
	if c.Sandbox.Responder.APIKeyEnv == "" {
		c.Sandbox.Responder.APIKeyEnv = "OPENAI_API_KEY"
	}
	for i := range c.Sandbox.Tenants {
		if c.Sandbox.Tenants[i].Name == "" {
			c.Sandbox.Tenants[i].Name = c.Sandbox.Tenants[i].ID
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Tenant.ID == "" {
		errs = append(errs, "tenant.id is required")
	}
	if c.Backend.URL == "" {
		errs = append(errs, "backend.url is required")
	} else if !strings.HasPrefix(c.Backend.URL, "http://") && !strings.HasPrefix(c.Backend.URL, "https://") {
		errs = append(errs, "backend.url must start with http:// or https://")
	}
	if c.Polling.ConversationsMs < 0 || c.Polling.SessionStatusMs < 0 || c.Polling.QRRefreshMs < 0 {
		errs = append(errs, "polling intervals must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Log.Output {
	case "stdout", "file", "both":
	default:
		errs = append(errs, fmt.Sprintf("log.output %q must be stdout, file or both", c.Log.Output))
	}
	switch c.Notify.Platform {
	case "":
	case "slack":
		if c.Notify.Slack.BotToken == "" {
			errs = append(errs, "notify.slack.bot_token is required for slack")
		}
		if c.Notify.Channel == "" {
			errs = append(errs, "notify.channel is required")
		}
	case "discord":
		if c.Notify.Discord.BotToken == "" {
			errs = append(errs, "notify.discord.bot_token is required for discord")
		}
		if c.Notify.Channel == "" {
			errs = append(errs, "notify.channel is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.platform %q is not supported", c.Notify.Platform))
	}
	switch c.Sandbox.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("sandbox.driver %q must be sqlite or mysql", c.Sandbox.Driver))
	}
	switch c.Sandbox.Responder.Kind {
	case "echo", "openai":
	default:
		errs = append(errs, fmt.Sprintf("sandbox.responder.kind %q must be echo or openai", c.Sandbox.Responder.Kind))
	}
	for i, t := range c.Sandbox.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("sandbox.tenants[%d].id is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Token returns the backend bearer token from the configured environment variable.
func (c *Config) Token() string {
	return os.Getenv(c.Backend.TokenEnv)
}

// Password returns the MySQL password from the configured environment variable.
func (m MySQLConfig) Password() string {
	return os.Getenv(m.PasswordEnv)
}

// Timeout returns the backend request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSec) * time.Second
}

// ConversationPoll returns the conversation-list poll interval.
func (p PollingConfig) ConversationPoll() time.Duration {
	return time.Duration(p.ConversationsMs) * time.Millisecond
}

// SessionStatusPoll returns the pairing status poll interval.
func (p PollingConfig) SessionStatusPoll() time.Duration {
	return time.Duration(p.SessionStatusMs) * time.Millisecond
}

// QRRefresh returns the QR image refresh interval.
func (p PollingConfig) QRRefresh() time.Duration {
	return time.Duration(p.QRRefreshMs) * time.Millisecond
}

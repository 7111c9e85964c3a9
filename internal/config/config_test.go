package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
tenant:
  id: desa-sukamaju
  name: Desa Sukamaju

backend:
  url: https://api.desa.example/v1/
  token_env: DESA_TOKEN
  timeout_sec: 5

polling:
  conversations_ms: 2500
  session_status_ms: 800
  qr_refresh_ms: 1500
  scroll_threshold_px: 120

log:
  level: debug
  format: json
  output: both
  path: /var/log/switchboard

notify:
  platform: slack
  channel: C0OPS
  digest_cron: "0 17 * * *"
  slack:
    bot_token: xoxb-test

sandbox:
  port: 9000
  driver: mysql
  mysql:
    host: 10.0.0.5
    port: 3307
    database: switchboard_dev
  tokens: ["dev-token"]
  tenants:
    - id: desa-sukamaju
      name: Desa Sukamaju
    - id: kel-mekarsari
  responder:
    kind: openai
    model: gpt-4o
  stage_delay_ms: 250
`

const minimalYAML = `
tenant:
  id: desa-a
backend:
  url: http://localhost:8090
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Tenant.ID != "desa-sukamaju" {
		t.Errorf("Tenant.ID = %q, want %q", cfg.Tenant.ID, "desa-sukamaju")
	}
	if cfg.Backend.URL != "https://api.desa.example/v1" {
		t.Errorf("Backend.URL = %q, want trailing slash trimmed", cfg.Backend.URL)
	}
	if cfg.Backend.TokenEnv != "DESA_TOKEN" {
		t.Errorf("Backend.TokenEnv = %q, want %q", cfg.Backend.TokenEnv, "DESA_TOKEN")
	}
	if cfg.Timeout() != 5*time.Second {
		t.Errorf("Timeout() = %v, want 5s", cfg.Timeout())
	}
	if cfg.Polling.ConversationPoll() != 2500*time.Millisecond {
		t.Errorf("ConversationPoll() = %v, want 2.5s", cfg.Polling.ConversationPoll())
	}
	if cfg.Polling.SessionStatusPoll() != 800*time.Millisecond {
		t.Errorf("SessionStatusPoll() = %v, want 800ms", cfg.Polling.SessionStatusPoll())
	}
	if cfg.Polling.QRRefresh() != 1500*time.Millisecond {
		t.Errorf("QRRefresh() = %v, want 1.5s", cfg.Polling.QRRefresh())
	}
	if cfg.Polling.ScrollThresholdPx != 120 {
		t.Errorf("ScrollThresholdPx = %d, want 120", cfg.Polling.ScrollThresholdPx)
	}
	if cfg.Log.Format != "json" || cfg.Log.Output != "both" {
		t.Errorf("Log = %+v, want json/both", cfg.Log)
	}
	if cfg.Notify.Platform != "slack" || cfg.Notify.DigestCron != "0 17 * * *" {
		t.Errorf("Notify = %+v", cfg.Notify)
	}
	if cfg.Sandbox.Driver != "mysql" {
		t.Errorf("Sandbox.Driver = %q, want mysql", cfg.Sandbox.Driver)
	}
	if cfg.Sandbox.MySQL.Port != 3307 {
		t.Errorf("Sandbox.MySQL.Port = %d, want 3307", cfg.Sandbox.MySQL.Port)
	}
	if len(cfg.Sandbox.Tenants) != 2 {
		t.Fatalf("len(Sandbox.Tenants) = %d, want 2", len(cfg.Sandbox.Tenants))
	}
	if cfg.Sandbox.Tenants[1].Name != "kel-mekarsari" {
		t.Errorf("Tenants[1].Name = %q, want derived from id", cfg.Sandbox.Tenants[1].Name)
	}
	if cfg.Sandbox.Responder.Kind != "openai" || cfg.Sandbox.Responder.Model != "gpt-4o" {
		t.Errorf("Responder = %+v", cfg.Sandbox.Responder)
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Tenant.Name != "desa-a" {
		t.Errorf("Tenant.Name = %q, want derived from id", cfg.Tenant.Name)
	}
	if cfg.Backend.TokenEnv != DefaultTokenEnv {
		t.Errorf("Backend.TokenEnv = %q, want %q", cfg.Backend.TokenEnv, DefaultTokenEnv)
	}
	if cfg.Backend.TimeoutSec != 10 {
		t.Errorf("Backend.TimeoutSec = %d, want 10", cfg.Backend.TimeoutSec)
	}
	if cfg.Polling.ConversationsMs != 3000 {
		t.Errorf("ConversationsMs = %d, want 3000", cfg.Polling.ConversationsMs)
	}
	if cfg.Polling.SessionStatusMs != 1000 {
		t.Errorf("SessionStatusMs = %d, want 1000", cfg.Polling.SessionStatusMs)
	}
	if cfg.Polling.QRRefreshMs != 2000 {
		t.Errorf("QRRefreshMs = %d, want 2000", cfg.Polling.QRRefreshMs)
	}
	if cfg.Polling.ScrollThresholdPx != 100 {
		t.Errorf("ScrollThresholdPx = %d, want 100", cfg.Polling.ScrollThresholdPx)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" || cfg.Log.Output != "stdout" {
		t.Errorf("Log defaults = %+v", cfg.Log)
	}
	if cfg.Sandbox.Port != 8090 {
		t.Errorf("Sandbox.Port = %d, want 8090", cfg.Sandbox.Port)
	}
	if cfg.Sandbox.Driver != "sqlite" {
		t.Errorf("Sandbox.Driver = %q, want sqlite", cfg.Sandbox.Driver)
	}
	if cfg.Sandbox.Responder.Kind != "echo" {
		t.Errorf("Responder.Kind = %q, want echo", cfg.Sandbox.Responder.Kind)
	}
	if cfg.Sandbox.MySQL.Database != "switchboard" {
		t.Errorf("MySQL.Database = %q, want switchboard", cfg.Sandbox.MySQL.Database)
	}
	if cfg.Sandbox.MySQL.PasswordEnv != "SWITCHBOARD_DB_PASSWORD" {
		t.Errorf("MySQL.PasswordEnv = %q, want SWITCHBOARD_DB_PASSWORD", cfg.Sandbox.MySQL.PasswordEnv)
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing tenant",
			yaml: "backend:\n  url: http://x\n",
			want: "tenant.id is required",
		},
		{
			name: "missing backend url",
			yaml: "tenant:\n  id: a\n",
			want: "backend.url is required",
		},
		{
			name: "bad scheme",
			yaml: "tenant:\n  id: a\nbackend:\n  url: ftp://x\n",
			want: "must start with http",
		},
		{
			name: "slack without token",
			yaml: "tenant:\n  id: a\nbackend:\n  url: http://x\nnotify:\n  platform: slack\n  channel: C1\n",
			want: "notify.slack.bot_token is required",
		},
		{
			name: "unknown platform",
			yaml: "tenant:\n  id: a\nbackend:\n  url: http://x\nnotify:\n  platform: teams\n",
			want: `notify.platform "teams" is not supported`,
		},
		{
			name: "bad driver",
			yaml: "tenant:\n  id: a\nbackend:\n  url: http://x\nsandbox:\n  driver: postgres\n",
			want: `sandbox.driver "postgres"`,
		},
		{
			name: "bad log format",
			yaml: "tenant:\n  id: a\nbackend:\n  url: http://x\nlog:\n  format: xml\n",
			want: `log.format "xml"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_MultipleErrorsJoined(t *testing.T) {
	_, err := Parse([]byte("log:\n  level: info\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "tenant.id is required; backend.url is required") {
		t.Errorf("error = %q, want both errors joined", err.Error())
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("tenant: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want config: parse prefix", err.Error())
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchboard.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tenant.ID != "desa-a" {
		t.Errorf("Tenant.ID = %q, want desa-a", cfg.Tenant.ID)
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

func TestToken_ReadsConfiguredEnv(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	t.Setenv(DefaultTokenEnv, "secret-123")
	if got := cfg.Token(); got != "secret-123" {
		t.Errorf("Token() = %q, want secret-123", got)
	}
}

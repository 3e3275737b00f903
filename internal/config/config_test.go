package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Templates.Dir != "templates" {
		t.Errorf("expected templates dir 'templates', got %q", cfg.Templates.Dir)
	}
	if cfg.Workers.PoolSize != 4 {
		t.Errorf("expected pool size 4, got %d", cfg.Workers.PoolSize)
	}
	if cfg.Dispatch.Mode != ModeLocal {
		t.Errorf("expected local dispatch, got %q", cfg.Dispatch.Mode)
	}
	if cfg.Providers.Ollama.BaseURL != "http://localhost:11434" {
		t.Errorf("unexpected ollama base url %q", cfg.Providers.Ollama.BaseURL)
	}
	if cfg.Providers.Ollama.Timeout != 60*time.Second {
		t.Errorf("expected ollama timeout 60s, got %v", cfg.Providers.Ollama.Timeout)
	}
	if !cfg.Scheduler.CascadeFailures {
		t.Error("expected cascade_failures to default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
templates:
  dir: /srv/templates
  watch: false
workers:
  pool_size: 2
dispatch:
  retry_backoff: 5s
store:
  driver: sqlite
  path: /tmp/orchestra.db
providers:
  default: anthropic
  anthropic:
    model: claude-haiku-4-5-20251001
beat:
  schedules:
    - name: nightly
      spec: "0 3 * * *"
      template: report
      priority: 8
      parameters:
        scope: all
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Templates.Dir != "/srv/templates" || cfg.Templates.Watch {
		t.Errorf("templates = %+v", cfg.Templates)
	}
	if cfg.Workers.PoolSize != 2 {
		t.Errorf("pool size = %d, want 2", cfg.Workers.PoolSize)
	}
	if cfg.Dispatch.RetryBackoff != 5*time.Second {
		t.Errorf("retry backoff = %v, want 5s", cfg.Dispatch.RetryBackoff)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.Path != "/tmp/orchestra.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Providers.Default != "anthropic" {
		t.Errorf("default provider = %q", cfg.Providers.Default)
	}
	// Unset keys keep defaults.
	if cfg.Steps.MaxDepth != 8 {
		t.Errorf("max depth = %d, want default 8", cfg.Steps.MaxDepth)
	}
	if len(cfg.Beat.Schedules) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(cfg.Beat.Schedules))
	}
	s := cfg.Beat.Schedules[0]
	if s.Template != "report" || s.Priority != 8 || s.Parameters["scope"] != "all" {
		t.Errorf("schedule = %+v", s)
	}
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "workers:\n  pool_size: 2\n")
	t.Setenv("ORCHESTRA_WORKERS_POOL_SIZE", "9")
	t.Setenv("TEMPLATES_DIR", "/env/templates")
	t.Setenv("DATABASE_URL", "sqlite:///./orchestra.db")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Workers.PoolSize != 9 {
		t.Errorf("pool size = %d, want 9 from env", cfg.Workers.PoolSize)
	}
	if cfg.Templates.Dir != "/env/templates" {
		t.Errorf("templates dir = %q, want /env/templates", cfg.Templates.Dir)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.Path != "./orchestra.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestLoadFromPath_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"zero pool", "workers:\n  pool_size: 0\n", "pool_size"},
		{"bad mode", "dispatch:\n  mode: carrier-pigeon\n", "dispatch.mode"},
		{"remote without redis", "dispatch:\n  mode: remote\n", "redis.url"},
		{"sqlite without path", "store:\n  driver: sqlite\n", "store.path"},
		{"schedule without spec", "beat:\n  schedules:\n    - template: x\n", "spec and template"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromPath(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseDatabaseURL(t *testing.T) {
	tests := []struct {
		raw, driver, path string
	}{
		{"sqlite:///./orchestrator.db", DriverSQLite, "./orchestrator.db"},
		{"sqlite3:///data/o.db", DriverSQLite3, "data/o.db"},
		{"memory://", DriverMemory, ""},
		{"/var/lib/o.db", DriverSQLite, "/var/lib/o.db"},
	}
	for _, tt := range tests {
		driver, path := parseDatabaseURL(tt.raw)
		if driver != tt.driver || path != tt.path {
			t.Errorf("parseDatabaseURL(%q) = %q, %q; want %q, %q", tt.raw, driver, path, tt.driver, tt.path)
		}
	}
}

func TestAnthropicAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := Default()
	if _, err := AnthropicAPIKey(cfg); err != ErrNoAPIKey {
		t.Errorf("expected ErrNoAPIKey, got %v", err)
	}
	cfg.Providers.Anthropic.APIKey = "sk-ant-from-config"
	if key, _ := AnthropicAPIKey(cfg); key != "sk-ant-from-config" {
		t.Errorf("key = %q", key)
	}
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	if key, _ := AnthropicAPIKey(cfg); key != "sk-ant-from-env" {
		t.Errorf("env should win, got %q", key)
	}
}

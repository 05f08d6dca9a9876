package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lectio.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	path := writeConfig(t, strings.Repeat("x: value\n", 200000)) // ~1.6MB

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
model:
  provider: gemini
  model: gemini-2.0-flash
retry:
  max_attempts: 5
  base_delay: 250ms
engine:
  max_turns: 12
  serialize_sessions: false
store:
  backend: sqlite
  sqlite_path: /tmp/lectio.db
sweeper:
  enabled: true
  idle_after: 1h
  run_timeout: 90s
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Model.Provider != "gemini" || cfg.Model.Model != "gemini-2.0-flash" {
		t.Errorf("unexpected model config: %+v", cfg.Model)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Errorf("unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.Engine.MaxTurns != 12 || cfg.Engine.SerializeSessions {
		t.Errorf("unexpected engine config: %+v", cfg.Engine)
	}
	if cfg.Sweeper.IdleAfter != time.Hour || cfg.Sweeper.RunTimeout != 90*time.Second || cfg.Sweeper.Schedule != "@every 5m" {
		t.Errorf("unexpected sweeper config: %+v", cfg.Sweeper)
	}

	// Keys the file leaves out keep their defaults.
	if cfg.Retry.AttemptTimeout != 30*time.Second {
		t.Errorf("expected default attempt timeout, got %v", cfg.Retry.AttemptTimeout)
	}
	if cfg.Engine.Temperatures.Analysis != 0.1 {
		t.Errorf("expected default analysis temperature, got %v", cfg.Engine.Temperatures.Analysis)
	}
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.MaxTurns != 10 || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
model:
  provider: openai
invalid yaml here: [[[
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(envMap(map[string]string{
		"LECTIO_STORE":           "redis",
		"REDIS_ADDR":             "cache:6379",
		"OPENAI_API_KEY":         "sk-env",
		"GEMINI_API_KEY":         "ignored",
		"LECTIO_MAX_TURNS":       "6",
		"LECTIO_SWEEPER_ENABLED": "true",
		"MORPHOLOGY_URL":         "http://latin:8000",
	}))

	if cfg.Store.Backend != "redis" || cfg.Store.Redis.Addr != "cache:6379" {
		t.Errorf("store overrides not applied: %+v", cfg.Store)
	}
	if cfg.Model.APIKey != "sk-env" {
		t.Errorf("expected the openai key, got %q", cfg.Model.APIKey)
	}
	if cfg.Engine.MaxTurns != 6 || !cfg.Sweeper.Enabled {
		t.Errorf("numeric overrides not applied: turns=%d sweeper=%v", cfg.Engine.MaxTurns, cfg.Sweeper.Enabled)
	}
	if cfg.Morphology.URL != "http://latin:8000" {
		t.Errorf("unexpected morphology url %q", cfg.Morphology.URL)
	}
}

func TestApplyEnv_KeepsConfiguredCredentials(t *testing.T) {
	cfg := Default()
	cfg.Model.APIKey = "sk-file"
	cfg.ApplyEnv(envMap(map[string]string{"OPENAI_API_KEY": "sk-env"}))
	if cfg.Model.APIKey != "sk-file" {
		t.Errorf("file credential was overwritten: %q", cfg.Model.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"unknown provider", func(c *Config) { c.Model.Provider = "anthropic" }, "model.provider"},
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }, "store.backend"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 1.5 }, "retry.jitter"},
		{"one turn", func(c *Config) { c.Engine.MaxTurns = 1 }, "engine.max_turns"},
		{"hot review", func(c *Config) { c.Engine.Temperatures.Review = 3 }, "engine.temperatures.review"},
		{"firestore without project", func(c *Config) { c.Store.Backend = "firestore" }, "store.firestore.project_id"},
		{"sweeper without idle", func(c *Config) {
			c.Sweeper.Enabled = true
			c.Sweeper.IdleAfter = 0
		}, "sweeper.idle_after"},
		{"negative sweep timeout", func(c *Config) {
			c.Sweeper.Enabled = true
			c.Sweeper.RunTimeout = -time.Second
		}, "sweeper.run_timeout"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSaveConfig_RoundTripsAndRedacts(t *testing.T) {
	cfg := Default()
	cfg.Model.APIKey = "sk-secret"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(cfg.Redacted(), path); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(data), "sk-secret") {
		t.Error("saved config leaks the api key")
	}
	if cfg.Model.APIKey != "sk-secret" {
		t.Error("Redacted modified the original")
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Retry.AttemptTimeout != cfg.Retry.AttemptTimeout {
		t.Errorf("attempt timeout changed: %v", loaded.Retry.AttemptTimeout)
	}
}

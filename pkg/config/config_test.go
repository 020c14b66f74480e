package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":3001" {
		t.Errorf("expected :3001, got %s", cfg.Listen)
	}
	if cfg.Session.MaxTurns != 10 {
		t.Errorf("expected 10 max turns, got %d", cfg.Session.MaxTurns)
	}
	if cfg.Provider.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", cfg.Provider.Temperature)
	}
	if cfg.Provider.MaxTokens != 500 {
		t.Errorf("expected 500 max tokens, got %d", cfg.Provider.MaxTokens)
	}
	if cfg.Provider.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("unexpected system prompt %q", cfg.Provider.SystemPrompt)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
provider:
  type: openai
  url: https://api.openai.com/v1
  api_key: ${TEST_API_KEY}
pool:
  capacity: 2
  acquire_timeout: 250ms
cache:
  ttl: 30m
  history_aware: true
session:
  idle_ttl: 2h
workers:
  count: 5
  eviction_schedule: "*/10 * * * *"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Provider.APIKey != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.Provider.APIKey)
	}
	if cfg.Pool.Capacity != 2 {
		t.Errorf("expected capacity 2, got %d", cfg.Pool.Capacity)
	}
	if cfg.Pool.AcquireTimeout != 250*time.Millisecond {
		t.Errorf("expected 250ms acquire timeout, got %v", cfg.Pool.AcquireTimeout)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
	if !cfg.Cache.HistoryAware {
		t.Error("expected history-aware caching")
	}
	// untouched sections keep their defaults
	if !cfg.Cache.Enabled {
		t.Error("expected cache enabled by default")
	}
	if cfg.Session.MaxTurns != 10 {
		t.Errorf("expected default max turns, got %d", cfg.Session.MaxTurns)
	}
	if cfg.Session.IdleTTL != 2*time.Hour {
		t.Errorf("expected 2h idle ttl, got %v", cfg.Session.IdleTTL)
	}
	if cfg.Workers.Count != 5 {
		t.Errorf("expected 5 workers, got %d", cfg.Workers.Count)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config: %v", err)
	}
}

func TestLoadAzureEnvFallback(t *testing.T) {
	t.Setenv("AZURE_OPENAI_API_KEY", "azure-key")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://example.openai.azure.com")
	t.Setenv("AZURE_OPENAI_API_VERSION", "2024-06-01")
	t.Setenv("AZURE_OPENAI_CHAT_DEPLOYMENT_NAME", "gpt-4o")

	path := writeConfig(t, `
provider:
  type: azure
  url: ""
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider.APIKey != "azure-key" {
		t.Errorf("expected api key from env, got %q", cfg.Provider.APIKey)
	}
	if cfg.Provider.URL != "https://example.openai.azure.com" {
		t.Errorf("expected endpoint from env, got %q", cfg.Provider.URL)
	}
	if cfg.Provider.Deployment != "gpt-4o" {
		t.Errorf("expected deployment from env, got %q", cfg.Provider.Deployment)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config: %v", err)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefaultMissing(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/config.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":3001" {
		t.Errorf("expected default listen, got %s", cfg.Listen)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.Provider.Type = "bedrock" }},
		{"missing key", func(c *Config) { c.Provider.APIKey = "" }},
		{"zero capacity", func(c *Config) { c.Pool.Capacity = 0 }},
		{"min idle above capacity", func(c *Config) { c.Pool.MinIdle = 9 }},
		{"zero workers", func(c *Config) { c.Workers.Count = 0 }},
		{"zero turns", func(c *Config) { c.Session.MaxTurns = 0 }},
		{"azure without deployment", func(c *Config) { c.Provider.Type = ProviderAzure }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Provider.APIKey = "sk"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all chatrelay configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	DBPath   string         `yaml:"db_path"`
	LogLevel string         `yaml:"log_level"`
	Provider ProviderConfig `yaml:"provider"`
	Pool     PoolConfig     `yaml:"pool"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	Workers  WorkersConfig  `yaml:"workers"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ProviderConfig defines the upstream completion provider.
// Type is "openai" (default) or "azure".
type ProviderConfig struct {
	Type         string        `yaml:"type"`
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	APIVersion   string        `yaml:"api_version"`
	Deployment   string        `yaml:"deployment"`
	SystemPrompt string        `yaml:"system_prompt"`
	Temperature  float64       `yaml:"temperature"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
	PingPath     string        `yaml:"ping_path"`
}

// PoolConfig controls the provider connection pool.
type PoolConfig struct {
	Capacity          int           `yaml:"capacity"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	MinIdle           int           `yaml:"min_idle"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TTL          time.Duration `yaml:"ttl"`
	MaxEntries   int           `yaml:"max_entries"`
	HistoryAware bool          `yaml:"history_aware"`
	WarmOnStart  bool          `yaml:"warm_on_start"`
}

// SessionConfig controls the in-memory chat history store.
type SessionConfig struct {
	MaxTurns int           `yaml:"max_turns"`
	IdleTTL  time.Duration `yaml:"idle_ttl"`
	Shards   int           `yaml:"shards"`
}

// WorkersConfig controls background maintenance.
type WorkersConfig struct {
	Count             int    `yaml:"count"`
	QueueSize         int    `yaml:"queue_size"`
	KeepAliveSchedule string `yaml:"keepalive_schedule"`
	EvictionSchedule  string `yaml:"eviction_schedule"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

const (
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"

	// DefaultSystemPrompt is sent ahead of every conversation.
	DefaultSystemPrompt = "You are a helpful assistant providing concise and accurate answers."
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":3001",
		DBPath:   "chatrelay.db",
		LogLevel: "info",
		Provider: ProviderConfig{
			Type:         ProviderOpenAI,
			URL:          "https://api.openai.com/v1",
			Model:        "gpt-4o",
			SystemPrompt: DefaultSystemPrompt,
			Temperature:  0.7,
			MaxTokens:    500,
			Timeout:      30 * time.Second,
			PingPath:     "/models",
		},
		Pool: PoolConfig{
			Capacity:          4,
			AcquireTimeout:    5 * time.Second,
			IdleTimeout:       90 * time.Second,
			KeepAliveInterval: 30 * time.Second,
			MinIdle:           1,
		},
		Cache: CacheConfig{
			Enabled:     true,
			TTL:         24 * time.Hour,
			MaxEntries:  10000,
			WarmOnStart: true,
		},
		Session: SessionConfig{
			MaxTurns: 10,
			Shards:   32,
		},
		Workers: WorkersConfig{
			Count:             3,
			QueueSize:         256,
			KeepAliveSchedule: "@every 30s",
			EvictionSchedule:  "@every 5m",
		},
		Tracing: TracingConfig{
			ServiceName: "chatrelay",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
// Variables from a .env file in the working directory are loaded first;
// a missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyAzureEnv()

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Default (with env fallbacks
// applied) when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		cfg.applyAzureEnv()
		return cfg, nil
	}
	return cfg, err
}

// applyAzureEnv fills empty Azure provider fields from the AZURE_OPENAI_* variables.
func (c *Config) applyAzureEnv() {
	if c.Provider.Type != ProviderAzure {
		return
	}
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.Provider.APIKey, "AZURE_OPENAI_API_KEY")
	fill(&c.Provider.URL, "AZURE_OPENAI_ENDPOINT")
	fill(&c.Provider.APIVersion, "AZURE_OPENAI_API_VERSION")
	fill(&c.Provider.Deployment, "AZURE_OPENAI_CHAT_DEPLOYMENT_NAME")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case ProviderOpenAI, ProviderAzure:
	default:
		return fmt.Errorf("provider.type %q: must be %q or %q", c.Provider.Type, ProviderOpenAI, ProviderAzure)
	}
	if c.Provider.URL == "" {
		return errors.New("provider.url is required")
	}
	if c.Provider.APIKey == "" {
		return errors.New("provider.api_key is required")
	}
	if c.Provider.Type == ProviderAzure && c.Provider.Deployment == "" {
		return errors.New("provider.deployment is required for azure")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive, got %d", c.Pool.Capacity)
	}
	if c.Pool.MinIdle > c.Pool.Capacity {
		return fmt.Errorf("pool.min_idle %d exceeds capacity %d", c.Pool.MinIdle, c.Pool.Capacity)
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive, got %d", c.Workers.Count)
	}
	if c.Session.MaxTurns <= 0 {
		return fmt.Errorf("session.max_turns must be positive, got %d", c.Session.MaxTurns)
	}
	return nil
}

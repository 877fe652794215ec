// Package config handles YAML configuration loading with environment
// variable expansion, plus first-run database seeding.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Cache      CacheConfig      `yaml:"cache"`
	Health     HealthConfig     `yaml:"health"`
	Stickiness StickinessConfig `yaml:"stickiness"`
	Logs       LogConfig        `yaml:"logs"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Providers  []ProviderEntry  `yaml:"providers"`
	Models     []ModelEntry     `yaml:"models"`
	Bindings   []BindingEntry   `yaml:"bindings"`
	Keys       []KeyEntry       `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // empty = generated and logged on startup
}

// CacheConfig holds the shared in-process cache settings.
type CacheConfig struct {
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// HealthConfig tunes the per-binding breaker.
type HealthConfig struct {
	RingSize      int           `yaml:"ring_size"`
	TripThreshold int           `yaml:"trip_threshold"`
	Cooldown      time.Duration `yaml:"cooldown"`
	MinSamples    int           `yaml:"min_samples"`
}

// StickinessConfig tunes the token-binding lease.
type StickinessConfig struct {
	TokenLockTTL time.Duration `yaml:"token_lock_ttl"`
}

// LogConfig bounds chat IO recording.
type LogConfig struct {
	MaxIOBytes int `yaml:"max_io_bytes"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ProviderEntry is a provider seed in the config file.
type ProviderEntry struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"` // openai, openai-res, anthropic, gemini
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Version       string `yaml:"version"` // anthropic-version override
	Auth          string `yaml:"auth"`    // "", "api_key", "gcp_oauth"
	ConsoleURL    string `yaml:"console_url"`
	RPMLimit      int    `yaml:"rpm_limit"`
	IPLockMinutes int    `yaml:"ip_lock_minutes"`
}

// ModelEntry is a logical model seed in the config file.
type ModelEntry struct {
	Name           string `yaml:"name"`
	Remark         string `yaml:"remark"`
	MaxRetry       int    `yaml:"max_retry"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	IOLog          bool   `yaml:"io_log"`
	Strategy       string `yaml:"strategy"` // lottery (default) or rotor
	Breaker        bool   `yaml:"breaker"`
}

// BindingEntry ties a seeded model to a seeded provider.
type BindingEntry struct {
	Model         string            `yaml:"model"`    // ModelEntry name
	Provider      string            `yaml:"provider"` // ProviderEntry name
	ProviderModel string            `yaml:"provider_model"`
	Capabilities  CapabilitiesEntry `yaml:"capabilities"`
	Weight        int               `yaml:"weight"`
	WithHeader    bool              `yaml:"with_header"`
	Headers       map[string]string `yaml:"headers"`
	Enabled       *bool             `yaml:"enabled"`
}

// IsEnabled reports whether the binding is enabled (defaults to true when nil).
func (b BindingEntry) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// CapabilitiesEntry mirrors the binding capability flags.
type CapabilitiesEntry struct {
	ToolCall         bool `yaml:"tool_call"`
	StructuredOutput bool `yaml:"structured_output"`
	Image            bool `yaml:"image"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name     string   `yaml:"name"`
	Key      string   `yaml:"key"` // plaintext secret
	AllowAll bool     `yaml:"allow_all"`
	Models   []string `yaml:"models"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a config with every tunable at its default.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streams must outlive any fixed budget
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "heimdall.db",
		},
		Cache: CacheConfig{
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
		Health: HealthConfig{
			RingSize:      128,
			TripThreshold: 3,
			Cooldown:      30 * time.Second,
			MinSamples:    5,
		},
		Stickiness: StickinessConfig{
			TokenLockTTL: 120 * time.Second,
		},
		Logs: LogConfig{
			MaxIOBytes: 256 << 10,
		},
	}
}

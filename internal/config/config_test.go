package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	yaml := `
server:
  addr: ":9090"
  read_timeout: 10s
database:
  dsn: ":memory:"
stickiness:
  token_lock_ttl: 60s
providers:
  - name: openai-main
    type: openai
    base_url: https://api.openai.com/v1
    api_key: sk-test
    rpm_limit: 120
models:
  - name: fast
    max_retry: 3
    strategy: rotor
    breaker: true
bindings:
  - model: fast
    provider: openai-main
    provider_model: gpt-4o-mini
    weight: 5
    capabilities:
      tool_call: true
keys:
  - name: team-a
    key: hk-team-a
    allow_all: true
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Database.DSN != ":memory:" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Stickiness.TokenLockTTL != time.Minute {
		t.Errorf("token_lock_ttl = %v", cfg.Stickiness.TokenLockTTL)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].RPMLimit != 120 {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if len(cfg.Models) != 1 || cfg.Models[0].Strategy != "rotor" || !cfg.Models[0].Breaker {
		t.Fatalf("models = %+v", cfg.Models)
	}
	if len(cfg.Bindings) != 1 || !cfg.Bindings[0].Capabilities.ToolCall {
		t.Fatalf("bindings = %+v", cfg.Bindings)
	}
	if !cfg.Bindings[0].IsEnabled() {
		t.Error("bindings should default to enabled")
	}
	if len(cfg.Keys) != 1 || !cfg.Keys[0].AllowAll {
		t.Fatalf("keys = %+v", cfg.Keys)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `{}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Health.TripThreshold != 3 || cfg.Health.Cooldown != 30*time.Second {
		t.Errorf("health defaults = %+v", cfg.Health)
	}
	if cfg.Stickiness.TokenLockTTL != 120*time.Second {
		t.Errorf("token_lock_ttl default = %v", cfg.Stickiness.TokenLockTTL)
	}
	if cfg.Logs.MaxIOBytes != 256<<10 {
		t.Errorf("max_io_bytes default = %d", cfg.Logs.MaxIOBytes)
	}
}

func TestExpandEnv(t *testing.T) {
	// Cannot use t.Parallel() with t.Setenv
	t.Setenv("TEST_API_KEY", "sk-secret-123")

	result := expandEnv([]byte("key: ${TEST_API_KEY}"))
	if string(result) != "key: sk-secret-123" {
		t.Errorf("expandEnv = %q", result)
	}

	// Unknown variables are left intact.
	result = expandEnv([]byte("key: ${TEST_NOT_SET_ANYWHERE}"))
	if string(result) != "key: ${TEST_NOT_SET_ANYWHERE}" {
		t.Errorf("expandEnv = %q", result)
	}
}

func TestGenerateAdminKey(t *testing.T) {
	t.Parallel()

	a, b := GenerateAdminKey(), GenerateAdminKey()
	if a == b {
		t.Error("generated keys should differ")
	}
	if len(a) < 20 {
		t.Errorf("key too short: %q", a)
	}
}

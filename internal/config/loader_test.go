package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/domain/routing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Orchestrator.ConfidenceThreshold != 0.90 {
		t.Errorf("expected threshold 0.90, got %v", cfg.Orchestrator.ConfidenceThreshold)
	}
	if cfg.Orchestrator.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.Orchestrator.MaxAttempts)
	}
	if cfg.Orchestrator.BaseDelay != time.Second || cfg.Orchestrator.BackoffMultiplier != 2 {
		t.Errorf("expected 1s base delay x2, got %v x%v", cfg.Orchestrator.BaseDelay, cfg.Orchestrator.BackoffMultiplier)
	}
	if cfg.Cache.TTL != 300*time.Second {
		t.Errorf("expected cache ttl 300s, got %v", cfg.Cache.TTL)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected memory store, got %s", cfg.Store.Backend)
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
server:
  port: "9090"
orchestrator:
  confidence_threshold: 0.75
  base_delay: 1500ms
logging:
  level: "debug"
registry:
  services:
    - id: legal-a
      name: Legal A
      domains: [legal]
      capabilities: [contracts]
      endpoint: http://legal-a:9000
      transport: http
      timeout: 5s
    - id: fallback
      generic: true
      transport: http
      enabled: false
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Orchestrator.ConfidenceThreshold != 0.75 {
		t.Errorf("expected threshold 0.75, got %v", cfg.Orchestrator.ConfidenceThreshold)
	}
	if cfg.Orchestrator.BaseDelay != 1500*time.Millisecond {
		t.Errorf("expected base delay 1.5s, got %v", cfg.Orchestrator.BaseDelay)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if len(cfg.Registry.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(cfg.Registry.Services))
	}
	legal := cfg.Registry.Services[0]
	if legal.Timeout != 5*time.Second || !legal.IsEnabled() {
		t.Errorf("unexpected legal service: %+v", legal)
	}
	if cfg.Registry.Services[1].IsEnabled() {
		t.Error("expected fallback service to be disabled")
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLMalformed(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("server: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("CONDUCTOR_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("CONDUCTOR_CONFIDENCE_THRESHOLD", "0.8")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "warn")
	t.Setenv("CONDUCTOR_BREAKER_TIMEOUT", "1m")
	t.Setenv("CONDUCTOR_STORE", "natskv")
	t.Setenv("CONDUCTOR_MAX_PARALLEL", "not-a-number")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Orchestrator.ConfidenceThreshold != 0.8 {
		t.Errorf("expected threshold 0.8, got %v", cfg.Orchestrator.ConfidenceThreshold)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Breaker.Timeout != time.Minute {
		t.Errorf("expected breaker timeout 1m, got %v", cfg.Breaker.Timeout)
	}
	if cfg.Store.Backend != "natskv" {
		t.Errorf("expected natskv store, got %s", cfg.Store.Backend)
	}
	if cfg.Orchestrator.MaxParallel != 4 {
		t.Errorf("unparsable env must keep default, got %d", cfg.Orchestrator.MaxParallel)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "threshold above one",
			modify: func(c *Config) { c.Orchestrator.ConfidenceThreshold = 1.5 },
			errMsg: "orchestrator.confidence_threshold must be within [0, 1]",
		},
		{
			name:   "too many attempts",
			modify: func(c *Config) { c.Orchestrator.MaxAttempts = 4 },
			errMsg: "orchestrator.max_attempts must be between 1 and 3",
		},
		{
			name:   "shrinking backoff",
			modify: func(c *Config) { c.Orchestrator.BackoffMultiplier = 1 },
			errMsg: "orchestrator.backoff_multiplier must be >= 2",
		},
		{
			name:   "sub-second base delay",
			modify: func(c *Config) { c.Orchestrator.BaseDelay = 10 * time.Millisecond },
			errMsg: "orchestrator.base_delay must be >= 1s",
		},
		{
			name:   "zero parallelism",
			modify: func(c *Config) { c.Orchestrator.MaxParallel = 0 },
			errMsg: "orchestrator.max_parallel must be >= 1",
		},
		{
			name: "postgres store without DSN",
			modify: func(c *Config) {
				c.Store.Backend = "postgres"
				c.Postgres.DSN = ""
			},
			errMsg: "postgres.dsn is required for the postgres store",
		},
		{
			name:   "unknown store",
			modify: func(c *Config) { c.Store.Backend = "redis" },
			errMsg: `store.backend "redis" is not one of memory, postgres, natskv`,
		},
		{
			name: "duplicate service",
			modify: func(c *Config) {
				c.Registry.Services = []routing.ServiceDescriptor{{ID: "a"}, {ID: "a"}}
			},
			errMsg: `registry.services: duplicate id "a"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags([]string{"--port", "9090", "--log-level", "debug"})
	if err != nil {
		t.Fatal(err)
	}

	if flags.Port == nil || *flags.Port != "9090" {
		t.Errorf("expected port 9090, got %v", flags.Port)
	}
	if flags.LogLevel == nil || *flags.LogLevel != "debug" {
		t.Errorf("expected log-level debug, got %v", flags.LogLevel)
	}
	// Unset flags remain nil
	if flags.DSN != nil {
		t.Errorf("expected nil DSN, got %v", *flags.DSN)
	}
	if flags.ConfigPath != nil {
		t.Errorf("expected nil ConfigPath, got %v", *flags.ConfigPath)
	}
}

func TestParseFlagsShorthand(t *testing.T) {
	flags, err := ParseFlags([]string{"-p", "7070", "-c", "custom.yaml"})
	if err != nil {
		t.Fatal(err)
	}
	if flags.Port == nil || *flags.Port != "7070" {
		t.Errorf("expected port 7070, got %v", flags.Port)
	}
	if flags.ConfigPath == nil || *flags.ConfigPath != "custom.yaml" {
		t.Errorf("expected config custom.yaml, got %v", flags.ConfigPath)
	}
}

func TestParseFlagsInvalid(t *testing.T) {
	if _, err := ParseFlags([]string{"--unknown-flag"}); err == nil {
		t.Error("expected error for unknown flag, got nil")
	}
}

func TestApplyCLINilFlags(t *testing.T) {
	cfg := Defaults()
	original := cfg

	applyCLI(&cfg, CLIFlags{})

	if cfg.Server.Port != original.Server.Port {
		t.Errorf("port changed from %s to %s", original.Server.Port, cfg.Server.Port)
	}
	if cfg.Store.Backend != original.Store.Backend {
		t.Errorf("store changed from %s to %s", original.Store.Backend, cfg.Store.Backend)
	}
}

func TestCLIOverridesEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_PORT", "7070")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "warn")
	t.Setenv(ConfigPathEnv, filepath.Join(t.TempDir(), "absent.yaml"))

	flags, err := ParseFlags([]string{"--port", "3333", "--log-level", "error"})
	if err != nil {
		t.Fatal(err)
	}

	cfg, _, err := LoadWithCLI(flags)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "3333" {
		t.Errorf("expected CLI port 3333 to override ENV 7070, got %s", cfg.Server.Port)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("expected CLI log-level error to override ENV warn, got %s", cfg.Logging.Level)
	}
}

func TestLoadFrom_FullHierarchy(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte(`
server:
  port: "9090"
logging:
  level: "debug"
`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CONDUCTOR_PORT", "7070")

	cfg, err := LoadFrom(yamlPath)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Errorf("env should override YAML: got port %q, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("YAML should override default: got level %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfigPathEnv(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "env-path.yaml")
	if err := os.WriteFile(yamlPath, []byte("server:\n  port: \"6060\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnv, yamlPath)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected port from %s, got %s", ConfigPathEnv, cfg.Server.Port)
	}
}

func TestLoadFrom_InvalidFails(t *testing.T) {
	yamlPath := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(yamlPath, []byte("orchestrator:\n  max_attempts: 9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(yamlPath); err == nil {
		t.Fatal("expected validation error for max_attempts 9")
	}
}

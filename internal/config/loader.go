package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "conductor.yaml"

// ConfigPathEnv overrides DefaultConfigFile.
const ConfigPathEnv = "CONDUCTOR_CONFIG"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(resolvePath(nil))
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// CLIFlags holds command-line overrides. Nil fields were not given.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	Store      *string
}

// RegisterFlags binds the override flags onto fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", "", "path to YAML config file")
	fs.StringP("port", "p", "", "HTTP listen port")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("dsn", "", "PostgreSQL DSN")
	fs.String("nats-url", "", "NATS server URL")
	fs.String("store", "", "task store backend (memory, postgres, natskv)")
}

// FlagsFrom extracts the flags the user actually set from fs.
func FlagsFrom(fs *pflag.FlagSet) CLIFlags {
	get := func(name string) *string {
		if !fs.Changed(name) {
			return nil
		}
		v, err := fs.GetString(name)
		if err != nil {
			return nil
		}
		return &v
	}
	return CLIFlags{
		ConfigPath: get("config"),
		Port:       get("port"),
		LogLevel:   get("log-level"),
		DSN:        get("dsn"),
		NatsURL:    get("nats-url"),
		Store:      get("store"),
	}
}

// ParseFlags parses args into CLIFlags.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := pflag.NewFlagSet("conductor", pflag.ContinueOnError)
	fs.SetOutput(discard{})
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, err
	}
	return FlagsFrom(fs), nil
}

// LoadWithCLI loads defaults < YAML < ENV < CLI and returns the YAML path used.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := resolvePath(flags.ConfigPath)
	cfg := Defaults()

	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

func resolvePath(flag *string) string {
	if flag != nil && *flag != "" {
		return *flag
	}
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	return DefaultConfigFile
}

func applyCLI(cfg *Config, f CLIFlags) {
	if f.Port != nil {
		cfg.Server.Port = *f.Port
	}
	if f.LogLevel != nil {
		cfg.Logging.Level = *f.LogLevel
	}
	if f.DSN != nil {
		cfg.Postgres.DSN = *f.DSN
	}
	if f.NatsURL != nil {
		cfg.NATS.URL = *f.NatsURL
	}
	if f.Store != nil {
		cfg.Store.Backend = *f.Store
	}
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONDUCTOR_PORT")
	setString(&cfg.Server.CORSOrigin, "CONDUCTOR_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "CONDUCTOR_SHUTDOWN_TIMEOUT")
	setString(&cfg.Server.BaseURL, "CONDUCTOR_BASE_URL")
	setFloat64(&cfg.Server.SubmitRate, "CONDUCTOR_SUBMIT_RATE")
	setInt(&cfg.Server.SubmitBurst, "CONDUCTOR_SUBMIT_BURST")
	setDuration(&cfg.Server.IdempotencyTTL, "CONDUCTOR_IDEMPOTENCY_TTL")
	setDuration(&cfg.Server.WaitTimeout, "CONDUCTOR_WAIT_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONDUCTOR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONDUCTOR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONDUCTOR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONDUCTOR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONDUCTOR_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "CONDUCTOR_NATS_STREAM")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.Logging.Level, "CONDUCTOR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONDUCTOR_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CONDUCTOR_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "CONDUCTOR_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CONDUCTOR_BREAKER_TIMEOUT")

	// Orchestrator
	setFloat64(&cfg.Orchestrator.ConfidenceThreshold, "CONDUCTOR_CONFIDENCE_THRESHOLD")
	setInt(&cfg.Orchestrator.MaxAttempts, "CONDUCTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Orchestrator.BaseDelay, "CONDUCTOR_BASE_DELAY")
	setFloat64(&cfg.Orchestrator.BackoffMultiplier, "CONDUCTOR_BACKOFF_MULTIPLIER")
	setDuration(&cfg.Orchestrator.CallTimeout, "CONDUCTOR_CALL_TIMEOUT")
	setDuration(&cfg.Orchestrator.ReasonerTimeout, "CONDUCTOR_REASONER_TIMEOUT")
	setInt(&cfg.Orchestrator.MaxParallel, "CONDUCTOR_MAX_PARALLEL")
	setString(&cfg.Orchestrator.DecomposeModel, "CONDUCTOR_DECOMPOSE_MODEL")
	setString(&cfg.Orchestrator.SynthesizeModel, "CONDUCTOR_SYNTHESIZE_MODEL")
	setInt(&cfg.Orchestrator.MaxTokens, "CONDUCTOR_MAX_TOKENS")

	// Store
	setString(&cfg.Store.Backend, "CONDUCTOR_STORE")
	setString(&cfg.Store.Bucket, "CONDUCTOR_STORE_BUCKET")

	// Constraints
	setString(&cfg.Constraints.Path, "CONDUCTOR_CONSTRAINTS_PATH")
	setBool(&cfg.Constraints.Watch, "CONDUCTOR_CONSTRAINTS_WATCH")

	// Registry
	setDuration(&cfg.Registry.HealthInterval, "CONDUCTOR_HEALTH_INTERVAL")
	setDuration(&cfg.Registry.HealthTimeout, "CONDUCTOR_HEALTH_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "CONDUCTOR_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "CONDUCTOR_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.TTL, "CONDUCTOR_CACHE_TTL")

	// OTel
	setBool(&cfg.OTel.Enabled, "CONDUCTOR_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTel.ServiceName, "OTEL_SERVICE_NAME")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.SubmitRate < 0 {
		return errors.New("server.submit_rate must not be negative")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	o := cfg.Orchestrator
	if o.ConfidenceThreshold < 0 || o.ConfidenceThreshold > 1 {
		return errors.New("orchestrator.confidence_threshold must be within [0, 1]")
	}
	if o.MaxAttempts < 1 || o.MaxAttempts > 3 {
		return errors.New("orchestrator.max_attempts must be between 1 and 3")
	}
	if o.BaseDelay < time.Second {
		return errors.New("orchestrator.base_delay must be >= 1s")
	}
	if o.BackoffMultiplier < 2 {
		return errors.New("orchestrator.backoff_multiplier must be >= 2")
	}
	if o.CallTimeout <= 0 {
		return errors.New("orchestrator.call_timeout must be > 0")
	}
	if o.MaxParallel < 1 {
		return errors.New("orchestrator.max_parallel must be >= 1")
	}
	switch cfg.Store.Backend {
	case "memory":
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres store")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "natskv":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for the natskv store")
		}
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket is required for the natskv store")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, postgres, natskv", cfg.Store.Backend)
	}
	seen := make(map[string]bool, len(cfg.Registry.Services))
	for _, svc := range cfg.Registry.Services {
		if svc.ID == "" {
			return errors.New("registry.services: id is required")
		}
		if seen[svc.ID] {
			return fmt.Errorf("registry.services: duplicate id %q", svc.ID)
		}
		seen[svc.ID] = true
	}
	return nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

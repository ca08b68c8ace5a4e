// Package config provides YAML configuration loading, environment-variable
// overrides, and validation for the Veriscope server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the Veriscope server.
//
// Every field can be set in the YAML file; the environment variables listed
// per field take precedence when present. A malformed integer environment
// value is a startup error, never a silent default.
type Config struct {
	// HTTPAddr is the listen address for the REST/WebSocket/metrics server.
	// Defaults to ":8080".
	HTTPAddr string `yaml:"http_addr"`

	// DatabaseURL is the PostgreSQL DSN. Env: DATABASE_URL. Required.
	DatabaseURL string `yaml:"database_url"`

	// RedisAddr enables the signal-listing cache when non-empty
	// (e.g. "localhost:6379"). Env: REDIS_ADDR. Optional.
	RedisAddr string `yaml:"redis_addr"`

	// APIKeyPepper is prepended to API keys before hashing.
	// Env: API_KEY_PEPPER. Required when Environment is "prod".
	APIKeyPepper string `yaml:"api_key_pepper"`

	// Environment is "dev" or "prod". Defaults to "dev".
	Environment string `yaml:"environment"`

	// AlertsAPIKey, when set together with AlertsUserID, is accepted as a
	// valid credential without a database lookup (operator override).
	// Env: ALERTS_API_KEY / ALERTS_USER_ID.
	AlertsAPIKey string `yaml:"alerts_api_key"`
	AlertsUserID string `yaml:"alerts_user_id"`

	// OutboxPath is the SQLite file backing the email outbox.
	// Defaults to "veriscope-outbox.db". ":memory:" is valid for tests.
	OutboxPath string `yaml:"outbox_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	AIS      AISConfig      `yaml:"ais"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// AISConfig controls the upstream AIS ingestor.
type AISConfig struct {
	// UpstreamURL is the WebSocket endpoint of the AIS feed.
	UpstreamURL string `yaml:"upstream_url"`

	// UpstreamKey authenticates the subscription. Env: AIS_UPSTREAM_KEY.
	// When empty the ingestor runs in simulation mode.
	UpstreamKey string `yaml:"upstream_key"`

	// MaxQueueSize is the ring-queue capacity; a full queue drops the
	// oldest message. Defaults to 5000.
	MaxQueueSize int `yaml:"max_queue_size"`

	// MaxHashSetSize bounds the dedup fingerprint set. Defaults to 10000.
	MaxHashSetSize int `yaml:"max_hash_set_size"`

	// BatchSize is how many messages each drainer takes per pass.
	// Defaults to 50.
	BatchSize int `yaml:"batch_size"`

	// Workers is the number of queue-drainer goroutines. Defaults to 2.
	Workers int `yaml:"workers"`
}

// AlertingConfig controls candidate dedupe, rate limiting, and delivery.
type AlertingConfig struct {
	// RateLimitPerEndpoint caps deliveries per subscription per run.
	// Env: ALERT_RATE_LIMIT_PER_ENDPOINT. Defaults to 50.
	RateLimitPerEndpoint int `yaml:"rate_limit_per_endpoint"`

	// DedupeTTLHours suppresses repeat sends of the same cluster to the
	// same endpoint. Env: ALERT_DEDUPE_TTL_HOURS. Defaults to 24.
	DedupeTTLHours int `yaml:"dedupe_ttl_hours"`

	// WebhookTimeoutMS is the per-attempt HTTP timeout.
	// Env: WEBHOOK_TIMEOUT_MS. Defaults to 5000.
	WebhookTimeoutMS int `yaml:"webhook_timeout_ms"`

	// WebhookRetryAttempts is the number of HTTP POSTs per send call.
	// Env: WEBHOOK_RETRY_ATTEMPTS. Defaults to 3.
	WebhookRetryAttempts int `yaml:"webhook_retry_attempts"`

	// DLQMaxAttempts is the terminal re-drain limit.
	// Env: DLQ_MAX_ATTEMPTS. Defaults to 10.
	DLQMaxAttempts int `yaml:"dlq_max_attempts"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// DefaultUpstreamURL is the public aisstream.io position-report feed.
const DefaultUpstreamURL = "wss://stream.aisstream.io/v0/stream"

// Load reads the YAML file at path (skipped when path is empty), overlays
// environment variables, applies defaults, and validates the result. It
// returns a typed error describing the first failure encountered.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays the process environment onto cfg. String variables
// replace the YAML value when set; integer variables must parse as positive
// integers or startup fails.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("API_KEY_PEPPER"); v != "" {
		cfg.APIKeyPepper = v
	}
	if v := os.Getenv("ALERTS_API_KEY"); v != "" {
		cfg.AlertsAPIKey = v
	}
	if v := os.Getenv("ALERTS_USER_ID"); v != "" {
		cfg.AlertsUserID = v
	}
	if v := os.Getenv("AIS_UPSTREAM_KEY"); v != "" {
		cfg.AIS.UpstreamKey = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"ALERT_RATE_LIMIT_PER_ENDPOINT", &cfg.Alerting.RateLimitPerEndpoint},
		{"ALERT_DEDUPE_TTL_HOURS", &cfg.Alerting.DedupeTTLHours},
		{"WEBHOOK_TIMEOUT_MS", &cfg.Alerting.WebhookTimeoutMS},
		{"WEBHOOK_RETRY_ATTEMPTS", &cfg.Alerting.WebhookRetryAttempts},
		{"DLQ_MAX_ATTEMPTS", &cfg.Alerting.DLQMaxAttempts},
	}
	for _, e := range ints {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", e.name, v)
		}
		*e.dst = n
	}
	return nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.OutboxPath == "" {
		cfg.OutboxPath = "veriscope-outbox.db"
	}
	if cfg.AIS.UpstreamURL == "" {
		cfg.AIS.UpstreamURL = DefaultUpstreamURL
	}
	if cfg.AIS.MaxQueueSize == 0 {
		cfg.AIS.MaxQueueSize = 5000
	}
	if cfg.AIS.MaxHashSetSize == 0 {
		cfg.AIS.MaxHashSetSize = 10000
	}
	if cfg.AIS.BatchSize == 0 {
		cfg.AIS.BatchSize = 50
	}
	if cfg.AIS.Workers == 0 {
		cfg.AIS.Workers = 2
	}
	if cfg.Alerting.RateLimitPerEndpoint == 0 {
		cfg.Alerting.RateLimitPerEndpoint = 50
	}
	if cfg.Alerting.DedupeTTLHours == 0 {
		cfg.Alerting.DedupeTTLHours = 24
	}
	if cfg.Alerting.WebhookTimeoutMS == 0 {
		cfg.Alerting.WebhookTimeoutMS = 5000
	}
	if cfg.Alerting.WebhookRetryAttempts == 0 {
		cfg.Alerting.WebhookRetryAttempts = 3
	}
	if cfg.Alerting.DLQMaxAttempts == 0 {
		cfg.Alerting.DLQMaxAttempts = 10
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url (or DATABASE_URL) is required"))
	}
	if cfg.Environment != "dev" && cfg.Environment != "prod" {
		errs = append(errs, fmt.Errorf("environment %q must be one of: dev, prod", cfg.Environment))
	}
	if cfg.Environment == "prod" && cfg.APIKeyPepper == "" {
		errs = append(errs, errors.New("api_key_pepper (or API_KEY_PEPPER) is required in prod"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.AIS.MaxQueueSize < 0 || cfg.AIS.MaxHashSetSize < 0 ||
		cfg.AIS.BatchSize < 0 || cfg.AIS.Workers < 0 {
		errs = append(errs, errors.New("ais sizes must be non-negative"))
	}
	if (cfg.AlertsAPIKey == "") != (cfg.AlertsUserID == "") {
		errs = append(errs, errors.New("alerts_api_key and alerts_user_id must be set together"))
	}

	return errors.Join(errs...)
}

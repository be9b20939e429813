// Package config loads service configuration from a YAML file with
// environment-variable overrides, following the precedence this
// codebase has always used: the YAML file sets the baseline, and a
// small set of env vars (the ones operators actually flip between
// environments) override individual fields.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DatabaseURL        string        `yaml:"database_url"`
	HTTPPort           int           `yaml:"http_port"`
	AdminJWTSecret     string        `yaml:"admin_jwt_secret"`
	ProfileCacheTTL    time.Duration `yaml:"profile_cache_ttl"`
	IngestMaxBatch     int           `yaml:"ingest_max_batch"`
	IngestRateLimit    float64       `yaml:"ingest_rate_limit_per_sec"`
	BackfillTick       time.Duration `yaml:"backfill_tick_interval"`
	BackfillPageSize   int           `yaml:"backfill_page_size"`
	WebhookWorkers     int           `yaml:"webhook_workers"`
	WebhookTick        time.Duration `yaml:"webhook_tick_interval"`
	WebhookClaimLimit  int           `yaml:"webhook_claim_limit"`
	WebhookTimeout     time.Duration `yaml:"webhook_request_timeout"`
	WebhookMaxAttempts int           `yaml:"webhook_max_attempts"`
	WebhookBackoffBase time.Duration `yaml:"webhook_backoff_base"`
	WebhookBackoffCap  time.Duration `yaml:"webhook_backoff_cap"`
	WebhookLeaseStale  time.Duration `yaml:"webhook_lease_stale_after"`
	DBMaxConns         int           `yaml:"db_max_conns"`
	DBMinConns         int           `yaml:"db_min_conns"`
	MetricsPort        int           `yaml:"metrics_port"`
}

func Default() Config {
	return Config{
		DatabaseURL:        "postgres://localhost:5432/telemetry?sslmode=disable",
		HTTPPort:           8080,
		ProfileCacheTTL:    60 * time.Second,
		IngestMaxBatch:     10000,
		IngestRateLimit:    0, // 0 = unlimited
		BackfillTick:       5 * time.Second,
		BackfillPageSize:   1000,
		WebhookWorkers:     4,
		WebhookTick:        2 * time.Second,
		WebhookClaimLimit:  50,
		WebhookTimeout:     5 * time.Second,
		WebhookMaxAttempts: 8,
		WebhookBackoffBase: 10 * time.Second,
		WebhookBackoffCap:  time.Hour,
		WebhookLeaseStale:  5 * time.Minute,
		DBMaxConns:         20,
		DBMinConns:         2,
		MetricsPort:        9090,
	}
}

// Load reads a YAML config file, falling back to Default() for any
// field the file omits, then applies env var overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		cfg.AdminJWTSecret = v
	}
	cfg.HTTPPort = getEnvInt("HTTP_PORT", cfg.HTTPPort)
	cfg.IngestMaxBatch = getEnvInt("INGEST_MAX_BATCH", cfg.IngestMaxBatch)
	cfg.WebhookWorkers = getEnvInt("WEBHOOK_WORKERS", cfg.WebhookWorkers)
	cfg.WebhookClaimLimit = getEnvInt("WEBHOOK_CLAIM_LIMIT", cfg.WebhookClaimLimit)
	cfg.WebhookMaxAttempts = getEnvInt("WEBHOOK_MAX_ATTEMPTS", cfg.WebhookMaxAttempts)
	cfg.DBMaxConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.DBMinConns)
	cfg.MetricsPort = getEnvInt("METRICS_PORT", cfg.MetricsPort)
	cfg.IngestRateLimit = getEnvFloat("INGEST_RATE_LIMIT_PER_SEC", cfg.IngestRateLimit)
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// RedactDatabaseURL strips credentials from a database URL before it
// reaches a log line.
func RedactDatabaseURL(raw string) string {
	if raw == "" {
		return raw
	}
	schemeEnd := -1
	for i := 0; i+2 < len(raw); i++ {
		if raw[i] == ':' && raw[i+1] == '/' && raw[i+2] == '/' {
			schemeEnd = i + 3
			break
		}
	}
	if schemeEnd == -1 {
		return raw
	}
	atIdx := -1
	for i := schemeEnd; i < len(raw); i++ {
		if raw[i] == '@' {
			atIdx = i
		}
		if raw[i] == '/' {
			break
		}
	}
	if atIdx == -1 {
		return raw
	}
	return raw[:schemeEnd] + "***:***" + raw[atIdx:]
}

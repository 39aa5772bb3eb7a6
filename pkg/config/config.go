// Package config loads evaluator configuration from the environment,
// with optional per-site YAML profiles layered on top.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the evaluator's runtime configuration.
type Config struct {
	Port     string
	LogLevel string

	PolicyDir string
	DataDir   string

	// SiteProfile selects a profile_<code>.yaml overlay living next to
	// the policy bundles. Empty means no overlay.
	SiteProfile string

	// Outbox backend: sqlite file under DataDir unless DatabaseURL points
	// at Postgres.
	DatabaseURL string

	TicketURL   string
	TicketToken string
	NotifyURL   string

	RedisAddr string

	JWTSecret string

	ReportSeed string

	PluginDir     string
	PluginTimeout time.Duration

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads configuration from environment variables, applying defaults
// suitable for a single-node deployment.
func Load() *Config {
	return &Config{
		Port:          envOr("PORT", "8080"),
		LogLevel:      envOr("LOG_LEVEL", "INFO"),
		PolicyDir:     envOr("POLICY_DIR", "./policies"),
		DataDir:       envOr("DATA_DIR", "./data"),
		SiteProfile:   os.Getenv("SITE_PROFILE"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		TicketURL:     os.Getenv("TICKET_URL"),
		TicketToken:   os.Getenv("TICKET_TOKEN"),
		NotifyURL:     os.Getenv("NOTIFY_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		ReportSeed:    os.Getenv("REPORT_SIGNING_SEED"),
		PluginDir:     os.Getenv("PLUGIN_DIR"),
		PluginTimeout: envDuration("PLUGIN_TIMEOUT", 5*time.Second),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:  os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

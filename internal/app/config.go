package app

import (
	"os"
	"strconv"
	"time"

	"github.com/lukasbauer/negocia/internal/ingest"
	"github.com/lukasbauer/negocia/internal/registry"
	"github.com/lukasbauer/negocia/internal/session"
)

type Config struct {
	HTTPAddr    string
	Environment string
	Version     string
	LogLevel    string
	SentryDSN   string

	// Persistence; Postgres wins when both are set
	DatabaseURL string
	BadgerPath  string

	// Classification
	RulesFile           string
	MinConfidence       float64
	SimilarityThreshold float64
	ContextWindow       int
	MaxFragments        int

	// Ingest backpressure
	IngestRatePerSec float64
	IngestBurst      int

	// Session lifecycle
	IdleAfter      time.Duration
	IdleCloseAfter time.Duration // 0 disables idle auto-close
	Retention      time.Duration
	SweepInterval  time.Duration

	// Webhook idempotency
	IdempotencyTTL time.Duration

	// Admin access
	AdminJWTSecret string

	// Notifications
	DiscordWebhookURL string
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Environment: getenv("ENVIRONMENT", "development"),
		Version:     getenv("VERSION", "dev"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		SentryDSN:   os.Getenv("SENTRY_DSN"),

		DatabaseURL: getenv("DATABASE_URL", ""),
		BadgerPath:  getenv("BADGER_PATH", ""),

		RulesFile:           getenv("RULES_FILE", ""),
		MinConfidence:       getenvFloatClamped("MIN_CONFIDENCE", 0.5, 0, 1),
		SimilarityThreshold: getenvFloatClamped("SIMILARITY_THRESHOLD", 0.6, 0, 1),
		ContextWindow:       getenvIntClamped("CONTEXT_WINDOW", 5, 0, 50),
		MaxFragments:        getenvIntClamped("MAX_FRAGMENTS_PER_SESSION", 5000, 1, 1_000_000),

		IngestRatePerSec: getenvFloatClamped("INGEST_RATE_PER_SEC", 20, 0, 10_000),
		IngestBurst:      getenvIntClamped("INGEST_BURST", 40, 1, 100_000),

		IdleAfter:      getenvDuration("IDLE_AFTER", 2*time.Minute),
		IdleCloseAfter: getenvDuration("IDLE_CLOSE_AFTER", 30*time.Minute),
		Retention:      getenvDuration("RETENTION", 10*time.Minute),
		SweepInterval:  getenvDuration("SWEEP_INTERVAL", 15*time.Second),

		IdempotencyTTL: getenvDuration("IDEMPOTENCY_TTL", 10*time.Minute),

		AdminJWTSecret: os.Getenv("ADMIN_JWT_SECRET"), // empty disables admin endpoints

		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),
	}
}

// SessionConfig returns the aggregator settings.
func (c Config) SessionConfig() session.Config {
	return session.Config{
		MinConfidence:       c.MinConfidence,
		SimilarityThreshold: c.SimilarityThreshold,
		ContextWindow:       c.ContextWindow,
		MaxFragments:        c.MaxFragments,
	}
}

// Policy returns the registry lifecycle policy.
func (c Config) Policy() registry.Policy {
	return registry.Policy{
		IdleAfter:      c.IdleAfter,
		IdleCloseAfter: c.IdleCloseAfter,
		Retention:      c.Retention,
	}
}

// IngestConfig returns the coordinator limits.
func (c Config) IngestConfig() ingest.Config {
	return ingest.Config{RatePerSec: c.IngestRatePerSec, Burst: c.IngestBurst}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// getenvDuration parses a Go duration; negative or invalid values fall back
// to def.
func getenvDuration(k string, def time.Duration) time.Duration {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

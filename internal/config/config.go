// Package config loads the server's typed configuration from environment
// variables, built once into one struct at startup.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every recognised environment option.
type Config struct {
	Environment   string // "development" | "production"
	ListenAddress string
	DatabaseURL   string
	RedisURL      string
	NATSUrl       string

	AuctionTTL           time.Duration
	HeartbeatInterval    time.Duration
	SessionIdle          time.Duration
	DriverStale          time.Duration
	DefaultDispatchRadiusKM float64
	MaxDispatchRadiusKM     float64
	MaxCandidateDrivers     int
	RetentionDays           int

	IdempotencyTTL time.Duration
	RetryAttempts  int
	GeoBackend     string // "memory" | "redis"
}

// Load reads configuration from the process environment, applying defaults
// for anything unset.
func Load() Config {
	return Config{
		Environment:   envOrDefault("ENVIRONMENT", "development"),
		ListenAddress: envOrDefault("LISTEN_ADDRESS", ":8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		NATSUrl:       os.Getenv("NATS_URL"),

		AuctionTTL:              durationSecondsOrDefault("AUCTION_TTL_SECONDS", 120),
		HeartbeatInterval:       durationSecondsOrDefault("HEARTBEAT_INTERVAL_SECONDS", 30),
		SessionIdle:             durationSecondsOrDefault("SESSION_IDLE_SECONDS", 300),
		DriverStale:             durationSecondsOrDefault("DRIVER_STALE_SECONDS", 600),
		DefaultDispatchRadiusKM: floatOrDefault("DEFAULT_DISPATCH_RADIUS_KM", 10),
		MaxDispatchRadiusKM:     floatOrDefault("MAX_DISPATCH_RADIUS_KM", 50),
		MaxCandidateDrivers:     intOrDefault("MAX_CANDIDATE_DRIVERS", 10),
		RetentionDays:           intOrDefault("RETENTION_DAYS", 30),

		IdempotencyTTL: durationSecondsOrDefault("IDEMPOTENCY_TTL_SECONDS", 1800),
		RetryAttempts:  intOrDefault("RETRY_ATTEMPTS", 3),
		GeoBackend:     envOrDefault("GEO_BACKEND", "memory"),
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func floatOrDefault(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func durationSecondsOrDefault(key string, fallbackSeconds int) time.Duration {
	return time.Duration(intOrDefault(key, fallbackSeconds)) * time.Second
}

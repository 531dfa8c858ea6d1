package config

import (
	"context"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the call-data service.
type Config struct {
	// Database
	DBURL  string
	DBName string

	// Connection retry budget for the startup liveness probe.
	DBConnectAttempts int

	// Timezone is the civil timezone used to interpret date-only bounds
	// and to render display timestamps.
	Timezone string

	// Cache backend type: "none" or "redis".
	CacheType string
	RedisURL  string
	CacheTTL  time.Duration

	// Maximum store operations dispatched to the database concurrently.
	StoreMaxConcurrent int64

	// Server
	Port              int
	ReadHeaderTimeout time.Duration
	DrainTimeout      time.Duration
	MaxBodySize       int64
	AccessLog         bool

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DBName:             "call_data",
		DBConnectAttempts:  3,
		Timezone:           "Asia/Kolkata",
		CacheType:          "none",
		CacheTTL:           10 * time.Minute,
		StoreMaxConcurrent: 64,
		Port:               8080,
		ReadHeaderTimeout:  5 * time.Second,
		DrainTimeout:       30 * time.Second,
		MaxBodySize:        4 * 1024 * 1024,
		AccessLog:          true,
		MetricsLabels:      "service=calldata-service",
	}
}

// Package config loads the trade engine's runtime configuration from the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration.
type Config struct {
	Port     int
	LogLevel string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	JWTSecret    string
	AuthDisabled bool

	PriceFeedURL string
	QuoteAPIURL  string
	QuoteTimeout time.Duration

	InitialCapital      decimal.Decimal
	ProposalTTL         time.Duration
	ExpirySweepInterval time.Duration
	DefaultRoomCapacity int
	ExecutionWorkers    int

	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d out of range", port)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	authDisabled, err := getBool("AUTH_DISABLED", false)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_DISABLED: %w", err)
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" && !authDisabled {
		return nil, errors.New("JWT_SECRET is required unless AUTH_DISABLED=true")
	}

	quoteTimeout, err := getDuration("QUOTE_TIMEOUT", 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTE_TIMEOUT: %w", err)
	}

	capital, err := decimal.NewFromString(getStr("INITIAL_CAPITAL", "10000000"))
	if err != nil {
		return nil, fmt.Errorf("invalid INITIAL_CAPITAL: %w", err)
	}
	if !capital.IsPositive() {
		return nil, fmt.Errorf("invalid INITIAL_CAPITAL: %s must be positive", capital)
	}

	ttl, err := getDuration("PROPOSAL_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("invalid PROPOSAL_TTL: %w", err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid PROPOSAL_TTL: %v must be positive", ttl)
	}

	sweep, err := getDuration("EXPIRY_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid EXPIRY_SWEEP_INTERVAL: %w", err)
	}
	if sweep <= 0 {
		return nil, fmt.Errorf("invalid EXPIRY_SWEEP_INTERVAL: %v must be positive", sweep)
	}

	capacity, err := getInt("DEFAULT_ROOM_CAPACITY", 3)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_ROOM_CAPACITY: %w", err)
	}
	if capacity < 1 || capacity > 10 {
		return nil, fmt.Errorf("invalid DEFAULT_ROOM_CAPACITY: %d, must be 1..10", capacity)
	}

	workers, err := getInt("EXECUTION_WORKERS", 8)
	if err != nil {
		return nil, fmt.Errorf("invalid EXECUTION_WORKERS: %w", err)
	}
	if workers < 1 {
		return nil, fmt.Errorf("invalid EXECUTION_WORKERS: %d must be positive", workers)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:                port,
		LogLevel:            logLevel,
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		CacheTTL:            cacheTTL,
		JWTSecret:           secret,
		AuthDisabled:        authDisabled,
		PriceFeedURL:        os.Getenv("PRICE_FEED_URL"),
		QuoteAPIURL:         os.Getenv("QUOTE_API_URL"),
		QuoteTimeout:        quoteTimeout,
		InitialCapital:      capital,
		ProposalTTL:         ttl,
		ExpirySweepInterval: sweep,
		DefaultRoomCapacity: capacity,
		ExecutionWorkers:    workers,
		ShutdownTimeout:     shutdownTimeout,
	}, nil
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

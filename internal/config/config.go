package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	// Storage
	StorageDriver string // memory, sqlite, postgres, redis, pebble
	SQLitePath    string
	DatabaseURL   string
	RedisURL      string
	PebblePath    string

	// Ledger
	LedgerRPCURL             string // empty selects the in-memory ledger
	LedgerTimeout            time.Duration
	LedgerCheckDiscriminator bool

	// Rooms
	FetchTimeout    time.Duration
	RoomIdleTimeout time.Duration
	SweepCron       string

	// Auth
	TokenMaxAge  time.Duration // 0 disables expiry
	TokenMaxSkew time.Duration
	AdminToken   string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on invalid or non-durable settings.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}
	cfg := &Config{
		Port:                     e.str("PORT", "8080"),
		Env:                      e.str("ENV", "development"),
		StorageDriver:            strings.ToLower(e.str("STORAGE_DRIVER", "sqlite")),
		SQLitePath:               e.str("SQLITE_PATH", "./data/questrelay.db"),
		DatabaseURL:              getenv("DATABASE_URL"),
		RedisURL:                 getenv("REDIS_URL"),
		PebblePath:               e.str("PEBBLE_PATH", "./data/pebble"),
		LedgerRPCURL:             getenv("LEDGER_RPC_URL"),
		LedgerTimeout:            e.duration("LEDGER_TIMEOUT", 5*time.Second),
		LedgerCheckDiscriminator: e.str("LEDGER_CHECK_DISCRIMINATOR", "true") == "true",
		FetchTimeout:             e.duration("FETCH_TIMEOUT", 5*time.Second),
		RoomIdleTimeout:          e.duration("ROOM_IDLE_TIMEOUT", 5*time.Minute),
		SweepCron:                e.str("SWEEP_CRON", "* * * * *"),
		TokenMaxAge:              e.duration("TOKEN_MAX_AGE", 24*time.Hour),
		TokenMaxSkew:             e.duration("TOKEN_MAX_SKEW", 30*time.Second),
		AdminToken:               getenv("ADMIN_TOKEN"),
		AutoBlockEnabled:         e.str("AUTO_BLOCK_ENABLED", "false") == "true",
	}
	if e.err != nil {
		return nil, e.err
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageDriver {
	case "memory", "sqlite", "pebble":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}

	if c.Env == "production" {
		if c.StorageDriver == "memory" {
			return fmt.Errorf("STORAGE_DRIVER must be durable in production")
		}
		if c.LedgerRPCURL == "" {
			return fmt.Errorf("LEDGER_RPC_URL is required in production")
		}
	}
	return nil
}

// StorageDSN returns the connection string for the configured driver.
func (c *Config) StorageDSN() string {
	switch c.StorageDriver {
	case "sqlite":
		return c.SQLitePath
	case "postgres":
		return c.DatabaseURL
	case "redis":
		return c.RedisURL
	case "pebble":
		return c.PebblePath
	}
	return ""
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// env collects the first parse error.
type env struct {
	get func(string) string
	err error
}

func (e *env) str(key, defaultValue string) string {
	if value := e.get(key); value != "" {
		return value
	}
	return defaultValue
}

// duration accepts Go durations ("5s") or plain seconds ("5").
func (e *env) duration(key string, defaultValue time.Duration) time.Duration {
	value := e.get(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return d
}

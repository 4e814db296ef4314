// Package config loads the broker's environment-variable configuration.
// Every setting is sourced from the process environment rather than
// flags or a file: the broker is expected to run as a container
// workload where env vars are the deployment boundary.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the fully-resolved, validated configuration for cmd/brokerd.
type Config struct {
	// DatabaseURL is the Postgres connection string for internal/store.
	// Required: the broker has no durable-store fallback.
	DatabaseURL string

	// RedisURL, when empty, switches RateLimiter to an in-memory-only
	// limiter and SecretStore to its in-memory bootstrap mode; neither
	// survives a restart or is shared across replicas in that mode.
	RedisURL string

	// JWTSecretKey bootstraps the in-memory SecretStore's signing key
	// when RedisURL is empty. With Redis configured it is not used: the
	// Redis-backed store generates its own initial key.
	JWTSecretKey string

	// AccessTokenExpire is the default credential lifetime a broker
	// request receives when it doesn't ask for one explicitly.
	AccessTokenExpire time.Duration

	// GlobalMaxCredentialLifetime bounds the longest lifetime any policy
	// may grant, regardless of what it requests.
	GlobalMaxCredentialLifetime time.Duration

	// RateLimit and RateLimitWindow are the broker-wide ceiling; Tool.RateLimitOverride
	// takes precedence per-tool where set.
	RateLimit       int
	RateLimitWindow time.Duration

	// LogLevel is parsed by the zap level setup in cmd/brokerd (debug,
	// info, warn, error).
	LogLevel string
}

// env var names, collected here so Load and its tests agree on spelling.
const (
	envDatabaseURL              = "DATABASE_URL"
	envRedisURL                 = "REDIS_URL"
	envJWTSecretKey             = "JWT_SECRET_KEY"
	envAccessTokenExpireSeconds = "ACCESS_TOKEN_EXPIRE_SECONDS"
	envGlobalMaxLifetimeSeconds = "GLOBAL_MAX_CREDENTIAL_LIFETIME_SECONDS"
	envRateLimit                = "RATE_LIMIT"
	envRateLimitWindowSeconds   = "RATE_LIMIT_WINDOW_SECONDS"
	envLogLevel                 = "LOG_LEVEL"

	defaultAccessTokenExpireSecs = 1800
	defaultGlobalMaxLifetimeSecs = 86400
	defaultRateLimit             = 100
	defaultRateLimitWindowSecs   = 60
	defaultLogLevel              = "info"
)

// Load reads Config from the process environment, applying the spec's
// documented defaults for anything unset, then validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:  os.Getenv(envDatabaseURL),
		RedisURL:     os.Getenv(envRedisURL),
		JWTSecretKey: os.Getenv(envJWTSecretKey),
		LogLevel:     envOrDefault(envLogLevel, defaultLogLevel),
	}

	accessExpireSecs, err := envSecondsOrDefault(envAccessTokenExpireSeconds, defaultAccessTokenExpireSecs)
	if err != nil {
		return nil, err
	}
	cfg.AccessTokenExpire = time.Duration(accessExpireSecs) * time.Second

	globalMaxSecs, err := envSecondsOrDefault(envGlobalMaxLifetimeSeconds, defaultGlobalMaxLifetimeSecs)
	if err != nil {
		return nil, err
	}
	cfg.GlobalMaxCredentialLifetime = time.Duration(globalMaxSecs) * time.Second

	rateLimit, err := envIntOrDefault(envRateLimit, defaultRateLimit)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit = rateLimit

	rateLimitWindowSecs, err := envSecondsOrDefault(envRateLimitWindowSeconds, defaultRateLimitWindowSecs)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(rateLimitWindowSecs) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants Load's parsing can't enforce on its own.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: %s is required", envDatabaseURL)
	}
	if c.JWTSecretKey == "" {
		return fmt.Errorf("config: %s is required", envJWTSecretKey)
	}
	if len(c.JWTSecretKey) < 32 {
		return fmt.Errorf("config: %s must be at least 32 bytes", envJWTSecretKey)
	}
	if c.AccessTokenExpire <= 0 {
		return fmt.Errorf("config: %s must be positive", envAccessTokenExpireSeconds)
	}
	if c.GlobalMaxCredentialLifetime < c.AccessTokenExpire {
		return fmt.Errorf("config: %s must be >= %s", envGlobalMaxLifetimeSeconds, envAccessTokenExpireSeconds)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("config: %s must be positive", envRateLimit)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("config: %s must be positive", envRateLimitWindowSeconds)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: %s must be one of debug, info, warn, error", envLogLevel)
	}
	return nil
}

// UsesExternalRateLimit reports whether RedisURL was supplied, i.e.
// whether the caller should wire ratelimit.NewRedisLimiter instead of
// the in-memory fallback.
func (c *Config) UsesExternalRateLimit() bool {
	return c.RedisURL != ""
}

func envOrDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return n, nil
}

func envSecondsOrDefault(name string, fallback int) (int, error) {
	return envIntOrDefault(name, fallback)
}

// Package config loads the engine's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the payment engine.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store
	RedisURL    string // empty disables caching; quotes stay in memory
	NATSURL     string // empty disables NATS publishing

	LedgerRPCURL  string
	LedgerTimeout time.Duration

	GatewayEnabled bool
	GatewayURL     string
	GatewayTimeout time.Duration

	VerifyAttempts   int
	VerifyBackoff    time.Duration
	VerifyMaxBackoff time.Duration

	QuoteTTL        time.Duration
	CacheTTL        time.Duration
	ShutdownTimeout time.Duration
}

// Load reads the configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		NATSURL:        os.Getenv("NATS_URL"),
		LedgerRPCURL:   getEnv("LEDGER_RPC_URL", "https://api.mainnet-beta.solana.com"),
		GatewayEnabled: getEnvBool("GATEWAY_ENABLED", false),
		GatewayURL:     getEnv("GATEWAY_URL", "https://transaction.sanctum.so"),
		VerifyAttempts: getEnvInt("VERIFY_ATTEMPTS", 3),
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"LEDGER_TIMEOUT", "12s", &cfg.LedgerTimeout},
		{"GATEWAY_TIMEOUT", "5s", &cfg.GatewayTimeout},
		{"VERIFY_BACKOFF", "500ms", &cfg.VerifyBackoff},
		{"VERIFY_MAX_BACKOFF", "4s", &cfg.VerifyMaxBackoff},
		{"QUOTE_TTL", "10m", &cfg.QuoteTTL},
		{"CACHE_TTL", "30s", &cfg.CacheTTL},
		{"SHUTDOWN_TIMEOUT", "15s", &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, "PORT must be numeric")
	}
	if !validURL(c.LedgerRPCURL, "http", "https") {
		errs = append(errs, "LEDGER_RPC_URL must be an http(s) URL")
	}
	if c.GatewayEnabled && !validURL(c.GatewayURL, "http", "https") {
		errs = append(errs, "GATEWAY_URL must be an http(s) URL when the gateway is enabled")
	}
	if c.LedgerTimeout <= 0 || c.LedgerTimeout > time.Minute {
		errs = append(errs, "LEDGER_TIMEOUT must be between 1ms and 1m")
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, "GATEWAY_TIMEOUT must be > 0")
	}
	if c.VerifyAttempts < 1 {
		errs = append(errs, "VERIFY_ATTEMPTS must be >= 1")
	}
	if c.VerifyBackoff < 0 || c.VerifyMaxBackoff < c.VerifyBackoff {
		errs = append(errs, "VERIFY_BACKOFF must be >= 0 and <= VERIFY_MAX_BACKOFF")
	}
	if c.QuoteTTL <= 0 {
		errs = append(errs, "QUOTE_TTL must be > 0")
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, "CACHE_TTL must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, "SHUTDOWN_TIMEOUT must be > 0")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, def))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

// Package config loads the core's runtime configuration: environment
// variables with defaults, extended with every key §6 enumerates, plus a
// YAML-based named-profile
// loader for CLI-driven overrides.
package config

import (
	"os"
	"strconv"
)

// Config holds every configuration key with an effect enumerated in §6.
type Config struct {
	ProviderCapabilityCacheTTLMs int64
	WriterLockTTLMs              int64
	ServiceRequestTimeoutMs       int64
	ServiceRetryMaxAttempts       int
	ServiceRetryBaseDelayMs       int64
	ServiceRetryMaxDelayMs        int64
	ExtRequestPollIntervalMs      int64
	ExtRequestExpiryMs            int64
	ImportMaxBundleBytes          int64
	ImportMaxObjectCount          int
	URLImportMaxPayloadBytes      int64
	ABIMaxBytes                   int64
	CommandLatencyBudgetMs        int64
	RehydrationBudgetMs           int64
	AllowLegacyEthSign            bool

	LogLevel    string
	DatabaseURL string
}

// Load reads configuration from environment variables, falling back to
// the documented defaults (§6) for anything unset.
func Load() *Config {
	return &Config{
		ProviderCapabilityCacheTTLMs: envInt64("PROVIDER_CAPABILITY_CACHE_TTL_MS", 60_000),
		WriterLockTTLMs:              envInt64("WRITER_LOCK_TTL_MS", 30_000),
		ServiceRequestTimeoutMs:       envInt64("SERVICE_REQUEST_TIMEOUT_MS", 10_000),
		ServiceRetryMaxAttempts:       envInt("SERVICE_RETRY_MAX_ATTEMPTS", 5),
		ServiceRetryBaseDelayMs:       envInt64("SERVICE_RETRY_BASE_DELAY_MS", 250),
		ServiceRetryMaxDelayMs:        envInt64("SERVICE_RETRY_MAX_DELAY_MS", 8_000),
		ExtRequestPollIntervalMs:      envInt64("EXT_REQUEST_POLL_INTERVAL_MS", 2_000),
		ExtRequestExpiryMs:            envInt64("EXT_REQUEST_EXPIRY_MS", 300_000),
		ImportMaxBundleBytes:          envInt64("IMPORT_MAX_BUNDLE_BYTES", 5_000_000),
		ImportMaxObjectCount:          envInt("IMPORT_MAX_OBJECT_COUNT", 500),
		URLImportMaxPayloadBytes:      envInt64("URL_IMPORT_MAX_PAYLOAD_BYTES", 16_384),
		ABIMaxBytes:                   envInt64("ABI_MAX_BYTES", 131_072),
		CommandLatencyBudgetMs:        envInt64("COMMAND_LATENCY_BUDGET_MS", 150),
		RehydrationBudgetMs:           envInt64("REHYDRATION_BUDGET_MS", 1_500),
		AllowLegacyEthSign:            envBool("ALLOW_LEGACY_ETH_SIGN", false),
		LogLevel:                      envString("LOG_LEVEL", "info"),
		DatabaseURL:                   envString("DATABASE_URL", ""),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

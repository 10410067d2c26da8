package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	DatabaseURL string
	LogLevel    string

	JWTSecret    string
	JWTIssuer    string
	JWTClockSkew time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateLimitPerMinute int
	RateLimitMaxKeys   int

	BatchInterval   time.Duration
	BatchMaxEntries int
	BatchMinEntries int

	AnchorTimeout     time.Duration
	AnchorBackoffBase time.Duration
	AnchorBackoffMax  time.Duration

	LedgerURL    string
	LedgerAPIKey string

	TONEnabled       bool
	TONNetwork       string
	TONConfigURL     string
	TONWalletSeed    string
	TONAnchorAddress string

	SweepSchedule string
	OPAPolicyDir  string

	ShutdownGrace time.Duration
}

func FromEnv() Config {
	return Config{
		HTTPAddr:    envDefault("HTTP_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    envDefault("LOG_LEVEL", "info"),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		JWTIssuer:    envDefault("JWT_ISSUER", "asclepius"),
		JWTClockSkew: envDurationDefault("JWT_CLOCK_SKEW", time.Minute),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envIntDefault("REDIS_DB", 0),

		RateLimitPerMinute: envIntDefault("RATE_LIMIT_PER_MINUTE", 0),
		RateLimitMaxKeys:   envIntDefault("RATE_LIMIT_MAX_KEYS", 10000),

		BatchInterval:   envDurationDefault("BATCH_INTERVAL", time.Minute),
		BatchMaxEntries: envIntDefault("BATCH_MAX_ENTRIES", 512),
		BatchMinEntries: envIntDefault("BATCH_MIN_ENTRIES", 1),

		AnchorTimeout:     envDurationDefault("ANCHOR_TIMEOUT", 10*time.Second),
		AnchorBackoffBase: envDurationDefault("ANCHOR_BACKOFF_BASE", 30*time.Second),
		AnchorBackoffMax:  envDurationDefault("ANCHOR_BACKOFF_MAX", 10*time.Minute),

		LedgerURL:    os.Getenv("LEDGER_URL"),
		LedgerAPIKey: os.Getenv("LEDGER_API_KEY"),

		TONEnabled:       envBoolDefault("TON_ENABLED", false),
		TONNetwork:       envDefault("TON_NETWORK", "testnet"),
		TONConfigURL:     os.Getenv("TON_CONFIG_URL"),
		TONWalletSeed:    os.Getenv("TON_WALLET_SEED"),
		TONAnchorAddress: os.Getenv("TON_ANCHOR_ADDRESS"),

		SweepSchedule: envDefault("SWEEP_SCHEDULE", "@hourly"),
		OPAPolicyDir:  os.Getenv("OPA_POLICY_DIR"),

		ShutdownGrace: envDurationDefault("SHUTDOWN_GRACE", 15*time.Second),
	}
}

// RateLimitWindow is fixed at one minute; RATE_LIMIT_PER_MINUTE counts
// requests per actor within it.
func (c Config) RateLimitWindow() time.Duration {
	return time.Minute
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func envBoolDefault(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "No":
		return false
	default:
		return def
	}
}

func envDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds every recognized setting. Values are resolved from the
// environment exactly once at startup; nothing mutates at runtime.
type Config struct {
	NodeURL    string
	NodeAPIKey string

	DatabaseURL string

	PollInterval    time.Duration
	BatchSize       int
	MaxWorkers      int
	InitialHeight   uint64
	MaxReorgDepth   uint64
	MaxBlockRetries int
	RequestTimeout  time.Duration

	CacheEnabled bool
	CacheDir     string
	CacheTTL     time.Duration

	// NetworkPrefix selects the address derivation network:
	// 0x00 mainnet, 0x10 testnet.
	NetworkPrefix byte

	Port string
}

// Load reads the full configuration from the environment.
// Required variables abort startup when missing.
func Load() Config {
	return Config{
		NodeURL:     getEnvOrDefault("NODE_URL", "http://127.0.0.1:9053"),
		NodeAPIKey:  os.Getenv("NODE_API_KEY"),
		DatabaseURL: requireEnv("DATABASE_URL"),

		PollInterval:    time.Duration(intEnv("POLL_INTERVAL_MS", 5000)) * time.Millisecond,
		BatchSize:       intEnv("BATCH_SIZE", 20),
		MaxWorkers:      intEnv("MAX_WORKERS", 5),
		InitialHeight:   uint64(intEnv("INITIAL_HEIGHT", 0)),
		MaxReorgDepth:   uint64(intEnv("MAX_REORG_DEPTH", 720)),
		MaxBlockRetries: intEnv("MAX_BLOCK_RETRIES", 5),
		RequestTimeout:  time.Duration(intEnv("REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,

		CacheEnabled: boolEnv("CACHE_ENABLED", true),
		CacheDir:     getEnvOrDefault("CACHE_DIR", "./data/blockcache"),
		CacheTTL:     time.Duration(intEnv("CACHE_TTL_S", 3600)) * time.Second,

		NetworkPrefix: byte(intEnv("NETWORK_PREFIX", 0x00)),

		Port: getEnvOrDefault("PORT", "5340"),
	}
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Fatalf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Fatalf("FATAL: %s must be an integer, got %q", key, val)
	}
	return n
}

func boolEnv(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		log.Fatalf("FATAL: %s must be a boolean, got %q", key, val)
	}
	return b
}

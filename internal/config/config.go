package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime configuration for the batching dispatcher core:
// remote transport endpoints, batch sizing, replay buffer shape, and
// the ambient timeouts every blocking primitive needs.
type Config struct {
	// Remote sender/receiver endpoints.
	ControlEndpoint string
	DataEndpoints   []string
	ReceiverControl string

	// SharedMem batch sizing defaults, overridable per slot at
	// allocation time.
	DefaultBatchSize    int
	DefaultMinBatchSize int
	DefaultTimeout      time.Duration

	// Replay buffer shape.
	ReplayShards   int
	ReplayMaxSize  int
	ReplayMinSize  int
	ReplaySeed     int64

	// Dispatcher loop cadence.
	DispatcherPollInterval time.Duration

	// Stats HTTP surface.
	StatsHost string
	StatsPort int

	// Optional durable sinks.
	EnableSQLiteStore   bool
	SQLitePath          string
	EnablePostgresStore bool
	PostgresURL         string
}

// Load reads configuration from .env files and the environment,
// falling back to defaults for anything unset.
func Load() Config {
	loadEnvironmentConfig()

	cfg := Config{
		ControlEndpoint:        getEnv("REMOTE_CONTROL_ENDPOINT", "tcp://127.0.0.1:7000"),
		DataEndpoints:          getEnvSlice("REMOTE_DATA_ENDPOINTS", []string{"tcp://127.0.0.1:7001", "tcp://127.0.0.1:7002"}),
		ReceiverControl:        getEnv("REMOTE_RECEIVER_CONTROL", "tcp://127.0.0.1:7000"),
		DefaultBatchSize:       getEnvInt("DEFAULT_BATCH_SIZE", 64),
		DefaultMinBatchSize:    getEnvInt("DEFAULT_MIN_BATCH_SIZE", 1),
		DefaultTimeout:         time.Duration(getEnvInt("DEFAULT_TIMEOUT_MS", 1000)) * time.Millisecond,
		ReplayShards:           getEnvInt("REPLAY_SHARDS", 8),
		ReplayMaxSize:          getEnvInt("REPLAY_MAX_SIZE", 10000),
		ReplayMinSize:          getEnvInt("REPLAY_MIN_SIZE", 10),
		ReplaySeed:             int64(getEnvInt("REPLAY_SEED", 1)),
		DispatcherPollInterval: time.Duration(getEnvInt("DISPATCHER_POLL_MS", 1000)) * time.Millisecond,
		StatsHost:              getEnv("STATS_HOST", "0.0.0.0"),
		StatsPort:              getEnvInt("STATS_PORT", 8090),
		EnableSQLiteStore:      getEnvBool("ENABLE_SQLITE_STORE", false),
		SQLitePath:             getEnv("SQLITE_PATH", "./dispatcher.db"),
		EnablePostgresStore:    getEnvBool("ENABLE_POSTGRES_STORE", false),
		PostgresURL:            getEnv("POSTGRES_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: validation error: %v", err)
	}
	return cfg
}

// Validate fills in any defaults a zero-value field would otherwise
// leave unusable and fails fast on invalid combinations.
func (c *Config) Validate() error {
	if c.ReplayShards <= 0 {
		c.ReplayShards = 8
	}
	if c.ReplayShards%2 != 0 {
		return fmt.Errorf("config: REPLAY_SHARDS must be even, got %d", c.ReplayShards)
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 1
	}
	if c.DefaultMinBatchSize <= 0 {
		c.DefaultMinBatchSize = 1
	}
	if c.DefaultMinBatchSize > c.DefaultBatchSize {
		return fmt.Errorf("config: DEFAULT_MIN_BATCH_SIZE (%d) exceeds DEFAULT_BATCH_SIZE (%d)",
			c.DefaultMinBatchSize, c.DefaultBatchSize)
	}
	if c.EnablePostgresStore && c.PostgresURL == "" {
		return fmt.Errorf("config: ENABLE_POSTGRES_STORE requires POSTGRES_URL")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || v == "true"
	}
	return def
}

func getEnvSlice(key string, def []string) []string {
	if v := os.Getenv(key); v == "" {
		return def
	} else {
		return splitComma(v)
	}
}

func splitComma(v string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// loadEnvironmentConfig loads .env then any dispatcher-specific
// override file, so deployment-specific values can win over defaults.
func loadEnvironmentConfig() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded .env")
	} else {
		log.Printf("config: no .env file found, using system environment")
	}
	if err := godotenv.Overload(".env.dispatcher"); err == nil {
		log.Printf("config: loaded .env.dispatcher overrides")
	}
}

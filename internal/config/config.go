// Package config loads service configuration from the environment. A .env
// file in the working directory is read first if present; real environment
// variables take precedence.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultStartingBalance is credited to every account at registration.
const DefaultStartingBalance int64 = 1000

type Config struct {
	Port string

	DatabaseURL   string
	RunMigrations bool

	RedisURL string
	CacheTTL time.Duration

	AMQPURL      string
	AMQPExchange string

	LogLevel slog.Level

	StartingBalance int64

	// ZeroDQScores makes disqualified task results count as zero points
	// in reward totals and winner resolution.
	ZeroDQScores bool
}

// Load reads configuration, applying defaults for anything unset.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8080"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RunMigrations: getEnvBool("RUN_MIGRATIONS", true),

		RedisURL: os.Getenv("REDIS_URL"),
		CacheTTL: getEnvDuration("CACHE_TTL", 30*time.Second),

		AMQPURL:      os.Getenv("AMQP_URL"),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "compound.ledger"),

		LogLevel: parseLevel(getEnv("LOG_LEVEL", "info")),

		StartingBalance: getEnvInt64("STARTING_BALANCE", DefaultStartingBalance),
		ZeroDQScores:    getEnvBool("ZERO_DQ_SCORES", false),
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvInt64(key string, defaultValue int64) int64 {
	v, err := strconv.ParseInt(os.Getenv(key), 10, 64)
	if err != nil || v < 0 {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

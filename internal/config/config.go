package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Lock backends for the refresh lock.
const (
	LockPostgres = "postgres"
	LockRedis    = "redis"
	LockMemory   = "memory"
)

// Config holds application configuration
type Config struct {
	Port        int
	DatabaseURL string
	RedisURL    string
	LogLevel    string
	LogPretty   bool

	LockBackend   string
	PriceCacheTTL time.Duration

	RefreshSchedule     string // cron spec with seconds; empty disables
	RefreshLookbackDays int
	RefreshTimeout      time.Duration
	RequestTimeout      time.Duration

	UnclassifiedMaterialityPct float64
	AllowedOrigins             []string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnvAsInt("PORT", 8080),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogPretty:   getEnvAsBool("LOG_PRETTY", false),

		LockBackend:   strings.ToLower(getEnv("LOCK_BACKEND", "")),
		PriceCacheTTL: getEnvAsDuration("PRICE_CACHE_TTL", 5*time.Minute),

		RefreshSchedule:     getEnv("REFRESH_SCHEDULE", ""),
		RefreshLookbackDays: getEnvAsInt("REFRESH_LOOKBACK_DAYS", 7),
		RefreshTimeout:      getEnvAsDuration("REFRESH_TIMEOUT", 10*time.Minute),
		RequestTimeout:      getEnvAsDuration("REQUEST_TIMEOUT", 60*time.Second),

		UnclassifiedMaterialityPct: getEnvAsFloat("UNCLASSIFIED_MATERIALITY_PCT", 0.5),
		AllowedOrigins:             getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}

	// The lock lives next to the data unless told otherwise.
	if cfg.LockBackend == "" {
		cfg.LockBackend = LockMemory
		if cfg.DatabaseURL != "" {
			cfg.LockBackend = LockPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and consistent
func (c *Config) Validate() error {
	switch c.LockBackend {
	case LockPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("LOCK_BACKEND=postgres requires DATABASE_URL")
		}
	case LockRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_URL")
		}
	case LockMemory:
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.RefreshLookbackDays < 0 {
		return fmt.Errorf("REFRESH_LOOKBACK_DAYS must not be negative")
	}
	if c.UnclassifiedMaterialityPct < 0 {
		return fmt.Errorf("UNCLASSIFIED_MATERIALITY_PCT must not be negative")
	}
	if c.PriceCacheTTL <= 0 {
		return fmt.Errorf("PRICE_CACHE_TTL must be positive")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

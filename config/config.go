/*
Package config loads the service configuration.

Values come from an optional config.yaml (in "." or "./config") and are
overridden by environment variables of the same name. Command-line flags in
cmd/server override both.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values.
type Config struct {
	AppPort  string `mapstructure:"APP_PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// DBPath is a SQLite file path, ":memory:", or "memory" for the map store.
	DBPath string `mapstructure:"DB_PATH"`

	// Mentor lock: "memory" (single instance) or "redis".
	LockBackend   string        `mapstructure:"LOCK_BACKEND"`
	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	LockTTL       time.Duration `mapstructure:"LOCK_TTL"`

	RetryAttempts   int    `mapstructure:"RETRY_ATTEMPTS"`
	RateLimitPerMin int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	AllowedOrigins  string `mapstructure:"ALLOWED_ORIGINS"`
	SeedScenario    string `mapstructure:"SEED_SCENARIO"`
}

const (
	LockMemory = "memory"
	LockRedis  = "redis"

	// MemoryDB selects the in-memory store.
	MemoryDB = "memory"
)

var keys = map[string]any{
	"APP_PORT":           "8080",
	"ENV":                "development",
	"LOG_LEVEL":          "info",
	"DB_PATH":            "booking.db",
	"LOCK_BACKEND":       LockMemory,
	"REDIS_ADDR":         "localhost:6379",
	"REDIS_PASSWORD":     "",
	"REDIS_DB":           0,
	"LOCK_TTL":           "10s",
	"RETRY_ATTEMPTS":     3,
	"RATE_LIMIT_PER_MIN": 300,
	"ALLOWED_ORIGINS":    "*",
	"SEED_SCENARIO":      "",
}

// Load reads the config file, if any, then the environment.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	for key, def := range keys {
		v.SetDefault(key, def)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.LockBackend {
	case LockMemory, LockRedis:
	default:
		return fmt.Errorf("LOCK_BACKEND must be %q or %q, got %q", LockMemory, LockRedis, c.LockBackend)
	}
	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts)
	}
	if c.LockBackend == LockRedis && c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	return nil
}

func (c Config) IsProduction() bool { return c.Env == "production" }

// UsesMemoryStore reports whether DBPath selects the map store.
func (c Config) UsesMemoryStore() bool { return c.DBPath == MemoryDB }

// Origins splits ALLOWED_ORIGINS on commas.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string

	CacheBackend    string // "memory" or "redis"
	RedisAddr       string
	CacheTTL        time.Duration
	CacheMaxEntries int
	CacheVersion    string

	DeepSeekBaseURL string
	DeepSeekAPIKey  string
	DeepSeekModel   string

	LongThreshold  int
	RequestTimeout time.Duration
	RitualCeiling  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		Port:            getenv("PORT", "8080"),
		CacheBackend:    getenv("CACHE_BACKEND", "memory"),
		RedisAddr:       getenv("REDIS_ADDR", "127.0.0.1:6379"),
		CacheVersion:    getenv("CACHE_VERSION", "v1"),
		DeepSeekBaseURL: getenv("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		DeepSeekModel:   getenv("DEEPSEEK_MODEL", "deepseek-chat"),
	}

	var err error
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.CacheMaxEntries, err = getInt("CACHE_MAX_ENTRIES", 100); err != nil {
		return Config{}, err
	}
	if cfg.LongThreshold, err = getInt("LONG_THRESHOLD", 300); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 90*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.RitualCeiling, err = getDuration("RITUAL_CEILING", 3*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitRPS, err = getFloat("RATE_LIMIT_RPS", 5); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 10); err != nil {
		return Config{}, err
	}

	if cfg.CacheBackend != "memory" && cfg.CacheBackend != "redis" {
		return Config{}, fmt.Errorf("CACHE_BACKEND: want memory or redis, got %q", cfg.CacheBackend)
	}
	return cfg, nil
}

// CachePrefix namespaces persistent cache keys by version.
func (c Config) CachePrefix() string {
	return "wizardchat:" + c.CacheVersion
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %d", key, n)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("%s: must not be negative, got %v", key, f)
	}
	return f, nil
}

// getDuration accepts Go durations ("90s") or bare seconds ("90").
func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

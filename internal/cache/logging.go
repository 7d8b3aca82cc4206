package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wizardchat/internal/metrics"
	"wizardchat/pkg/logging"
)

// LoggingBackend wraps a Backend with logging + metrics.
type LoggingBackend struct {
	inner Backend
	tier  string
}

// NewLoggingBackend returns a backend that logs and records metrics under
// the given tier name ("memory", "redis").
func NewLoggingBackend(inner Backend, tier string) Backend {
	return &LoggingBackend{inner: inner, tier: tier}
}

func (c *LoggingBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	value, ok, err := c.inner.Get(ctx, key)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	result := "miss"
	if err != nil {
		result = "error"
	} else if ok {
		result = "hit"
	}
	metrics.CacheResultsTotal.WithLabelValues(c.tier, result).Inc()

	fields := append(c.keyFields(key),
		zap.String("cache_result", result),
		zap.Float64("latency_ms", latencyMs),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("reply_cache_get", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("reply_cache_get", fields...)
	}

	return value, ok, err
}

func (c *LoggingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.inner.Set(ctx, key, value, ttl)
	latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

	fields := append(c.keyFields(key),
		zap.Duration("ttl", ttl),
		zap.Int("bytes", len(value)),
		zap.Float64("latency_ms", latencyMs),
	)

	logger := logging.L(ctx)
	if err != nil {
		logger.Error("reply_cache_set", append(fields, zap.Error(err))...)
	} else {
		logger.Debug("reply_cache_set", fields...)
	}

	return err
}

func (c *LoggingBackend) keyFields(key string) []zap.Field {
	fields := []zap.Field{
		zap.String("cache_tier", c.tier),
		zap.String("cache_key", key),
	}
	if parts, ok := parseKey(key); ok {
		fields = append(fields,
			zap.String("mode", parts.mode),
			zap.Int("token_budget", parts.budget),
			zap.String("hash", parts.hash),
		)
	}
	return fields
}

package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wizardchat/internal/cache"
	"wizardchat/internal/chat"
	"wizardchat/internal/config"
	"wizardchat/internal/llm"
)

// app is the wired dependency graph shared by serve and chat.
type app struct {
	cfg         config.Config
	logger      *zap.Logger
	redisClient *redis.Client
	memory      *cache.MemoryStore
	llmClient   llm.Client
	svc         *chat.Service
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("cache_version", cfg.CacheVersion),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("deepseek_base_url", cfg.DeepSeekBaseURL),
		zap.Int("long_threshold", cfg.LongThreshold),
	)

	// ----- Redis client (only if needed) -----
	if cfg.CacheBackend == "redis" {
		a.redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			_ = a.redisClient.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Info("redis connection established", zap.String("addr", cfg.RedisAddr))
	}

	// ----- Reply cache -----
	store, memory := cache.NewStore(cache.Config{
		Backend:    cfg.CacheBackend,
		TTL:        cfg.CacheTTL,
		MaxEntries: cfg.CacheMaxEntries,
		Prefix:     cfg.CachePrefix(),
	}, a.redisClient)
	a.memory = memory

	// ----- LLM client -----
	if cfg.DeepSeekAPIKey == "" {
		logger.Warn("DEEPSEEK_API_KEY is not set; chat requests will fail until it is configured")
	}

	llmClient, err := llm.NewClient(llm.Config{
		BaseURL: cfg.DeepSeekBaseURL,
		APIKey:  cfg.DeepSeekAPIKey,
		Model:   cfg.DeepSeekModel,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.llmClient = llmClient

	// ----- Orchestrator -----
	a.svc = chat.NewService(chat.Config{
		LongThreshold: cfg.LongThreshold,
		RitualCeiling: cfg.RitualCeiling,
	}, chat.Deps{
		Cache:  store,
		Client: llmClient,
		Logger: logger,
	})

	return a, nil
}

// health pings redis when it backs the cache.
func (a *app) health(ctx context.Context) error {
	if a.redisClient == nil {
		return nil
	}
	return a.redisClient.Ping(ctx).Err()
}

func (a *app) Close() {
	if a.svc != nil {
		a.svc.Close()
	}
	if closer, ok := a.llmClient.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if a.memory != nil {
		_ = a.memory.Close()
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
}

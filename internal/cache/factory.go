package cache

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Backend    string // "memory" or "redis"
	TTL        time.Duration
	MaxEntries int
	Prefix     string
	Clock      clockwork.Clock
}

// NewStore builds the reply cache. The memory tier is always present; the
// redis backend adds a persistent tier behind it. The returned MemoryStore
// must be closed on shutdown.
func NewStore(cfg Config, redisClient *redis.Client) (*Tiered, *MemoryStore) {
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}

	memory := NewMemoryStore(MemoryOptions{
		MaxEntries: cfg.MaxEntries,
		Clock:      cfg.Clock,
	})

	var persistent Backend
	if cfg.Backend == "redis" && redisClient != nil {
		persistent = NewLoggingBackend(NewRedisStore(redisClient, RedisConfig{
			Prefix: cfg.Prefix,
		}), "redis")
	}

	return NewTiered(NewLoggingBackend(memory, "memory"), persistent, cfg.TTL, cfg.Clock), memory
}

package cache

import (
	"context"
	"time"
)

// Backend is one storage tier of the reply cache.
// Implemented by the in-memory FIFO store and the Redis store.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Store is what the orchestrator sees: a best-effort accelerator that never
// fails. A miss is always satisfiable by going to the network.
type Store interface {
	Get(ctx context.Context, key Key) (string, bool)
	Set(ctx context.Context, key Key, reply string)
}

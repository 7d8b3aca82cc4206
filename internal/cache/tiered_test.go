package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTieredMemoryOnly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mem := NewMemoryStore(MemoryOptions{MaxEntries: 2, Clock: clock})
	t.Cleanup(func() { mem.Close() })

	store := NewTiered(mem, nil, time.Minute, clock)
	ctx := context.Background()
	key := NewKey("hello", "brief", 50)

	if _, ok := store.Get(ctx, key); ok {
		t.Fatalf("expected miss on empty store")
	}

	store.Set(ctx, key, "greetings, traveller")
	got, ok := store.Get(ctx, key)
	if !ok || got != "greetings, traveller" {
		t.Fatalf("expected hit, got %q ok=%v", got, ok)
	}

	clock.Advance(time.Minute)
	if _, ok := store.Get(ctx, key); ok {
		t.Fatalf("expected miss after TTL")
	}
}

func TestTieredPromotesFromPersistent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	_, client := newTestRedis(t)

	persistent := NewRedisStore(client, RedisConfig{Prefix: "wizardchat:test"})
	ctx := context.Background()
	key := NewKey("tell me everything", "epic", 500)

	// A previous process wrote the reply to redis only.
	writerMem := NewMemoryStore(MemoryOptions{Clock: clock})
	t.Cleanup(func() { writerMem.Close() })
	writer := NewTiered(writerMem, persistent, 10*time.Minute, clock)
	writer.Set(ctx, key, "the long answer")

	mem := NewMemoryStore(MemoryOptions{Clock: clock})
	t.Cleanup(func() { mem.Close() })
	reader := NewTiered(mem, persistent, 10*time.Minute, clock)

	got, ok := reader.Get(ctx, key)
	if !ok || got != "the long answer" {
		t.Fatalf("expected persistent hit, got %q ok=%v", got, ok)
	}
	if mem.Len() != 1 {
		t.Fatalf("expected promotion into memory tier, len=%d", mem.Len())
	}

	// The promoted copy keeps the original age.
	clock.Advance(10 * time.Minute)
	if _, ok, _ := mem.Get(ctx, key.String()); ok {
		t.Fatalf("expected promoted entry to expire with the original TTL")
	}
}

func TestTieredPersistentFailureIsMiss(t *testing.T) {
	mr, client := newTestRedis(t)
	persistent := NewRedisStore(client, RedisConfig{Prefix: "p"})

	mem := NewMemoryStore(MemoryOptions{})
	t.Cleanup(func() { mem.Close() })
	store := NewTiered(mem, persistent, time.Minute, nil)

	mr.Close()

	ctx := context.Background()
	key := NewKey("hello", "brief", 50)

	// Set must not panic or fail even though redis is gone.
	store.Set(ctx, key, "hi")

	got, ok := store.Get(ctx, key)
	if !ok || got != "hi" {
		t.Fatalf("expected memory hit despite redis outage, got %q ok=%v", got, ok)
	}

	if _, ok := store.Get(ctx, NewKey("other", "brief", 50)); ok {
		t.Fatalf("expected miss when both tiers miss or fail")
	}
}

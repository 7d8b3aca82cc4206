package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wizardchat/pkg/logging"
)

// Entry is what the tiers actually hold. StoredAt travels with the reply so
// a promotion from the persistent tier keeps the original age.
type Entry struct {
	Reply    string    `json:"reply"`
	StoredAt time.Time `json:"stored_at"`
}

// Tiered reads the memory tier first and falls back to the optional
// persistent tier, promoting hits. Writes go to every tier. Tier failures
// are logged and never surface.
type Tiered struct {
	memory     Backend
	persistent Backend
	ttl        time.Duration
	clock      clockwork.Clock
}

// NewTiered builds the store. persistent may be nil.
func NewTiered(memory, persistent Backend, ttl time.Duration, clock clockwork.Clock) *Tiered {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tiered{
		memory:     memory,
		persistent: persistent,
		ttl:        ttl,
		clock:      clock,
	}
}

func (t *Tiered) Get(ctx context.Context, key Key) (string, bool) {
	k := key.String()

	if entry, ok := t.lookup(ctx, t.memory, k); ok {
		return entry.Reply, true
	}
	if t.persistent == nil {
		return "", false
	}

	entry, ok := t.lookup(ctx, t.persistent, k)
	if !ok {
		return "", false
	}

	if remaining := t.ttl - t.clock.Since(entry.StoredAt); remaining > 0 {
		if raw, err := json.Marshal(entry); err == nil {
			if err := t.memory.Set(ctx, k, raw, remaining); err != nil {
				logging.L(ctx).Warn("reply_cache_promote_error", zap.Error(err))
			}
		}
	}
	return entry.Reply, true
}

// lookup reads and decodes one tier, applying the logical TTL.
func (t *Tiered) lookup(ctx context.Context, b Backend, key string) (Entry, bool) {
	raw, ok, err := b.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logging.L(ctx).Warn("reply_cache_decode_error", zap.String("cache_key", key), zap.Error(err))
		return Entry{}, false
	}
	if t.clock.Since(entry.StoredAt) >= t.ttl {
		return Entry{}, false
	}
	return entry, true
}

func (t *Tiered) Set(ctx context.Context, key Key, reply string) {
	raw, err := json.Marshal(Entry{Reply: reply, StoredAt: t.clock.Now()})
	if err != nil {
		logging.L(ctx).Warn("reply_cache_encode_error", zap.Error(err))
		return
	}

	k := key.String()
	if err := t.memory.Set(ctx, k, raw, t.ttl); err != nil {
		logging.L(ctx).Warn("reply_cache_set_error", zap.String("cache_tier", "memory"), zap.Error(err))
	}
	if t.persistent != nil {
		if err := t.persistent.Set(ctx, k, raw, t.ttl); err != nil {
			logging.L(ctx).Warn("reply_cache_set_error", zap.String("cache_tier", "persistent"), zap.Error(err))
		}
	}
}

// TTL reports the configured entry lifetime.
func (t *Tiered) TTL() time.Duration {
	return t.ttl
}

var _ Store = (*Tiered)(nil)

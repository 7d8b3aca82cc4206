package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"

	"wizardchat/internal/metrics"
)

const (
	defaultMaxEntries    = 100
	defaultSweepInterval = 5 * time.Minute
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is the in-process tier: a bounded map evicting in insertion
// order. Reads never reorder entries, so eviction is FIFO rather than LRU.
// Expired entries stay in place until the sweeper, a capacity eviction or an
// overwrite removes them.
type MemoryStore struct {
	mu          sync.Mutex
	items       *simplelru.LRU[string, memoryEntry]
	evictReason string

	clock         clockwork.Clock
	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// MemoryOptions configures a MemoryStore. Zero values get defaults.
type MemoryOptions struct {
	MaxEntries    int
	SweepInterval time.Duration
	Clock         clockwork.Clock
}

// NewMemoryStore creates the memory tier and starts its sweeper.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	m := &MemoryStore{
		clock:         opts.Clock,
		sweepInterval: opts.SweepInterval,
		stopSweep:     make(chan struct{}),
	}

	// NewLRU only fails for a non-positive size.
	items, _ := simplelru.NewLRU[string, memoryEntry](opts.MaxEntries, m.onEvict)
	m.items = items

	go m.sweepExpired()

	return m
}

// onEvict runs under m.mu from inside Add/Remove/Purge.
func (m *MemoryStore) onEvict(_ string, _ memoryEntry) {
	if m.evictReason == "" {
		return
	}
	metrics.CacheEvictionsTotal.WithLabelValues(m.evictReason).Inc()
}

// Get returns the value only while it is inside its TTL. It never deletes.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	entry, ok := m.items.Peek(key)
	m.mu.Unlock()

	if !ok || !m.clock.Now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set inserts or overwrites key. An overwrite re-inserts the key as newest.
// A non-positive ttl removes the key.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ttl <= 0 {
		m.evictReason = "cleared"
		m.items.Remove(key)
		return nil
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	now := m.clock.Now()
	// Re-adding moves an existing key to the newest position.
	m.evictReason = ""
	m.items.Remove(key)
	m.evictReason = "capacity"
	m.items.Add(key, memoryEntry{
		value:     valueCopy,
		expiresAt: now.Add(ttl),
	})
	return nil
}

// sweepExpired runs periodically to remove expired entries.
func (m *MemoryStore) sweepExpired() {
	ticker := m.clock.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.Sweep()
		case <-m.stopSweep:
			return
		}
	}
}

// Sweep drops every entry past its TTL and returns how many were removed.
func (m *MemoryStore) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictReason = "expired"
	removed := 0
	for _, k := range m.items.Keys() {
		if e, ok := m.items.Peek(k); ok && !now.Before(e.expiresAt) {
			m.items.Remove(k)
			removed++
		}
	}
	return removed
}

// Keys returns the stored keys, oldest first, including expired ones.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Keys()
}

// Close stops the sweeper goroutine. Call this on shutdown or in tests.
func (m *MemoryStore) Close() error {
	m.sweepOnce.Do(func() {
		close(m.stopSweep)
	})
	return nil
}

// Len returns the number of entries physically present.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Len()
}

// Clear removes all entries.
func (m *MemoryStore) Clear() {
	m.mu.Lock()
	m.evictReason = "cleared"
	m.items.Purge()
	m.mu.Unlock()
}

var _ Backend = (*MemoryStore)(nil)

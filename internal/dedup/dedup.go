// Package dedup coalesces concurrent identical requests so that at most one
// upstream operation per key is in flight.
package dedup

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"wizardchat/internal/metrics"
)

// Group coalesces calls by key. The zero value is not usable; use New.
type Group[T any] struct {
	sf singleflight.Group

	mu       sync.Mutex
	inflight map[string]struct{}
	waiters  map[string]int
}

// New creates an empty Group.
func New[T any]() *Group[T] {
	return &Group[T]{
		inflight: make(map[string]struct{}),
		waiters:  make(map[string]int),
	}
}

// Join returns the result of the operation registered under key, starting
// it with factory when none is in flight. Every caller that joined before
// the operation settled observes the same value or error; nobody retries on
// a joiner's behalf. shared reports whether the result went to more than
// one caller.
//
// The factory runs detached from ctx: if this caller gives up, the shared
// operation keeps going for the others and Join returns ctx.Err().
func (g *Group[T]) Join(ctx context.Context, key string, factory func(context.Context) (T, error)) (v T, shared bool, err error) {
	detached := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(key, func() (any, error) {
		g.mu.Lock()
		g.inflight[key] = struct{}{}
		g.mu.Unlock()

		defer func() {
			g.mu.Lock()
			delete(g.inflight, key)
			g.mu.Unlock()
		}()

		return g.call(detached, factory)
	})

	g.mu.Lock()
	g.waiters[key]++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		if g.waiters[key]--; g.waiters[key] <= 0 {
			delete(g.waiters, key)
		}
		g.mu.Unlock()
	}()

	select {
	case res := <-ch:
		if res.Shared {
			metrics.DedupJoinsTotal.Inc()
		}
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// call runs factory, turning a panic into an error so waiters are released.
func (g *Group[T]) call(ctx context.Context, factory func(context.Context) (T, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dedup: operation panicked: %v", r)
		}
	}()
	return factory(ctx)
}

// InFlight reports whether an operation is currently registered under key.
func (g *Group[T]) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.inflight[key]
	return ok
}

// Waiters reports how many callers are currently waiting on key.
func (g *Group[T]) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters[key]
}

// Len reports how many keys have an operation in flight.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}

// Package cache provides a de-duplicating, TTL-based cache keyed by string.
// It guarantees at most one in-flight fetch per key: concurrent callers racing
// on the same key share the pending result instead of issuing duplicate
// requests. The clock is injected so TTL expiry is deterministic in tests.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds staleness of master data while absorbing rapid
// tab-to-tab navigation that would otherwise re-trigger fetches.
const DefaultTTL = 30 * time.Second

// ---------------------------------------------------------------------------
// Clock
// ---------------------------------------------------------------------------

// Clock supplies the current time. Production code uses SystemClock; tests
// inject a fake to control TTL expiry without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// ---------------------------------------------------------------------------
// KeyedCache
// ---------------------------------------------------------------------------

// Fetcher loads the value for a key. It receives the context of the caller
// that initiated the flight; if that caller goes away the fetch is cancelled
// and the failure is propagated to every waiter, so a hung fetch cannot block
// a key forever once its initiator times out.
type Fetcher[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// flight is a single in-progress fetch shared by all callers of its key.
type flight[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// KeyedCache is a thread-safe TTL cache with in-flight request sharing.
type KeyedCache[V any] struct {
	mu      sync.Mutex
	clock   Clock
	ttl     time.Duration
	entries map[string]entry[V]
	flights map[string]*flight[V]
}

// New creates a KeyedCache with the given default TTL. A zero or negative ttl
// falls back to DefaultTTL; a nil clock falls back to SystemClock.
func New[V any](ttl time.Duration, clock Clock) *KeyedCache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &KeyedCache[V]{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		flights: make(map[string]*flight[V]),
	}
}

// Get returns the cached value for key if it is younger than the default TTL,
// otherwise loads it via fetch. Concurrent callers for the same key share one
// fetch. A waiter whose context is cancelled returns early without affecting
// the flight or the other waiters. Fetch failures are propagated to every
// waiter and nothing is cached.
func (c *KeyedCache[V]) Get(ctx context.Context, key string, fetch Fetcher[V]) (V, error) {
	return c.GetTTL(ctx, key, c.ttl, fetch)
}

// GetTTL is Get with a per-call TTL override.
func (c *KeyedCache[V]) GetTTL(ctx context.Context, key string, ttl time.Duration, fetch Fetcher[V]) (V, error) {
	c.mu.Lock()

	if e, ok := c.entries[key]; ok && c.clock.Now().Sub(e.fetchedAt) < ttl {
		c.mu.Unlock()
		return e.value, nil
	}

	if f, ok := c.flights[key]; ok {
		c.mu.Unlock()
		return c.wait(ctx, f)
	}

	f := &flight[V]{done: make(chan struct{})}
	c.flights[key] = f
	c.mu.Unlock()

	f.value, f.err = fetch(ctx)

	c.mu.Lock()
	delete(c.flights, key)
	if f.err == nil {
		c.entries[key] = entry[V]{value: f.value, fetchedAt: c.clock.Now()}
	}
	c.mu.Unlock()

	close(f.done)
	return f.value, f.err
}

// wait blocks until the shared flight completes or the waiter's context is
// cancelled.
func (c *KeyedCache[V]) wait(ctx context.Context, f *flight[V]) (V, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Peek returns the cached value for key without consulting TTL or triggering
// a fetch. The second return reports whether an entry exists at all.
func (c *KeyedCache[V]) Peek(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, ok
}

// Delete evicts a single entry. In-flight fetches are unaffected.
func (c *KeyedCache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear evicts every entry. Used when the active location changes, since all
// cached values are implicitly location-scoped by virtue of their key.
func (c *KeyedCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

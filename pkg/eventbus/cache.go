package eventbus

import "sync"

// ClientCache single-flights construction of per-transport broker clients
// so concurrent first-use callers share one connection instead of racing
// to open several (§3/§5 "transport client cache"). Keyed by an
// adapter-chosen string, typically an entity name or a connection identity
// derived from its config. Exported so adapter packages outside this one
// can reuse it instead of hand-rolling their own sync.Map/mutex cache.
type ClientCache[T any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[T]
}

type cacheEntry[T any] struct {
	once  sync.Once
	value T
	err   error
}

// NewClientCache creates an empty cache for type T.
func NewClientCache[T any]() ClientCache[T] {
	return ClientCache[T]{entries: make(map[string]*cacheEntry[T])}
}

// GetOrCreate returns the cached value for key, building it with build on
// first request. Concurrent callers for the same key block on the same
// build; callers for different keys never block each other.
func (c *ClientCache[T]) GetOrCreate(key string, build func() (T, error)) (T, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &cacheEntry[T]{}
		c.entries[key] = entry
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.value, entry.err = build()
	})
	return entry.value, entry.err
}

// Invalidate drops a cached entry so the next GetOrCreate rebuilds it.
// No adapter in this module calls it.
func (c *ClientCache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

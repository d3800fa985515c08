// ABOUTME: Thread-safe bounded recency cache for idempotency keys and nonces.
// ABOUTME: Evicts the oldest key at capacity; optional TTL expiry with background cleanup.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type cacheEntry struct {
	markedAt time.Time
	element  *list.Element
}

// Cache remembers up to capacity keys in insertion order. A zero or negative
// TTL keeps keys until they are evicted by newer ones.
type Cache struct {
	mu       sync.Mutex
	seen     map[string]*cacheEntry
	order    *list.List // oldest at front
	ttl      time.Duration
	capacity int
	evicted  uint64
	now      func() time.Time
	done     chan struct{}
	closed   bool
}

// New creates a cache. When ttl is positive a background goroutine sweeps
// expired keys every sweep interval; call Close to stop it.
func New(ttl time.Duration, capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		seen:     make(map[string]*cacheEntry),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	if ttl > 0 {
		go c.sweepLoop(sweepInterval(ttl))
	}
	return c
}

// NewBounded creates a cache whose keys never expire.
func NewBounded(capacity int) *Cache {
	return New(0, capacity)
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

func (c *Cache) live(e *cacheEntry) bool {
	return c.ttl <= 0 || c.now().Sub(e.markedAt) < c.ttl
}

// Check reports whether key is present and unexpired.
func (c *Cache) Check(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.seen[key]
	return ok && c.live(e)
}

// CheckAndMark reports whether key was already present. If it was not, the
// key is recorded before returning, so concurrent callers see exactly one
// false for the same key.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		if c.live(e) {
			return true
		}
		c.removeLocked(key, e)
	}
	c.insertLocked(key)
	return false
}

// Mark records key. An existing key keeps its position in the eviction order
// and gets a fresh timestamp.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		e.markedAt = c.now()
		return
	}
	c.insertLocked(key)
}

// Forget drops key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.removeLocked(key, e)
	}
}

// Len returns the number of keys held, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Evictions returns how many keys were pushed out by capacity.
func (c *Cache) Evictions() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// insertLocked appends key, evicting the oldest entry once the size exceeds
// capacity. Must be called with mu held.
func (c *Cache) insertLocked(key string) {
	c.seen[key] = &cacheEntry{markedAt: c.now(), element: c.order.PushBack(key)}
	for len(c.seen) > c.capacity {
		front := c.order.Front()
		if front == nil {
			return
		}
		oldest, _ := front.Value.(string)
		c.order.Remove(front)
		delete(c.seen, oldest)
		c.evicted++
	}
}

func (c *Cache) removeLocked(key string, e *cacheEntry) {
	c.order.Remove(e.element)
	delete(c.seen, key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired keys. Insertion order matches timestamp order except for
// re-marked keys, so the walk cannot stop at the first live entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		key, _ := el.Value.(string)
		if e := c.seen[key]; e != nil && !c.live(e) {
			c.removeLocked(key, e)
		}
		el = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

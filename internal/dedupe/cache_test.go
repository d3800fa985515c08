// ABOUTME: Tests for the bounded recency cache.
// ABOUTME: Covers capacity eviction order, TTL expiry, sweeping, and concurrent CheckAndMark.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_CheckAndMark(t *testing.T) {
	cache := NewBounded(10)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("k"), "first sighting is new")
	assert.True(t, cache.CheckAndMark("k"), "second sighting is a duplicate")
	assert.True(t, cache.Check("k"))
	assert.False(t, cache.Check("other"))
}

func TestCache_EvictsOldestBeyondCapacity(t *testing.T) {
	const capacity = 10_000
	cache := NewBounded(capacity)
	defer cache.Close()

	for i := 0; i < capacity; i++ {
		cache.Mark(fmt.Sprintf("key-%d", i))
	}
	assert.Equal(t, capacity, cache.Len())
	assert.True(t, cache.Check("key-0"))

	cache.Mark("key-new")

	assert.Equal(t, capacity, cache.Len())
	assert.False(t, cache.Check("key-0"), "oldest key evicted")
	assert.True(t, cache.Check("key-1"))
	assert.True(t, cache.Check("key-new"))
	assert.Equal(t, uint64(1), cache.Evictions())
}

func TestCache_RemarkKeepsEvictionOrder(t *testing.T) {
	cache := NewBounded(2)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("a")
	cache.Mark("c")

	assert.False(t, cache.Check("a"))
	assert.True(t, cache.Check("b"))
	assert.True(t, cache.Check("c"))
}

func TestCache_TTLExpiry(t *testing.T) {
	cache := New(time.Hour, 10)
	defer cache.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Mark("nonce")
	assert.True(t, cache.Check("nonce"))

	now = now.Add(2 * time.Hour)
	assert.False(t, cache.Check("nonce"))
	assert.False(t, cache.CheckAndMark("nonce"), "expired key counts as new")
	assert.True(t, cache.Check("nonce"))
}

func TestCache_Sweep(t *testing.T) {
	cache := New(time.Hour, 10)
	defer cache.Close()

	now := time.Now()
	cache.now = func() time.Time { return now }
	cache.Mark("old")
	now = now.Add(30 * time.Minute)
	cache.Mark("young")
	now = now.Add(45 * time.Minute)

	cache.sweep()

	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Check("young"))
}

func TestCache_Forget(t *testing.T) {
	cache := NewBounded(5)
	defer cache.Close()

	cache.Mark("k")
	cache.Forget("k")
	cache.Forget("missing")
	assert.False(t, cache.Check("k"))
	assert.Equal(t, 0, cache.Len())
}

func TestCache_ConcurrentCheckAndMark(t *testing.T) {
	cache := NewBounded(100)
	defer cache.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("shared") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestCache_CloseIdempotent(t *testing.T) {
	cache := New(time.Minute, 5)
	cache.Close()
	cache.Close()
}

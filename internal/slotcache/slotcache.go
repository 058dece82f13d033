// Package slotcache keeps recently read slot bytes in memory.
//
// Every entry is tagged with the write generation it was read under. A lookup
// only hits when the caller's generation matches, so a single generation bump
// after a write invalidates everything cached before it, including values
// still sitting in the cache's admission buffers.
package slotcache

import (
	"github.com/dgraph-io/ristretto/v2"
)

type entry struct {
	gen  uint64
	data []byte
}

// Cache is a bounded slot cache. A nil *Cache is valid and caches nothing.
type Cache struct {
	c *ristretto.Cache[int64, entry]
}

// New returns a cache holding at most maxSlots slots. maxSlots <= 0 disables caching.
func New(maxSlots, counters int64) (*Cache, error) {
	if maxSlots <= 0 {
		return nil, nil
	}
	if counters <= 0 {
		counters = 10 * maxSlots
	}

	c, err := ristretto.NewCache(&ristretto.Config[int64, entry]{
		NumCounters: counters,
		MaxCost:     maxSlots,
		BufferItems: 64,
		// Cost is counted in slots, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{c: c}, nil
}

// Get returns a copy of the bytes cached for slot under generation gen.
func (c *Cache) Get(slot int64, gen uint64) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	e, ok := c.c.Get(slot)
	if !ok || e.gen != gen {
		return nil, false
	}
	return append([]byte(nil), e.data...), true
}

// Set offers slot bytes read under generation gen. Admission is not guaranteed.
func (c *Cache) Set(slot int64, gen uint64, b []byte) {
	if c == nil {
		return
	}
	c.c.Set(slot, entry{gen: gen, data: append([]byte(nil), b...)}, 1)
}

// Wait blocks until buffered writes have been applied.
func (c *Cache) Wait() {
	if c == nil {
		return
	}
	c.c.Wait()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	if c == nil {
		return
	}
	c.c.Close()
}

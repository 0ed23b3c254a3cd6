// Package instancecache is the process-wide byte cache for retrieved
// DICOM instance bodies: an LRU list bounded by a configurable byte
// budget, plus a TTL on each entry.
package instancecache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of cache counters, returned by (*Cache).Stats.
type Stats struct {
	Entries   int
	Bytes     int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Cache is a byte-budgeted, TTL-aware LRU cache safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	curBytes int64

	maxBytes int64
	ttl      time.Duration
	enabled  bool

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New builds a Cache with the given byte budget and entry TTL.
// enabled=false makes every Get a miss and every Put a no-op, matching
// spec.md's "enabled" cache toggle.
func New(maxBytes int64, ttl time.Duration, enabled bool) *Cache {
	return &Cache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		maxBytes: maxBytes,
		ttl:      ttl,
		enabled:  enabled,
	}
}

// Get returns the cached bytes for sopInstanceUID, moving it to the
// front of the LRU list on a hit. An expired entry is treated as a miss
// and evicted immediately.
func (c *Cache) Get(sopInstanceUID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.misses.Add(1)
		return nil, false
	}

	el, ok := c.items[sopInstanceUID]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	ent := el.Value.(*entry)
	if c.ttl > 0 && time.Now().After(ent.expiresAt) {
		c.removeElement(el)
		c.misses.Add(1)
		return nil, false
	}

	c.ll.MoveToFront(el)
	c.hits.Add(1)
	return ent.value, true
}

// Put stores value under sopInstanceUID, evicting least-recently-used
// entries until the byte budget is satisfied.
func (c *Cache) Put(sopInstanceUID string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled || c.maxBytes <= 0 {
		return
	}

	if el, ok := c.items[sopInstanceUID]; ok {
		c.removeElement(el)
	}

	ent := &entry{key: sopInstanceUID, value: value}
	if c.ttl > 0 {
		ent.expiresAt = time.Now().Add(c.ttl)
	}
	el := c.ll.PushFront(ent)
	c.items[sopInstanceUID] = el
	c.curBytes += int64(len(value))

	for c.curBytes > c.maxBytes {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions.Add(1)
	}
}

// Remove drops sopInstanceUID from the cache, if present.
func (c *Cache) Remove(sopInstanceUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[sopInstanceUID]; ok {
		c.removeElement(el)
	}
}

// Clear empties the cache without resetting the hit/miss/eviction
// counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
	c.curBytes = 0
}

// Configure updates the cache's byte budget, TTL, and enabled flag at
// runtime (spec.md §6's reconfigurable cache settings). Shrinking the
// budget triggers eviction on the next Put, not immediately.
func (c *Cache) Configure(maxBytes int64, ttl time.Duration, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxBytes = maxBytes
	c.ttl = ttl
	c.enabled = enabled
}

// Stats returns a point-in-time snapshot of cache occupancy and
// counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.items)
	bytes := c.curBytes
	c.mu.Unlock()

	return Stats{
		Entries:   entries,
		Bytes:     bytes,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// removeElement must be called with c.mu held.
func (c *Cache) removeElement(el *list.Element) {
	ent := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, ent.key)
	c.curBytes -= int64(len(ent.value))
}

// Package rxtime assigns receive times to packets that carry no timestamp of
// their own. The same packet body heard through several iGates resolves to the
// instant it was first seen, so duplicates upload with identical datetimes.
package rxtime

import (
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"aprsgw/aprs"
)

// DefaultCapacity bounds the number of remembered packet bodies.
const DefaultCapacity = 100000

// Cache is a fixed-size FIFO from packet body hash to first-seen time.
// Lookups never refresh an entry's position; the oldest insert is evicted
// first. It is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[uint64]time.Time
	order    []uint64 // ring of inserted keys, oldest at head once full
	head     int
	capacity int
}

// New returns a cache holding at most capacity bodies; capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		entries:  make(map[uint64]time.Time, capacity),
		order:    make([]uint64, 0, capacity),
		capacity: capacity,
	}
}

// Resolve returns the packet's own timestamp when it has one. Otherwise the
// body after the routing header is looked up: a known body returns its cached
// instant, an unknown one is stamped with now and remembered.
func (c *Cache) Resolve(p *aprs.Packet, now time.Time) time.Time {
	if p.Timestamp != 0 {
		return time.Unix(p.Timestamp, 0).UTC()
	}
	return c.lookupOrInsert(key(p.Body()), now.UTC())
}

// Contains reports whether body is currently cached.
func (c *Cache) Contains(body string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key(body)]
	return ok
}

// Len returns the number of cached bodies.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookupOrInsert(k uint64, now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.entries[k]; ok {
		return ts
	}
	if len(c.order) < c.capacity {
		c.order = append(c.order, k)
	} else {
		delete(c.entries, c.order[c.head])
		c.order[c.head] = k
		c.head = (c.head + 1) % c.capacity
	}
	c.entries[k] = now
	return now
}

// key hashes the body; 64-bit collisions are accepted as negligible at this
// cache size.
func key(body string) uint64 {
	return xxh3.HashString(body)
}

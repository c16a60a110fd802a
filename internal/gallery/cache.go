package gallery

import (
	"sync"
)

const defaultCacheEntries = 256

// Cache is the process-wide metadata cache consulted between the content
// store file and the network. Records are kept in their encoded form so a
// cached record goes through the same decoder as one read from disk.
type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[int64][]byte
	order   []int64
}

// NewCache creates a cache holding at most maxEntries records (default 256).
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheEntries
	}
	return &Cache{
		max:     maxEntries,
		entries: make(map[int64][]byte),
	}
}

// Get returns a copy of the cached record for gid.
func (c *Cache) Get(gid int64) (*Metadata, bool) {
	c.mu.Lock()
	data, ok := c.entries[gid]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	m, err := Decode(data)
	if err != nil {
		return nil, false
	}
	return m, true
}

// Put stores m, evicting the oldest record when the cache is full.
func (c *Cache) Put(m *Metadata) {
	if m == nil {
		return
	}
	data := Encode(m)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[m.ID]; !ok {
		c.order = append(c.order, m.ID)
	}
	c.entries[m.ID] = data
	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// Len reports the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

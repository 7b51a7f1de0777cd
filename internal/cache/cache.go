// Package cache keeps reference orbits and their series approximations
// between frames.
//
// Consecutive frames of a zoom sequence share the same center and iteration
// budget, so the expensive arbitrary precision orbit and the series
// coefficients can be reused. A cached orbit is only handed out when it was
// computed with at least the precision the new frame needs.
//
// Cache is safe for concurrent use and must not be copied after creation.
package cache

import (
	"sync"

	"github.com/gogpu/deepzoom/internal/orbit"
	"github.com/gogpu/deepzoom/internal/series"
)

// Key identifies a reference computation.
type Key struct {
	// Re and Im are the center coordinates as given by the caller.
	Re, Im string

	Maximum  int
	Interval int
	Order    int
}

// Entry is the cached state for a Key.
type Entry struct {
	Reference *orbit.Reference
	Series    *series.Approximation
}

// node is an element of the recency list. head is the most recently used.
type node struct {
	key        Key
	entry      Entry
	prev, next *node
}

// Cache is an LRU of Entries with a fixed capacity.
type Cache struct {
	mu       sync.Mutex
	capacity int
	nodes    map[Key]*node
	head     *node
	tail     *node

	hits      uint64
	misses    uint64
	evictions uint64
}

// New returns a cache holding at most capacity entries. A capacity below 1
// is raised to 1.
func New(capacity int) *Cache {
	return &Cache{
		capacity: max(capacity, 1),
		nodes:    make(map[Key]*node),
	}
}

// Get returns the entry for key when its orbit has at least precision bits.
// An entry with lower precision counts as a miss and is dropped.
func (c *Cache) Get(key Key, precision uint) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	if n.entry.Reference == nil || n.entry.Reference.Precision() < precision {
		c.unlink(n)
		delete(c.nodes, key)
		c.misses++
		return Entry{}, false
	}

	c.unlink(n)
	c.pushFront(n)
	c.hits++
	return n.entry, true
}

// Put stores entry under key, evicting the least recently used entry when
// the cache is full.
func (c *Cache) Put(key Key, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.nodes[key]; ok {
		n.entry = entry
		c.unlink(n)
		c.pushFront(n)
		return
	}

	n := &node{key: key, entry: entry}
	c.nodes[key] = n
	c.pushFront(n)

	for len(c.nodes) > c.capacity {
		oldest := c.tail
		c.unlink(oldest)
		delete(c.nodes, oldest.key)
		c.evictions++
	}
}

// Delete removes key. It reports whether the key was present.
func (c *Cache) Delete(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[key]
	if ok {
		c.unlink(n)
		delete(c.nodes, key)
	}
	return ok
}

// Clear removes every entry. Statistics are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = make(map[Key]*node)
	c.head, c.tail = nil, nil
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Stats contains cache statistics.
type Stats struct {
	Len       int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64

	// HitRate is Hits / (Hits + Misses), 0 before the first lookup.
	HitRate float64
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Len:       len(c.nodes),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// pushFront inserts an unlinked node as most recently used.
// Caller must hold c.mu.
func (c *Cache) pushFront(n *node) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

// unlink detaches n from the recency list.
// Caller must hold c.mu.
func (c *Cache) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// Package presence keeps the bounded in-memory view of recently seen
// beacons. The scheduler writes, anyone may snapshot.
package presence

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"tagtrace/pkg/fmdn"
	"tagtrace/pkg/location"
)

// DefaultCapacity bounds the cache when no explicit capacity is given.
const DefaultCapacity = 1000

// TrackedDevice is one cache entry, keyed by the radio-layer device
// identifier. Snapshot hands out value copies, so readers never see a
// half-updated entry.
type TrackedDevice struct {
	ID       string           `json:"id"`
	Frame    fmdn.Frame       `json:"-"`
	EID      string           `json:"eid"`
	RSSI     int              `json:"rssi"`
	LastSeen time.Time        `json:"lastSeen"`
	Location *location.Record `json:"location,omitempty"`
}

// Cache is a fixed-capacity insert-or-update store. When full, adding
// a new identifier evicts the entry with the minimum last-seen
// timestamp across the whole cache. Eviction is an explicit scan over
// the entries rather than the lru list's implicit policy: observation
// timestamps may arrive out of order, and location attaches touch
// entries without a sighting, so recency order and last-seen order can
// disagree. Ties resolve deterministically by list order.
type Cache struct {
	mu  sync.Mutex
	cap int
	lru *lru.Cache[string, TrackedDevice]
}

// New builds a cache bounded to capacity entries. capacity <= 0 uses
// DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c, err := lru.New[string, TrackedDevice](capacity)
	if err != nil {
		// lru.New only fails on a non-positive size.
		panic(err)
	}
	return &Cache{cap: capacity, lru: c}
}

// Observe inserts or updates the entry for id. A nil loc keeps the
// previously known location; a stale cache position beats no position.
func (c *Cache) Observe(id string, f fmdn.Frame, rssi int, at time.Time, loc *location.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := TrackedDevice{
		ID:       id,
		Frame:    f,
		EID:      f.EIDHex(),
		RSSI:     rssi,
		LastSeen: at,
	}
	prev, known := c.lru.Peek(id)
	if loc != nil {
		cp := *loc
		d.Location = &cp
	} else if known {
		d.Location = prev.Location
	}
	if !known && c.lru.Len() >= c.cap {
		c.evictOldest()
	}
	c.lru.Add(id, d)
}

// evictOldest removes the entry with the minimum last-seen timestamp.
// Linear scan; the cache is small and eviction only fires at capacity.
func (c *Cache) evictOldest() {
	var victim string
	var oldest time.Time
	found := false
	for _, id := range c.lru.Keys() {
		d, ok := c.lru.Peek(id)
		if !ok {
			continue
		}
		if !found || d.LastSeen.Before(oldest) {
			victim, oldest, found = id, d.LastSeen, true
		}
	}
	if found {
		c.lru.Remove(victim)
	}
}

// SetLocation attaches a position fix to an existing entry without
// touching the rest of the record; in particular it does not refresh
// last-seen, so an attach never shields an entry from eviction.
// Unknown ids are ignored; the entry may have been evicted since the
// fix was requested.
func (c *Cache) SetLocation(id string, rec location.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.lru.Peek(id)
	if !ok {
		return
	}
	d.Location = &rec
	c.lru.Add(id, d)
}

// Snapshot returns a point-in-time copy of all entries, ordered by
// last-seen timestamp, oldest first.
func (c *Cache) Snapshot() []TrackedDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.lru.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out
}

// Get returns the entry for id, if present, without refreshing recency.
func (c *Cache) Get(id string) (TrackedDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(id)
}

// Len reports the number of distinct identifiers currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

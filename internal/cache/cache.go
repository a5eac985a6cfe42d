package cache

import (
	"time"

	"ImageGuard/internal/domain"
)

// Cache keeps analysis records keyed by resource with idle-based eviction.
//
// Cache is not synchronized; the coordinator serializes every call under its own lock.
type Cache struct {
	table map[domain.ResourceKey]*domain.AnalysisRecord
	now   func() time.Time
}

// New builds an empty cache. A nil clock defaults to time.Now.
func New(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		table: map[domain.ResourceKey]*domain.AnalysisRecord{},
		now:   now,
	}
}

// Get returns the record for key and refreshes its idle timestamp.
func (c *Cache) Get(key domain.ResourceKey) (*domain.AnalysisRecord, bool) {
	rec, ok := c.table[key]
	if !ok {
		return nil, false
	}
	rec.LastTouched = c.now()
	return rec, true
}

// Set inserts or replaces the record wholesale.
func (c *Cache) Set(key domain.ResourceKey, rec *domain.AnalysisRecord) *domain.AnalysisRecord {
	rec.Key = key
	rec.LastTouched = c.now()
	c.table[key] = rec
	return rec
}

// Sweep removes records idle for longer than ttl and returns their keys.
func (c *Cache) Sweep(ttl time.Duration) []domain.ResourceKey {
	threshold := c.now().Add(-ttl)

	var evicted []domain.ResourceKey
	for key, rec := range c.table {
		if rec.LastTouched.Before(threshold) {
			delete(c.table, key)
			evicted = append(evicted, key)
		}
	}
	return evicted
}

// List returns a snapshot of the table. Records are shared, the map is not.
func (c *Cache) List() map[domain.ResourceKey]*domain.AnalysisRecord {
	snapshot := make(map[domain.ResourceKey]*domain.AnalysisRecord, len(c.table))
	for key, rec := range c.table {
		snapshot[key] = rec
	}
	return snapshot
}

// Len reports how many records are tracked.
func (c *Cache) Len() int {
	return len(c.table)
}

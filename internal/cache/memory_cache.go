package cache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryEntry struct {
	rate      decimal.Decimal
	expiresAt time.Time
}

// MemoryRateCache is an in-process TTL map used when no redis is configured.
type MemoryRateCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryRateCache() *MemoryRateCache {
	return &MemoryRateCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryRateCache) Get(_ context.Context, date time.Time, from, to string) (decimal.Decimal, bool, error) {
	key := Key(date, from, to)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return decimal.Zero, false, nil
	}
	return entry.rate, true, nil
}

func (c *MemoryRateCache) Set(_ context.Context, date time.Time, from, to string, rate decimal.Decimal, ttl time.Duration) error {
	entry := memoryEntry{rate: rate}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.entries[Key(date, from, to)] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryRateCache) Flush(_ context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

func (c *MemoryRateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

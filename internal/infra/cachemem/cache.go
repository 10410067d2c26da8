package cachemem

import (
	"context"
	"sync"
	"time"

	"asclepius/internal/domain"
	"asclepius/internal/usecase"
)

// Cache holds anchor statuses for roots that have already been confirmed on
// the external ledger. An anchored root never changes, so serving it from
// memory spares a liteclient round trip per lookup. A nil *Cache is a valid
// no-op cache.
type Cache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]cacheEntry
}

type cacheEntry struct {
	status    domain.AnchorStatus
	expiresAt time.Time
	hasExpiry bool
}

func New() *Cache {
	return NewWithClock(time.Now)
}

func NewWithClock(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) Get(_ context.Context, rootHash string) (*domain.AnchorStatus, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[rootHash]
	if !ok {
		return nil, false, nil
	}
	if entry.hasExpiry && c.now().After(entry.expiresAt) {
		delete(c.entries, rootHash)
		return nil, false, nil
	}
	status := entry.status
	return &status, true, nil
}

func (c *Cache) Put(_ context.Context, rootHash string, status domain.AnchorStatus, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := cacheEntry{status: status}
	if ttl > 0 {
		entry.hasExpiry = true
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[rootHash] = entry
	return nil
}

var _ usecase.AnchorStatusCache = (*Cache)(nil)

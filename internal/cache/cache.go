package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/firewatch-np/fire-feed-service/internal/models"
)

// ErrNotFound is returned by the disk tier when no entry exists for a key.
var ErrNotFound = errors.New("cache: entry not found")

// Entry is a cached record set with its insertion and expiry times.
type Entry struct {
	Records   []models.PointObservation `json:"records"`
	StoredAt  time.Time                 `json:"storedAt"`
	ExpiresAt time.Time                 `json:"expiresAt"`
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Cache is the memory tier. Get returns only unexpired entries; GetStale
// ignores expiry and is used as the fallback after an upstream failure.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	GetStale(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, records []models.PointObservation, ttl time.Duration) error
}

// Pinger is implemented by memory tiers backed by a network service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InMemoryCache implements Cache with a mutex-guarded map. Expired entries stay
// readable through GetStale until Sweep removes them.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[string]Entry
	now  func() time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]Entry),
		now:  time.Now,
	}
}

// Get returns (entry, true, nil) on a fresh hit, (zero, false, nil) on miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || entry.Expired(c.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// GetStale returns the entry regardless of expiry.
func (c *InMemoryCache) GetStale(ctx context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	return entry, ok, nil
}

// Set stores records with the given TTL, replacing any previous entry.
func (c *InMemoryCache) Set(ctx context.Context, key string, records []models.PointObservation, ttl time.Duration) error {
	now := c.now()
	c.mu.Lock()
	c.data[key] = Entry{Records: records, StoredAt: now, ExpiresAt: now.Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Sweep deletes entries that expired more than retention ago and returns how
// many were removed.
func (c *InMemoryCache) Sweep(retention time.Duration) int {
	cutoff := c.now().Add(-retention)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.data {
		if e.Expired(cutoff) {
			delete(c.data, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

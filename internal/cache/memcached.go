package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/cespare/xxhash/v2"

	"github.com/firewatch-np/fire-feed-service/internal/models"
)

const keyPrefix = "firefeed:"

// maxRelativeExp is memcached's limit for relative expirations (30 days).
const maxRelativeExp = 30 * 24 * time.Hour

// MemcachedCache implements Cache using memcached, shared across instances.
// Items are stored as a JSON Entry and kept by memcached for ttl+staleRetention
// so GetStale can still serve them after the logical TTL.
type MemcachedCache struct {
	client         *memcache.Client
	staleRetention time.Duration
	now            func() time.Time
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleRetention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleRetention: staleRetention, now: time.Now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// memcached keys are limited to 250 bytes without spaces or control characters.
func (c *MemcachedCache) key(k string) string {
	k = keyPrefix + k
	if len(k) > 250 || strings.ContainsAny(k, " \t\r\n") {
		return fmt.Sprintf("%sh:%016x", keyPrefix, xxhash.Sum64String(k))
	}
	return k
}

func (c *MemcachedCache) load(ctx context.Context, key string) (Entry, bool, error) {
	if ctx.Err() != nil {
		return Entry{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var entry Entry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode cached entry: %w", err)
	}
	return entry, true, nil
}

// Get implements Cache.Get. Returns false, nil on miss or expiry; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || entry.Expired(c.now()) {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string) (Entry, bool, error) {
	return c.load(ctx, key)
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, records []models.PointObservation, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	now := c.now()
	raw, err := json.Marshal(Entry{Records: records, StoredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: memcachedExpiration(ttl + c.staleRetention),
	})
}

func memcachedExpiration(d time.Duration) int32 {
	if d <= 0 || d > maxRelativeExp {
		d = maxRelativeExp
	}
	return int32(d.Seconds())
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}

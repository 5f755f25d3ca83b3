package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/firewatch-np/fire-feed-service/internal/models"
)

// DefaultRedisPrefix namespaces observation entries in a shared Redis.
const DefaultRedisPrefix = "firefeed:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0").
	URL string
	// Prefix is prepended to every key (defaults to "firefeed:").
	Prefix string
	// StaleRetention is how long Redis keeps an entry past its TTL for stale reads.
	StaleRetention time.Duration
}

// RedisCache implements Cache using Redis for multi-instance deployments.
type RedisCache struct {
	client         redis.UniversalClient
	prefix         string
	staleRetention time.Duration
	now            func() time.Time
}

// NewRedisCache parses cfg.URL, connects and verifies the connection.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client, cfg), nil
}

// NewRedisCacheWithClient wraps an existing client. The cache owns it and closes it in Close.
func NewRedisCacheWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisCache {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix, staleRetention: cfg.StaleRetention, now: time.Now}
}

func (c *RedisCache) load(ctx context.Context, key string) (Entry, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("failed to get entry from redis: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("failed to parse entry from redis: %w", err)
	}
	return entry, true, nil
}

// Get implements Cache.Get.
func (c *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry, ok, err := c.load(ctx, key)
	if err != nil || !ok || entry.Expired(c.now()) {
		return Entry{}, false, err
	}
	return entry, true, nil
}

// GetStale implements Cache.GetStale.
func (c *RedisCache) GetStale(ctx context.Context, key string) (Entry, bool, error) {
	return c.load(ctx, key)
}

// Set implements Cache.Set. Redis expires the key at ttl+staleRetention.
func (c *RedisCache) Set(ctx context.Context, key string, records []models.PointObservation, ttl time.Duration) error {
	now := c.now()
	data, err := json.Marshal(Entry{Records: records, StoredAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl+c.staleRetention).Err(); err != nil {
		return fmt.Errorf("failed to set entry in redis: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

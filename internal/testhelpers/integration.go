//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/client"
)

// IntegrationTestConfig holds configuration for integration tests against the live providers.
type IntegrationTestConfig struct {
	FIRMSKey      string
	FIRMSURL      string
	BIPADURL      string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if FIRMS_MAP_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	key := os.Getenv("FIRMS_MAP_KEY")
	if key == "" {
		t.Skip("FIRMS_MAP_KEY not set, skipping integration test")
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		FIRMSKey:      key,
		FIRMSURL:      os.Getenv("FIRMS_BASE_URL"),
		BIPADURL:      os.Getenv("BIPAD_BASE_URL"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationClient creates an upstream client for the live providers.
func SetupIntegrationClient(cfg IntegrationTestConfig) *client.UpstreamClient {
	return client.NewUpstreamClient(
		client.Config{Timeout: client.DefaultTimeout, RetryAttempts: 2},
		client.NewFIRMSSource(cfg.FIRMSURL, func() string { return cfg.FIRMSKey }),
		client.NewBIPADSource(cfg.BIPADURL),
	)
}

// SetupIntegrationStore opens a tiered store on a temp dir, with memcached as
// the memory tier when requested and reachable.
func SetupIntegrationStore(t *testing.T, cfg IntegrationTestConfig) *cache.TieredStore {
	t.Helper()
	var mem cache.Cache
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, time.Hour)
		if err == nil {
			mem = mc
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
		}
	}
	disk, err := cache.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	store, err := cache.Open(cache.Options{Memory: mem, Disk: disk})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

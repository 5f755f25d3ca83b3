package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/client"
	"github.com/firewatch-np/fire-feed-service/internal/config"
	"github.com/firewatch-np/fire-feed-service/internal/fingerprint"
	"github.com/firewatch-np/fire-feed-service/internal/health"
	"github.com/firewatch-np/fire-feed-service/internal/service"
	"github.com/firewatch-np/fire-feed-service/internal/testhelpers"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		FetchTimeout:                   2 * time.Second,
		RetryAttempts:                  1,
		CircuitBreakerEnabled:          true,
		CircuitBreakerFailureThreshold: 2,
		CircuitBreakerSuccessThreshold: 1,
		CircuitBreakerTimeout:          time.Minute,
		CacheBackend:                   config.BackendInMemory,
		CacheDir:                       t.TempDir(),
		CacheTTL:                       24 * time.Hour,
		CacheStaleRetention:            24 * time.Hour,
		CacheSweepInterval:             time.Hour,
	}
}

func TestNewMemoryTier_InMemoryIsNil(t *testing.T) {
	mem, err := NewMemoryTier(context.Background(), testConfig(t))
	if err != nil || mem != nil {
		t.Errorf("NewMemoryTier(in_memory) = %v, %v; want nil, nil", mem, err)
	}
}

func TestNewMemoryTier_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.CacheBackend = config.BackendRedis
	cfg.RedisURL = "redis://" + mr.Addr()

	mem, err := NewMemoryTier(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewMemoryTier(redis) error = %v", err)
	}
	if _, ok := mem.(*cache.RedisCache); !ok {
		t.Errorf("memory tier = %T, want *cache.RedisCache", mem)
	}
}

func TestNewMemoryTier_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.CacheBackend = config.BackendRedis
	cfg.RedisURL = "redis://127.0.0.1:1"
	if _, err := NewMemoryTier(context.Background(), cfg); err == nil {
		t.Error("NewMemoryTier() with unreachable redis: want error")
	}
}

func TestWiring_EndToEnd(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	cfg := testConfig(t)
	cfg.FIRMSURL = stub.URL()
	cfg.BIPADURL = stub.URL()
	cfg.FIRMSMapKey = "wire-key"
	logger := zap.NewNop()

	store, err := OpenStore(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer store.Close()

	tracker := health.NewTracker()
	svc := NewService(cfg, NewUpstream(cfg, logger), store, tracker, logger)
	res, err := svc.GetObservations(context.Background(), "2025-04-10", "BIPAD")
	if err != nil {
		t.Fatalf("GetObservations() error = %v", err)
	}
	if res.Served != service.ServedUpstream || len(res.Records) != 2 {
		t.Errorf("result = %s with %d records, want upstream with 2", res.Served, len(res.Records))
	}

	key, err := fingerprint.New("2025-04-10", "BIPAD")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := store.Disk().List(context.Background())
	if err != nil || len(entries) != 1 || entries[0].Name != key.FileName() {
		t.Errorf("disk entries = %v, %v", entries, err)
	}
	if _, total := tracker.UpstreamErrorRate(time.Minute); total != 1 {
		t.Errorf("tracker saw %d upstream calls, want 1", total)
	}
}

func TestNewUpstream_BreakerOpensPerSource(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	stub.FailWith(http.StatusServiceUnavailable)
	cfg := testConfig(t)
	cfg.FIRMSURL = stub.URL()
	cfg.BIPADURL = stub.URL()
	cfg.FIRMSMapKey = "wire-key"
	upstream := NewUpstream(cfg, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		upstream.Fetch(ctx, "2025-04-10", client.SourceIncidentPortal)
	}
	if res := upstream.Fetch(ctx, "2025-04-10", client.SourceIncidentPortal); res.Outcome != client.OutcomeCircuitOpen {
		t.Errorf("third BIPAD fetch outcome = %s, want circuit_open", res.Outcome)
	}
	if res := upstream.Fetch(ctx, "2025-04-10", client.SourceSatellite); res.Outcome == client.OutcomeCircuitOpen {
		t.Error("FIRMS breaker opened by BIPAD failures")
	}
}

func TestNewUpstream_MissingKeyDoesNotTripBreaker(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	cfg := testConfig(t)
	cfg.FIRMSURL = stub.URL()
	upstream := NewUpstream(cfg, zap.NewNop())

	for i := 0; i < 5; i++ {
		if res := upstream.Fetch(context.Background(), "2025-04-10", client.SourceSatellite); res.Outcome != client.OutcomeConfigurationMissing {
			t.Fatalf("fetch %d outcome = %s, want configuration_missing", i, res.Outcome)
		}
	}
	if stub.Calls() != 0 {
		t.Errorf("upstream calls = %d, want 0", stub.Calls())
	}
}

package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/time/rate"

	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/client"
	"github.com/firewatch-np/fire-feed-service/internal/models"
	"github.com/firewatch-np/fire-feed-service/internal/service"
)

type benchFetcher struct {
	result client.FetchResult
}

func (f benchFetcher) Fetch(ctx context.Context, date string, kind client.SourceKind) client.FetchResult {
	return f.result
}

// setupBenchmarkRouter wires a real FireService over a tiered store in a temp dir.
func setupBenchmarkRouter(b *testing.B, fetcher client.Fetcher, cfg RouterConfig) http.Handler {
	b.Helper()
	disk, err := cache.NewDiskStore(b.TempDir())
	if err != nil {
		b.Fatal(err)
	}
	store, err := cache.Open(cache.Options{Disk: disk})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = store.Close() })
	svc := service.NewFireService(fetcher, store, service.Options{})
	return NewRouter(NewHandler(svc, nil, nil, nil, "bench"), cfg)
}

func runBenchmark(b *testing.B, router http.Handler, path string) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.ServeHTTP(httptest.NewRecorder(), req)
	}
}

// BenchmarkHandler_GetData_CacheHit measures a memory-tier hit after one warm request.
func BenchmarkHandler_GetData_CacheHit(b *testing.B) {
	records := make([]models.PointObservation, 200)
	for i := range records {
		records[i] = models.PointObservation{Latitude: 27.7, Longitude: 85.3, Date: "2025-04-10", Source: "NASA_FIRMS"}
	}
	router := setupBenchmarkRouter(b, benchFetcher{result: client.FetchResult{Records: records}}, RouterConfig{})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/data/2025-04-10", nil))
	runBenchmark(b, router, "/data/2025-04-10")
}

// BenchmarkHandler_GetData_EmptyFallback measures the path where the upstream
// fails and nothing is cached.
func BenchmarkHandler_GetData_EmptyFallback(b *testing.B) {
	router := setupBenchmarkRouter(b, benchFetcher{result: client.FetchResult{Outcome: client.OutcomeNetworkError}}, RouterConfig{})
	runBenchmark(b, router, "/data/2025-04-10?source=BIPAD")
}

// BenchmarkHandler_GetData_ValidationError measures rejection of a malformed date.
func BenchmarkHandler_GetData_ValidationError(b *testing.B) {
	router := setupBenchmarkRouter(b, benchFetcher{}, RouterConfig{})
	runBenchmark(b, router, "/data/2025-13-40")
}

// BenchmarkHandler_GetData_RateLimited measures rate limiting overhead with a
// limiter that never denies.
func BenchmarkHandler_GetData_RateLimited(b *testing.B) {
	obs := &mockObservations{result: service.Result{Records: fireRecords(), Served: service.ServedMemory}}
	router := NewRouter(NewHandler(obs, nil, nil, nil, "bench"), RouterConfig{RateLimiter: rate.NewLimiter(rate.Inf, 1)})
	runBenchmark(b, router, "/data/2025-04-10")
}

// BenchmarkHandler_GetHealth benchmarks the health endpoint.
func BenchmarkHandler_GetHealth(b *testing.B) {
	router := NewRouter(NewHandler(&mockObservations{}, nil, nil, nil, "bench"), RouterConfig{})
	runBenchmark(b, router, "/health")
}

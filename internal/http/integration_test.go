//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/firewatch-np/fire-feed-service/internal/health"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
	"github.com/firewatch-np/fire-feed-service/internal/service"
	testhelpers "github.com/firewatch-np/fire-feed-service/internal/testhelpers"
)

var testLogger *zap.Logger

func init() {
	var err error
	testLogger, err = observability.NewLogger()
	if err != nil {
		panic(err)
	}
}

// setupIntegrationRouter wires the live providers, a tiered store and the full middleware chain.
func setupIntegrationRouter(t *testing.T, limiter *rate.Limiter) (http.Handler, *health.Tracker) {
	t.Helper()
	cfg := testhelpers.GetIntegrationConfig(t)
	tracker := health.NewTracker()
	svc := service.NewFireService(
		testhelpers.SetupIntegrationClient(cfg),
		testhelpers.SetupIntegrationStore(t, cfg),
		service.Options{Recorder: tracker, Logger: testLogger},
	)
	monitor := health.NewMonitor(tracker, health.Thresholds{})
	h := NewHandler(svc, nil, monitor, testLogger, "integration")
	return NewRouter(h, RouterConfig{Logger: testLogger, RateLimiter: limiter, Recorder: tracker}), tracker
}

// TestIntegration_GetData_FIRMS verifies a live fetch and that the repeat is served from memory.
func TestIntegration_GetData_FIRMS(t *testing.T) {
	router, _ := setupIntegrationRouter(t, nil)

	w := get(router, "/data/2025-04-10?source=NASA_FIRMS")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var first []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&first); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	for _, rec := range first {
		if rec["source"] != "NASA_FIRMS" || rec["date"] == "" {
			t.Fatalf("unexpected record %v", rec)
		}
	}

	if served := w.Header().Get(headerServedFrom); served != "upstream" {
		t.Skipf("upstream not reachable (served=%s, outcome=%s)", served, w.Header().Get(headerUpstreamOutcome))
	}
	w2 := get(router, "/data/2025-04-10?source=NASA_FIRMS")
	if got := w2.Header().Get(headerServedFrom); got != "memory" {
		t.Errorf("second request served from %q, want memory", got)
	}
}

// TestIntegration_GetData_BIPAD verifies the incident-portal feed answers an array.
func TestIntegration_GetData_BIPAD(t *testing.T) {
	router, _ := setupIntegrationRouter(t, nil)
	w := get(router, "/api/realtime/2025-04-10")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	if !strings.HasPrefix(w.Body.String(), "[") {
		t.Errorf("body is not an array: %s", w.Body.String())
	}
}

// TestIntegration_GetHealth_FullStack verifies the health endpoint through the router.
func TestIntegration_GetHealth_FullStack(t *testing.T) {
	router, _ := setupIntegrationRouter(t, nil)
	w := get(router, "/health")
	if w.Code != http.StatusOK {
		t.Errorf("Status = %d. Body: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

// TestIntegration_GetMetrics_Format verifies Prometheus exposition after a request.
func TestIntegration_GetMetrics_Format(t *testing.T) {
	router, _ := setupIntegrationRouter(t, nil)
	get(router, "/data/2025-04-10")

	w := get(router, "/metrics")
	body := w.Body.String()
	for _, name := range []string{"httpRequestsTotal", "upstreamCallsTotal"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// TestIntegration_RateLimiting_Enforcement verifies 429s once the burst is spent.
func TestIntegration_RateLimiting_Enforcement(t *testing.T) {
	router, tracker := setupIntegrationRouter(t, rate.NewLimiter(rate.Limit(0.01), 2))

	var limited int
	for i := 0; i < 5; i++ {
		if get(router, "/data/2025-04-10").Code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited != 3 {
		t.Errorf("rate limited %d requests, want 3", limited)
	}
	if got := tracker.DenialCount(time.Minute); got != 3 {
		t.Errorf("DenialCount = %d, want 3", got)
	}
}

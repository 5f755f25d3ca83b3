package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that label dimensions match usage in client, cache,
// service and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/data/{date}", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/data/{date}").Observe(0.01)
	UpstreamCallsTotal.WithLabelValues("NASA_FIRMS", "success").Inc()
	UpstreamDuration.WithLabelValues("BIPAD", "server_error").Observe(1.2)
	UpstreamRetriesTotal.WithLabelValues("BIPAD").Inc()
	UpstreamFailuresTotal.WithLabelValues("NASA_FIRMS", "timed_out").Inc()
	CacheHitsTotal.WithLabelValues("memory").Inc()
	CacheHitsTotal.WithLabelValues("disk").Inc()
	CacheErrorsTotal.WithLabelValues("disk", "write").Inc()
	ObservationsServedTotal.WithLabelValues("NASA_FIRMS", "stale").Inc()
	CacheStampedeDetectedTotal.WithLabelValues("BIPAD").Inc()
	RequestCoalescingHitsTotal.WithLabelValues("BIPAD").Inc()
	PredictionRequestsTotal.WithLabelValues("success").Inc()
	RecordCircuitBreakerTransition("NASA_FIRMS", "closed", "open", 1)
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/health", "2xx").Inc()
	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "httpRequestsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}

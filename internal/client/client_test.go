package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/firewatch-np/fire-feed-service/internal/circuitbreaker"
)

func newFIRMSClient(t *testing.T, handler http.HandlerFunc, cfg Config) (*UpstreamClient, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	c := NewUpstreamClient(cfg, NewFIRMSSource(server.URL, func() string { return "test-map-key" }))
	return c, &calls
}

func TestUpstreamClient_Fetch_Success(t *testing.T) {
	c, calls := newFIRMSClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/NPL/2/2025-04-09") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/csv")
		fmt.Fprint(w, firmsCSV)
	}, Config{})

	res := c.Fetch(context.Background(), "2025-04-10", SourceSatellite)
	if !res.OK() {
		t.Fatalf("Fetch() outcome = %v, err = %v", res.Outcome, res.Err)
	}
	if len(res.Records) != 3 {
		t.Errorf("len(Records) = %d, want 3", len(res.Records))
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1", *calls)
	}
}

func TestUpstreamClient_Fetch_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		attempts    int
		wantOutcome Outcome
		wantCalls   int32
	}{
		{"rejected 4xx not retried", http.StatusForbidden, "denied", 3, OutcomeUpstreamRejected, 1},
		{"5xx retried then rejected", http.StatusBadGateway, "", 3, OutcomeUpstreamRejected, 3},
		{"429 retried", http.StatusTooManyRequests, "", 2, OutcomeUpstreamRejected, 2},
		{"unparseable body", http.StatusOK, "Invalid MAP_KEY.", 3, OutcomeUpstreamRejected, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, calls := newFIRMSClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}, Config{RetryAttempts: tt.attempts})

			res := c.Fetch(context.Background(), "2025-04-10", SourceSatellite)
			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %v, want %v (err %v)", res.Outcome, tt.wantOutcome, res.Err)
			}
			if res.Records != nil {
				t.Errorf("Records = %v, want nil on failure", res.Records)
			}
			if got := atomic.LoadInt32(calls); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestUpstreamClient_Fetch_BodyLimit(t *testing.T) {
	serveCSV := func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, firmsCSV) }

	// Cut mid-number, the last row would still parse with a wrong coordinate.
	c, _ := newFIRMSClient(t, serveCSV, Config{MaxBodyBytes: int64(len(firmsCSV) - 12)})
	res := c.Fetch(context.Background(), "2025-04-10", SourceSatellite)
	if !errors.Is(res.Err, ErrUnexpectedPayload) || res.Outcome != OutcomeUpstreamRejected {
		t.Fatalf("oversize body: outcome = %v, err = %v, want upstream_rejected payload error", res.Outcome, res.Err)
	}
	if res.Records != nil {
		t.Errorf("Records = %v, want nil", res.Records)
	}

	c, _ = newFIRMSClient(t, serveCSV, Config{MaxBodyBytes: int64(len(firmsCSV))})
	if res := c.Fetch(context.Background(), "2025-04-10", SourceSatellite); !res.OK() || len(res.Records) != 3 {
		t.Errorf("body at the limit: outcome = %v, records = %d", res.Outcome, len(res.Records))
	}
}

func TestUpstreamClient_Fetch_TimedOut(t *testing.T) {
	release := make(chan struct{})
	c, _ := newFIRMSClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, Config{Timeout: 50 * time.Millisecond, RetryAttempts: 3})
	defer close(release)

	start := time.Now()
	res := c.Fetch(context.Background(), "2025-04-10", SourceSatellite)
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("Outcome = %v, want timed_out (err %v)", res.Outcome, res.Err)
	}
	if !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want wrapping DeadlineExceeded", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Fetch took %v; deadline must bound retries too", elapsed)
	}
}

func TestUpstreamClient_Fetch_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := NewUpstreamClient(Config{RetryAttempts: 2, RetryBaseDelay: time.Millisecond},
		NewFIRMSSource(url, func() string { return "supersecret" }))
	res := c.Fetch(context.Background(), "2025-04-10", SourceSatellite)
	if res.Outcome != OutcomeNetworkError {
		t.Fatalf("Outcome = %v, want network_error (err %v)", res.Outcome, res.Err)
	}
	if strings.Contains(res.Err.Error(), "supersecret") {
		t.Errorf("error leaks MAP key: %v", res.Err)
	}
}

func TestUpstreamClient_Fetch_ConfigurationMissing(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	c := NewUpstreamClient(Config{Logger: zap.New(core)}, NewFIRMSSource(server.URL, func() string { return "" }))
	res := c.Fetch(context.Background(), "2025-04-10", SourceSatellite)
	if res.Outcome != OutcomeConfigurationMissing {
		t.Fatalf("Outcome = %v, want configuration_missing", res.Outcome)
	}
	if calls != 0 {
		t.Errorf("upstream called %d times without a key", calls)
	}
	entries := logs.FilterMessage("upstream fetch failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Errorf("want one error-level log, got %+v", entries)
	}
}

func TestUpstreamClient_Fetch_UnregisteredSource(t *testing.T) {
	c := NewUpstreamClient(Config{})
	res := c.Fetch(context.Background(), "2025-04-10", SourceIncidentPortal)
	if res.Outcome != OutcomeConfigurationMissing {
		t.Errorf("Outcome = %v, want configuration_missing", res.Outcome)
	}
}

func TestUpstreamClient_Fetch_InvalidDate(t *testing.T) {
	c, calls := newFIRMSClient(t, func(w http.ResponseWriter, r *http.Request) {}, Config{})
	res := c.Fetch(context.Background(), "2025-13-40", SourceSatellite)
	if res.OK() {
		t.Fatal("Fetch() with invalid date succeeded")
	}
	if *calls != 0 {
		t.Errorf("calls = %d, want 0", *calls)
	}
}

func TestUpstreamClient_Fetch_CircuitOpen(t *testing.T) {
	c, calls := newFIRMSClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, Config{RetryAttempts: 1})
	c.SetCircuitBreaker(SourceSatellite, circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		IsFailure:        IsBreakerFailure,
	}))

	_ = c.Fetch(context.Background(), "2025-04-10", SourceSatellite)
	res := c.Fetch(context.Background(), "2025-04-10", SourceSatellite)
	if res.Outcome != OutcomeCircuitOpen {
		t.Errorf("Outcome = %v, want circuit_open", res.Outcome)
	}
	if *calls != 1 {
		t.Errorf("calls = %d, want 1 (second call short-circuited)", *calls)
	}
}

func TestUpstreamClient_Fetch_BIPAD(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("hazard") != "12" {
			t.Errorf("hazard = %q", r.URL.Query().Get("hazard"))
		}
		if got := r.Header.Get("X-Correlation-ID"); got != "" {
			t.Errorf("unexpected correlation id %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, bipadJSON)
	}))
	defer server.Close()

	c := NewUpstreamClient(Config{}, NewBIPADSource(server.URL))
	res := c.Fetch(context.Background(), "2025-04-10", SourceIncidentPortal)
	if !res.OK() || len(res.Records) != 2 {
		t.Fatalf("Fetch() = %+v", res)
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, ErrorCategoryTimeout},
		{"canceled", context.Canceled, ErrorCategoryTimeout},
		{"config", fmt.Errorf("build request: %w", ErrConfigMissing), ErrorCategoryConfigMissing},
		{"unknown source", ErrUnknownSource, ErrorCategoryConfigMissing},
		{"circuit", circuitbreaker.ErrOpen, ErrorCategoryCircuitOpen},
		{"rate limited", ErrRateLimited, ErrorCategoryRateLimited},
		{"rejected", ErrUpstreamRejected, ErrorCategoryRejected},
		{"5xx", fmt.Errorf("exhausted retries: %w", ErrUpstreamFailure), ErrorCategoryUpstream5xx},
		{"payload", ErrUnexpectedPayload, ErrorCategoryParsing},
		{"connection", errors.New("dial tcp: connection refused"), ErrorCategoryNetwork},
		{"other", errors.New("something else"), ErrorCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CategorizeError(tt.err); got != tt.want {
				t.Errorf("CategorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeSuccess},
		{context.DeadlineExceeded, OutcomeTimedOut},
		{ErrConfigMissing, OutcomeConfigurationMissing},
		{circuitbreaker.ErrOpen, OutcomeCircuitOpen},
		{ErrUpstreamFailure, OutcomeUpstreamRejected},
		{ErrUnexpectedPayload, OutcomeUpstreamRejected},
		{errors.New("connection reset"), OutcomeNetworkError},
		{errors.New("mystery"), OutcomeNetworkError},
	}
	for _, tt := range tests {
		if got := ClassifyOutcome(tt.err); got != tt.want {
			t.Errorf("ClassifyOutcome(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsBreakerFailure(t *testing.T) {
	if IsBreakerFailure(fmt.Errorf("x: %w", ErrConfigMissing)) {
		t.Error("config missing must not trip the breaker")
	}
	if IsBreakerFailure(context.Canceled) {
		t.Error("caller cancellation must not trip the breaker")
	}
	if !IsBreakerFailure(ErrUpstreamFailure) {
		t.Error("5xx must trip the breaker")
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeUpstreamRejected.String() != "upstream_rejected" || Outcome(99).String() != "unknown" {
		t.Error("unexpected outcome labels")
	}
}

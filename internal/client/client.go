package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/circuitbreaker"
	"github.com/firewatch-np/fire-feed-service/internal/models"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
	"github.com/firewatch-np/fire-feed-service/internal/validation"
)

// Fetcher fetches and normalizes one day of observations from a provider.
// Failures are reported in the FetchResult, never as a separate error.
type Fetcher interface {
	Fetch(ctx context.Context, date string, kind SourceKind) FetchResult
}

var (
	ErrConfigMissing     = errors.New("configuration missing")
	ErrUpstreamFailure   = errors.New("upstream failure")
	ErrUpstreamRejected  = errors.New("upstream rejected request")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnexpectedPayload = errors.New("unexpected upstream payload")
)

// DefaultTimeout bounds a whole fetch, retries included.
const DefaultTimeout = 30 * time.Second

const defaultMaxBodyBytes = 64 << 20

// Config holds fetch bounds and retry policy.
type Config struct {
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxBodyBytes   int64
	// HTTPClient defaults to a client without its own timeout; the fetch context carries the deadline.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// UpstreamClient dispatches fetches to the registered Source strategies.
type UpstreamClient struct {
	cfg      Config
	http     *http.Client
	logger   *zap.Logger
	sources  map[SourceKind]Source
	breakers map[SourceKind]*circuitbreaker.CircuitBreaker
}

// NewUpstreamClient returns a client for the given sources. Later sources of
// the same kind replace earlier ones.
func NewUpstreamClient(cfg Config, sources ...Source) *UpstreamClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &UpstreamClient{
		cfg:      cfg,
		http:     httpClient,
		logger:   logger,
		sources:  make(map[SourceKind]Source, len(sources)),
		breakers: make(map[SourceKind]*circuitbreaker.CircuitBreaker),
	}
	for _, s := range sources {
		c.sources[s.Kind()] = s
	}
	return c
}

// SetCircuitBreaker guards fetches for kind with cb. Call before serving traffic.
func (c *UpstreamClient) SetCircuitBreaker(kind SourceKind, cb *circuitbreaker.CircuitBreaker) {
	c.breakers[kind] = cb
}

// Source returns the registered strategy for kind.
func (c *UpstreamClient) Source(kind SourceKind) (Source, bool) {
	s, ok := c.sources[kind]
	return s, ok
}

// Fetch requests the trailing one-day window ending at date from the provider
// for kind and normalizes it. The whole call, retries included, is bounded by
// cfg.Timeout.
func (c *UpstreamClient) Fetch(ctx context.Context, date string, kind SourceKind) FetchResult {
	logger := observability.LoggerOr(ctx, c.logger).With(zap.String("source", kind.String()), zap.String("date", date))

	_, day, err := validation.ValidateDate(date)
	if err != nil {
		return FetchResult{Outcome: OutcomeUpstreamRejected, Err: err}
	}
	src, ok := c.sources[kind]
	if !ok {
		return failure(fmt.Errorf("%w: no strategy for %s", ErrConfigMissing, kind))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var records []models.PointObservation
	call := func() error {
		var err error
		records, err = c.fetchWithRetry(ctx, src, day, date)
		return err
	}
	if cb := c.breakers[kind]; cb != nil {
		err = cb.Call(ctx, call)
	} else {
		err = call()
	}
	if err != nil {
		res := failure(err)
		observability.UpstreamFailuresTotal.WithLabelValues(kind.String(), res.Outcome.String()).Inc()
		level := zap.WarnLevel
		if res.Outcome == OutcomeConfigurationMissing {
			level = zap.ErrorLevel
		}
		logger.Log(level, "upstream fetch failed",
			zap.String("outcome", res.Outcome.String()),
			zap.String("category", string(CategorizeError(err))),
			zap.Error(err))
		return res
	}
	logger.Debug("upstream fetch succeeded", zap.Int("records", len(records)))
	return success(records)
}

func (c *UpstreamClient) fetchWithRetry(ctx context.Context, src Source, day time.Time, date string) ([]models.PointObservation, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(src.Kind().String()).Inc()
			timer := time.NewTimer(c.calculateBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("request timeout: %w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		records, err := c.callAPI(ctx, src, day, date)
		if err == nil {
			return records, nil
		}
		lastErr = err
		if !c.isRetryable(ctx, err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *UpstreamClient) callAPI(ctx context.Context, src Source, day time.Time, date string) ([]models.PointObservation, error) {
	kind := src.Kind().String()
	req, err := src.BuildRequest(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(kind, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(kind, "error").Observe(time.Since(start).Seconds())
		err = redactURLError(err, src)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request timeout: %w", ctx.Err())
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(kind, status).Inc()
	observability.UpstreamDuration.WithLabelValues(kind, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request timeout: %w", ctx.Err())
		}
		return nil, fmt.Errorf("read response body: %w", err)
	}
	// A truncated table would still parse, so an oversize body is rejected whole.
	if int64(len(body)) > c.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrUnexpectedPayload, c.cfg.MaxBodyBytes)
	}
	return src.Normalize(body, date)
}

func (c *UpstreamClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *UpstreamClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.cfg.RetryMaxDelay) {
		delay = float64(c.cfg.RetryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamRejected, resp.StatusCode)
	}
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}

// redacter is implemented by sources whose request URLs carry credentials.
type redacter interface {
	Redact(s string) string
}

// redactURLError strips credentials from the URL that net/http embeds in transport errors.
func redactURLError(err error, src Source) error {
	r, ok := src.(redacter)
	if !ok {
		return err
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = r.Redact(uerr.URL)
	}
	return err
}

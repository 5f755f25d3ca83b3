package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/firewatch-np/fire-feed-service/internal/client"
)

// inFlightRequest tracks a single upstream fetch that multiple callers may wait for.
type inFlightRequest struct {
	done   chan struct{}
	result client.FetchResult
}

// requestCoalescer prevents cache stampede by coalescing concurrent fetches for the same key.
type requestCoalescer struct {
	mu       sync.Mutex
	inFlight map[string]*inFlightRequest
	timeout  time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		inFlight: make(map[string]*inFlightRequest),
		timeout:  timeout,
	}
}

// GetOrDo runs fn for key unless a fetch for key is already in flight, in which
// case it waits for that fetch. shared is true when the result came from another
// caller's fetch. fn runs detached from the first caller's cancellation so one
// disconnecting client does not fail the others; its own deadline still applies.
// Waiting is bounded by ctx and the coalescer timeout; giving up yields a
// TimedOut result.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(ctx context.Context) client.FetchResult) (result client.FetchResult, shared bool) {
	rc.mu.Lock()
	req, exists := rc.inFlight[key]
	if !exists {
		req = &inFlightRequest{done: make(chan struct{})}
		rc.inFlight[key] = req
		fetchCtx := context.WithoutCancel(ctx)
		go func() {
			req.result = fn(fetchCtx)
			rc.cleanup(key)
			close(req.done)
		}()
	}
	rc.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-req.done:
		return req.result, exists
	case <-waitCtx.Done():
		err := fmt.Errorf("waiting for in-flight fetch: %w", waitCtx.Err())
		return client.FetchResult{Outcome: client.ClassifyOutcome(err), Err: err}, exists
	}
}

// cleanup removes the in-flight request for key so later misses start a new fetch.
func (rc *requestCoalescer) cleanup(key string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.inFlight, key)
}

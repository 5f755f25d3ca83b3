package health

import (
	"sync"
	"time"
)

// maxAge bounds how long outcomes are retained; windows longer than this see truncated data.
const maxAge = 30 * time.Minute

// Tracker maintains sliding windows of request outcomes. It is the single
// source of truth for overload (requests, denials), idle (requests) and
// degraded (upstream failures vs successes) decisions.
type Tracker struct {
	mu        sync.Mutex
	now       func() time.Time
	requests  []time.Time
	denied    []time.Time
	successes []time.Time
	failures  []time.Time
}

// NewTracker returns an empty tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordRequest records an accepted observation request.
func (t *Tracker) RecordRequest() { t.record(&t.requests) }

// RecordDenied records a rate-limit denial (429). Denials also count as requests.
func (t *Tracker) RecordDenied() { t.record(&t.denied) }

// RecordUpstreamSuccess records a successful upstream fetch.
func (t *Tracker) RecordUpstreamSuccess() { t.record(&t.successes) }

// RecordUpstreamFailure records a failed upstream fetch (timeout, network, rejection).
func (t *Tracker) RecordUpstreamFailure() { t.record(&t.failures) }

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns accepted plus denied requests within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return countSince(t.requests, cutoff) + countSince(t.denied, cutoff)
}

// DenialCount returns the number of denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denied, t.now().Add(-window))
}

// UpstreamErrorRate returns (failures, failures+successes) within the window.
func (t *Tracker) UpstreamErrorRate(window time.Duration) (failures, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	f := countSince(t.failures, cutoff)
	return f, f + countSince(t.successes, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests, t.denied, t.successes, t.failures = nil, nil, nil, nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Slices are append-only in time order.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	for _, slice := range []*[]time.Time{&t.requests, &t.denied, &t.successes, &t.failures} {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
}

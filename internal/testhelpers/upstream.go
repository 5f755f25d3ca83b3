// Package testhelpers provides stub upstream providers and fixtures shared by
// package tests.
package testhelpers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// FIRMSCSV is a three-row FIRMS country CSV. The second row has no acq_date.
const FIRMSCSV = `latitude,longitude,brightness,acq_date,acq_time,confidence
27.7172,85.3240,310.5,2025-04-09,0412,80
28.2096,83.9856,305.1,,0415,65
26.4525,87.2718,320.0,2025-04-10,0730,90
`

// BIPADJSON is a portal envelope with two usable incidents and two without coordinates.
const BIPADJSON = `{
  "count": 4,
  "results": [
    {"id": 1, "title": "Forest fire in Dolakha", "point": {"type": "Point", "coordinates": [86.07, 27.68]},
     "createdOn": "2025-04-10T08:15:00+05:45", "incidentOn": "2025-04-10T07:00:00+05:45"},
    {"id": 2, "titleNe": "डढेलो", "point": {"type": "Point", "coordinates": [84.12, 28.01]},
     "createdOn": "2025-04-09T22:00:00+05:45"},
    {"id": 3, "title": "No geometry", "point": null, "createdOn": "2025-04-10T01:00:00+05:45"},
    {"id": 4, "title": "Zero point", "point": {"coordinates": [0, 0]}, "createdOn": "2025-04-10T01:00:00+05:45"}
  ]
}`

// StubUpstream is an httptest server standing in for FIRMS and BIPAD. It counts
// calls and can be switched between serving fixtures, failing and hanging.
type StubUpstream struct {
	Server *httptest.Server

	calls      atomic.Int64
	mu         sync.Mutex
	status     int
	delay      time.Duration
	firmsBody  string
	bipadBody  string
	lastPath   string
	lastValues map[string][]string
}

// NewStubUpstream starts a stub serving FIRMSCSV and BIPADJSON. It is closed on test cleanup.
func NewStubUpstream(t *testing.T) *StubUpstream {
	t.Helper()
	s := &StubUpstream{status: http.StatusOK, firmsBody: FIRMSCSV, bipadBody: BIPADJSON}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *StubUpstream) serve(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	s.mu.Lock()
	status, delay := s.status, s.delay
	firms, bipad := s.firmsBody, s.bipadBody
	s.lastPath = r.URL.Path
	s.lastValues = r.URL.Query()
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/v1/incident") {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(bipad))
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	_, _ = w.Write([]byte(firms))
}

// URL is the stub's base URL, usable as both the FIRMS and BIPAD base.
func (s *StubUpstream) URL() string { return s.Server.URL }

// Calls returns how many requests the stub has received.
func (s *StubUpstream) Calls() int { return int(s.calls.Load()) }

// FailWith makes every following request answer status (200 restores fixtures).
func (s *StubUpstream) FailWith(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Delay makes every following request wait d before answering.
func (s *StubUpstream) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// SetFIRMSBody replaces the CSV served to FIRMS requests.
func (s *StubUpstream) SetFIRMSBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firmsBody = body
}

// LastRequest returns the path and query of the most recent request.
func (s *StubUpstream) LastRequest() (string, map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPath, s.lastValues
}

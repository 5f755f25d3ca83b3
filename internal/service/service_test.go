package service

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/client"
	"github.com/firewatch-np/fire-feed-service/internal/models"
	"github.com/firewatch-np/fire-feed-service/internal/testhelpers"
)

type mockFetcher struct {
	calls  atomic.Int32
	result client.FetchResult
	delay  time.Duration
}

func (m *mockFetcher) Fetch(ctx context.Context, date string, kind client.SourceKind) client.FetchResult {
	m.calls.Add(1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.result
}

type countingRecorder struct {
	mu                  sync.Mutex
	successes, failures int
}

func (r *countingRecorder) RecordUpstreamSuccess() { r.mu.Lock(); r.successes++; r.mu.Unlock() }
func (r *countingRecorder) RecordUpstreamFailure() { r.mu.Lock(); r.failures++; r.mu.Unlock() }

func newStore(t *testing.T, dir string) *cache.TieredStore {
	t.Helper()
	disk, err := cache.NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore() error = %v", err)
	}
	store, err := cache.Open(cache.Options{Disk: disk})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newStubService(t *testing.T, stub *testhelpers.StubUpstream, store Store, key string) *FireService {
	t.Helper()
	c := client.NewUpstreamClient(
		client.Config{Timeout: 2 * time.Second, RetryAttempts: 1},
		client.NewFIRMSSource(stub.URL(), func() string { return key }),
		client.NewBIPADSource(stub.URL()),
	)
	return NewFireService(c, store, Options{})
}

func someRecords() []models.PointObservation {
	return []models.PointObservation{{Latitude: 27.7, Longitude: 85.3, Date: "2025-04-10", Source: "NASA_FIRMS"}}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name       string
		date, src  string
		wantKey    string
		wantErrIs  error
		wantSource client.SourceKind
	}{
		{"default source", "2025-04-10", "", "firms-2025-04-10-NASA_FIRMS", nil, client.SourceSatellite},
		{"alias canonicalized", " 2025-04-10 ", "bipad", "firms-2025-04-10-BIPAD", nil, client.SourceIncidentPortal},
		{"bad shape", "2025/04/10", "", "", ErrInvalidDate, 0},
		{"bad calendar day", "2025-02-30", "", "", ErrInvalidDate, 0},
		{"empty date", "", "NASA_FIRMS", "", ErrInvalidDate, 0},
		{"unknown source served by satellite", "2025-04-10", "VIIRS_SNPP_NRT", "firms-2025-04-10-VIIRS_SNPP_NRT", nil, client.SourceSatellite},
		{"unknown source trimmed", "2025-04-10", " NASA ", "firms-2025-04-10-NASA", nil, client.SourceSatellite},
		{"source with slash", "2025-04-10", "../etc", "", ErrInvalidSource, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, kind, err := ParseRequest(tt.date, tt.src)
			if tt.wantErrIs != nil {
				if !errors.Is(err, tt.wantErrIs) {
					t.Fatalf("ParseRequest() error = %v, want %v", err, tt.wantErrIs)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest() error = %v", err)
			}
			if key.String() != tt.wantKey || kind != tt.wantSource {
				t.Errorf("ParseRequest() = %s, %v, want %s, %v", key, kind, tt.wantKey, tt.wantSource)
			}
		})
	}
}

func TestGetObservations_FIRMSThreeRows(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	dir := t.TempDir()
	store := newStore(t, dir)
	svc := newStubService(t, stub, store, "test-key")

	res, err := svc.GetObservations(context.Background(), "2025-04-10", "NASA_FIRMS")
	if err != nil {
		t.Fatalf("GetObservations() error = %v", err)
	}
	if res.Served != ServedUpstream || res.UpstreamFailed() {
		t.Errorf("Served = %s, outcome = %v", res.Served, res.Outcome)
	}
	if len(res.Records) != 3 {
		t.Fatalf("len(Records) = %d, want 3", len(res.Records))
	}
	if res.Records[1].Date != "2025-04-10" {
		t.Errorf("date-less row date = %q, want requested date", res.Records[1].Date)
	}
	for i, r := range res.Records {
		if r.Source != "NASA_FIRMS" {
			t.Errorf("record %d source = %q", i, r.Source)
		}
	}

	key, _, err := ParseRequest("2025-04-10", "NASA_FIRMS")
	if err != nil {
		t.Fatal(err)
	}
	hit, ok := store.Get(context.Background(), key)
	if !ok || hit.Tier != cache.TierMemory || len(hit.Records) != 3 {
		t.Errorf("memory tier = %v (ok=%v), want 3 records", hit, ok)
	}
	disk, err := cache.NewDiskStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	onDisk, err := disk.Load(context.Background(), key)
	if err != nil {
		t.Fatalf("disk Load() error = %v", err)
	}
	if len(onDisk.Records) != 3 {
		t.Errorf("disk tier records = %d, want 3", len(onDisk.Records))
	}
}

func TestGetObservations_UnknownSourceUsesSatelliteWithOwnKey(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	store := newStore(t, t.TempDir())
	svc := newStubService(t, stub, store, "test-key")
	ctx := context.Background()

	for _, src := range []string{"VIIRS_SNPP_NRT", "NASA"} {
		res, err := svc.GetObservations(ctx, "2025-04-10", src)
		if err != nil {
			t.Fatalf("GetObservations(%s) error = %v", src, err)
		}
		if res.Served != ServedUpstream || len(res.Records) != 3 {
			t.Errorf("%s: Served = %s, records = %d", src, res.Served, len(res.Records))
		}
	}
	if got := stub.Calls(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (distinct sources must not share an entry)", got)
	}
}

func TestGetObservations_SecondRequestServedFromCache(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	svc := newStubService(t, stub, newStore(t, t.TempDir()), "test-key")
	ctx := context.Background()

	if _, err := svc.GetObservations(ctx, "2025-04-10", "NASA_FIRMS"); err != nil {
		t.Fatal(err)
	}
	res, err := svc.GetObservations(ctx, "2025-04-10", "NASA_FIRMS")
	if err != nil {
		t.Fatal(err)
	}
	if stub.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", stub.Calls())
	}
	if res.Served != ServedMemory || len(res.Records) != 3 {
		t.Errorf("second request = %s with %d records", res.Served, len(res.Records))
	}
}

func TestGetObservations_DiskSurvivesRestart(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	dir := t.TempDir()
	ctx := context.Background()

	first := newStubService(t, stub, newStore(t, dir), "test-key")
	if _, err := first.GetObservations(ctx, "2025-04-10", "BIPAD"); err != nil {
		t.Fatal(err)
	}

	second := newStubService(t, stub, newStore(t, dir), "test-key")
	res, err := second.GetObservations(ctx, "2025-04-10", "BIPAD")
	if err != nil {
		t.Fatal(err)
	}
	if res.Served != ServedDisk || len(res.Records) != 2 {
		t.Errorf("after restart = %s with %d records, want disk with 2", res.Served, len(res.Records))
	}
	if stub.Calls() != 1 {
		t.Errorf("upstream calls = %d, want 1", stub.Calls())
	}
}

func TestGetObservations_StaleFallbackAfterTTL(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	dir := t.TempDir()
	ctx := context.Background()

	warm := newStubService(t, stub, newStore(t, dir), "test-key")
	if _, err := warm.GetObservations(ctx, "2025-04-10", "NASA_FIRMS"); err != nil {
		t.Fatal(err)
	}
	disk, _ := cache.NewDiskStore(dir)
	for _, e := range mustList(t, disk) {
		old := time.Now().Add(-48 * time.Hour)
		if err := os.Chtimes(e.Path, old, old); err != nil {
			t.Fatal(err)
		}
	}

	stub.FailWith(http.StatusBadGateway)
	svc := newStubService(t, stub, newStore(t, dir), "test-key")
	res, err := svc.GetObservations(ctx, "2025-04-10", "NASA_FIRMS")
	if err != nil {
		t.Fatalf("GetObservations() error = %v", err)
	}
	if res.Served != ServedStale || !res.UpstreamFailed() {
		t.Errorf("Served = %s, outcome = %v, want stale after failure", res.Served, res.Outcome)
	}
	if len(res.Records) != 3 {
		t.Errorf("stale records = %d, want 3", len(res.Records))
	}
	if stub.Calls() != 2 {
		t.Errorf("upstream calls = %d, want a refresh attempt", stub.Calls())
	}
}

func mustList(t *testing.T, disk *cache.DiskStore) []cache.DiskEntry {
	t.Helper()
	entries, err := disk.List(context.Background())
	if err != nil || len(entries) == 0 {
		t.Fatalf("List() = %v, %v", entries, err)
	}
	return entries
}

func TestGetObservations_EmptyFallback(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	stub.FailWith(http.StatusInternalServerError)
	svc := newStubService(t, stub, newStore(t, t.TempDir()), "test-key")

	res, err := svc.GetObservations(context.Background(), "2025-04-10", "NASA_FIRMS")
	if err != nil {
		t.Fatalf("GetObservations() error = %v", err)
	}
	if res.Records == nil || len(res.Records) != 0 {
		t.Errorf("Records = %#v, want empty non-nil", res.Records)
	}
	if res.Served != ServedEmpty || res.Outcome != client.OutcomeUpstreamRejected {
		t.Errorf("Served = %s, outcome = %v", res.Served, res.Outcome)
	}
}

func TestGetObservations_MissingKeyServesEmpty(t *testing.T) {
	stub := testhelpers.NewStubUpstream(t)
	svc := newStubService(t, stub, newStore(t, t.TempDir()), "")

	res, err := svc.GetObservations(context.Background(), "2025-04-10", "")
	if err != nil {
		t.Fatalf("GetObservations() error = %v", err)
	}
	if res.Outcome != client.OutcomeConfigurationMissing || len(res.Records) != 0 {
		t.Errorf("outcome = %v, records = %d", res.Outcome, len(res.Records))
	}
	if stub.Calls() != 0 {
		t.Errorf("upstream calls = %d, want 0 without a key", stub.Calls())
	}
}

func TestGetObservations_MalformedDateTouchesNothing(t *testing.T) {
	f := &mockFetcher{result: client.FetchResult{Records: someRecords()}}
	dir := t.TempDir()
	svc := NewFireService(f, newStore(t, dir), Options{})

	for _, date := range []string{"2025-4-10", "yesterday", "2025-13-01", ""} {
		if _, err := svc.GetObservations(context.Background(), date, "NASA_FIRMS"); !errors.Is(err, ErrInvalidDate) {
			t.Errorf("GetObservations(%q) error = %v, want ErrInvalidDate", date, err)
		}
	}
	if f.calls.Load() != 0 {
		t.Errorf("fetch calls = %d, want 0", f.calls.Load())
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Errorf("cache dir has %d entries, want 0", len(entries))
	}
}

func TestGetObservations_RecordsUpstreamHealth(t *testing.T) {
	rec := &countingRecorder{}
	ok := &mockFetcher{result: client.FetchResult{Records: someRecords()}}
	svc := NewFireService(ok, newStore(t, t.TempDir()), Options{Recorder: rec})
	_, _ = svc.GetObservations(context.Background(), "2025-04-10", "")

	bad := &mockFetcher{result: client.FetchResult{Outcome: client.OutcomeTimedOut, Err: context.DeadlineExceeded}}
	svc = NewFireService(bad, newStore(t, t.TempDir()), Options{Recorder: rec})
	_, _ = svc.GetObservations(context.Background(), "2025-04-10", "")

	if rec.successes != 1 || rec.failures != 1 {
		t.Errorf("successes/failures = %d/%d, want 1/1", rec.successes, rec.failures)
	}
}

func TestRefresh(t *testing.T) {
	f := &mockFetcher{result: client.FetchResult{Records: someRecords()}}
	store := newStore(t, t.TempDir())
	svc := NewFireService(f, store, Options{})
	ctx := context.Background()

	n, err := svc.Refresh(ctx, "2025-04-10", "NASA_FIRMS")
	if err != nil || n != 1 {
		t.Fatalf("Refresh() = %d, %v, want 1", n, err)
	}
	if _, err := svc.Refresh(ctx, "2025-04-10", "NASA_FIRMS"); err != nil {
		t.Fatal(err)
	}
	if f.calls.Load() != 2 {
		t.Errorf("fetch calls = %d, want 2 (refresh bypasses cache)", f.calls.Load())
	}
	res, _ := svc.GetObservations(ctx, "2025-04-10", "NASA_FIRMS")
	if res.Served != ServedMemory {
		t.Errorf("after refresh Served = %s, want memory", res.Served)
	}

	f.result = client.FetchResult{Outcome: client.OutcomeNetworkError, Err: errors.New("dial tcp: refused")}
	if _, err := svc.Refresh(ctx, "2025-04-10", "NASA_FIRMS"); err == nil {
		t.Error("Refresh() after failure error = nil")
	}
	if _, err := svc.Refresh(ctx, "bad", "NASA_FIRMS"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("Refresh(bad) error = %v", err)
	}
}

func TestGetObservations_CoalescesConcurrentMisses(t *testing.T) {
	f := &mockFetcher{result: client.FetchResult{Records: someRecords()}, delay: 100 * time.Millisecond}
	svc := NewFireService(f, newStore(t, t.TempDir()), Options{CoalesceTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.GetObservations(context.Background(), "2025-04-10", "NASA_FIRMS")
			if err != nil || len(res.Records) != 1 {
				t.Errorf("GetObservations() = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()
	if got := f.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

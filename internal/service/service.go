package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/cache"
	"github.com/firewatch-np/fire-feed-service/internal/client"
	"github.com/firewatch-np/fire-feed-service/internal/fingerprint"
	"github.com/firewatch-np/fire-feed-service/internal/models"
	"github.com/firewatch-np/fire-feed-service/internal/observability"
	"github.com/firewatch-np/fire-feed-service/internal/validation"
)

// Client input errors. Anything else that goes wrong is absorbed into the Result.
var (
	ErrInvalidDate   = errors.New("invalid date")
	ErrInvalidSource = errors.New("invalid source")
)

// DefaultSource is used when a request names no source.
const DefaultSource = client.SatelliteSourceID

const maxSourceLen = 64

// Store is the cache the service reads through. *cache.TieredStore implements it.
type Store interface {
	Get(ctx context.Context, key fingerprint.Key) (cache.Hit, bool)
	GetStale(ctx context.Context, key fingerprint.Key) (cache.Hit, bool)
	Put(ctx context.Context, key fingerprint.Key, records []models.PointObservation) error
}

// UpstreamRecorder receives the result of every upstream fetch. *health.Tracker implements it.
type UpstreamRecorder interface {
	RecordUpstreamSuccess()
	RecordUpstreamFailure()
}

// Served says where a Result's records came from.
type Served string

const (
	ServedMemory   Served = "memory"
	ServedDisk     Served = "disk"
	ServedUpstream Served = "upstream"
	ServedStale    Served = "stale"
	ServedEmpty    Served = "empty"
)

// Result is the answer to an observation request. Records is never nil.
type Result struct {
	Records []models.PointObservation
	Served  Served
	// Outcome is the upstream outcome when a fetch was attempted, OutcomeSuccess otherwise.
	Outcome client.Outcome
}

// UpstreamFailed reports whether the records are a fallback for a failed fetch.
func (r Result) UpstreamFailed() bool { return r.Outcome != client.OutcomeSuccess }

// Options configures optional FireService behaviour.
type Options struct {
	// CoalesceTimeout enables request coalescing when positive: concurrent misses
	// for the same key share one upstream fetch and wait at most this long.
	CoalesceTimeout time.Duration
	Recorder        UpstreamRecorder
	Logger          *zap.Logger
}

// FireService answers observation requests from the tiered cache, falling back
// to the upstream providers and then to stale or empty data.
type FireService struct {
	fetcher         client.Fetcher
	store           Store
	recorder        UpstreamRecorder
	logger          *zap.Logger
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // nil if disabled
}

// NewFireService creates a FireService with the provided dependencies.
func NewFireService(fetcher client.Fetcher, store Store, opts Options) *FireService {
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FireService{
		fetcher:         fetcher,
		store:           store,
		recorder:        opts.Recorder,
		logger:          logger,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// ParseRequest validates a request's date and source. An empty source means
// DefaultSource. Known aliases map to their canonical identifier; any other
// well-formed identifier is served by the satellite strategy and keeps its own
// cache key. Only a source with disallowed characters is rejected.
func ParseRequest(date, source string) (fingerprint.Key, client.SourceKind, error) {
	d, _, err := validation.ValidateDate(date)
	if err != nil {
		return fingerprint.Key{}, 0, fmt.Errorf("%w: %w", ErrInvalidDate, err)
	}
	if strings.TrimSpace(source) == "" {
		source = DefaultSource
	}
	id, err := validation.ValidateSource(source, maxSourceLen)
	if err != nil {
		return fingerprint.Key{}, 0, fmt.Errorf("%w: %w", ErrInvalidSource, err)
	}
	kind, known := client.LookupSourceKind(id)
	if known {
		id = kind.String()
	} else {
		kind = client.SourceSatellite
	}
	key, err := fingerprint.New(d, id)
	if err != nil {
		return fingerprint.Key{}, 0, fmt.Errorf("%w: %w", ErrInvalidDate, err)
	}
	return key, kind, nil
}

// GetObservations returns the records for date and source. The error is
// non-nil only for invalid input (ErrInvalidDate, ErrInvalidSource); upstream
// and persistence failures degrade to stale or empty records.
func (s *FireService) GetObservations(ctx context.Context, date, source string) (Result, error) {
	key, kind, err := ParseRequest(date, source)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	logger := observability.LoggerOr(ctx, s.logger).With(zap.String("key", key.String()))

	if hit, ok := s.store.Get(ctx, key); ok {
		observability.CacheHitsTotal.WithLabelValues(string(hit.Tier)).Inc()
		served := ServedMemory
		if hit.Tier == cache.TierDisk {
			served = ServedDisk
		}
		logger.Debug("observations served",
			zap.String("served", string(served)),
			zap.Int("records", len(hit.Records)),
			zap.Duration("duration", time.Since(start)))
		return s.finish(kind, Result{Records: hit.Records, Served: served})
	}
	observability.CacheMissesTotal.Inc()

	concurrentMisses := s.stampedeTracker.RecordMiss(key.String())
	defer s.stampedeTracker.RecordHit(key.String())
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(kind.String()).Inc()
	}

	logger.Debug("cache miss, fetching upstream")
	res := s.fetch(ctx, key, kind)
	if !res.OK() {
		return s.finish(kind, s.resolveFailure(ctx, logger, key, res))
	}

	if err := s.store.Put(ctx, key, res.Records); err != nil {
		logger.Warn("cache set failed", zap.Error(err))
	}
	logger.Debug("observations served",
		zap.String("served", string(ServedUpstream)),
		zap.Int("records", len(res.Records)),
		zap.Duration("duration", time.Since(start)))
	return s.finish(kind, Result{Records: res.Records, Served: ServedUpstream})
}

// Refresh fetches date/source upstream and stores the result regardless of
// what is cached. Used by cache warming and cachectl; returns the record count.
func (s *FireService) Refresh(ctx context.Context, date, source string) (int, error) {
	key, kind, err := ParseRequest(date, source)
	if err != nil {
		return 0, err
	}
	res := s.fetch(ctx, key, kind)
	if !res.OK() {
		return 0, fmt.Errorf("refresh %s: %s: %w", key, res.Outcome, res.Err)
	}
	if err := s.store.Put(ctx, key, res.Records); err != nil {
		return len(res.Records), fmt.Errorf("refresh %s: %w", key, err)
	}
	return len(res.Records), nil
}

func (s *FireService) fetch(ctx context.Context, key fingerprint.Key, kind client.SourceKind) client.FetchResult {
	var res client.FetchResult
	if s.coalescer != nil {
		var shared bool
		res, shared = s.coalescer.GetOrDo(ctx, key.String(), func(ctx context.Context) client.FetchResult {
			return s.fetcher.Fetch(ctx, key.Date, kind)
		})
		if shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(kind.String()).Inc()
			return res
		}
	} else {
		res = s.fetcher.Fetch(ctx, key.Date, kind)
	}
	if s.recorder != nil {
		if res.OK() {
			s.recorder.RecordUpstreamSuccess()
		} else {
			s.recorder.RecordUpstreamFailure()
		}
	}
	return res
}

// resolveFailure decides what a failed fetch serves: the stale entry for key
// if either tier still holds one, otherwise an empty record set.
func (s *FireService) resolveFailure(ctx context.Context, logger *zap.Logger, key fingerprint.Key, res client.FetchResult) Result {
	if hit, ok := s.store.GetStale(ctx, key); ok {
		age := time.Since(hit.StoredAt)
		observability.StaleCacheAgeSeconds.Observe(age.Seconds())
		logger.Info("serving stale cache",
			zap.String("outcome", res.Outcome.String()),
			zap.String("tier", string(hit.Tier)),
			zap.Duration("age", age))
		return Result{Records: hit.Records, Served: ServedStale, Outcome: res.Outcome}
	}
	logger.Info("no cached data, serving empty result", zap.String("outcome", res.Outcome.String()))
	return Result{Records: []models.PointObservation{}, Served: ServedEmpty, Outcome: res.Outcome}
}

func (s *FireService) finish(kind client.SourceKind, r Result) (Result, error) {
	if r.Records == nil {
		r.Records = []models.PointObservation{}
	}
	observability.ObservationsServedTotal.WithLabelValues(kind.String(), string(r.Served)).Inc()
	return r, nil
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/firewatch-np/fire-feed-service/internal/observability"
	"github.com/firewatch-np/fire-feed-service/internal/validation"
)

// Refresher is implemented by the service layer to fetch a (date, source) pair
// upstream and store it in both tiers. Used by Warmer to avoid a circular
// dependency on the service package.
type Refresher interface {
	Refresh(ctx context.Context, date, source string) (int, error)
}

// Target is one (date, source) pair to warm.
type Target struct {
	Date   string
	Source string
}

// TargetsFor returns today's and yesterday's targets in loc for each source.
// The dashboard opens on today; yesterday catches late FIRMS detections.
func TargetsFor(now time.Time, loc *time.Location, sources []string) []Target {
	if loc == nil {
		loc = time.UTC
	}
	today := now.In(loc)
	dates := []string{
		today.Format(validation.DateLayout),
		today.AddDate(0, 0, -1).Format(validation.DateLayout),
	}
	out := make([]Target, 0, len(dates)*len(sources))
	for _, src := range sources {
		for _, d := range dates {
			out = append(out, Target{Date: d, Source: src})
		}
	}
	return out
}

// Warmer prefetches targets so dashboard requests hit the cache.
type Warmer struct {
	refresher Refresher
	logger    *zap.Logger
}

// NewWarmer creates a Warmer that uses the given refresher and logger.
func NewWarmer(refresher Refresher, logger *zap.Logger) *Warmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{refresher: refresher, logger: logger}
}

// Warm refreshes every target concurrently. Returns the aggregated failures.
func (w *Warmer) Warm(ctx context.Context, targets []Target) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("targets", len(targets)))

	var wg sync.WaitGroup
	errCh := make(chan error, len(targets))
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			n, err := w.refresher.Refresh(ctx, t.Date, t.Source)
			if err != nil {
				errCh <- fmt.Errorf("warm %s/%s: %w", t.Source, t.Date, err)
				return
			}
			w.logger.Debug("warmed target", zap.String("source", t.Source), zap.String("date", t.Date), zap.Int("records", n))
		}(t)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("targets", len(targets)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

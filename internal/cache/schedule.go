package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ParseSchedule validates a standard five-field cron expression or descriptor
// (e.g. "@every 30m", "@hourly").
func ParseSchedule(spec string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler runs cache maintenance (warming and the opt-in disk prune) on cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler returns a stopped scheduler evaluating schedules in loc.
func NewScheduler(loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ScheduleWarm refreshes the targets returned by targets on spec.
func (s *Scheduler) ScheduleWarm(spec string, w *Warmer, targets func() []Target) error {
	return s.add(spec, "warm", func(ctx context.Context) {
		if err := w.Warm(ctx, targets()); err != nil {
			s.logger.Warn("scheduled cache warm failed", zap.Error(err))
		}
	})
}

// SchedulePrune removes disk entries older than maxAge on spec.
func (s *Scheduler) SchedulePrune(spec string, store *TieredStore, maxAge time.Duration) error {
	if maxAge <= 0 {
		return fmt.Errorf("prune max age must be positive, got %s", maxAge)
	}
	return s.add(spec, "prune", func(ctx context.Context) {
		n, err := store.Prune(ctx, maxAge)
		if err != nil {
			s.logger.Warn("scheduled disk prune failed", zap.Int("removed", n), zap.Error(err))
			return
		}
		s.logger.Info("disk cache pruned", zap.Int("removed", n), zap.Duration("max_age", maxAge))
	})
}

func (s *Scheduler) add(spec, name string, job func(ctx context.Context)) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	s.cron.Schedule(sched, cron.FuncJob(func() { job(s.ctx) }))
	s.logger.Info("scheduled cache job", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package health

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state reported by /health.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusIdle         Status = "idle"
	StatusDegraded     Status = "degraded"
	StatusOverloaded   Status = "overloaded"
	StatusShuttingDown Status = "shutting-down"
)

// Thresholds configures the overload, idle and degraded decisions. A zero
// window disables the corresponding check.
type Thresholds struct {
	OverloadWindow         time.Duration
	OverloadThresholdPct   int
	RateLimitRPS           int
	IdleWindow             time.Duration
	IdleThresholdReqPerMin int
	MinimumLifespan        time.Duration
	DegradedWindow         time.Duration
	DegradedErrorPct       int
}

// Check probes a dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// Report is the outcome of one health evaluation.
type Report struct {
	Status Status
	Reason string
	Checks map[string]string
}

// Monitor combines request and upstream outcome tracking with dependency
// probes into a single health decision. It replaces process-wide globals so
// tests and the server each own their state.
type Monitor struct {
	tracker      *Tracker
	thresholds   Thresholds
	started      time.Time
	now          func() time.Time
	shuttingDown atomic.Bool

	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor returns a Monitor that considers the process started now.
func NewMonitor(tracker *Tracker, thresholds Thresholds) *Monitor {
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Monitor{
		tracker:    tracker,
		thresholds: thresholds,
		started:    time.Now(),
		now:        time.Now,
		checks:     make(map[string]Check),
	}
}

// Tracker returns the outcome tracker fed by middleware and the service layer.
func (m *Monitor) Tracker() *Tracker { return m.tracker }

// AddCheck registers a named dependency probe reported under checks in /health.
func (m *Monitor) AddCheck(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// SetShuttingDown sets the drain flag. Call when SIGTERM/SIGINT is received.
func (m *Monitor) SetShuttingDown(v bool) { m.shuttingDown.Store(v) }

// IsShuttingDown reports whether the process is draining.
func (m *Monitor) IsShuttingDown() bool { return m.shuttingDown.Load() }

// Evaluate computes the current status.
// Decision order: shutting-down > overloaded > idle > degraded > healthy.
// Dependency checks are reported but only the upstream error rate degrades the
// service, since cached and empty answers keep /data available regardless.
func (m *Monitor) Evaluate(ctx context.Context) Report {
	report := Report{Status: StatusHealthy, Checks: m.runChecks(ctx)}
	t := m.thresholds

	if m.IsShuttingDown() {
		report.Status, report.Reason = StatusShuttingDown, "signal"
		return report
	}
	if t.OverloadWindow > 0 && t.RateLimitRPS > 0 && t.OverloadThresholdPct > 0 {
		threshold := float64(t.RateLimitRPS) * t.OverloadWindow.Seconds() * float64(t.OverloadThresholdPct) / 100
		if float64(m.tracker.RequestCount(t.OverloadWindow)) > threshold {
			report.Status, report.Reason = StatusOverloaded, "overload_threshold"
			return report
		}
	}
	if t.IdleWindow > 0 && t.MinimumLifespan > 0 && m.now().Sub(m.started) >= t.MinimumLifespan {
		if m.tracker.RequestCount(t.IdleWindow) < t.IdleThresholdReqPerMin {
			report.Status, report.Reason = StatusIdle, "low_traffic"
			return report
		}
	}
	upstream := "healthy"
	if t.DegradedWindow > 0 && t.DegradedErrorPct > 0 {
		failures, total := m.tracker.UpstreamErrorRate(t.DegradedWindow)
		if total > 0 && float64(failures)*100/float64(total) >= float64(t.DegradedErrorPct) {
			upstream = "unhealthy"
			report.Status, report.Reason = StatusDegraded, "upstream_error_rate"
		}
	}
	report.Checks["upstream"] = upstream
	return report
}

func (m *Monitor) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()

	sort.Strings(names)
	out := make(map[string]string, len(names)+1)
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			out[name] = "unhealthy"
			continue
		}
		out[name] = "healthy"
	}
	return out
}

package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"agent-resilience/internal/observability/slo"
)

// Snapshot is the current state the Reporter publishes as gauges.
type Snapshot struct {
	OpenCircuits        int
	HalfOpenCircuits    int
	BufferedEvents      int
	StrategySuccessRate map[string]float64

	// SLO is evaluated when the reporter has SLO gauges.
	SLO slo.Measurement
}

// SnapshotFunc collects a Snapshot. It runs on the cron goroutine.
type SnapshotFunc func() Snapshot

// Reporter refreshes the state gauges on a cron schedule.
type Reporter struct {
	metrics  *Metrics
	snapshot SnapshotFunc
	logger   *slog.Logger
	cron     *cron.Cron
	schedule string
	slo      *slo.Gauges

	mu      sync.Mutex
	started bool
	stopped bool
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithSLO makes every report update g and log missed objectives.
func WithSLO(g *slo.Gauges) ReporterOption {
	return func(r *Reporter) {
		r.slo = g
	}
}

// NewReporter creates a reporter that runs every interval.
func NewReporter(m *Metrics, interval time.Duration, snapshot SnapshotFunc, logger *slog.Logger, opts ...ReporterOption) (*Reporter, error) {
	if m == nil {
		return nil, fmt.Errorf("reporter requires metrics")
	}
	if snapshot == nil {
		return nil, fmt.Errorf("reporter requires a snapshot function")
	}
	if interval < time.Second {
		return nil, fmt.Errorf("report interval must be at least 1s, got %v", interval)
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reporter{
		metrics:  m,
		snapshot: snapshot,
		logger:   logger,
		cron:     cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		schedule: "@every " + interval.String(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if _, err := r.cron.AddFunc(r.schedule, r.Report); err != nil {
		return nil, fmt.Errorf("failed to add report job: %w", err)
	}
	return r, nil
}

// Start begins the schedule. It is a no-op after the first call or after Stop.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	r.cron.Start()
	r.logger.Debug("metrics reporter started", slog.String("schedule", r.schedule))
}

// Stop halts the schedule and waits for a running report, bounded by ctx.
func (r *Reporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report takes one snapshot and sets the gauges.
func (r *Reporter) Report() {
	s := r.snapshot()

	r.metrics.OpenCircuits.Set(float64(s.OpenCircuits))
	r.metrics.HalfOpenCircuits.Set(float64(s.HalfOpenCircuits))
	r.metrics.BufferedEvents.Set(float64(s.BufferedEvents))
	r.metrics.StrategySuccessRate.Reset()
	for strategy, rate := range s.StrategySuccessRate {
		r.metrics.StrategySuccessRate.WithLabelValues(strategy).Set(rate)
	}
	r.metrics.LastReportTimestamp.SetToCurrentTime()

	if r.slo == nil {
		return
	}
	for _, v := range r.slo.Update(s.SLO) {
		r.logger.Warn("service level objective missed",
			slog.String("objective", v.Objective),
			slog.Float64("current", v.Current),
			slog.Float64("target", v.Target))
	}
}

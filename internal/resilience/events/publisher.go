package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/pkg/clock"
)

// ErrPublisherClosed is returned by Flush after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// BufferCapacity bounds the number of pending events.
	BufferCapacity int `yaml:"buffer_capacity"`

	// BatchSize is the maximum number of events per flush and the fill level
	// that triggers an early flush.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval is the period of the background flush.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// PublishTimeout bounds one batch sent to the bus.
	PublishTimeout time.Duration `yaml:"publish_timeout"`

	// MaxOverhead is the average per-publish cost above which non-critical
	// events are skipped for SkipWindow. Zero disables the guard.
	MaxOverhead time.Duration `yaml:"max_overhead"`

	// OverheadAlpha is the smoothing factor of the cost average.
	OverheadAlpha float64 `yaml:"overhead_alpha"`

	// SkipWindow is how long instrumentation stays suspended.
	SkipWindow time.Duration `yaml:"skip_window"`

	Sampling SamplingPolicy `yaml:"sampling"`
}

// DefaultPublisherConfig returns the default publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		BufferCapacity: 1000,
		BatchSize:      50,
		FlushInterval:  time.Second,
		PublishTimeout: 5 * time.Second,
		MaxOverhead:    time.Millisecond,
		OverheadAlpha:  0.2,
		SkipWindow:     5 * time.Second,
		Sampling:       DefaultSamplingPolicy(),
	}
}

// Validate checks the configuration.
func (c PublisherConfig) Validate() error {
	if c.BufferCapacity < 1 {
		return fmt.Errorf("buffer capacity must be at least 1, got %d", c.BufferCapacity)
	}
	if c.BatchSize < 1 || c.BatchSize > c.BufferCapacity {
		return fmt.Errorf("batch size must be within [1,%d], got %d", c.BufferCapacity, c.BatchSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %v", c.FlushInterval)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("publish timeout must be positive, got %v", c.PublishTimeout)
	}
	if c.MaxOverhead < 0 {
		return fmt.Errorf("max overhead must not be negative, got %v", c.MaxOverhead)
	}
	if math.IsNaN(c.OverheadAlpha) || c.OverheadAlpha <= 0 || c.OverheadAlpha > 1 {
		return fmt.Errorf("overhead alpha must be within (0,1], got %v", c.OverheadAlpha)
	}
	if c.SkipWindow < 0 {
		return fmt.Errorf("skip window must not be negative, got %v", c.SkipWindow)
	}
	return c.Sampling.Validate()
}

// Statistics reports publisher counters.
type Statistics struct {
	Published       int64         `json:"published"`
	Enqueued        int64         `json:"enqueued"`
	Dropped         int64         `json:"dropped"`
	SampledOut      int64         `json:"sampled_out"`
	Skipped         int64         `json:"skipped"`
	Failed          int64         `json:"failed"`
	Buffered        int           `json:"buffered"`
	Capacity        int           `json:"capacity"`
	AverageOverhead time.Duration `json:"average_overhead"`
	GuardTrips      int64         `json:"guard_trips"`
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithClock sets the clock used for timestamps, rate limiting and the
// overhead guard.
func WithClock(clk clock.Clock) Option {
	return func(p *Publisher) {
		p.clock = clock.OrSystem(clk)
	}
}

// WithRand sets the random source used for sampling.
func WithRand(rng *rand.Rand) Option {
	return func(p *Publisher) {
		if rng != nil {
			p.rng = rng
		}
	}
}

// Publisher is the asynchronous resilience event pipeline. Publish methods
// never block on I/O and never fail; they return the event ID, or "" when
// the event was sampled out, skipped or dropped.
type Publisher struct {
	bus     Bus
	cfg     PublisherConfig
	logger  *slog.Logger
	metrics Metrics
	clock   clock.Clock
	rng     *rand.Rand
	sampler *sampler

	mu    sync.Mutex
	buf   *buffer
	guard *overheadGuard

	flushMu   sync.Mutex
	flushCh   chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool

	published  atomic.Int64
	enqueued   atomic.Int64
	dropped    atomic.Int64
	sampledOut atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
}

// NewPublisher validates cfg and creates a publisher. A nil bus discards
// events. Call Start to begin background flushing.
func NewPublisher(bus Bus, cfg PublisherConfig, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}
	if bus == nil {
		bus = NoopBus{}
	}
	p := &Publisher{
		bus:     bus,
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: NoOpMetrics{},
		clock:   clock.SystemClock{},
		buf:     newBuffer(cfg.BufferCapacity),
		guard:   newOverheadGuard(cfg.MaxOverhead, cfg.OverheadAlpha, cfg.SkipWindow),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano())) // #nosec G404 -- sampling, not security
	}
	p.sampler = newSampler(cfg.Sampling, p.rng)
	return p, nil
}

// Start launches the background flush goroutine. It is a no-op after the
// first call or after Shutdown.
func (p *Publisher) Start() {
	if p.closed.Load() {
		return
	}
	p.startOnce.Do(func() {
		p.started.Store(true)
		go p.run()
	})
}

func (p *Publisher) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		case <-p.flushCh:
		}
		p.flushAvailable(context.Background())
	}
}

// PublishDetected records that a failure was detected.
func (p *Publisher) PublishDetected(cls entity.Classification, ectx entity.ErrorContext, source entity.EventSource, err error) string {
	e := p.newEvent(TypeDetected, &cls, ectx, source)
	if err != nil {
		e.Error = err.Error()
	}
	return p.publish(e)
}

// PublishClassified records a classification.
func (p *Publisher) PublishClassified(cls entity.Classification, ectx entity.ErrorContext, source entity.EventSource) string {
	return p.publish(p.newEvent(TypeClassified, &cls, ectx, source))
}

// PublishRecoveryInitiated records the selected strategy.
func (p *Publisher) PublishRecoveryInitiated(cls entity.Classification, ectx entity.ErrorContext, source entity.EventSource, strategy StrategyInfo) string {
	e := p.newEvent(TypeRecoveryInitiated, &cls, ectx, source)
	e.Strategy = &strategy
	return p.publish(e)
}

// PublishRecoveryCompleted records a successful recovery.
func (p *Publisher) PublishRecoveryCompleted(cls entity.Classification, ectx entity.ErrorContext, source entity.EventSource, strategy StrategyInfo, outcome OutcomeInfo) string {
	e := p.newEvent(TypeRecoveryCompleted, &cls, ectx, source)
	e.Strategy = &strategy
	e.Outcome = &outcome
	return p.publish(e)
}

// PublishRecoveryFailed records a failed recovery.
func (p *Publisher) PublishRecoveryFailed(cls entity.Classification, ectx entity.ErrorContext, source entity.EventSource, strategy StrategyInfo, outcome OutcomeInfo) string {
	e := p.newEvent(TypeRecoveryFailed, &cls, ectx, source)
	e.Strategy = &strategy
	e.Outcome = &outcome
	e.Error = outcome.Error
	return p.publish(e)
}

// PublishCircuitStateChanged records a breaker transition. These events are
// never sampled out.
func (p *Publisher) PublishCircuitStateChanged(circuit CircuitInfo) string {
	ectx := entity.ErrorContext{Service: circuit.Service, Operation: circuit.Operation}
	e := p.newEvent(TypeCircuitStateChanged, nil, ectx, entity.EventSource{})
	e.Circuit = &circuit
	return p.publish(e)
}

func (p *Publisher) newEvent(t Type, cls *entity.Classification, ectx entity.ErrorContext, source entity.EventSource) *ResilienceEvent {
	n := ectx.Normalize()
	e := &ResilienceEvent{Type: t, Source: source, Context: &n}
	if cls != nil {
		c := cls.Clamp()
		e.Classification = &c
	}
	e.Priority = priorityFor(e)
	return e
}

func (p *Publisher) publish(e *ResilienceEvent) string {
	label := string(e.Type)
	if p.closed.Load() {
		p.dropped.Add(1)
		p.metrics.RecordEvent(label, OutcomeDropped)
		return ""
	}

	start := p.clock.Now()
	critical := e.critical()

	p.mu.Lock()
	skip := !critical && p.guard.skipping(start)
	p.mu.Unlock()
	if skip {
		p.skipped.Add(1)
		p.metrics.RecordEvent(label, OutcomeSkipped)
		return ""
	}

	keep, reason := p.sampler.decide(e, start)
	e.Sampled = keep
	e.SampleReason = reason
	if !keep {
		p.sampledOut.Add(1)
		p.metrics.RecordEvent(label, OutcomeSampledOut)
		p.observeOverhead(start)
		return ""
	}

	e.ID = uuid.New().String()
	e.Timestamp = start

	p.mu.Lock()
	accepted, evicted := p.buf.push(e)
	buffered := p.buf.len()
	p.mu.Unlock()

	if evicted != nil {
		p.dropped.Add(1)
		p.metrics.RecordEvent(string(evicted.Type), OutcomeDropped)
	}
	if !accepted {
		p.dropped.Add(1)
		p.metrics.RecordEvent(label, OutcomeDropped)
		p.observeOverhead(start)
		return ""
	}
	p.enqueued.Add(1)
	p.metrics.RecordEvent(label, OutcomeEnqueued)

	if buffered >= p.cfg.BatchSize {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
	p.observeOverhead(start)
	return e.ID
}

func (p *Publisher) observeOverhead(start time.Time) {
	now := p.clock.Now()
	cost := now.Sub(start)
	p.metrics.ObservePublishOverhead(cost)

	p.mu.Lock()
	tripped := p.guard.observe(cost, now)
	p.mu.Unlock()
	if tripped {
		p.logger.Debug("event publishing suspended: overhead budget exceeded",
			slog.Duration("max_overhead", p.cfg.MaxOverhead),
			slog.Duration("skip_window", p.cfg.SkipWindow))
	}
}

// Flush sends every buffered event now. It returns ErrPublisherClosed after
// Shutdown.
func (p *Publisher) Flush(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	return p.flushAvailable(ctx)
}

// flushAvailable sends batches until the buffer is empty or ctx is done.
func (p *Publisher) flushAvailable(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		batch := p.buf.take(p.cfg.BatchSize)
		p.mu.Unlock()
		if len(batch) == 0 {
			return nil
		}
		p.send(ctx, batch)
	}
}

func (p *Publisher) send(ctx context.Context, batch []*ResilienceEvent) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	for _, e := range batch {
		payload, err := json.Marshal(e)
		if err == nil {
			err = p.bus.Publish(ctx, e.Type.Topic(), payload)
		}
		if err != nil {
			p.failed.Add(1)
			p.metrics.RecordEvent(string(e.Type), OutcomeFailed)
			p.logger.Debug("failed to publish resilience event",
				slog.String("event_id", e.ID),
				slog.String("topic", e.Type.Topic()),
				slog.Any("error", err))
			continue
		}
		p.published.Add(1)
		p.metrics.RecordEvent(string(e.Type), OutcomePublished)
	}
}

// Shutdown stops accepting events, drains the buffer and stops the
// background goroutine. Events still buffered when ctx ends are counted as
// dropped and ctx's error is returned. Later calls return nil.
func (p *Publisher) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	if p.started.Load() {
		close(p.stopCh)
		select {
		case <-p.doneCh:
		case <-ctx.Done():
			return p.abandon(ctx.Err())
		}
	}

	if err := p.flushAvailable(ctx); err != nil {
		return p.abandon(err)
	}
	stats := p.Statistics()
	p.logger.Info("event publisher stopped",
		slog.Int64("published", stats.Published),
		slog.Int64("dropped", stats.Dropped),
		slog.Int64("failed", stats.Failed))
	return nil
}

func (p *Publisher) abandon(err error) error {
	p.mu.Lock()
	n := p.buf.clearAll()
	p.mu.Unlock()
	p.dropped.Add(int64(n))
	p.logger.Warn("event publisher shutdown timed out",
		slog.Int("abandoned", n),
		slog.Any("error", err))
	return err
}

// Closed reports whether Shutdown has begun.
func (p *Publisher) Closed() bool {
	return p.closed.Load()
}

// Statistics returns a snapshot of the publisher counters.
func (p *Publisher) Statistics() Statistics {
	p.mu.Lock()
	buffered := p.buf.len()
	avg := p.guard.average()
	trips := p.guard.trips
	p.mu.Unlock()

	return Statistics{
		Published:       p.published.Load(),
		Enqueued:        p.enqueued.Load(),
		Dropped:         p.dropped.Load(),
		SampledOut:      p.sampledOut.Load(),
		Skipped:         p.skipped.Load(),
		Failed:          p.failed.Load(),
		Buffered:        buffered,
		Capacity:        p.cfg.BufferCapacity,
		AverageOverhead: avg,
		GuardTrips:      trips,
	}
}

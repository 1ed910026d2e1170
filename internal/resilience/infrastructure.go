package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"agent-resilience/internal/config"
	"agent-resilience/internal/domain/entity"
	"agent-resilience/internal/observability/logging"
	"agent-resilience/internal/observability/metrics"
	"agent-resilience/internal/observability/slo"
	"agent-resilience/internal/observability/tracing"
	"agent-resilience/internal/resilience/circuitbreaker"
	"agent-resilience/internal/resilience/classifier"
	"agent-resilience/internal/resilience/events"
	"agent-resilience/internal/resilience/fallback"
	"agent-resilience/internal/resilience/recovery"
	"agent-resilience/pkg/clock"
)

// ErrShutdown is returned by every operation once Shutdown has begun.
var ErrShutdown = errors.New("resilience: infrastructure is shutting down")

// HandleResult is what HandleError decided about a failure.
type HandleResult struct {
	Classification entity.Classification
	Strategy       recovery.StrategyConfig

	// EventID is the ID of the error-detected event, or "" when it was not
	// published (sampled out, skipped, events disabled).
	EventID string
}

// Outcome is the result of a recovery attempt reported by the caller.
type Outcome struct {
	Success  bool
	Duration time.Duration
	Cost     float64
}

// FallbackConfig customizes ExecuteWithFallback.
type FallbackConfig struct {
	// Protection is passed to the circuit breaker manager.
	Protection *circuitbreaker.ProtectionConfig

	// Key selects the cached response. Empty means the response last stored
	// for the service and operation.
	Key string
}

// Statistics aggregates every component.
type Statistics struct {
	Classifier    classifier.Statistics            `json:"classifier"`
	Recovery      recovery.Effectiveness           `json:"recovery"`
	Circuits      circuitbreaker.ManagerStatistics `json:"circuits"`
	Fallback      fallback.Statistics              `json:"fallback"`
	Events        events.Statistics                `json:"events"`
	EventsEnabled bool                             `json:"events_enabled"`
	ShuttingDown  bool                             `json:"shutting_down"`
}

// Infrastructure wires the classifier, selector, circuit breakers, fallback
// engine and event publisher behind one API. It is safe for concurrent use.
type Infrastructure struct {
	cfg    *config.ResilienceConfig
	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock

	classifier *classifier.Classifier
	selector   *recovery.Selector
	factory    *circuitbreaker.Factory
	manager    *circuitbreaker.Manager
	fallback   *fallback.Engine
	publisher  *events.Publisher // nil when events are disabled
	metrics    *metrics.Metrics  // nil when metrics are disabled
	reporter   *metrics.Reporter // nil when metrics are disabled

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds and starts the infrastructure. A nil cfg uses
// config.DefaultResilienceConfig().
func New(cfg *config.ResilienceConfig, opts ...Option) (*Infrastructure, error) {
	if cfg == nil {
		cfg = config.DefaultResilienceConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resilience configuration: %w", err)
	}

	o := options{logger: slog.Default(), clock: clock.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	infra := &Infrastructure{
		cfg:    cfg,
		logger: o.logger,
		tracer: o.tracer,
		clock:  o.clock,
	}
	if infra.tracer == nil {
		if cfg.Observability.TracingEnabled {
			infra.tracer = tracing.GetTracer()
		} else {
			infra.tracer = noop.NewTracerProvider().Tracer(tracing.TracerName)
		}
	}
	if cfg.Observability.MetricsEnabled {
		infra.metrics = metrics.New(o.registerer)
	}

	patterns, err := cfg.Classifier.LoadPatterns()
	if err != nil {
		return nil, err
	}
	classifierOpts := []classifier.Option{classifier.WithLogger(o.logger), classifier.WithClock(o.clock)}
	if len(patterns) > 0 {
		classifierOpts = append(classifierOpts, classifier.WithPatterns(append(classifier.DefaultPatterns(), patterns...)))
	}
	selectorOpts := []recovery.Option{recovery.WithLogger(o.logger), recovery.WithClock(o.clock)}
	publisherOpts := []events.Option{events.WithLogger(o.logger), events.WithClock(o.clock)}
	breakerOpts := []circuitbreaker.Option{
		circuitbreaker.WithLogger(o.logger),
		circuitbreaker.WithClock(o.clock),
		circuitbreaker.WithStateChangeHook(infra.onStateChange),
	}
	engineOpts := []fallback.Option{fallback.WithLogger(o.logger)}
	if o.rng != nil {
		publisherOpts = append(publisherOpts, events.WithRand(o.rng))
	}
	if infra.metrics != nil {
		classifierOpts = append(classifierOpts, classifier.WithMetrics(infra.metrics))
		selectorOpts = append(selectorOpts, recovery.WithMetrics(infra.metrics))
		publisherOpts = append(publisherOpts, events.WithMetrics(infra.metrics))
		breakerOpts = append(breakerOpts, circuitbreaker.WithMetrics(infra.metrics))
		engineOpts = append(engineOpts, fallback.WithMetrics(infra.metrics))
	}

	infra.classifier = classifier.New(cfg.Classifier.ToClassifierConfig(), classifierOpts...)
	infra.selector = recovery.NewSelector(cfg.Selector.ToSelectorConfig(), selectorOpts...)

	if cfg.Events.Enabled {
		var bus events.Bus = events.NoopBus{}
		if o.bus != nil {
			bus = events.NewBusSink(o.bus, events.DefaultSinkConfig(), o.logger)
		}
		infra.publisher, err = events.NewPublisher(bus, cfg.Events.ToPublisherConfig(), publisherOpts...)
		if err != nil {
			return nil, err
		}
	}

	serviceOpts, err := cfg.CircuitBreaker.ToFactoryOptions()
	if err != nil {
		return nil, err
	}
	infra.factory, err = circuitbreaker.NewFactory(cfg.CircuitBreaker.ToBreakerConfig(), append(breakerOpts, serviceOpts...)...)
	if err != nil {
		return nil, err
	}
	infra.manager = circuitbreaker.NewManager(infra.factory)

	handlers, err := fallback.BuildHandlers(cfg.Fallback.ToHandlerSpecs(), o.providers, fallback.WithHandlerClock(o.clock))
	if err != nil {
		return nil, err
	}
	infra.fallback, err = fallback.NewEngine(append(handlers, o.handlers...), engineOpts...)
	if err != nil {
		return nil, err
	}

	if infra.metrics != nil {
		infra.reporter, err = metrics.NewReporter(infra.metrics, cfg.Observability.ReportInterval, infra.snapshot, o.logger,
			metrics.WithSLO(slo.New(infra.metrics.Registerer())))
		if err != nil {
			return nil, err
		}
	}

	if infra.publisher != nil {
		infra.publisher.Start()
	}
	if infra.reporter != nil {
		infra.reporter.Start()
	}

	o.logger.Info("resilience infrastructure started",
		slog.Bool("events", infra.publisher != nil),
		slog.Bool("metrics", infra.metrics != nil),
		slog.Int("fallback_handlers", len(infra.fallback.Handlers())))
	return infra, nil
}

// HandleError classifies err, publishes error-detected and error-classified,
// then selects a recovery strategy and publishes recovery-initiated. It only
// fails with ErrShutdown.
func (i *Infrastructure) HandleError(ctx context.Context, err error, ectx entity.ErrorContext, source entity.EventSource) (HandleResult, error) {
	if i.closing.Load() {
		return HandleResult{}, ErrShutdown
	}
	_, span := i.tracer.Start(ctx, "resilience.HandleError")
	defer span.End()

	ectx = ectx.Normalize()
	source = sourceFor(source, ectx)

	cls := i.classifier.Classify(err, ectx)

	var eventID string
	if i.publisher != nil {
		eventID = i.publisher.PublishDetected(cls, ectx, source, err)
		i.publisher.PublishClassified(cls, ectx, source)
	}
	span.AddEvent("error classified")

	strategy := i.selector.SelectStrategy(cls, ectx)
	span.AddEvent("strategy selected")
	if i.publisher != nil {
		i.publisher.PublishRecoveryInitiated(cls, ectx, source, strategyInfo(strategy))
	}

	span.SetAttributes(
		attribute.String("resilience.service", ectx.Service),
		attribute.String("resilience.operation", ectx.Operation),
		attribute.String("resilience.category", string(cls.Category)),
		attribute.String("resilience.severity", string(cls.Severity)),
		attribute.Float64("resilience.confidence", cls.Confidence),
		attribute.String("resilience.strategy", string(strategy.Type)),
	)
	logging.WithErrorContext(i.logger, ectx).Debug("error handled",
		slog.String("category", string(cls.Category)),
		slog.String("strategy", string(strategy.Type)),
		slog.Bool("from_history", strategy.FromHistory))

	return HandleResult{Classification: cls, Strategy: strategy, EventID: eventID}, nil
}

// RecordRecoveryOutcome feeds the selector and publishes recovery-completed
// or recovery-failed. cause is the error the recovery ended with, if any.
func (i *Infrastructure) RecordRecoveryOutcome(ctx context.Context, cls entity.Classification, ectx entity.ErrorContext, strategy recovery.StrategyConfig, outcome Outcome, source entity.EventSource, cause error) error {
	if i.closing.Load() {
		return ErrShutdown
	}
	_, span := i.tracer.Start(ctx, "resilience.RecordRecoveryOutcome")
	defer span.End()

	ectx = ectx.Normalize()
	source = sourceFor(source, ectx)
	i.selector.RecordOutcome(strategy.Type, cls, ectx, outcome.Success, outcome.Duration, outcome.Cost)

	if i.publisher != nil {
		info := events.OutcomeInfo{Success: outcome.Success, Duration: outcome.Duration, Cost: outcome.Cost}
		if cause != nil {
			info.Error = cause.Error()
		}
		if outcome.Success {
			i.publisher.PublishRecoveryCompleted(cls, ectx, source, strategyInfo(strategy), info)
		} else {
			i.publisher.PublishRecoveryFailed(cls, ectx, source, strategyInfo(strategy), info)
		}
	}

	span.SetAttributes(
		attribute.String("resilience.category", string(cls.Category)),
		attribute.String("resilience.strategy", string(strategy.Type)),
		attribute.Bool("resilience.success", outcome.Success),
	)
	return nil
}

// ExecuteWithProtection runs fn behind the breaker for service and operation.
// Failures are classified so that severe ones trip the breaker sooner.
func (i *Infrastructure) ExecuteWithProtection(ctx context.Context, service, operation string, fn func(context.Context) (any, error), cfg *circuitbreaker.ProtectionConfig) (value any, err error) {
	if i.closing.Load() {
		return nil, ErrShutdown
	}
	ctx, span := i.tracer.Start(ctx, "resilience.ExecuteWithProtection", trace.WithAttributes(
		attribute.String("resilience.service", service),
		attribute.String("resilience.operation", operation),
	))
	defer func() { tracing.End(span, err) }()

	return i.manager.ExecuteWithProtection(ctx, service, operation, fn, i.protection(service, operation, cfg))
}

func (i *Infrastructure) protection(service, operation string, cfg *circuitbreaker.ProtectionConfig) *circuitbreaker.ProtectionConfig {
	var pc circuitbreaker.ProtectionConfig
	if cfg != nil {
		pc = *cfg
	}
	if pc.Assess == nil {
		ectx := entity.ErrorContext{Service: service, Operation: operation}
		pc.Assess = func(err error) circuitbreaker.Assessment {
			cls := i.classifier.Assess(err, ectx)
			return circuitbreaker.Assessment{Severity: cls.Severity, Category: cls.Category}
		}
	}
	return &pc
}

// ExecuteWithFallback runs fn behind the breaker for ectx's service and
// operation. Successful results are offered to caching handlers. On failure
// the error is classified and the fallback chain runs; the outcome is recorded
// as a fallback recovery.
func (i *Infrastructure) ExecuteWithFallback(ctx context.Context, ectx entity.ErrorContext, fn func(context.Context) (any, error), cfg *FallbackConfig) (value any, err error) {
	if i.closing.Load() {
		return nil, ErrShutdown
	}
	if cfg == nil {
		cfg = &FallbackConfig{}
	}
	ectx = ectx.Normalize()

	ctx, span := i.tracer.Start(ctx, "resilience.ExecuteWithFallback", trace.WithAttributes(
		attribute.String("resilience.service", ectx.Service),
		attribute.String("resilience.operation", ectx.Operation),
	))
	defer func() { tracing.End(span, err) }()

	value, err = i.manager.ExecuteWithProtection(ctx, ectx.Service, ectx.Operation, fn, i.protection(ectx.Service, ectx.Operation, cfg.Protection))
	req := fallback.Request{Err: err, Context: ectx, Key: cfg.Key}
	if err == nil {
		i.fallback.Observe(ectx.Service, ectx.Operation, cfg.Key, value)
		return value, nil
	}

	start := i.clock.Now()
	req.Classification = i.classifier.Classify(err, ectx)
	source := ectx.Source()
	if i.publisher != nil {
		i.publisher.PublishDetected(req.Classification, ectx, source, err)
	}

	value, err = i.fallback.Execute(ctx, req)

	strategy := recovery.StrategyConfig{Type: recovery.StrategyFallback, Reason: "fallback chain"}
	outcome := Outcome{Success: err == nil, Duration: i.clock.Now().Sub(start)}
	i.selector.RecordOutcome(strategy.Type, req.Classification, ectx, outcome.Success, outcome.Duration, 0)
	if i.publisher != nil {
		info := events.OutcomeInfo{Success: outcome.Success, Duration: outcome.Duration}
		if err != nil {
			info.Error = err.Error()
			i.publisher.PublishRecoveryFailed(req.Classification, ectx, source, strategyInfo(strategy), info)
		} else {
			i.publisher.PublishRecoveryCompleted(req.Classification, ectx, source, strategyInfo(strategy), info)
		}
	}
	span.SetAttributes(
		attribute.String("resilience.category", string(req.Classification.Category)),
		attribute.Bool("resilience.recovered", err == nil),
	)
	return value, err
}

// AddErrorPattern adds or replaces a classification pattern.
func (i *Infrastructure) AddErrorPattern(p classifier.ErrorPattern) error {
	if i.closing.Load() {
		return ErrShutdown
	}
	return i.classifier.AddPattern(p)
}

// Breakers returns the circuit breaker manager.
func (i *Infrastructure) Breakers() *circuitbreaker.Manager {
	return i.manager
}

// Fallback returns the fallback engine.
func (i *Infrastructure) Fallback() *fallback.Engine {
	return i.fallback
}

// Metrics returns the collectors, or nil when metrics are disabled.
func (i *Infrastructure) Metrics() *metrics.Metrics {
	return i.metrics
}

// Statistics returns a snapshot of every component.
func (i *Infrastructure) Statistics() Statistics {
	stats := Statistics{
		Classifier:    i.classifier.Statistics(),
		Recovery:      i.selector.EffectivenessStatistics(),
		Circuits:      i.manager.Statistics(),
		Fallback:      i.fallback.Statistics(),
		EventsEnabled: i.publisher != nil,
		ShuttingDown:  i.closing.Load(),
	}
	if i.publisher != nil {
		stats.Events = i.publisher.Statistics()
	}
	return stats
}

// Shutdown refuses new work, drains pending events within the configured
// shutdown timeout, then stops the breakers, the fallback engine and the
// metrics reporter. Later calls return the first result.
func (i *Infrastructure) Shutdown(ctx context.Context) error {
	i.shutdownOnce.Do(func() {
		i.closing.Store(true)

		var drainErr error
		if i.publisher != nil {
			drainCtx, cancel := context.WithTimeout(ctx, i.cfg.Events.ShutdownTimeout)
			drainErr = i.publisher.Shutdown(drainCtx)
			cancel()
			if drainErr != nil {
				i.logger.Warn("resilience events not fully drained", slog.Any("error", drainErr))
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			i.manager.Stop()
			return nil
		})
		g.Go(func() error {
			i.fallback.Stop()
			return nil
		})
		if i.reporter != nil {
			g.Go(func() error {
				return i.reporter.Stop(gctx)
			})
		}

		i.shutdownErr = errors.Join(drainErr, g.Wait())
		i.logger.Info("resilience infrastructure stopped")
	})
	return i.shutdownErr
}

// onStateChange publishes breaker transitions. It runs outside breaker locks.
func (i *Infrastructure) onStateChange(c circuitbreaker.StateChange) {
	if i.publisher == nil {
		return
	}
	i.publisher.PublishCircuitStateChanged(events.CircuitInfo{
		Key:           c.Key,
		Service:       c.Service,
		Operation:     c.Operation,
		From:          c.From.String(),
		To:            c.To.String(),
		FailureCount:  c.FailureCount,
		Cooldown:      c.Cooldown,
		NextRetryTime: c.NextRetryTime,
	})
}

func (i *Infrastructure) snapshot() metrics.Snapshot {
	circuits := i.manager.Statistics()
	eff := i.selector.EffectivenessStatistics()

	s := metrics.Snapshot{
		OpenCircuits:        circuits.Open + circuits.HalfOpen,
		HalfOpenCircuits:    circuits.HalfOpen,
		StrategySuccessRate: make(map[string]float64, len(eff.PerStrategy)),
	}

	var successes, samples float64
	for t, se := range eff.PerStrategy {
		s.StrategySuccessRate[string(t)] = se.SuccessRate
		successes += se.SuccessRate * float64(se.Samples)
		samples += float64(se.Samples)
	}
	s.SLO.RecoverySuccess = 1
	if samples > 0 {
		s.SLO.RecoverySuccess = successes / samples
	}
	s.SLO.CircuitAvailability = slo.Ratio(int64(circuits.Closed), int64(circuits.Breakers))
	s.SLO.EventDelivery = 1

	if i.publisher != nil {
		ev := i.publisher.Statistics()
		s.BufferedEvents = ev.Buffered
		s.SLO.EventDelivery = slo.Ratio(ev.Published, ev.Published+ev.Dropped+ev.Failed)
		s.SLO.PublishOverhead = ev.AverageOverhead.Seconds()
	}
	return s
}

func sourceFor(source entity.EventSource, ectx entity.ErrorContext) entity.EventSource {
	if source == (entity.EventSource{}) {
		return ectx.Source()
	}
	return source
}

func strategyInfo(s recovery.StrategyConfig) events.StrategyInfo {
	return events.StrategyInfo{
		Type:        string(s.Type),
		Reason:      s.Reason,
		Score:       s.Score,
		FromHistory: s.FromHistory,
	}
}

package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// OutcomeFailFast is recorded when a handler ends the chain with a *FailFastError.
const OutcomeFailFast = "fail_fast"

// HandlerStatistics reports per-handler counters.
type HandlerStatistics struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	Priority  int    `json:"priority"`
	Attempts  int64  `json:"attempts"`
	Successes int64  `json:"successes"`
	Declines  int64  `json:"declines"`
	Failures  int64  `json:"failures"`
}

// Statistics summarizes engine activity.
type Statistics struct {
	Executions int64               `json:"executions"`
	Recovered  int64               `json:"recovered"`
	FailedFast int64               `json:"failed_fast"`
	Exhausted  int64               `json:"exhausted"`
	Handlers   []HandlerStatistics `json:"handlers"`
}

type handlerCounters struct {
	attempts  atomic.Int64
	successes atomic.Int64
	declines  atomic.Int64
	failures  atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine tries handlers in priority order, highest first. Handlers with equal
// priority keep their registration order.
//
// For each applicable handler: a nil error ends the chain with its value; a
// *FailFastError ends the chain with that error; ErrHandlerDeclined or any
// other error moves on to the next handler. When nothing produces a result,
// Execute returns *ExhaustedError wrapping the original failure.
type Engine struct {
	logger  *slog.Logger
	metrics Metrics

	mu       sync.RWMutex
	handlers []Handler
	counters map[string]*handlerCounters

	stopped    atomic.Bool
	executions atomic.Int64
	recovered  atomic.Int64
	failedFast atomic.Int64
	exhausted  atomic.Int64
}

// NewEngine creates an engine with the given handlers. Handler names must be unique.
func NewEngine(handlers []Handler, opts ...Option) (*Engine, error) {
	e := &Engine{
		logger:   slog.Default(),
		metrics:  NoOpMetrics{},
		counters: make(map[string]*handlerCounters),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, h := range handlers {
		if err := e.Register(h); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds a handler to the chain.
func (e *Engine) Register(h Handler) error {
	if h == nil {
		return errors.New("fallback handler must not be nil")
	}
	name := h.Name()
	if name == "" {
		return errors.New("fallback handler name must not be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.counters[name]; exists {
		return fmt.Errorf("fallback handler %q already registered", name)
	}
	next := make([]Handler, len(e.handlers), len(e.handlers)+1)
	copy(next, e.handlers)
	next = append(next, h)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority() > next[j].Priority() })
	e.handlers = next
	e.counters[name] = &handlerCounters{}
	return nil
}

// Handlers returns the chain in execution order.
func (e *Engine) Handlers() []Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Handler, len(e.handlers))
	copy(out, e.handlers)
	return out
}

// Execute runs the chain for req.
func (e *Engine) Execute(ctx context.Context, req Request) (any, error) {
	if e.stopped.Load() {
		if req.Err == nil {
			return nil, ErrEngineStopped
		}
		return nil, fmt.Errorf("%w: %w", ErrEngineStopped, req.Err)
	}
	e.executions.Add(1)

	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	var attempted []string
	for _, h := range handlers {
		if ctx.Err() != nil {
			break
		}
		if !e.applicable(h, req) {
			continue
		}

		name := h.Name()
		counters := e.counter(name)
		attempted = append(attempted, name)
		counters.attempts.Add(1)

		value, err := e.invoke(ctx, h, req)
		var failFast *FailFastError
		switch {
		case err == nil:
			counters.successes.Add(1)
			e.recovered.Add(1)
			e.metrics.RecordFallback(name, OutcomeRecovered)
			e.logger.Debug("fallback handler recovered",
				slog.String("handler", name),
				slog.String("service", req.Context.Service),
				slog.String("operation", req.Context.Operation))
			return value, nil
		case errors.As(err, &failFast):
			counters.successes.Add(1)
			e.failedFast.Add(1)
			e.metrics.RecordFallback(name, OutcomeFailFast)
			return nil, err
		case errors.Is(err, ErrHandlerDeclined):
			counters.declines.Add(1)
			e.metrics.RecordFallback(name, OutcomeDeclined)
		default:
			counters.failures.Add(1)
			e.metrics.RecordFallback(name, OutcomeFailed)
			e.logger.Warn("fallback handler failed",
				slog.String("handler", name),
				slog.Any("error", err))
		}
	}

	e.exhausted.Add(1)
	e.metrics.RecordFallback("", OutcomeExhausted)
	return nil, &ExhaustedError{Err: req.Err, Attempted: attempted}
}

func (e *Engine) applicable(h Handler, req Request) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("fallback predicate panicked",
				slog.String("handler", h.Name()),
				slog.Any("panic", r))
			ok = false
		}
	}()
	return h.Applicable(req)
}

func (e *Engine) invoke(ctx context.Context, h Handler, req Request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, fmt.Errorf("fallback handler %s panicked: %v", h.Name(), r)
		}
	}()
	return h.Execute(ctx, req)
}

func (e *Engine) counter(name string) *handlerCounters {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.counters[name]
}

// Observe feeds a successful result to every handler that learns from them.
func (e *Engine) Observe(service, operation, key string, value any) {
	if e.stopped.Load() {
		return
	}
	for _, h := range e.Handlers() {
		if o, ok := h.(ResultObserver); ok {
			o.Observe(service, operation, key, value)
		}
	}
}

// Statistics returns a snapshot of the engine counters.
func (e *Engine) Statistics() Statistics {
	stats := Statistics{
		Executions: e.executions.Load(),
		Recovered:  e.recovered.Load(),
		FailedFast: e.failedFast.Load(),
		Exhausted:  e.exhausted.Load(),
	}
	for _, h := range e.Handlers() {
		c := e.counter(h.Name())
		stats.Handlers = append(stats.Handlers, HandlerStatistics{
			Name:      h.Name(),
			Kind:      h.Kind(),
			Priority:  h.Priority(),
			Attempts:  c.attempts.Load(),
			Successes: c.successes.Load(),
			Declines:  c.declines.Load(),
			Failures:  c.failures.Load(),
		})
	}
	return stats
}

// Stop makes later Execute calls return ErrEngineStopped. It is idempotent.
func (e *Engine) Stop() {
	if e.stopped.CompareAndSwap(false, true) {
		e.logger.Info("fallback engine stopped",
			slog.Int64("executions", e.executions.Load()))
	}
}

// Stopped reports whether Stop has been called.
func (e *Engine) Stopped() bool {
	return e.stopped.Load()
}

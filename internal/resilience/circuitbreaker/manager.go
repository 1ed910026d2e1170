package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"agent-resilience/internal/domain/entity"
)

// ProtectionConfig customizes one protected call.
type ProtectionConfig struct {
	// Timeout overrides the breaker's call timeout. Zero uses the breaker's;
	// negative disables the timeout for this call.
	Timeout time.Duration

	// Breaker is used only when the breaker for the key does not exist yet.
	Breaker *Config

	// Assess turns a failure into a severity hint for the adaptive threshold.
	Assess func(error) Assessment

	// IsFailure decides whether an error counts against the breaker.
	// Defaults to every non-nil error.
	IsFailure func(error) bool
}

// ManagerStatistics summarizes all breakers.
type ManagerStatistics struct {
	Breakers      int   `json:"breakers"`
	Closed        int   `json:"closed"`
	Open          int   `json:"open"`
	HalfOpen      int   `json:"half_open"`
	TotalRequests int64 `json:"total_requests"`
	TotalFailures int64 `json:"total_failures"`
	Rejections    int64 `json:"rejections"`
	Timeouts      int64 `json:"timeouts"`
	Panics        int64 `json:"panics"`
}

// Manager indexes breakers by service and operation and wraps calls with them.
type Manager struct {
	factory *Factory

	mu       sync.RWMutex
	breakers map[entity.OperationKey]*AdaptiveCircuitBreaker

	stopped  atomic.Bool
	timeouts atomic.Int64
	panics   atomic.Int64
}

// NewManager creates a manager that builds breakers with factory.
func NewManager(factory *Factory) *Manager {
	return &Manager{
		factory:  factory,
		breakers: make(map[entity.OperationKey]*AdaptiveCircuitBreaker),
	}
}

// Breaker returns the breaker for service and operation, creating it on
// first use. override is applied only on creation.
func (m *Manager) Breaker(service, operation string, override *Config) (*AdaptiveCircuitBreaker, error) {
	key := entity.OperationKey{Service: service, Operation: operation}

	m.mu.RLock()
	b, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return b, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[key]; ok {
		return b, nil
	}
	b, err := m.factory.Create(service, operation, override)
	if err != nil {
		return nil, err
	}
	m.breakers[key] = b
	return b, nil
}

type callResult struct {
	value any
	err   error
}

// ExecuteWithProtection runs fn behind the breaker for service and operation.
// A rejected call returns *OpenError without invoking fn. A call exceeding its
// timeout returns *TimeoutError and counts as a failure even if fn keeps
// running; fn receives a context that is cancelled at the deadline.
func (m *Manager) ExecuteWithProtection(ctx context.Context, service, operation string, fn func(context.Context) (any, error), cfg *ProtectionConfig) (any, error) {
	if m.stopped.Load() {
		return nil, ErrManagerStopped
	}
	if cfg == nil {
		cfg = &ProtectionConfig{}
	}

	b, err := m.Breaker(service, operation, cfg.Breaker)
	if err != nil {
		return nil, err
	}
	metrics := m.factory.deps.metrics

	ticket, err := b.Allow()
	if err != nil {
		metrics.RecordCall(b.key, OutcomeRejected, 0)
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = b.cfg.Timeout
	}

	start := time.Now()
	value, err := m.run(ctx, b, timeout, fn)
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	switch {
	case err == nil:
		b.Record(ticket, true, Assessment{})
		metrics.RecordCall(b.key, OutcomeSuccess, elapsed)
	case errors.As(err, &timeoutErr):
		m.timeouts.Add(1)
		b.Record(ticket, false, assess(cfg, err))
		metrics.RecordCall(b.key, OutcomeTimeout, elapsed)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.Release(ticket)
		metrics.RecordCall(b.key, OutcomeCanceled, elapsed)
	case cfg.IsFailure != nil && !cfg.IsFailure(err):
		b.Record(ticket, true, Assessment{})
		metrics.RecordCall(b.key, OutcomeSuccess, elapsed)
	default:
		b.Record(ticket, false, assess(cfg, err))
		metrics.RecordCall(b.key, OutcomeFailure, elapsed)
	}
	return value, err
}

func assess(cfg *ProtectionConfig, err error) Assessment {
	if cfg.Assess == nil {
		return Assessment{}
	}
	return cfg.Assess(err)
}

// run invokes fn, bounded by timeout when positive. Panics become *PanicError.
func (m *Manager) run(ctx context.Context, b *AdaptiveCircuitBreaker, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	if timeout <= 0 {
		return m.invoke(ctx, b, fn)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		value, err := m.invoke(callCtx, b, fn)
		done <- callResult{value: value, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Key: b.key, Limit: timeout}
		}
		return r.value, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.Debug("protected call timed out",
			slog.String("circuit", b.key),
			slog.Duration("timeout", timeout))
		return nil, &TimeoutError{Key: b.key, Limit: timeout}
	}
}

func (m *Manager) invoke(ctx context.Context, b *AdaptiveCircuitBreaker, fn func(context.Context) (any, error)) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			b.logger.Error("protected call panicked",
				slog.String("circuit", b.key),
				slog.Any("panic", r))
			value, err = nil, &PanicError{Key: b.key, Value: r}
		}
	}()
	return fn(ctx)
}

// Protect is ExecuteWithProtection with a typed result.
func Protect[T any](ctx context.Context, m *Manager, service, operation string, fn func(context.Context) (T, error), cfg *ProtectionConfig) (T, error) {
	value, err := m.ExecuteWithProtection(ctx, service, operation, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, cfg)
	var zero T
	if value == nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, err
	}
	return typed, err
}

// States returns a snapshot of every breaker, sorted by key.
func (m *Manager) States() []State {
	m.mu.RLock()
	list := make([]*AdaptiveCircuitBreaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		list = append(list, b)
	}
	m.mu.RUnlock()

	states := make([]State, 0, len(list))
	for _, b := range list {
		states = append(states, b.State())
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Key != states[j].Key {
			return states[i].Key < states[j].Key
		}
		return states[i].Service < states[j].Service
	})
	return states
}

// Reset closes the breaker for service and operation. It reports whether the
// breaker existed.
func (m *Manager) Reset(service, operation string) bool {
	m.mu.RLock()
	b, ok := m.breakers[entity.OperationKey{Service: service, Operation: operation}]
	m.mu.RUnlock()
	if ok {
		b.Reset()
	}
	return ok
}

// ResetAll closes every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	list := make([]*AdaptiveCircuitBreaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		list = append(list, b)
	}
	m.mu.RUnlock()

	for _, b := range list {
		b.Reset()
	}
}

// Statistics aggregates every breaker.
func (m *Manager) Statistics() ManagerStatistics {
	stats := ManagerStatistics{Timeouts: m.timeouts.Load(), Panics: m.panics.Load()}
	for _, s := range m.States() {
		stats.Breakers++
		switch s.State {
		case StateOpen:
			stats.Open++
		case StateHalfOpen:
			stats.HalfOpen++
		default:
			stats.Closed++
		}
		stats.TotalRequests += s.TotalRequests
		stats.TotalFailures += s.TotalFailures
		stats.Rejections += s.Rejections
	}
	return stats
}

// Stop makes every later call fail with ErrManagerStopped. Calls already in
// flight finish normally. Stop is idempotent.
func (m *Manager) Stop() {
	if m.stopped.CompareAndSwap(false, true) {
		m.factory.deps.logger.Info("circuit breaker manager stopped",
			slog.Int("breakers", len(m.States())))
	}
}

// Stopped reports whether Stop has been called.
func (m *Manager) Stopped() bool {
	return m.stopped.Load()
}

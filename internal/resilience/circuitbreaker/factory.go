package circuitbreaker

import (
	"fmt"
	"log/slog"
	"sync"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/pkg/clock"
)

// dependencies are shared by every breaker a factory creates.
type dependencies struct {
	clock    clock.Clock
	logger   *slog.Logger
	metrics  Metrics
	onChange func(StateChange)
}

// Option configures a Factory.
type Option func(*Factory)

// WithClock sets the clock used for cooldowns.
func WithClock(clk clock.Clock) Option {
	return func(f *Factory) {
		f.deps.clock = clock.OrSystem(clk)
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		if logger != nil {
			f.deps.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(f *Factory) {
		if m != nil {
			f.deps.metrics = m
		}
	}
}

// WithStateChangeHook registers a function called after every state
// transition, outside the breaker's lock.
func WithStateChangeHook(fn func(StateChange)) Option {
	return func(f *Factory) {
		f.deps.onChange = fn
	}
}

// WithServiceConfig sets the configuration for every operation of a service,
// replacing any preset.
func WithServiceConfig(service string, cfg Config) Option {
	return func(f *Factory) {
		f.services[service] = cfg
		f.explicit[service] = struct{}{}
	}
}

// WithOperationConfig sets the configuration for one service operation.
func WithOperationConfig(service, operation string, cfg Config) Option {
	return func(f *Factory) {
		f.operations[entity.OperationKey{Service: service, Operation: operation}] = cfg
	}
}

// WithoutPresets drops the built-in per-service presets.
func WithoutPresets() Option {
	return func(f *Factory) {
		f.noPresets = true
	}
}

// Factory builds breakers. Configuration precedence, highest first: the
// override passed to Create, per-operation config, per-service config or
// preset, the factory default.
type Factory struct {
	defaults   Config
	services   map[string]Config
	operations map[entity.OperationKey]Config
	explicit   map[string]struct{}
	noPresets  bool
	deps       dependencies

	mu sync.RWMutex
}

// NewFactory validates every configured Config and returns a factory.
func NewFactory(defaults Config, opts ...Option) (*Factory, error) {
	f := &Factory{
		defaults:   defaults,
		services:   Presets(),
		operations: make(map[entity.OperationKey]Config),
		explicit:   make(map[string]struct{}),
		deps: dependencies{
			clock:   clock.SystemClock{},
			logger:  slog.Default(),
			metrics: NoOpMetrics{},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.noPresets {
		for name := range Presets() {
			if _, ok := f.explicit[name]; !ok {
				delete(f.services, name)
			}
		}
	}

	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default circuit breaker config: %w", err)
	}
	for name, cfg := range f.services {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid circuit breaker config for service %q: %w", name, err)
		}
	}
	for key, cfg := range f.operations {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid circuit breaker config for %q: %w", key.String(), err)
		}
	}
	return f, nil
}

// ConfigFor resolves the configuration for service and operation.
func (f *Factory) ConfigFor(service, operation string) Config {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if cfg, ok := f.operations[entity.OperationKey{Service: service, Operation: operation}]; ok {
		return cfg
	}
	if cfg, ok := f.services[service]; ok {
		return cfg
	}
	return f.defaults
}

// SetServiceConfig replaces the configuration used for breakers created later.
func (f *Factory) SetServiceConfig(service string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid circuit breaker config for service %q: %w", service, err)
	}
	f.mu.Lock()
	f.services[service] = cfg
	f.mu.Unlock()
	return nil
}

// Create builds a breaker for service and operation. A non-nil override wins
// over every configured value.
func (f *Factory) Create(service, operation string, override *Config) (*AdaptiveCircuitBreaker, error) {
	cfg := f.ConfigFor(service, operation)
	if override != nil {
		cfg = *override
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config for %s: %w", entity.BreakerKey(service, operation), err)
	}
	return newBreaker(service, operation, cfg, f.deps), nil
}

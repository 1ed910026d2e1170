package resilience

import (
	"log/slog"
	"math/rand"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"agent-resilience/internal/resilience/events"
	"agent-resilience/internal/resilience/fallback"
	"agent-resilience/pkg/clock"
)

type options struct {
	logger     *slog.Logger
	bus        events.Bus
	registerer prometheus.Registerer
	clock      clock.Clock
	rng        *rand.Rand
	tracer     trace.Tracer
	handlers   []fallback.Handler
	providers  map[string]fallback.Func
}

// Option configures an Infrastructure.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBus sets the event bus. It is wrapped in an events.BusSink. Without a
// bus, events are sampled and counted but go nowhere.
func WithBus(bus events.Bus) Option {
	return func(o *options) {
		o.bus = bus
	}
}

// WithRegisterer sets the Prometheus registry. Defaults to a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithClock sets the clock shared by every component.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clock.OrSystem(clk)
	}
}

// WithRand sets the random source used for event sampling.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) {
		o.rng = rng
	}
}

// WithTracer sets the tracer. Defaults to tracing.GetTracer().
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

// WithFallbackHandlers registers handlers in addition to the configured chain.
func WithFallbackHandlers(handlers ...fallback.Handler) Option {
	return func(o *options) {
		o.handlers = append(o.handlers, handlers...)
	}
}

// WithFallbackProvider names a function that alternate_provider handlers in
// the configuration can refer to.
func WithFallbackProvider(name string, fn fallback.Func) Option {
	return func(o *options) {
		if o.providers == nil {
			o.providers = make(map[string]fallback.Func)
		}
		o.providers[name] = fn
	}
}

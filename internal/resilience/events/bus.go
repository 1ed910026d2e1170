package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"agent-resilience/internal/resilience/retry"
)

// Bus is the external event bus. Implementations must be safe for
// concurrent use.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// NoopBus discards everything.
type NoopBus struct{}

// Publish does nothing.
func (NoopBus) Publish(context.Context, string, []byte) error { return nil }

// Message is one payload received by a MemoryBus.
type Message struct {
	Topic   string
	Payload []byte
}

// MemoryBus keeps published messages in memory.
type MemoryBus struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish stores the message, or fails with the error set by SetError.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.messages = append(b.messages, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// SetError makes later publishes fail with err. nil restores normal operation.
func (b *MemoryBus) SetError(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

// Messages returns a copy of everything received.
func (b *MemoryBus) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Events decodes every received payload.
func (b *MemoryBus) Events() ([]ResilienceEvent, error) {
	msgs := b.Messages()
	out := make([]ResilienceEvent, 0, len(msgs))
	for _, m := range msgs {
		var e ResilienceEvent
		if err := json.Unmarshal(m.Payload, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// SinkConfig configures a BusSink.
type SinkConfig struct {
	// Name identifies the sink's circuit breaker in logs.
	Name string

	// ConsecutiveFailures trips the sink's breaker.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before a trial publish.
	OpenTimeout time.Duration

	// Retry bounds retries of a single publish.
	Retry retry.Config
}

// DefaultSinkConfig returns the default sink configuration.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		Name:                "event-bus",
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		Retry:               retry.BusPublishConfig(),
	}
}

// BusSink protects a Bus with a circuit breaker and short retries, so an
// unreachable bus fails fast instead of stalling every flush.
type BusSink struct {
	bus     Bus
	breaker *gobreaker.CircuitBreaker
	retry   retry.Config
	logger  *slog.Logger
}

// NewBusSink wraps bus. A nil logger means slog.Default().
func NewBusSink(bus Bus, cfg SinkConfig, logger *slog.Logger) *BusSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultSinkConfig().ConsecutiveFailures
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("event bus circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}
	return &BusSink{
		bus:     bus,
		breaker: gobreaker.NewCircuitBreaker(settings),
		retry:   cfg.Retry,
		logger:  logger,
	}
}

// Publish sends through the breaker, retrying transient failures while the
// breaker admits calls.
func (s *BusSink) Publish(ctx context.Context, topic string, payload []byte) error {
	return retry.WithBackoff(ctx, s.retry, func() error {
		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.bus.Publish(ctx, topic, payload)
		})
		return err
	},
		retry.WithLogger(s.logger),
		retry.WithRetryIf(func(err error) bool {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return false
			}
			return ctx.Err() == nil
		}),
	)
}

// State returns the sink breaker's state name.
func (s *BusSink) State() string {
	return s.breaker.State().String()
}

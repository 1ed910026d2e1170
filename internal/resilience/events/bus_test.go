package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-resilience/internal/resilience/retry"
)

type flakyBus struct {
	calls    atomic.Int32
	failures int32
}

func (b *flakyBus) Publish(context.Context, string, []byte) error {
	if b.calls.Add(1) <= b.failures {
		return errors.New("connection reset")
	}
	return nil
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
}

func TestBusSink_RetriesTransientFailure(t *testing.T) {
	bus := &flakyBus{failures: 1}
	sink := NewBusSink(bus, SinkConfig{Name: "test", ConsecutiveFailures: 5, OpenTimeout: time.Minute, Retry: fastRetry(2)}, nil)

	require.NoError(t, sink.Publish(context.Background(), "resilience.detected", []byte("{}")))
	assert.Equal(t, int32(2), bus.calls.Load())
}

func TestBusSink_OpensAfterConsecutiveFailures(t *testing.T) {
	bus := &flakyBus{failures: 100}
	sink := NewBusSink(bus, SinkConfig{Name: "test", ConsecutiveFailures: 2, OpenTimeout: time.Minute, Retry: fastRetry(1)}, nil)
	ctx := context.Background()

	assert.Error(t, sink.Publish(ctx, "t", nil))
	assert.Error(t, sink.Publish(ctx, "t", nil))
	assert.Equal(t, "open", sink.State())

	err := sink.Publish(ctx, "t", nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(2), bus.calls.Load())
}

func TestPublisher_WithBusSink(t *testing.T) {
	mem := NewMemoryBus()
	sink := NewBusSink(mem, DefaultSinkConfig(), nil)
	p, _ := newTestPublisher(t, sink, nil)

	p.PublishClassified(classification("error"), testCtx, testCtx.Source())
	require.NoError(t, p.Flush(context.Background()))

	assert.Len(t, mem.Messages(), 1)
	assert.Equal(t, "closed", sink.State())
}

func TestMemoryBus_CancelledContext(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, bus.Publish(ctx, "t", nil), context.Canceled)
	assert.Empty(t, bus.Messages())
}

func TestType_Topic(t *testing.T) {
	for _, typ := range Types() {
		parsed, err := ParseType(string(typ))
		require.NoError(t, err)
		assert.Equal(t, "resilience."+string(typ), parsed.Topic())
	}
	_, err := ParseType("exploded")
	assert.Error(t, err)
}

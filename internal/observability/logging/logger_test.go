package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-resilience/internal/domain/entity"
)

func decodeEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output should be valid JSON")
	return entry
}

// TestParseLevel tests level name parsing
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{" DEBUG ", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

// TestNewLogger tests the creation of stdout loggers
func TestNewLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "warn", "invalid"} {
		assert.NotNil(t, NewLogger(level), "json logger for %q", level)
		assert.NotNil(t, NewTextLogger(level), "text logger for %q", level)
	}
}

// TestNew_LevelFiltering tests that messages below the level are dropped
func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		logFunc   func(*slog.Logger, string)
		wantEntry bool
	}{
		{"debug dropped at info", "info", func(l *slog.Logger, m string) { l.Debug(m) }, false},
		{"debug kept at debug", "debug", func(l *slog.Logger, m string) { l.Debug(m) }, true},
		{"info dropped at warn", "warn", func(l *slog.Logger, m string) { l.Info(m) }, false},
		{"warn kept at warn", "warn", func(l *slog.Logger, m string) { l.Warn(m) }, true},
		{"warn dropped at error", "error", func(l *slog.Logger, m string) { l.Warn(m) }, false},
		{"error kept at error", "error", func(l *slog.Logger, m string) { l.Error(m) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&buf, tt.level, true)

			tt.logFunc(logger, "circuit opened")

			if tt.wantEntry {
				assert.Contains(t, buf.String(), "circuit opened")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

// TestNew_JSONStructure tests that log output has proper JSON structure
func TestNew_JSONStructure(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", true)

	logger.Warn("circuit breaker state changed",
		slog.String("circuit", "llm:complete"),
		slog.String("from", "closed"),
		slog.String("to", "open"),
		slog.Int("failures", 3),
	)

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "circuit breaker state changed", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.NotEmpty(t, entry["time"])
	assert.NotNil(t, entry["source"], "source is added at warn and below")
	assert.Equal(t, "llm:complete", entry["circuit"])
	assert.Equal(t, float64(3), entry["failures"])
}

// TestNew_TextOutput tests the text handler
func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "error", false)

	logger.Error("fallback exhausted", slog.String("service", "llm"))

	out := buf.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, `msg="fallback exhausted"`)
	assert.Contains(t, out, "service=llm")
}

// TestWithRequestID tests adding request ID to logger
func TestWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "info", true)

	WithRequestID(base, "req-42").Info("handled")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "req-42", entry["request_id"])
}

func TestWithRequestID_Empty(t *testing.T) {
	base := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	assert.Same(t, base, WithRequestID(base, ""), "empty request ID returns the same logger")
}

// TestWithErrorContext tests the error context fields
func TestWithErrorContext(t *testing.T) {
	tests := []struct {
		name string
		ectx entity.ErrorContext
		want map[string]any
		skip []string
	}{
		{
			name: "full context",
			ectx: entity.ErrorContext{Service: "llm", Operation: "complete", Tier: entity.TierStep, RequestID: "req-1"},
			want: map[string]any{"service": "llm", "operation": "complete", "tier": "step", "request_id": "req-1"},
		},
		{
			name: "empty context is normalized",
			ectx: entity.ErrorContext{},
			want: map[string]any{"service": "unknown", "operation": "unknown", "tier": "unknown"},
			skip: []string{"request_id"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := WithErrorContext(New(&buf, "info", true), tt.ectx)

			logger.Info("error handled")

			entry := decodeEntry(t, &buf)
			for k, v := range tt.want {
				assert.Equal(t, v, entry[k], k)
			}
			for _, k := range tt.skip {
				assert.NotContains(t, entry, k)
			}
		})
	}
}

// TestWithFields tests adding multiple fields to logger
func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithFields(New(&buf, "info", true), map[string]any{
		"strategy": "backoff",
		"attempt":  2,
	})

	logger.Info("recovery initiated")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "backoff", entry["strategy"])
	assert.Equal(t, float64(2), entry["attempt"])
}

func TestWithFields_EmptyFields(t *testing.T) {
	var buf bytes.Buffer
	WithFields(New(&buf, "info", true), nil).Info("plain")

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "plain", entry["msg"])
}

// TestFromContext tests retrieving a logger from the context
func TestFromContext(t *testing.T) {
	tests := []struct {
		name        string
		ctx         context.Context
		wantDefault bool
	}{
		{
			name:        "with logger in context",
			ctx:         WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))),
			wantDefault: false,
		},
		{
			name:        "without logger in context",
			ctx:         context.Background(),
			wantDefault: true,
		},
		{
			name:        "with invalid value in context",
			ctx:         context.WithValue(context.Background(), loggerContextKey, "not a logger"),
			wantDefault: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := FromContext(tt.ctx)

			require.NotNil(t, logger)
			if tt.wantDefault {
				assert.Equal(t, slog.Default(), logger)
			} else {
				assert.NotEqual(t, slog.Default(), logger)
			}
		})
	}
}

// TestWithLogger tests the context round trip
func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), New(&buf, "info", true))

	FromContext(ctx).Info("test message")

	assert.Contains(t, buf.String(), "test message", "should use the same logger")
}

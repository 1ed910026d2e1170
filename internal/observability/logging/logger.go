package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"agent-resilience/internal/domain/entity"
)

// ParseLevel maps debug, info, warn (or warning) and error to a slog level.
// Anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger with JSON output on stdout.
// Supported levels: debug, info, warn, error. Default level: info.
func NewLogger(level string) *slog.Logger {
	return New(os.Stdout, level, true)
}

// NewTextLogger creates a logger with human-readable text output.
// This is useful for local development and debugging.
func NewTextLogger(level string) *slog.Logger {
	return New(os.Stdout, level, false)
}

// New creates a logger writing to w, as JSON when json is true.
func New(w io.Writer, level string, json bool) *slog.Logger {
	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: logLevel,
		// Add source code location for error and warn levels
		AddSource: logLevel <= slog.LevelWarn,
	}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithRequestID returns a logger that includes the request ID.
func WithRequestID(logger *slog.Logger, requestID string) *slog.Logger {
	if requestID == "" {
		return logger
	}
	return logger.With(slog.String("request_id", requestID))
}

// WithErrorContext returns a logger carrying the service, operation, tier and
// request ID of ectx.
func WithErrorContext(logger *slog.Logger, ectx entity.ErrorContext) *slog.Logger {
	ectx = ectx.Normalize()
	logger = logger.With(
		slog.String("service", ectx.Service),
		slog.String("operation", ectx.Operation),
		slog.String("tier", ectx.Tier.String()),
	)
	return WithRequestID(logger, ectx.RequestID)
}

// WithFields returns a new logger with additional structured fields.
func WithFields(logger *slog.Logger, fields map[string]any) *slog.Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return logger.With(args...)
}

// FromContext retrieves the logger from the context, or returns the default logger if not found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerContextKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey, logger)
}

type contextKey string

const loggerContextKey contextKey = "logger"

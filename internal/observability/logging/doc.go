// Package logging provides structured logging utilities with context propagation.
//
// This package wraps the standard library's log/slog package with helper functions
// for common logging patterns used by the resilience components.
//
// Key features:
//   - JSON and text output formats
//   - Error context fields (service, operation, tier, request ID)
//   - Context-aware logging
//   - Configurable log levels
//
// Example usage:
//
//	import "agent-resilience/internal/observability/logging"
//
//	func main() {
//	    logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))
//	    logger.Info("resilience infrastructure started")
//	}
//
//	func handle(ctx context.Context, ectx entity.ErrorContext) {
//	    logger := logging.WithErrorContext(logging.FromContext(ctx), ectx)
//	    logger.Warn("step failed")
//	}
package logging

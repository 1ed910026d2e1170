// Package observability groups the logging, metrics, SLO and tracing
// infrastructure of the resilience layer.
//
// Subpackages:
//   - logging: Structured logging utilities with slog
//   - metrics: Per-instance Prometheus collectors and the cron-driven reporter
//   - slo: Service level objective gauges
//   - tracing: OpenTelemetry tracer accessor and span helpers
//
// Example usage:
//
//	import (
//	    "agent-resilience/internal/observability/logging"
//	    "agent-resilience/internal/observability/metrics"
//	)
//
//	func main() {
//	    logger := logging.NewLogger("info")
//	    m := metrics.New(prometheus.DefaultRegisterer)
//	    logger.Info("metrics registered", slog.Any("registry", m.Registerer()))
//	}
package observability

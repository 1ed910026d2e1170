// Package metrics provides the Prometheus collectors of the resilience
// infrastructure.
//
// A Metrics value owns one set of collectors registered on the registry it was
// created with, so several instances can live in one process (and in tests).
// It satisfies the metrics interface of every resilience component:
//   - error classification (category, pattern or heuristic, confidence)
//   - recovery strategy selection and outcomes
//   - circuit breaker transitions and protected calls
//   - fallback handler attempts
//   - event publishing and its overhead
//
// Gauges that describe current state (open breakers, buffered events,
// strategy success rates) are refreshed by a Reporter on a cron schedule.
//
// Example usage:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	breakers, _ := circuitbreaker.NewFactory(cfg, circuitbreaker.WithMetrics(m))
//
//	reporter, _ := metrics.NewReporter(m, 15*time.Second, snapshotFunc, logger)
//	reporter.Start()
//	defer reporter.Stop()
package metrics

package circuitbreaker

import "time"

// Call outcomes reported to Metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeRejected = "rejected"
	OutcomeCanceled = "canceled"
)

// Metrics receives breaker telemetry.
type Metrics interface {
	RecordStateChange(key string, from, to StateKind)
	RecordCall(key, outcome string, duration time.Duration)
}

// NoOpMetrics discards breaker telemetry.
type NoOpMetrics struct{}

func (NoOpMetrics) RecordStateChange(string, StateKind, StateKind) {}
func (NoOpMetrics) RecordCall(string, string, time.Duration)       {}

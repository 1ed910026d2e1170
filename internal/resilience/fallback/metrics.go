package fallback

// Outcome labels passed to Metrics.RecordFallback.
const (
	OutcomeRecovered = "recovered"
	OutcomeDeclined  = "declined"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
)

// Metrics receives fallback telemetry.
type Metrics interface {
	// RecordFallback is called per handler attempt, and once with an empty
	// handler name when the chain is exhausted.
	RecordFallback(handler, outcome string)
}

// NoOpMetrics discards fallback telemetry.
type NoOpMetrics struct{}

// RecordFallback does nothing.
func (NoOpMetrics) RecordFallback(string, string) {}

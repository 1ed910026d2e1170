// Package events publishes resilience telemetry asynchronously. Publish calls
// sample, enqueue into a bounded priority buffer and return; a background
// goroutine flushes batches to an external Bus.
package events

import (
	"fmt"
	"time"

	"agent-resilience/internal/domain/entity"
)

// Type is the resilience event type.
type Type string

const (
	TypeDetected            Type = "detected"
	TypeClassified          Type = "classified"
	TypeRecoveryInitiated   Type = "recovery-initiated"
	TypeRecoveryCompleted   Type = "recovery-completed"
	TypeRecoveryFailed      Type = "recovery-failed"
	TypeCircuitStateChanged Type = "circuit-state-changed"
)

// Types returns every event type.
func Types() []Type {
	return []Type{
		TypeDetected, TypeClassified, TypeRecoveryInitiated,
		TypeRecoveryCompleted, TypeRecoveryFailed, TypeCircuitStateChanged,
	}
}

// ParseType parses an event type name.
func ParseType(s string) (Type, error) {
	for _, t := range Types() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Topic is the bus topic the event type is published on.
func (t Type) Topic() string {
	return "resilience." + string(t)
}

// Priority orders events for eviction when the buffer is full.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText renders the priority as its name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	for _, known := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		if known.String() == string(b) {
			*p = known
			return nil
		}
	}
	return fmt.Errorf("unknown event priority %q", b)
}

// StrategyInfo describes the selected recovery strategy.
type StrategyInfo struct {
	Type        string  `json:"type"`
	Reason      string  `json:"reason,omitempty"`
	Score       float64 `json:"score"`
	FromHistory bool    `json:"from_history"`
}

// OutcomeInfo describes how a recovery attempt ended.
type OutcomeInfo struct {
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	Cost     float64       `json:"cost"`
	Error    string        `json:"error,omitempty"`
}

// CircuitInfo describes a breaker transition.
type CircuitInfo struct {
	Key           string        `json:"key"`
	Service       string        `json:"service"`
	Operation     string        `json:"operation"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	FailureCount  int           `json:"failure_count"`
	Cooldown      time.Duration `json:"cooldown"`
	NextRetryTime time.Time     `json:"next_retry_time,omitempty"`
}

// ResilienceEvent is the payload published to the bus.
type ResilienceEvent struct {
	ID             string                 `json:"id"`
	Type           Type                   `json:"type"`
	Source         entity.EventSource     `json:"source"`
	Classification *entity.Classification `json:"classification,omitempty"`
	Context        *entity.ErrorContext   `json:"context,omitempty"`
	Strategy       *StrategyInfo          `json:"strategy,omitempty"`
	Outcome        *OutcomeInfo           `json:"outcome,omitempty"`
	Circuit        *CircuitInfo           `json:"circuit,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Sampled        bool                   `json:"sampled"`
	SampleReason   string                 `json:"sample_reason"`
	Priority       Priority               `json:"priority"`
}

// severity returns the event's severity, or "" when it has no classification.
func (e *ResilienceEvent) severity() entity.Severity {
	if e.Classification == nil {
		return ""
	}
	return e.Classification.Severity
}

func (e *ResilienceEvent) category() entity.Category {
	if e.Classification == nil {
		return ""
	}
	return e.Classification.Category
}

// critical events bypass sampling and the overhead guard.
func (e *ResilienceEvent) critical() bool {
	if e.severity() == entity.SeverityCritical {
		return true
	}
	return e.Type == TypeCircuitStateChanged
}

// priorityFor ranks an event by type, raised to critical for critical severity.
func priorityFor(e *ResilienceEvent) Priority {
	if e.severity() == entity.SeverityCritical {
		return PriorityCritical
	}
	switch e.Type {
	case TypeRecoveryFailed, TypeCircuitStateChanged:
		return PriorityHigh
	case TypeDetected:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

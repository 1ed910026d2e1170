package entity

import (
	"strconv"
	"strings"
	"time"
)

// Tier identifies which execution tier reported a failure.
type Tier int

const (
	// TierUnknown is used when the caller did not report a valid tier.
	TierUnknown Tier = 0

	// TierSwarm is swarm coordination (widest blast radius).
	TierSwarm Tier = 1

	// TierRun is run orchestration.
	TierRun Tier = 2

	// TierStep is single step execution.
	TierStep Tier = 3
)

// String returns a string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierSwarm:
		return "swarm"
	case TierRun:
		return "run"
	case TierStep:
		return "step"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the three execution tiers.
func (t Tier) Valid() bool {
	return t >= TierSwarm && t <= TierStep
}

// Normalize maps out-of-range values to TierUnknown.
func (t Tier) Normalize() Tier {
	if !t.Valid() {
		return TierUnknown
	}
	return t
}

const unknownName = "unknown"

// ErrorContext describes where a failure happened.
type ErrorContext struct {
	Service   string            `json:"service"`
	Operation string            `json:"operation"`
	Tier      Tier              `json:"tier"`
	RequestID string            `json:"request_id,omitempty"`
	Attempt   int               `json:"attempt"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Normalize returns a copy with empty identifiers replaced by "unknown",
// the tier clamped to a known value and a negative attempt count reset.
// It never fails; malformed context degrades instead of erroring.
func (c ErrorContext) Normalize() ErrorContext {
	out := c
	out.Service = strings.TrimSpace(out.Service)
	if out.Service == "" {
		out.Service = unknownName
	}
	out.Operation = strings.TrimSpace(out.Operation)
	if out.Operation == "" {
		out.Operation = unknownName
	}
	out.Tier = out.Tier.Normalize()
	if out.Attempt < 0 {
		out.Attempt = 0
	}
	if len(c.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// OperationKey identifies a service operation. It is comparable and used as a
// map key; String renders "service:operation" for logs and metric labels only.
type OperationKey struct {
	Service   string
	Operation string
}

func (k OperationKey) String() string {
	return k.Service + ":" + k.Operation
}

// Bucket identifies where outcome statistics are aggregated
// (service × operation × tier).
type Bucket struct {
	Service   string
	Operation string
	Tier      Tier
}

func (b Bucket) String() string {
	return b.Service + "|" + b.Operation + "|" + strconv.Itoa(int(b.Tier))
}

// BucketKey is the aggregation key for historical outcome statistics.
func (c ErrorContext) BucketKey() Bucket {
	n := c.Normalize()
	return Bucket{Service: n.Service, Operation: n.Operation, Tier: n.Tier}
}

// OperationKey identifies the circuit breaker protecting service+operation.
func (c ErrorContext) OperationKey() OperationKey {
	n := c.Normalize()
	return OperationKey{Service: n.Service, Operation: n.Operation}
}

// BreakerKey is the display form of OperationKey.
func (c ErrorContext) BreakerKey() string {
	return c.OperationKey().String()
}

// BreakerKey builds the display key for a service and operation.
func BreakerKey(service, operation string) string {
	return OperationKey{Service: service, Operation: operation}.String()
}

// Source returns the event source for this context.
func (c ErrorContext) Source() EventSource {
	return EventSource{RequestID: c.RequestID, Tier: c.Tier.Normalize()}
}

// EventSource identifies the request and tier an event belongs to.
type EventSource struct {
	RequestID string `json:"request_id"`
	Tier      Tier   `json:"tier"`
}

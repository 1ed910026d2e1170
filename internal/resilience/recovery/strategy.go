// Package recovery selects recovery strategies for classified failures and
// learns from recorded outcomes.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"agent-resilience/internal/resilience/retry"
)

// StrategyType names a recovery strategy.
type StrategyType string

const (
	StrategyRetry        StrategyType = "retry"
	StrategyBackoff      StrategyType = "backoff"
	StrategyCircuitBreak StrategyType = "circuit_break"
	StrategyFallback     StrategyType = "fallback"
	StrategyEscalate     StrategyType = "escalate"
	StrategyIgnore       StrategyType = "ignore"
)

// StrategyTypes returns every strategy in canonical order. The order is the
// final tie-breaker during selection.
func StrategyTypes() []StrategyType {
	return []StrategyType{
		StrategyRetry,
		StrategyBackoff,
		StrategyCircuitBreak,
		StrategyFallback,
		StrategyEscalate,
		StrategyIgnore,
	}
}

// Valid reports whether t is a known strategy.
func (t StrategyType) Valid() bool {
	return t.rank() >= 0
}

func (t StrategyType) rank() int {
	for i, known := range StrategyTypes() {
		if t == known {
			return i
		}
	}
	return -1
}

// ParseStrategyType parses a strategy name, accepting camelCase aliases.
func ParseStrategyType(s string) (StrategyType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "circuitbreak", "circuit-break":
		normalized = string(StrategyCircuitBreak)
	}
	t := StrategyType(normalized)
	if !t.Valid() {
		return "", fmt.Errorf("unknown strategy type %q", s)
	}
	return t, nil
}

// Params holds strategy-specific parameters. The set of implementations is closed.
type Params interface {
	Type() StrategyType
	Validate() error
	isParams()
}

// RetryParams retries immediately with a fixed delay.
type RetryParams struct {
	MaxAttempts int           `json:"max_attempts"`
	Delay       time.Duration `json:"delay"`
}

// BackoffParams retries with exponential backoff.
type BackoffParams struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialDelay   time.Duration `json:"initial_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	Multiplier     float64       `json:"multiplier"`
	JitterFraction float64       `json:"jitter_fraction"`
}

// CircuitBreakParams asks the caller to route through a breaker.
type CircuitBreakParams struct {
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
}

// FallbackParams lists fallback handler kinds to try, in order.
type FallbackParams struct {
	Handlers []string `json:"handlers"`
}

// EscalateParams hands the failure to a higher tier or an operator.
type EscalateParams struct {
	Target string `json:"target"`
}

// IgnoreParams records the failure and continues.
type IgnoreParams struct {
	Record bool `json:"record"`
}

func (RetryParams) Type() StrategyType        { return StrategyRetry }
func (BackoffParams) Type() StrategyType      { return StrategyBackoff }
func (CircuitBreakParams) Type() StrategyType { return StrategyCircuitBreak }
func (FallbackParams) Type() StrategyType     { return StrategyFallback }
func (EscalateParams) Type() StrategyType     { return StrategyEscalate }
func (IgnoreParams) Type() StrategyType       { return StrategyIgnore }

func (RetryParams) isParams()        {}
func (BackoffParams) isParams()      {}
func (CircuitBreakParams) isParams() {}
func (FallbackParams) isParams()     {}
func (EscalateParams) isParams()     {}
func (IgnoreParams) isParams()       {}

// Validate checks the retry parameters.
func (p RetryParams) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry: delay must not be negative, got %v", p.Delay)
	}
	return nil
}

// Validate checks the backoff parameters.
func (p BackoffParams) Validate() error {
	if err := p.RetryConfig().Validate(); err != nil {
		return fmt.Errorf("backoff: %w", err)
	}
	return nil
}

// RetryConfig converts the parameters for use with retry.WithBackoff.
func (p BackoffParams) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:    p.MaxAttempts,
		InitialDelay:   p.InitialDelay,
		MaxDelay:       p.MaxDelay,
		Multiplier:     p.Multiplier,
		JitterFraction: p.JitterFraction,
	}
}

// Validate checks the circuit break parameters.
func (p CircuitBreakParams) Validate() error {
	if p.FailureThreshold < 1 {
		return fmt.Errorf("circuit_break: failure threshold must be at least 1, got %d", p.FailureThreshold)
	}
	if p.Cooldown <= 0 {
		return fmt.Errorf("circuit_break: cooldown must be positive, got %v", p.Cooldown)
	}
	return nil
}

// Validate checks the fallback parameters.
func (p FallbackParams) Validate() error {
	if len(p.Handlers) == 0 {
		return fmt.Errorf("fallback: at least one handler is required")
	}
	for i, h := range p.Handlers {
		if strings.TrimSpace(h) == "" {
			return fmt.Errorf("fallback: handler %d is empty", i)
		}
	}
	return nil
}

// Validate checks the escalate parameters.
func (p EscalateParams) Validate() error {
	if strings.TrimSpace(p.Target) == "" {
		return fmt.Errorf("escalate: target is required")
	}
	return nil
}

// Validate always succeeds.
func (IgnoreParams) Validate() error { return nil }

// DefaultParams returns the default parameters for t, or nil for an unknown type.
func DefaultParams(t StrategyType) Params {
	switch t {
	case StrategyRetry:
		return RetryParams{MaxAttempts: 3, Delay: 500 * time.Millisecond}
	case StrategyBackoff:
		return backoffFrom(retry.DefaultConfig())
	case StrategyCircuitBreak:
		return CircuitBreakParams{FailureThreshold: 5, Cooldown: 30 * time.Second}
	case StrategyFallback:
		return FallbackParams{Handlers: []string{"cached_response", "degraded_response", "alternate_provider", "fail_fast"}}
	case StrategyEscalate:
		return EscalateParams{Target: "parent-tier"}
	case StrategyIgnore:
		return IgnoreParams{Record: true}
	}
	return nil
}

// serviceBackoff holds the retry schedules of services that do not use the
// default one.
var serviceBackoff = map[string]func() retry.Config{
	"llm":  retry.LLMConfig,
	"tool": retry.ToolConfig,
}

// ParamsFor returns the default parameters for t when service fails. Backoff
// follows the service's retry schedule; everything else matches DefaultParams.
func ParamsFor(t StrategyType, service string) Params {
	if t == StrategyBackoff {
		if preset, ok := serviceBackoff[service]; ok {
			return backoffFrom(preset())
		}
	}
	return DefaultParams(t)
}

func backoffFrom(cfg retry.Config) BackoffParams {
	return BackoffParams{
		MaxAttempts:    cfg.MaxAttempts,
		InitialDelay:   cfg.InitialDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     cfg.Multiplier,
		JitterFraction: cfg.JitterFraction,
	}
}

// StrategyConfig is a selected strategy with its parameters.
type StrategyConfig struct {
	Type        StrategyType `json:"type"`
	Params      Params       `json:"params"`
	Reason      string       `json:"reason"`
	Score       float64      `json:"score"`
	FromHistory bool         `json:"from_history"`
}

// Validate checks that Params is present, matches Type and is itself valid.
func (c StrategyConfig) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("unknown strategy type %q", c.Type)
	}
	if c.Params == nil {
		return fmt.Errorf("strategy %s: params are required", c.Type)
	}
	if c.Params.Type() != c.Type {
		return fmt.Errorf("strategy %s: params are for %s", c.Type, c.Params.Type())
	}
	return c.Params.Validate()
}

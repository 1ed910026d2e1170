package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultParams_AllValid(t *testing.T) {
	for _, st := range StrategyTypes() {
		t.Run(string(st), func(t *testing.T) {
			p := DefaultParams(st)
			require.NotNil(t, p)
			assert.Equal(t, st, p.Type())
			assert.NoError(t, p.Validate())
		})
	}
	assert.Nil(t, DefaultParams("unknown"))
}

func TestParamsFor(t *testing.T) {
	llm, ok := ParamsFor(StrategyBackoff, "llm").(BackoffParams)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, llm.InitialDelay)
	assert.Equal(t, 10*time.Second, llm.MaxDelay)

	tool, ok := ParamsFor(StrategyBackoff, "tool").(BackoffParams)
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, tool.InitialDelay)

	assert.Equal(t, DefaultParams(StrategyBackoff), ParamsFor(StrategyBackoff, "database"))
	assert.Equal(t, DefaultParams(StrategyRetry), ParamsFor(StrategyRetry, "llm"))
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		params Params
	}{
		{"retry without attempts", RetryParams{}},
		{"retry negative delay", RetryParams{MaxAttempts: 1, Delay: -time.Second}},
		{"backoff shrinking", BackoffParams{MaxAttempts: 2, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 0.5}},
		{"circuit break zero cooldown", CircuitBreakParams{FailureThreshold: 3}},
		{"fallback empty", FallbackParams{}},
		{"fallback blank handler", FallbackParams{Handlers: []string{"cached_response", " "}}},
		{"escalate without target", EscalateParams{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.params.Validate())
		})
	}
}

func TestBackoffParams_RetryConfig(t *testing.T) {
	p := BackoffParams{MaxAttempts: 4, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3, JitterFraction: 0.2}

	cfg := p.RetryConfig()

	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 300*time.Millisecond, cfg.Delay(2))
	assert.Equal(t, time.Second, cfg.Delay(4))
	assert.NoError(t, cfg.Validate())
}

func TestStrategyConfig_Validate(t *testing.T) {
	assert.NoError(t, StrategyConfig{Type: StrategyIgnore, Params: IgnoreParams{}}.Validate())
	assert.Error(t, StrategyConfig{Type: StrategyRetry}.Validate())
	assert.Error(t, StrategyConfig{Type: StrategyRetry, Params: IgnoreParams{}}.Validate())
	assert.Error(t, StrategyConfig{Type: "panic", Params: IgnoreParams{}}.Validate())
}

func TestParseStrategyType(t *testing.T) {
	tests := map[string]StrategyType{
		"retry":         StrategyRetry,
		" Backoff ":     StrategyBackoff,
		"circuitBreak":  StrategyCircuitBreak,
		"circuit-break": StrategyCircuitBreak,
		"circuit_break": StrategyCircuitBreak,
		"ESCALATE":      StrategyEscalate,
	}
	for in, want := range tests {
		got, err := ParseStrategyType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseStrategyType("hope")
	assert.Error(t, err)
}

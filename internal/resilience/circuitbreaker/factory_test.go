package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_ConfigPrecedence(t *testing.T) {
	service := DefaultConfig()
	service.FailureThreshold = 7
	operation := DefaultConfig()
	operation.FailureThreshold = 9

	f, err := NewFactory(DefaultConfig(),
		WithServiceConfig("search", service),
		WithOperationConfig("search", "query", operation),
	)
	require.NoError(t, err)

	assert.Equal(t, 9, f.ConfigFor("search", "query").FailureThreshold)
	assert.Equal(t, 7, f.ConfigFor("search", "index").FailureThreshold)
	assert.Equal(t, LLMConfig(), f.ConfigFor("llm", "generate"))
	assert.Equal(t, DefaultConfig(), f.ConfigFor("mailer", "send"))

	override := DefaultConfig()
	override.FailureThreshold = 2
	b, err := f.Create("search", "query", &override)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Config().FailureThreshold)
	assert.Equal(t, "search:query", b.Key())
}

func TestFactory_WithoutPresets(t *testing.T) {
	tool := ToolConfig()
	tool.FailureThreshold = 11

	f, err := NewFactory(DefaultConfig(), WithoutPresets(), WithServiceConfig("tool", tool))
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), f.ConfigFor("llm", "generate"))
	assert.Equal(t, 11, f.ConfigFor("tool", "grep").FailureThreshold)
}

func TestFactory_Validation(t *testing.T) {
	bad := DefaultConfig()
	bad.BaseCooldown = 0

	tests := []struct {
		name     string
		defaults Config
		opts     []Option
	}{
		{"invalid defaults", bad, nil},
		{"invalid service", DefaultConfig(), []Option{WithServiceConfig("llm", bad)}},
		{"invalid operation", DefaultConfig(), []Option{WithOperationConfig("llm", "generate", bad)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory(tt.defaults, tt.opts...)
			assert.Error(t, err)
		})
	}

	f, err := NewFactory(DefaultConfig())
	require.NoError(t, err)
	_, err = f.Create("llm", "generate", &bad)
	assert.Error(t, err)
	assert.Error(t, f.SetServiceConfig("llm", bad))

	good := DefaultConfig()
	good.Timeout = time.Second
	require.NoError(t, f.SetServiceConfig("llm", good))
	assert.Equal(t, time.Second, f.ConfigFor("llm", "chat").Timeout)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"rate above one", func(c *Config) { c.FailureRateThreshold = 1.5 }},
		{"zero rate", func(c *Config) { c.FailureRateThreshold = 0 }},
		{"min requests above window", func(c *Config) { c.MinRequests = c.WindowSize + 1 }},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }},
		{"max below base cooldown", func(c *Config) { c.MaxCooldown = c.BaseCooldown / 2 }},
		{"shrinking cooldown", func(c *Config) { c.CooldownMultiplier = 0.5 }},
		{"zero adaptive factor", func(c *Config) { c.Adaptive.TransientFactor = 0 }},
		{"zero min threshold", func(c *Config) { c.Adaptive.MinThreshold = 0 }},
		{"zero recent failures", func(c *Config) { c.Adaptive.RecentFailures = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	for name, cfg := range Presets() {
		assert.NoError(t, cfg.Validate(), name)
	}
}

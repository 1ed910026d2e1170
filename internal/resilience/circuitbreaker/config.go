package circuitbreaker

import (
	"fmt"
	"math"
	"time"
)

// AdaptiveConfig controls how recent failures move the trip threshold.
// Each recorded failure contributes a multiplier; the threshold is the base
// threshold times their mean.
type AdaptiveConfig struct {
	// HighSeverityFactor applies to critical failures and lowers the threshold.
	HighSeverityFactor float64 `yaml:"high_severity_factor"`

	// ModerateFactor applies to failures that are neither critical nor transient.
	ModerateFactor float64 `yaml:"moderate_factor"`

	// TransientFactor applies to transient or low-severity failures and raises the threshold.
	TransientFactor float64 `yaml:"transient_factor"`

	// MinThreshold is the lowest the threshold can go.
	MinThreshold int `yaml:"min_threshold"`

	// MaxThresholdFactor caps the threshold at FailureThreshold times this factor.
	MaxThresholdFactor float64 `yaml:"max_threshold_factor"`

	// RecentFailures is how many failures are remembered for the mean.
	RecentFailures int `yaml:"recent_failures"`
}

// Config holds the configuration for an adaptive circuit breaker.
type Config struct {
	// FailureThreshold is the base number of consecutive failures that trips the circuit
	FailureThreshold int `yaml:"failure_threshold"`

	// FailureRateThreshold trips the circuit when the failure ratio over the
	// window reaches it. For example, 0.5 means 50% failure rate
	FailureRateThreshold float64 `yaml:"failure_rate_threshold"`

	// WindowSize is the number of most recent results kept for the failure rate
	WindowSize int `yaml:"window_size"`

	// MinRequests is the minimum number of results in the window before the rate applies
	MinRequests int `yaml:"min_requests"`

	// Timeout bounds each protected call. Zero disables the timeout
	Timeout time.Duration `yaml:"timeout"`

	// BaseCooldown is how long the circuit stays open after the first trip
	BaseCooldown time.Duration `yaml:"base_cooldown"`

	// MaxCooldown caps the escalating cooldown
	MaxCooldown time.Duration `yaml:"max_cooldown"`

	// CooldownMultiplier grows the cooldown after every trip
	CooldownMultiplier float64 `yaml:"cooldown_multiplier"`

	Adaptive AdaptiveConfig `yaml:"adaptive"`
}

// DefaultAdaptiveConfig returns the default adaptive threshold parameters.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		HighSeverityFactor: 0.5,
		ModerateFactor:     1.0,
		TransientFactor:    1.5,
		MinThreshold:       1,
		MaxThresholdFactor: 3.0,
		RecentFailures:     5,
	}
}

// DefaultConfig returns a default configuration for circuit breakers.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		WindowSize:           20,
		MinRequests:          10,
		Timeout:              30 * time.Second,
		BaseCooldown:         30 * time.Second,
		MaxCooldown:          5 * time.Minute,
		CooldownMultiplier:   2.0,
		Adaptive:             DefaultAdaptiveConfig(),
	}
}

// LLMConfig returns configuration for model provider calls.
// Slow calls and expensive failures: trip early, wait long.
func LLMConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.Timeout = 60 * time.Second
	cfg.BaseCooldown = 30 * time.Second
	cfg.MaxCooldown = 5 * time.Minute
	return cfg
}

// ToolConfig returns configuration for tool invocations.
func ToolConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 30 * time.Second
	cfg.BaseCooldown = 15 * time.Second
	cfg.MaxCooldown = 2 * time.Minute
	return cfg
}

// APIConfig returns configuration for generic HTTP APIs.
func APIConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 10 * time.Second
	cfg.FailureRateThreshold = 0.6
	return cfg
}

// DatabaseConfig returns configuration for database operations.
// Opens after 5 consecutive failures, 30 second cooldown.
func DatabaseConfig() Config {
	cfg := DefaultConfig()
	cfg.Timeout = 5 * time.Second
	cfg.FailureRateThreshold = 1.0
	cfg.MaxCooldown = 2 * time.Minute
	return cfg
}

// Presets returns the per-service configurations the factory starts with.
func Presets() map[string]Config {
	return map[string]Config{
		"llm":      LLMConfig(),
		"tool":     ToolConfig(),
		"api":      APIConfig(),
		"database": DatabaseConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if math.IsNaN(c.FailureRateThreshold) || c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("failure rate threshold must be within (0,1], got %v", c.FailureRateThreshold)
	}
	if c.WindowSize < 1 {
		return fmt.Errorf("window size must be at least 1, got %d", c.WindowSize)
	}
	if c.MinRequests < 1 || c.MinRequests > c.WindowSize {
		return fmt.Errorf("min requests must be within [1,%d], got %d", c.WindowSize, c.MinRequests)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", c.Timeout)
	}
	if c.BaseCooldown <= 0 {
		return fmt.Errorf("base cooldown must be positive, got %v", c.BaseCooldown)
	}
	if c.MaxCooldown < c.BaseCooldown {
		return fmt.Errorf("max cooldown %v is shorter than base cooldown %v", c.MaxCooldown, c.BaseCooldown)
	}
	if math.IsNaN(c.CooldownMultiplier) || c.CooldownMultiplier < 1 {
		return fmt.Errorf("cooldown multiplier must be >= 1, got %v", c.CooldownMultiplier)
	}
	return c.Adaptive.Validate()
}

// Validate checks the adaptive parameters.
func (a AdaptiveConfig) Validate() error {
	for name, f := range map[string]float64{
		"high severity factor": a.HighSeverityFactor,
		"moderate factor":      a.ModerateFactor,
		"transient factor":     a.TransientFactor,
	} {
		if math.IsNaN(f) || f <= 0 {
			return fmt.Errorf("adaptive %s must be positive, got %v", name, f)
		}
	}
	if a.MinThreshold < 1 {
		return fmt.Errorf("adaptive min threshold must be at least 1, got %d", a.MinThreshold)
	}
	if math.IsNaN(a.MaxThresholdFactor) || a.MaxThresholdFactor < 1 {
		return fmt.Errorf("adaptive max threshold factor must be >= 1, got %v", a.MaxThresholdFactor)
	}
	if a.RecentFailures < 1 {
		return fmt.Errorf("adaptive recent failures must be at least 1, got %d", a.RecentFailures)
	}
	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/internal/resilience/circuitbreaker"
	"agent-resilience/internal/resilience/classifier"
	"agent-resilience/internal/resilience/events"
	"agent-resilience/internal/resilience/fallback"
	"agent-resilience/internal/resilience/recovery"
	pkgconfig "agent-resilience/pkg/config"
)

// ResilienceConfig holds the configuration of every resilience component.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerSection `yaml:"circuit_breaker"`
	Classifier     ClassifierSection     `yaml:"classifier"`
	Selector       SelectorSection       `yaml:"selector"`
	Fallback       FallbackSection       `yaml:"fallback"`
	Events         EventsSection         `yaml:"events"`
	Observability  ObservabilitySection  `yaml:"observability"`
}

// ServiceOverride adjusts the breaker of one service. Zero fields inherit
// from the preset for that service, or from the section defaults.
type ServiceOverride struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	BaseCooldown     time.Duration `yaml:"base_cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

// CircuitBreakerSection configures the breaker factory.
type CircuitBreakerSection struct {
	Defaults circuitbreaker.Config `yaml:",inline"`

	// UsePresets keeps the built-in llm, tool, api and database presets.
	UsePresets bool `yaml:"use_presets"`

	Services map[string]ServiceOverride `yaml:"services"`
}

// ClassifierSection configures the error classifier.
type ClassifierSection struct {
	classifier.Config `yaml:",inline"`

	// PatternFiles are YAML pattern files loaded at startup.
	PatternFiles []string `yaml:"pattern_files"`
}

// SelectorSection configures the recovery strategy selector.
type SelectorSection struct {
	recovery.SelectorConfig `yaml:",inline"`
}

// FallbackSection configures the fallback chain.
type FallbackSection struct {
	Handlers []fallback.HandlerSpec `yaml:"handlers"`
}

// EventsSection configures the resilience event publisher.
type EventsSection struct {
	Enabled bool `yaml:"enabled"`

	// ShutdownTimeout bounds the final drain.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	events.PublisherConfig `yaml:",inline"`
}

// ObservabilitySection configures logging, metrics and tracing.
type ObservabilitySection struct {
	LogLevel       string        `yaml:"log_level"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	ReportInterval time.Duration `yaml:"report_interval"`
	TracingEnabled bool          `yaml:"tracing_enabled"`
}

// DefaultResilienceConfig returns a fresh default configuration.
func DefaultResilienceConfig() *ResilienceConfig {
	return &ResilienceConfig{
		CircuitBreaker: CircuitBreakerSection{
			Defaults:   circuitbreaker.DefaultConfig(),
			UsePresets: true,
			Services:   map[string]ServiceOverride{},
		},
		Classifier: ClassifierSection{Config: classifier.DefaultConfig()},
		Selector:   SelectorSection{SelectorConfig: recovery.DefaultSelectorConfig()},
		Fallback:   FallbackSection{Handlers: fallback.DefaultHandlerSpecs()},
		Events: EventsSection{
			Enabled:         true,
			ShutdownTimeout: 5 * time.Second,
			PublisherConfig: events.DefaultPublisherConfig(),
		},
		Observability: ObservabilitySection{
			LogLevel:       "info",
			MetricsEnabled: true,
			ReportInterval: 15 * time.Second,
			TracingEnabled: true,
		},
	}
}

// LoadResilienceConfig builds the configuration from defaults, the optional
// YAML file named by RESILIENCE_CONFIG_FILE and RESILIENCE_* environment
// variables, in that order.
func LoadResilienceConfig() (*ResilienceConfig, error) {
	cfg := DefaultResilienceConfig()

	if path := pkgconfig.GetEnvString("RESILIENCE_CONFIG_FILE", ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resilience configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes a YAML file over the current values.
func (c *ResilienceConfig) LoadFile(path string) error {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read resilience config %s: %w", path, err)
	}
	if err := c.Decode(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse resilience config %s: %w", path, err)
	}
	return nil
}

// Decode reads YAML from r over the current values. Unknown keys are errors.
func (c *ResilienceConfig) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *ResilienceConfig) applyEnv() {
	cb := &c.CircuitBreaker
	cb.Defaults.FailureThreshold = pkgconfig.GetEnvInt("RESILIENCE_BREAKER_FAILURE_THRESHOLD", cb.Defaults.FailureThreshold)
	cb.Defaults.FailureRateThreshold = pkgconfig.GetEnvFloat("RESILIENCE_BREAKER_FAILURE_RATE", cb.Defaults.FailureRateThreshold)
	cb.Defaults.Timeout = pkgconfig.GetEnvDuration("RESILIENCE_BREAKER_TIMEOUT", cb.Defaults.Timeout)
	cb.Defaults.BaseCooldown = pkgconfig.GetEnvDuration("RESILIENCE_BREAKER_COOLDOWN", cb.Defaults.BaseCooldown)
	cb.Defaults.MaxCooldown = pkgconfig.GetEnvDuration("RESILIENCE_BREAKER_MAX_COOLDOWN", cb.Defaults.MaxCooldown)
	cb.UsePresets = pkgconfig.GetEnvBool("RESILIENCE_BREAKER_USE_PRESETS", cb.UsePresets)

	cl := &c.Classifier
	cl.MinConfidence = pkgconfig.GetEnvFloat("RESILIENCE_CLASSIFIER_MIN_CONFIDENCE", cl.MinConfidence)
	cl.PatternDetection = pkgconfig.GetEnvBool("RESILIENCE_PATTERN_DETECTION", cl.PatternDetection)
	cl.PatternFiles = pkgconfig.GetEnvStringList("RESILIENCE_PATTERN_FILES", cl.PatternFiles)

	// One switch turns learning on or off for both classifier and selector.
	learning := pkgconfig.GetEnvBool("RESILIENCE_LEARNING", cl.Learning && c.Selector.Learning)
	if pkgconfig.GetEnvString("RESILIENCE_LEARNING", "") != "" {
		cl.Learning = learning
		c.Selector.Learning = learning
	}
	c.Selector.RecencyAlpha = pkgconfig.GetEnvFloat("RESILIENCE_SELECTOR_RECENCY_ALPHA", c.Selector.RecencyAlpha)

	if kinds := pkgconfig.GetEnvStringList("RESILIENCE_FALLBACK_HANDLERS", nil); len(kinds) > 0 {
		c.Fallback.Handlers = specsFromKinds(kinds)
	}

	ev := &c.Events
	ev.Enabled = pkgconfig.GetEnvBool("RESILIENCE_EVENTS_ENABLED", ev.Enabled)
	ev.BufferCapacity = pkgconfig.GetEnvInt("RESILIENCE_EVENTS_BUFFER_CAPACITY", ev.BufferCapacity)
	ev.BatchSize = pkgconfig.GetEnvInt("RESILIENCE_EVENTS_BATCH_SIZE", ev.BatchSize)
	ev.FlushInterval = pkgconfig.GetEnvDuration("RESILIENCE_EVENTS_FLUSH_INTERVAL", ev.FlushInterval)
	ev.MaxOverhead = pkgconfig.GetEnvDuration("RESILIENCE_EVENTS_MAX_OVERHEAD", ev.MaxOverhead)
	ev.ShutdownTimeout = pkgconfig.GetEnvDuration("RESILIENCE_EVENTS_SHUTDOWN_TIMEOUT", ev.ShutdownTimeout)
	ev.Sampling.MaxPerSecond = pkgconfig.GetEnvFloat("RESILIENCE_EVENTS_MAX_PER_SECOND", ev.Sampling.MaxPerSecond)
	ev.Sampling.DefaultRate = pkgconfig.GetEnvFloat("RESILIENCE_SAMPLE_RATE_DEFAULT", ev.Sampling.DefaultRate)
	for _, sev := range []entity.Severity{entity.SeverityInfo, entity.SeverityWarning, entity.SeverityError, entity.SeverityCritical} {
		key := "RESILIENCE_SAMPLE_RATE_" + strings.ToUpper(string(sev))
		if pkgconfig.GetEnvString(key, "") == "" {
			continue
		}
		if ev.Sampling.SeverityRates == nil {
			ev.Sampling.SeverityRates = map[entity.Severity]float64{}
		}
		ev.Sampling.SeverityRates[sev] = pkgconfig.GetEnvFloat(key, ev.Sampling.SeverityRates[sev])
	}

	ob := &c.Observability
	ob.LogLevel = pkgconfig.GetEnvString("LOG_LEVEL", ob.LogLevel)
	ob.MetricsEnabled = pkgconfig.GetEnvBool("RESILIENCE_METRICS_ENABLED", ob.MetricsEnabled)
	ob.ReportInterval = pkgconfig.GetEnvDuration("RESILIENCE_METRICS_REPORT_INTERVAL", ob.ReportInterval)
	ob.TracingEnabled = pkgconfig.GetEnvBool("RESILIENCE_TRACING_ENABLED", ob.TracingEnabled)
}

// specsFromKinds builds a chain in the listed order with default settings.
// Unknown kinds are kept so that Validate reports them.
func specsFromKinds(kinds []string) []fallback.HandlerSpec {
	specs := make([]fallback.HandlerSpec, 0, len(kinds))
	for _, raw := range kinds {
		kind, err := fallback.ParseKind(raw)
		if err != nil {
			specs = append(specs, fallback.HandlerSpec{Kind: fallback.Kind(raw)})
			continue
		}
		spec := fallback.HandlerSpec{Kind: kind}
		switch kind {
		case fallback.KindCachedResponse:
			cache := fallback.DefaultCacheSpec()
			spec.Cache = &cache
		case fallback.KindFailFast:
			spec.FailFast = &fallback.FailFastSpec{Reason: "no fallback available"}
		}
		specs = append(specs, spec)
	}
	return specs
}

// Validate checks every section.
func (c *ResilienceConfig) Validate() error {
	if err := c.CircuitBreaker.Defaults.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	if _, err := c.CircuitBreaker.ToFactoryOptions(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	if err := c.Classifier.Config.Validate(); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	if err := c.Selector.SelectorConfig.Validate(); err != nil {
		return fmt.Errorf("selector: %w", err)
	}
	for i, spec := range c.Fallback.Handlers {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("fallback.handlers[%d]: %w", i, err)
		}
	}
	if err := c.Events.PublisherConfig.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	if err := pkgconfig.ValidatePositiveDuration(c.Events.ShutdownTimeout); err != nil {
		return fmt.Errorf("events.shutdown_timeout: %w", err)
	}
	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("observability.log_level: unknown level %q", c.Observability.LogLevel)
	}
	if c.Observability.MetricsEnabled {
		if err := pkgconfig.ValidateDurationRange(c.Observability.ReportInterval, time.Second, time.Hour); err != nil {
			return fmt.Errorf("observability.report_interval: %w", err)
		}
	}
	return nil
}

// ToBreakerConfig returns the default breaker configuration.
func (s CircuitBreakerSection) ToBreakerConfig() circuitbreaker.Config {
	return s.Defaults
}

// ToFactoryOptions turns presets and per-service overrides into factory
// options. Each override is applied on top of the preset for the service, if
// any, else on top of the section defaults.
func (s CircuitBreakerSection) ToFactoryOptions() ([]circuitbreaker.Option, error) {
	var opts []circuitbreaker.Option
	if !s.UsePresets {
		opts = append(opts, circuitbreaker.WithoutPresets())
	}
	presets := circuitbreaker.Presets()
	for service, o := range s.Services {
		if strings.TrimSpace(service) == "" {
			return nil, fmt.Errorf("service override with empty name")
		}
		base, ok := presets[service]
		if !ok || !s.UsePresets {
			base = s.Defaults
		}
		cfg := o.apply(base)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("service %q: %w", service, err)
		}
		opts = append(opts, circuitbreaker.WithServiceConfig(service, cfg))
	}
	return opts, nil
}

func (o ServiceOverride) apply(cfg circuitbreaker.Config) circuitbreaker.Config {
	if o.FailureThreshold != 0 {
		cfg.FailureThreshold = o.FailureThreshold
	}
	if o.Timeout != 0 {
		cfg.Timeout = o.Timeout
	}
	if o.BaseCooldown != 0 {
		cfg.BaseCooldown = o.BaseCooldown
	}
	if o.MaxCooldown != 0 {
		cfg.MaxCooldown = o.MaxCooldown
	}
	return cfg
}

// ToClassifierConfig returns the classifier configuration.
func (s ClassifierSection) ToClassifierConfig() classifier.Config {
	return s.Config
}

// LoadPatterns reads every configured pattern file.
func (s ClassifierSection) LoadPatterns() ([]classifier.ErrorPattern, error) {
	var patterns []classifier.ErrorPattern
	for _, path := range s.PatternFiles {
		loaded, err := classifier.LoadPatternsFile(path)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, loaded...)
	}
	return patterns, nil
}

// ToSelectorConfig returns the selector configuration.
func (s SelectorSection) ToSelectorConfig() recovery.SelectorConfig {
	return s.SelectorConfig
}

// ToHandlerSpecs returns a copy of the fallback chain.
func (s FallbackSection) ToHandlerSpecs() []fallback.HandlerSpec {
	return append([]fallback.HandlerSpec(nil), s.Handlers...)
}

// ToPublisherConfig returns the publisher configuration.
func (s EventsSection) ToPublisherConfig() events.PublisherConfig {
	return s.PublisherConfig
}

// ToSamplingPolicy returns the sampling policy.
func (s EventsSection) ToSamplingPolicy() events.SamplingPolicy {
	return s.Sampling
}

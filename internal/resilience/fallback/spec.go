package fallback

import (
	"fmt"
	"time"

	"agent-resilience/internal/domain/entity"
)

// HandlerSpec declares one handler of the chain. Kind selects which of the
// kind-specific sections applies; setting a section for another kind is an error.
type HandlerSpec struct {
	Kind     Kind   `yaml:"kind" json:"kind"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	Priority *int   `yaml:"priority,omitempty" json:"priority,omitempty"`

	Cache     *CacheSpec     `yaml:"cache,omitempty" json:"cache,omitempty"`
	Degraded  *DegradedSpec  `yaml:"degraded,omitempty" json:"degraded,omitempty"`
	Alternate *AlternateSpec `yaml:"alternate,omitempty" json:"alternate,omitempty"`
	FailFast  *FailFastSpec  `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`
}

// CacheSpec configures a cached_response handler.
type CacheSpec struct {
	Capacity int           `yaml:"capacity" json:"capacity"`
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// DegradedSpec configures a degraded_response handler.
type DegradedSpec struct {
	Value any `yaml:"value" json:"value"`
}

// AlternateSpec configures an alternate_provider handler. Provider names a
// function passed to BuildHandlers.
type AlternateSpec struct {
	Provider string `yaml:"provider" json:"provider"`
}

// FailFastSpec configures a fail_fast handler.
type FailFastSpec struct {
	Reason string `yaml:"reason" json:"reason"`
}

// DefaultCacheSpec is used when a cached_response spec has no cache section.
func DefaultCacheSpec() CacheSpec {
	return CacheSpec{Capacity: 1000, TTL: 5 * time.Minute}
}

// DefaultHandlerSpecs is the chain used when none is configured.
func DefaultHandlerSpecs() []HandlerSpec {
	cache := DefaultCacheSpec()
	return []HandlerSpec{
		{Kind: KindCachedResponse, Cache: &cache},
		{Kind: KindFailFast, FailFast: &FailFastSpec{Reason: "no fallback available"}},
	}
}

// Validate checks the spec.
func (s HandlerSpec) Validate() error {
	sections := map[Kind]bool{
		KindCachedResponse:    s.Cache != nil,
		KindDegradedResponse:  s.Degraded != nil,
		KindAlternateProvider: s.Alternate != nil,
		KindFailFast:          s.FailFast != nil,
	}
	if _, ok := sections[s.Kind]; !ok {
		return &entity.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown fallback handler kind %q", s.Kind)}
	}
	for kind, set := range sections {
		if set && kind != s.Kind {
			return &entity.ValidationError{Field: string(kind), Message: fmt.Sprintf("section not allowed for kind %q", s.Kind)}
		}
	}

	switch s.Kind {
	case KindCachedResponse:
		if s.Cache != nil {
			if s.Cache.Capacity < 1 {
				return &entity.ValidationError{Field: "cache.capacity", Message: "must be at least 1"}
			}
			if s.Cache.TTL < 0 {
				return &entity.ValidationError{Field: "cache.ttl", Message: "must not be negative"}
			}
		}
	case KindAlternateProvider:
		if s.Alternate == nil || s.Alternate.Provider == "" {
			return &entity.ValidationError{Field: "alternate.provider", Message: "is required"}
		}
	}
	return nil
}

// BuildHandlers turns specs into handlers. Without an explicit priority,
// handlers run in list order. providers resolves alternate_provider specs.
func BuildHandlers(specs []HandlerSpec, providers map[string]Func, opts ...HandlerOption) ([]Handler, error) {
	handlers := make([]Handler, 0, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("fallback handler %d: %w", i, err)
		}

		priority := (len(specs) - i) * 10
		if spec.Priority != nil {
			priority = *spec.Priority
		}
		hopts := append([]HandlerOption{WithPriority(priority)}, opts...)
		if spec.Name != "" {
			hopts = append(hopts, WithName(spec.Name))
		}

		switch spec.Kind {
		case KindCachedResponse:
			cache := DefaultCacheSpec()
			if spec.Cache != nil {
				cache = *spec.Cache
			}
			h, err := NewCachedResponseHandler(cache.Capacity, cache.TTL, hopts...)
			if err != nil {
				return nil, fmt.Errorf("fallback handler %d: %w", i, err)
			}
			handlers = append(handlers, h)
		case KindDegradedResponse:
			var value any
			if spec.Degraded != nil {
				value = spec.Degraded.Value
			}
			handlers = append(handlers, NewDegradedResponseHandler(value, hopts...))
		case KindAlternateProvider:
			fn, ok := providers[spec.Alternate.Provider]
			if !ok || fn == nil {
				return nil, fmt.Errorf("fallback handler %d: no provider registered as %q", i, spec.Alternate.Provider)
			}
			handlers = append(handlers, NewAlternateProviderHandler(spec.Alternate.Provider, fn, hopts...))
		case KindFailFast:
			var reason string
			if spec.FailFast != nil {
				reason = spec.FailFast.Reason
			}
			handlers = append(handlers, NewFailFastHandler(reason, hopts...))
		}
	}
	return handlers, nil
}

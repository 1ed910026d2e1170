// Package fallback runs an ordered chain of fallback handlers when a
// protected call fails or is rejected.
package fallback

import (
	"context"
	"fmt"
	"strings"

	"agent-resilience/internal/domain/entity"
	"agent-resilience/pkg/clock"
)

// Kind names a built-in handler type.
type Kind string

const (
	KindCachedResponse    Kind = "cached_response"
	KindDegradedResponse  Kind = "degraded_response"
	KindAlternateProvider Kind = "alternate_provider"
	KindFailFast          Kind = "fail_fast"
)

// Kinds returns every built-in kind.
func Kinds() []Kind {
	return []Kind{KindCachedResponse, KindDegradedResponse, KindAlternateProvider, KindFailFast}
}

// ParseKind accepts the canonical names and their hyphenated forms.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown fallback handler kind %q", s)
}

// Request is what a handler sees: the failure, its classification and where
// it happened.
type Request struct {
	Err            error
	Classification entity.Classification
	Context        entity.ErrorContext

	// Key selects the cached response. Empty means the response last stored
	// for the service and operation.
	Key string
}

// CacheKey identifies a cached response. Explicit keys are kept apart from
// the per-operation default.
type CacheKey struct {
	Service   string
	Operation string
	Key       string
}

// CacheKey returns the key used by cached-response handlers.
func (r Request) CacheKey() CacheKey {
	return cacheKey(r.Context.Service, r.Context.Operation, r.Key)
}

func cacheKey(service, operation, key string) CacheKey {
	if key != "" {
		return CacheKey{Key: key}
	}
	return CacheKey{Service: service, Operation: operation}
}

// Handler is one link of the fallback chain.
type Handler interface {
	Name() string
	Kind() Kind
	Priority() int

	// Applicable reports whether the handler wants to serve req.
	Applicable(req Request) bool

	// Execute produces the fallback result. Returning ErrHandlerDeclined
	// passes the request to the next handler.
	Execute(ctx context.Context, req Request) (any, error)
}

// ResultObserver is implemented by handlers that learn from successful calls.
type ResultObserver interface {
	Observe(service, operation, key string, value any)
}

// Predicate decides applicability.
type Predicate func(Request) bool

type handlerOptions struct {
	name      string
	priority  *int
	predicate Predicate
	clock     clock.Clock
}

// HandlerOption configures a built-in handler.
type HandlerOption func(*handlerOptions)

// WithName overrides the handler name.
func WithName(name string) HandlerOption {
	return func(o *handlerOptions) {
		o.name = name
	}
}

// WithPriority overrides the handler priority. Higher runs first.
func WithPriority(p int) HandlerOption {
	return func(o *handlerOptions) {
		o.priority = &p
	}
}

// WithPredicate replaces the handler's default applicability check.
func WithPredicate(p Predicate) HandlerOption {
	return func(o *handlerOptions) {
		o.predicate = p
	}
}

// WithHandlerClock sets the clock used for cache expiry.
func WithHandlerClock(clk clock.Clock) HandlerOption {
	return func(o *handlerOptions) {
		o.clock = clock.OrSystem(clk)
	}
}

// base holds what every built-in handler shares.
type base struct {
	name      string
	kind      Kind
	priority  int
	predicate Predicate
}

func newBase(kind Kind, defaultPriority int, defaultPredicate Predicate, opts []HandlerOption) (base, handlerOptions) {
	o := handlerOptions{clock: clock.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	b := base{
		name:      string(kind),
		kind:      kind,
		priority:  defaultPriority,
		predicate: defaultPredicate,
	}
	if o.name != "" {
		b.name = o.name
	}
	if o.priority != nil {
		b.priority = *o.priority
	}
	if o.predicate != nil {
		b.predicate = o.predicate
	}
	return b, o
}

func (b base) Name() string  { return b.name }
func (b base) Kind() Kind    { return b.kind }
func (b base) Priority() int { return b.priority }

func (b base) allows(req Request) bool {
	return b.predicate == nil || b.predicate(req)
}

// Always is a predicate that accepts every request.
func Always(Request) bool { return true }

// Never is a predicate that rejects every request.
func Never(Request) bool { return false }

// recoverable excludes failures that must not be papered over.
func recoverable(req Request) bool {
	switch req.Classification.Category {
	case entity.CategorySecurity, entity.CategoryValidation:
		return false
	}
	return true
}

// upstreamFailure matches failures caused by the dependency rather than the request.
func upstreamFailure(req Request) bool {
	switch req.Classification.Category {
	case entity.CategoryTransient, entity.CategoryExternalService, entity.CategoryResourceExhaustion:
		return true
	}
	return false
}

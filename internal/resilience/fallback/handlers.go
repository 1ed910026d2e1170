package fallback

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"agent-resilience/pkg/clock"
)

// Default priorities of the built-in handlers.
const (
	PriorityCachedResponse    = 100
	PriorityAlternateProvider = 75
	PriorityDegradedResponse  = 50
	PriorityFailFast          = 0
)

// Func produces a fallback value.
type Func func(ctx context.Context, req Request) (any, error)

type cachedEntry struct {
	value    any
	storedAt time.Time
}

// CacheStats reports cache usage.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// CachedResponseHandler serves the last successful result for a key.
// Results are fed through Observe; entries older than the TTL are ignored.
// By default it applies when a fresh entry exists and the failure is not a
// security or validation failure.
type CachedResponseHandler struct {
	base
	ttl    time.Duration
	clock  clock.Clock
	cache  *lru.Cache[CacheKey, cachedEntry]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedResponseHandler creates a handler holding up to capacity entries.
// A zero ttl keeps entries until they are evicted.
func NewCachedResponseHandler(capacity int, ttl time.Duration, opts ...HandlerOption) (*CachedResponseHandler, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("cached response capacity must be at least 1, got %d", capacity)
	}
	if ttl < 0 {
		return nil, fmt.Errorf("cached response ttl must not be negative, got %v", ttl)
	}
	cache, err := lru.New[CacheKey, cachedEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}

	b, o := newBase(KindCachedResponse, PriorityCachedResponse, nil, opts)
	h := &CachedResponseHandler{base: b, ttl: ttl, clock: o.clock, cache: cache}
	if h.predicate == nil {
		h.predicate = func(req Request) bool {
			if !recoverable(req) {
				return false
			}
			_, ok := h.lookup(req.CacheKey(), false)
			return ok
		}
	}
	return h, nil
}

// Applicable implements Handler.
func (h *CachedResponseHandler) Applicable(req Request) bool { return h.allows(req) }

// Execute returns the cached value, or ErrHandlerDeclined when there is none.
func (h *CachedResponseHandler) Execute(_ context.Context, req Request) (any, error) {
	entry, ok := h.lookup(req.CacheKey(), true)
	if !ok {
		h.misses.Add(1)
		return nil, ErrHandlerDeclined
	}
	h.hits.Add(1)
	return entry.value, nil
}

// Observe stores a successful result.
func (h *CachedResponseHandler) Observe(service, operation, key string, value any) {
	h.Store(cacheKey(service, operation, key), value)
}

// Store puts value under key.
func (h *CachedResponseHandler) Store(key CacheKey, value any) {
	h.cache.Add(key, cachedEntry{value: value, storedAt: h.clock.Now()})
}

// Stats returns cache usage.
func (h *CachedResponseHandler) Stats() CacheStats {
	return CacheStats{Entries: h.cache.Len(), Hits: h.hits.Load(), Misses: h.misses.Load()}
}

// lookup returns a fresh entry. touch marks it as recently used.
func (h *CachedResponseHandler) lookup(key CacheKey, touch bool) (cachedEntry, bool) {
	var (
		entry cachedEntry
		ok    bool
	)
	if touch {
		entry, ok = h.cache.Get(key)
	} else {
		entry, ok = h.cache.Peek(key)
	}
	if !ok {
		return cachedEntry{}, false
	}
	if h.ttl > 0 && h.clock.Now().Sub(entry.storedAt) >= h.ttl {
		h.cache.Remove(key)
		return cachedEntry{}, false
	}
	return entry, true
}

// DegradedResponseHandler returns a reduced but usable result.
type DegradedResponseHandler struct {
	base
	produce Func
}

// NewDegradedResponseHandler always answers with value.
func NewDegradedResponseHandler(value any, opts ...HandlerOption) *DegradedResponseHandler {
	return NewComputedDegradedHandler(func(context.Context, Request) (any, error) {
		return value, nil
	}, opts...)
}

// NewComputedDegradedHandler builds the degraded result per request.
func NewComputedDegradedHandler(fn Func, opts ...HandlerOption) *DegradedResponseHandler {
	b, _ := newBase(KindDegradedResponse, PriorityDegradedResponse, recoverable, opts)
	return &DegradedResponseHandler{base: b, produce: fn}
}

// Applicable implements Handler.
func (h *DegradedResponseHandler) Applicable(req Request) bool { return h.allows(req) }

// Execute implements Handler.
func (h *DegradedResponseHandler) Execute(ctx context.Context, req Request) (any, error) {
	return h.produce(ctx, req)
}

// AlternateProviderHandler retries the work against another provider.
// By default it applies to transient, external-service and resource
// exhaustion failures.
type AlternateProviderHandler struct {
	base
	provider string
	call     Func
}

// NewAlternateProviderHandler wraps fn, which calls the alternate provider.
func NewAlternateProviderHandler(provider string, fn Func, opts ...HandlerOption) *AlternateProviderHandler {
	opts = append([]HandlerOption{WithName(string(KindAlternateProvider) + ":" + provider)}, opts...)
	b, _ := newBase(KindAlternateProvider, PriorityAlternateProvider, upstreamFailure, opts)
	return &AlternateProviderHandler{base: b, provider: provider, call: fn}
}

// Provider returns the alternate provider name.
func (h *AlternateProviderHandler) Provider() string { return h.provider }

// Applicable implements Handler.
func (h *AlternateProviderHandler) Applicable(req Request) bool { return h.allows(req) }

// Execute implements Handler.
func (h *AlternateProviderHandler) Execute(ctx context.Context, req Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.call(ctx, req)
}

// FailFastHandler stops the chain with a *FailFastError wrapping the
// original failure. It applies to everything unless told otherwise, so it
// belongs at the end of the chain.
type FailFastHandler struct {
	base
	reason string
}

// NewFailFastHandler creates a fail-fast handler.
func NewFailFastHandler(reason string, opts ...HandlerOption) *FailFastHandler {
	b, _ := newBase(KindFailFast, PriorityFailFast, Always, opts)
	return &FailFastHandler{base: b, reason: reason}
}

// Applicable implements Handler.
func (h *FailFastHandler) Applicable(req Request) bool { return h.allows(req) }

// Execute implements Handler.
func (h *FailFastHandler) Execute(_ context.Context, req Request) (any, error) {
	return nil, &FailFastError{Handler: h.name, Reason: h.reason, Err: req.Err}
}

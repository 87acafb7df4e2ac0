// Package transform holds a registry of pure (source_kind, target_kind)
// -> context transforms, with filtering primitives and an
// idempotent-result cache keyed by (source, target, hash(context)).
package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Context is the generic payload transformers operate on: the same
// loosely-typed maps that flow through ExecutionPlan.Context,
// Task.Context, and WorkflowStep results.
type Context map[string]interface{}

// TransformFunc is a pure context-to-context transform.
type TransformFunc func(Context) Context

type pairKey struct {
	source string
	target string
}

// Transformer holds the registry and idempotent-result cache.
type Transformer struct {
	mu    sync.RWMutex
	funcs map[pairKey]TransformFunc

	cacheMu  sync.Mutex
	cache    map[string]Context
	cacheCap int
	order    []string
}

// Option configures a Transformer at construction.
type Option func(*Transformer)

// WithCacheCapacity bounds the idempotent-result cache; the oldest entry
// is evicted once capacity is exceeded. Default 1000.
func WithCacheCapacity(n int) Option {
	return func(t *Transformer) { t.cacheCap = n }
}

// NewTransformer constructs an empty Transformer.
func NewTransformer(opts ...Option) *Transformer {
	t := &Transformer{
		funcs:    make(map[pairKey]TransformFunc),
		cache:    make(map[string]Context),
		cacheCap: 1000,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds (or replaces) the transform for (source, target).
func (t *Transformer) Register(source, target string, fn TransformFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[pairKey{source, target}] = fn
}

// Transform applies the registered (source, target) transform, adding
// _transformation_metadata{source_kind, target_kind, timestamp}. Unknown
// pairs pass ctx through unchanged (metadata is still attached, since the
// pass-through is itself a no-op transform). Results are cached by
// (source, target, hash(ctx)); a cache hit returns the prior result
// without re-invoking fn.
func (t *Transformer) Transform(source, target string, ctx Context, now time.Time) Context {
	key := cacheKey(source, target, ctx)

	t.cacheMu.Lock()
	if cached, ok := t.cache[key]; ok {
		t.cacheMu.Unlock()
		return cloneContext(cached)
	}
	t.cacheMu.Unlock()

	t.mu.RLock()
	fn, ok := t.funcs[pairKey{source, target}]
	t.mu.RUnlock()

	var out Context
	if ok {
		out = fn(cloneContext(ctx))
	} else {
		out = cloneContext(ctx)
	}
	if out == nil {
		out = Context{}
	}
	out["_transformation_metadata"] = map[string]interface{}{
		"source_kind": source,
		"target_kind": target,
		"timestamp":   now,
	}

	t.storeCache(key, out)
	return cloneContext(out)
}

func (t *Transformer) storeCache(key string, out Context) {
	t.cacheMu.Lock()
	defer t.cacheMu.Unlock()
	if _, exists := t.cache[key]; !exists {
		t.order = append(t.order, key)
	}
	t.cache[key] = out
	for len(t.order) > t.cacheCap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.cache, oldest)
	}
}

func cacheKey(source, target string, ctx Context) string {
	body, _ := json.Marshal(ctx)
	sum := sha256.Sum256(body)
	return source + "|" + target + "|" + hex.EncodeToString(sum[:])
}

func cloneContext(ctx Context) Context {
	out := make(Context, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// PreserveKeys returns a copy of ctx containing only the named keys.
func PreserveKeys(ctx Context, keys ...string) Context {
	out := make(Context, len(keys))
	for _, k := range keys {
		if v, ok := ctx[k]; ok {
			out[k] = v
		}
	}
	return out
}

// FilterKeys returns a copy of ctx with the named keys removed.
func FilterKeys(ctx Context, keys ...string) Context {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	out := make(Context, len(ctx))
	for k, v := range ctx {
		if !drop[k] {
			out[k] = v
		}
	}
	return out
}

// MapKey applies fn to ctx[key] and returns the resulting copy.
func MapKey(ctx Context, key string, fn func(interface{}) interface{}) Context {
	out := cloneContext(ctx)
	if v, ok := out[key]; ok {
		out[key] = fn(v)
	}
	return out
}

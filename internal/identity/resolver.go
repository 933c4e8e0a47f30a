package identity

import (
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/model"
)

// CapabilitySource computes capabilities without caching.
type CapabilitySource interface {
	ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error)
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory TTL cache.
type Resolver struct {
	source     CapabilitySource
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	mu         sync.RWMutex
	cache      map[string]cacheEntry
}

// NewResolver creates a Resolver. maxEntries <= 0 means unbounded.
func NewResolver(source CapabilitySource, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		source:     source,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		cache:      make(map[string]cacheEntry),
	}
}

// The roles are part of the key because tokens for the same subject may carry
// different role claims.
func cacheKey(rctx *model.RequestContext) string {
	return rctx.SubjectID + ":" + rctx.Namespace + ":" + strings.Join(rctx.Roles, ",")
}

// Resolve returns the capability set for rctx, cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)
	now := time.Now()

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && now.Before(entry.expires) {
		r.mu.RUnlock()
		r.metrics.RecordDirectoryCache(true)
		return entry.caps, nil
	}
	r.mu.RUnlock()
	r.metrics.RecordDirectoryCache(false)

	caps, err := r.source.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		r.evictLocked(now)
	}
	r.cache[key] = cacheEntry{caps: caps, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// evictLocked drops expired entries, and everything if that frees nothing.
func (r *Resolver) evictLocked(now time.Time) {
	for k, e := range r.cache {
		if !now.Before(e.expires) {
			delete(r.cache, k)
		}
	}
	if len(r.cache) >= r.maxEntries {
		r.cache = make(map[string]cacheEntry)
	}
}

// Invalidate clears every cached entry for subjectID.
func (r *Resolver) Invalidate(subjectID string) {
	prefix := subjectID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}

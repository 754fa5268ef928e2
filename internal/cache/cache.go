// Package cache implements a short-TTL, singleflight-collapsed
// string-keyed value cache: the minimum the record plane needs to
// avoid re-deriving a reply for a worker that resends its batch before
// the next model update lands.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var cacheSingleflightCollapses = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cache_singleflight_collapses_total",
	Help: "Loads that found a concurrent in-flight load for the same key and waited on it instead",
})

// now is the package time source; tests can override this for
// deterministic expiry checks.
var now = time.Now

type entry struct {
	value   any
	expires time.Time
}

// Cache is a plain in-memory string->any store with per-entry TTL and
// singleflight load collapsing. It does not evict on size; callers size
// it for a bounded key space (e.g. one entry per active identity).
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

// Get returns the value stored for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok || now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expires: now().Add(ttl)}
	c.mu.Unlock()
}

// GetOrLoad returns the cached value for key if present and unexpired;
// otherwise it calls loader, collapsing concurrent loads for the same
// key via singleflight, caches the result for ttl, and returns it. The
// second return value is true when the value was already cached on
// entry or came from another caller's in-flight load.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader func(context.Context) (any, error)) (any, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		val, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, val, ttl)
		return val, nil
	})
	if shared {
		cacheSingleflightCollapses.Inc()
	}
	if err != nil {
		return nil, false, err
	}
	return v, shared, nil
}

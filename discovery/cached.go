package discovery

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/arloliu/solo/types"
)

// Invalidation reasons reported to metrics.
const (
	ReasonWatch    = "watch"
	ReasonExplicit = "explicit"
	ReasonTTL      = "ttl"
)

type cacheEntry struct {
	instances []types.ServiceInstance
	cachedAt  time.Time
}

// Cached serves Discover from a per-service cache with a TTL.
//
// The cache stores the unfiltered registry result, so health filtering and
// heartbeat staleness are evaluated at read time. Concurrent misses for the
// same service share one registry read.
type Cached struct {
	source    Source
	opts      options
	selectors *selectors

	entries *xsync.Map[types.ServiceName, cacheEntry]
	// generations is bumped by every invalidation so a load that started
	// before it does not repopulate the cache with pre-invalidation data.
	generations *xsync.Map[types.ServiceName, *atomic.Uint64]
	loads       singleflight.Group
}

// Compile-time assertions that Cached implements Discovery and Invalidator.
var (
	_ Discovery   = (*Cached)(nil)
	_ Invalidator = (*Cached)(nil)
)

// NewCached creates a caching discovery over source.
func NewCached(source Source, opts ...Option) *Cached {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Cached{
		source:      source,
		opts:        o,
		selectors:   newSelectors(o.virtualNodes),
		entries:     xsync.NewMap[types.ServiceName, cacheEntry](),
		generations: xsync.NewMap[types.ServiceName, *atomic.Uint64](),
	}
}

// Discover implements Discovery.
func (c *Cached) Discover(ctx context.Context, service types.ServiceName, onlyHealthy bool) ([]types.ServiceInstance, error) {
	now := c.opts.now()

	if entry, ok := c.entries.Load(service); ok {
		if now.Sub(entry.cachedAt) < c.opts.cacheTTL {
			c.opts.metrics.RecordCacheHit(string(service))
			return filter(entry.instances, onlyHealthy, now, c.opts.staleAfter), nil
		}
		c.entries.Delete(service)
		c.opts.metrics.RecordCacheInvalidation(string(service), ReasonTTL)
	}

	c.opts.metrics.RecordCacheMiss(string(service))

	v, err, _ := c.loads.Do(string(service), func() (any, error) {
		gen := c.generation(service).Load()

		instances, err := c.source.ListInstances(ctx, service)
		if err != nil {
			return nil, err
		}

		// The generation check and the store share the entry's bucket lock
		// with invalidate, so an invalidation cannot slip in between.
		c.entries.Compute(service, func(old cacheEntry, _ bool) (cacheEntry, xsync.ComputeOp) {
			if c.generation(service).Load() != gen {
				return old, xsync.CancelOp
			}

			return cacheEntry{instances: instances, cachedAt: c.opts.now()}, xsync.UpdateOp
		})

		return instances, nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}

	instances, _ := v.([]types.ServiceInstance)

	return filter(instances, onlyHealthy, now, c.opts.staleAfter), nil
}

// Select implements Discovery.
func (c *Cached) Select(ctx context.Context, service types.ServiceName, strategy Strategy, opts ...SelectOption) (*types.ServiceInstance, error) {
	return selectFrom(ctx, c, c.selectors, service, strategy, opts)
}

// Selector implements Discovery.
func (c *Cached) Selector(strategy Strategy) Selector {
	return c.selectors.get(strategy)
}

// Invalidate drops the cached entry for service.
func (c *Cached) Invalidate(service types.ServiceName) {
	c.invalidate(service, ReasonExplicit)
}

// InvalidateAll drops every cached entry.
func (c *Cached) InvalidateAll() {
	c.entries.Range(func(service types.ServiceName, _ cacheEntry) bool {
		c.invalidate(service, ReasonExplicit)
		return true
	})
}

// Len returns the number of cached services.
func (c *Cached) Len() int {
	return c.entries.Size()
}

func (c *Cached) invalidate(service types.ServiceName, reason string) {
	var dropped bool
	c.entries.Compute(service, func(old cacheEntry, loaded bool) (cacheEntry, xsync.ComputeOp) {
		c.generation(service).Add(1)
		dropped = loaded
		if !loaded {
			return old, xsync.CancelOp
		}

		return old, xsync.DeleteOp
	})
	if dropped {
		c.opts.metrics.RecordCacheInvalidation(string(service), reason)
		c.opts.logger.Debug("discovery cache invalidated", "service", service, "reason", reason)
	}
}

func (c *Cached) generation(service types.ServiceName) *atomic.Uint64 {
	if g, ok := c.generations.Load(service); ok {
		return g
	}
	g, _ := c.generations.LoadOrStore(service, &atomic.Uint64{})

	return g
}

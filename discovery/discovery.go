package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/types"
)

// Source lists registered instances. registry.Registry satisfies it.
type Source interface {
	ListInstances(ctx context.Context, service types.ServiceName) ([]types.ServiceInstance, error)
}

// Discovery resolves and selects service instances.
type Discovery interface {
	// Discover returns the instances of service, optionally only healthy ones.
	Discover(ctx context.Context, service types.ServiceName, onlyHealthy bool) ([]types.ServiceInstance, error)

	// Select returns one healthy instance chosen by strategy, or nil when none
	// is available.
	Select(ctx context.Context, service types.ServiceName, strategy Strategy, opts ...SelectOption) (*types.ServiceInstance, error)

	// Selector returns the selector used for strategy.
	Selector(strategy Strategy) Selector
}

// Invalidator drops cached discovery results.
type Invalidator interface {
	Invalidate(service types.ServiceName)
}

type options struct {
	logger       types.Logger
	metrics      types.MetricsCollector
	staleAfter   time.Duration
	cacheTTL     time.Duration
	graceTimeout time.Duration
	backoffBase  time.Duration
	backoffCap   time.Duration
	virtualNodes int
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger:       logging.NewNop(),
		metrics:      metrics.NewNop(),
		cacheTTL:     30 * time.Second,
		graceTimeout: 2 * time.Second,
		backoffBase:  100 * time.Millisecond,
		backoffCap:   5 * time.Second,
		now:          time.Now,
	}
}

// Option configures Basic, Cached and Watchable.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithStaleAfter drops instances whose last heartbeat is older than d from
// healthy results. Zero disables the check.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) {
		o.staleAfter = d
	}
}

// WithCacheTTL sets how long Cached keeps a registry result.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cacheTTL = d
		}
	}
}

// WithStopGraceTimeout sets how long Watchable.Stop waits for the watch loop
// before cancelling it.
func WithStopGraceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.graceTimeout = d
		}
	}
}

// WithResubscribeBackoff sets the delay bounds between watch resubscriptions.
func WithResubscribeBackoff(base, capDur time.Duration) Option {
	return func(o *options) {
		if base > 0 {
			o.backoffBase = base
		}
		if capDur > 0 {
			o.backoffCap = capDur
		}
	}
}

// WithVirtualNodes sets the ring points per instance for ConsistentHash.
func WithVirtualNodes(n int) Option {
	return func(o *options) {
		o.virtualNodes = n
	}
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// SelectOption configures a single Select call.
type SelectOption func(*selectOptions)

type selectOptions struct {
	key string
}

// WithKey sets the routing key used by ConsistentHash.
func WithKey(key string) SelectOption {
	return func(o *selectOptions) {
		o.key = key
	}
}

// IsHealthy reports whether inst may receive traffic at now. staleAfter <= 0
// disables the heartbeat age check.
func IsHealthy(inst *types.ServiceInstance, now time.Time, staleAfter time.Duration) bool {
	if !inst.Status.IsHealthy() {
		return false
	}
	if staleAfter > 0 && now.Sub(inst.LastHeartbeat) > staleAfter {
		return false
	}

	return true
}

// filter returns a fresh slice so callers never alias cached data.
func filter(instances []types.ServiceInstance, onlyHealthy bool, now time.Time, staleAfter time.Duration) []types.ServiceInstance {
	out := make([]types.ServiceInstance, 0, len(instances))
	for i := range instances {
		if onlyHealthy && !IsHealthy(&instances[i], now, staleAfter) {
			continue
		}
		out = append(out, instances[i].Clone())
	}

	return out
}

// Basic queries the source on every call.
type Basic struct {
	source    Source
	opts      options
	selectors *selectors
}

// Compile-time assertion that Basic implements Discovery.
var _ Discovery = (*Basic)(nil)

// NewBasic creates an uncached discovery over source.
func NewBasic(source Source, opts ...Option) *Basic {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Basic{source: source, opts: o, selectors: newSelectors(o.virtualNodes)}
}

// Discover implements Discovery.
func (b *Basic) Discover(ctx context.Context, service types.ServiceName, onlyHealthy bool) ([]types.ServiceInstance, error) {
	all, err := b.source.ListInstances(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}

	return filter(all, onlyHealthy, b.opts.now(), b.opts.staleAfter), nil
}

// Select implements Discovery.
func (b *Basic) Select(ctx context.Context, service types.ServiceName, strategy Strategy, opts ...SelectOption) (*types.ServiceInstance, error) {
	return selectFrom(ctx, b, b.selectors, service, strategy, opts)
}

// Selector implements Discovery.
func (b *Basic) Selector(strategy Strategy) Selector {
	return b.selectors.get(strategy)
}

func selectFrom(ctx context.Context, d Discovery, sel *selectors, service types.ServiceName, strategy Strategy, opts []SelectOption) (*types.ServiceInstance, error) {
	var so selectOptions
	for _, opt := range opts {
		opt(&so)
	}

	instances, err := d.Discover(ctx, service, true)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, nil
	}

	return sel.get(strategy).Select(service, instances, so.key), nil
}

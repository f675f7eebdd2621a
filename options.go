package solo

import (
	"github.com/nats-io/nats.go"

	"github.com/arloliu/solo/discovery"
	"github.com/arloliu/solo/rpc"
)

// Option configures an Instance with optional dependencies.
type Option func(*instanceOptions)

// instanceOptions holds optional Instance configuration.
type instanceOptions struct {
	hooks     *Hooks
	metrics   MetricsCollector
	logger    Logger
	conn      *nats.Conn
	events    *rpc.EventBus
	discovery *discovery.Watchable
}

// WithHooks sets lifecycle event hooks.
//
// Parameters:
//   - hooks: Hooks structure with callback functions
//
// Returns:
//   - Option: Functional option for NewInstance
//
// Example:
//
//	hooks := &solo.Hooks{
//	    OnActiveChanged: func(ctx context.Context, active bool) error {
//	        return toggleConsumers(ctx, active)
//	    },
//	}
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *instanceOptions) {
		o.hooks = hooks
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewInstance
//
// Example:
//
//	collector := solo.NewPrometheusMetrics(prometheus.DefaultRegisterer, "solo")
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *instanceOptions) {
		o.metrics = metrics
	}
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewInstance
//
// Example:
//
//	logger := solo.NewZapLogger(zap.NewExample())
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *instanceOptions) {
		o.logger = logger
	}
}

// WithNATSConn lets Health report the state of the NATS connection the
// stores run on.
func WithNATSConn(conn *nats.Conn) Option {
	return func(o *instanceOptions) {
		o.conn = conn
	}
}

// WithEventBus publishes leadership changes as events on
// events.sticky_active.<event>.
//
// Published event types: activated, deactivated, leader_changed.
func WithEventBus(bus *rpc.EventBus) Option {
	return func(o *instanceOptions) {
		o.events = bus
	}
}

// WithDiscovery ties a watchable discovery to the instance lifecycle. The
// watch starts with Start, stops with Stop and its subscription count is
// reported by Health.
func WithDiscovery(d *discovery.Watchable) Option {
	return func(o *instanceOptions) {
		o.discovery = d
	}
}

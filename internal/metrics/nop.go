package metrics

import "github.com/arloliu/solo/types"

// NopMetrics implements a no-op metrics collector.
//
// All metrics are discarded. Useful for testing or when external
// metrics collection is used.
type NopMetrics struct{}

// Compile-time assertion that NopMetrics implements MetricsCollector.
var _ types.MetricsCollector = (*NopMetrics)(nil)

// NewNop creates a new no-op metrics collector.
//
// Example:
//
//	inst, err := solo.NewInstance(&cfg, conn, solo.WithMetrics(metrics.NewNop()))
func NewNop() *NopMetrics {
	return &NopMetrics{}
}

// ElectionMetrics implementation

// RecordLeadershipChange discards the leadership change metric.
func (n *NopMetrics) RecordLeadershipChange(_, _, _ string) {}

// RecordLeaderLost discards the leader lost metric.
func (n *NopMetrics) RecordLeaderLost(_, _ string) {}

// RecordFailover discards the failover outcome metric.
func (n *NopMetrics) RecordFailover(_, _ string, _ bool, _ float64) {}

// RecordHeartbeat discards the heartbeat metric.
func (n *NopMetrics) RecordHeartbeat(_ string, _ bool) {}

// RecordWatchFailure discards the watch failure metric.
func (n *NopMetrics) RecordWatchFailure(_ string) {}

// RegistryMetrics implementation

// RecordReregistration discards the re-registration metric.
func (n *NopMetrics) RecordReregistration(_ string) {}

// RecordKVOperationDuration discards the KV operation duration metric.
func (n *NopMetrics) RecordKVOperationDuration(_ string, _ float64) {}

// DiscoveryMetrics implementation

// RecordCacheHit discards the cache hit metric.
func (n *NopMetrics) RecordCacheHit(_ string) {}

// RecordCacheMiss discards the cache miss metric.
func (n *NopMetrics) RecordCacheMiss(_ string) {}

// RecordCacheInvalidation discards the cache invalidation metric.
func (n *NopMetrics) RecordCacheInvalidation(_, _ string) {}

// RPCMetrics implementation

// RecordRPCCall discards the RPC call metric.
func (n *NopMetrics) RecordRPCCall(_, _, _ string, _ float64) {}

// RecordNotActiveRetry discards the NOT_ACTIVE retry metric.
func (n *NopMetrics) RecordNotActiveRetry(_, _ string) {}

// ConsumerMetrics implementation

// RecordConsumerMessage discards the consumer message metric.
func (n *NopMetrics) RecordConsumerMessage(_ string, _ bool) {}

// RecordConsumerRetry discards the consumer retry metric.
func (n *NopMetrics) RecordConsumerRetry(_ string, _ float64) {}

package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from internal goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	ElectionMetrics
	RegistryMetrics
	DiscoveryMetrics
	RPCMetrics
	ConsumerMetrics
}

// ElectionMetrics defines metrics for leadership and failover.
type ElectionMetrics interface {
	// RecordLeadershipChange records an observed leader change for a group.
	//
	// Parameters:
	//   - service: Service name
	//   - group: Sticky-active group
	//   - leader: New leader instance ID (empty when the group has no leader)
	RecordLeadershipChange(service, group, leader string)

	// RecordLeaderLost records that this instance discovered it lost leadership
	// during a heartbeat (sticky_active.leader.lost).
	RecordLeaderLost(service, group string)

	// RecordFailover records the outcome of a takeover attempt
	// (sticky_active.failover.won / sticky_active.failover.lost).
	//
	// Parameters:
	//   - service: Service name
	//   - group: Sticky-active group
	//   - won: true if this instance became leader
	//   - duration: Seconds from expiry detection to election result
	RecordFailover(service, group string, won bool, duration float64)

	// RecordHeartbeat records a heartbeat tick.
	//
	// Parameters:
	//   - instanceID: The ID of the instance publishing the heartbeat
	//   - success: true if the store accepted the heartbeat
	RecordHeartbeat(instanceID string, success bool)

	// RecordWatchFailure records a broken or failed leadership/registry watch.
	RecordWatchFailure(component string)
}

// RegistryMetrics defines metrics for the service registry.
type RegistryMetrics interface {
	// RecordReregistration records a heartbeat that found its entry missing
	// and registered the instance again.
	RecordReregistration(service string)

	// RecordKVOperationDuration records KV operation latency.
	//
	// Parameters:
	//   - operation: Operation type ("get", "put", "delete", "keys")
	//   - duration: Time taken in seconds
	RecordKVOperationDuration(operation string, duration float64)
}

// DiscoveryMetrics defines metrics for the discovery cache.
type DiscoveryMetrics interface {
	// RecordCacheHit records a discovery served from cache.
	RecordCacheHit(service string)

	// RecordCacheMiss records a discovery that had to read the registry.
	RecordCacheMiss(service string)

	// RecordCacheInvalidation records a dropped cache entry.
	//
	// Parameters:
	//   - service: Service whose entry was dropped
	//   - reason: "watch", "explicit" or "ttl"
	RecordCacheInvalidation(service, reason string)
}

// RPCMetrics defines metrics for the RPC call path.
type RPCMetrics interface {
	// RecordRPCCall records a completed call.
	//
	// Parameters:
	//   - service: Target service
	//   - method: Method name
	//   - code: Result code ("ok" or the RPC error code)
	//   - duration: Seconds including retries
	RecordRPCCall(service, method, code string, duration float64)

	// RecordNotActiveRetry records a retry after a NOT_ACTIVE response.
	RecordNotActiveRetry(service, method string)
}

// ConsumerMetrics defines metrics for leadership-gated stream consumers.
type ConsumerMetrics interface {
	// RecordConsumerMessage records a processed message.
	//
	// Parameters:
	//   - consumer: Durable consumer name
	//   - acked: true if the message was acknowledged, false if it was NAK'd
	RecordConsumerMessage(consumer string, acked bool)

	// RecordConsumerRetry records a retried consumer control operation.
	//
	// Parameters:
	//   - operation: "create" or "iterate"
	//   - backoff: Seconds waited before the retry
	RecordConsumerRetry(operation string, backoff float64)
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "")

	p.RecordLeaderLost("orders", "default")
	p.RecordLeaderLost("orders", "default")
	p.RecordFailover("orders", "default", true, 0.3)
	p.RecordFailover("orders", "default", false, 0.4)
	p.RecordCacheHit("orders")
	p.RecordCacheMiss("orders")
	p.RecordCacheInvalidation("orders", "watch")
	p.RecordRPCCall("orders", "place", "ok", 0.01)
	p.RecordNotActiveRetry("orders", "place")
	p.RecordReregistration("orders")
	p.RecordHeartbeat("orders-1", true)
	p.RecordWatchFailure("failover")
	p.RecordKVOperationDuration("put", 0.002)
	p.RecordLeadershipChange("orders", "default", "orders-2")
	p.RecordConsumerMessage("orders-work", true)
	p.RecordConsumerMessage("orders-work", false)
	p.RecordConsumerRetry("iterate", 0.1)

	require.InDelta(t, 2, testutil.ToFloat64(p.leaderLost.WithLabelValues("orders", "default")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.failoverWon.WithLabelValues("orders", "default")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.failoverLost.WithLabelValues("orders", "default")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.cacheInvalidations.WithLabelValues("orders", "watch")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.notActiveRetries.WithLabelValues("orders", "place")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.consumerMessages.WithLabelValues("orders-work", "nak")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.consumerRetries.WithLabelValues("iterate")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	require.True(t, names["solo_sticky_active_leader_lost_total"])
	require.True(t, names["solo_sticky_active_failover_won_total"])
	require.True(t, names["solo_discovery_cache_hits_total"])
	require.True(t, names["solo_rpc_calls_total"])
	require.True(t, names["solo_consumer_messages_total"])
}

func TestPrometheusCollector_LazyRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheus(reg, "lazy")

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Empty(t, families)
}

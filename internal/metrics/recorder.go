package metrics

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/solo/types"
)

// Counter names used by Recorder.
const (
	LeaderLost          = "sticky_active.leader.lost"
	FailoverWon         = "sticky_active.failover.won"
	FailoverLost        = "sticky_active.failover.lost"
	LeadershipChange    = "sticky_active.leadership.change"
	HeartbeatOK         = "sticky_active.heartbeat.ok"
	HeartbeatFailed     = "sticky_active.heartbeat.failed"
	WatchFailure        = "watch.failure"
	Reregistration      = "registry.reregistration"
	CacheHit            = "discovery.cache.hit"
	CacheMiss           = "discovery.cache.miss"
	CacheInvalidation   = "discovery.cache.invalidation"
	RPCCall             = "rpc.call"
	RPCNotActiveRetries = "rpc.not_active.retry"
	ConsumerAcked       = "consumer.message.acked"
	ConsumerNaked       = "consumer.message.naked"
	ConsumerRetry       = "consumer.retry"
)

// Recorder is an in-memory MetricsCollector that counts events by name.
// It is used by tests and by the admin endpoint when Prometheus is not wired.
type Recorder struct {
	*NopMetrics

	counters *xsync.Map[string, *atomic.Int64]
}

// Compile-time assertion that Recorder implements MetricsCollector.
var _ types.MetricsCollector = (*Recorder)(nil)

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		NopMetrics: NewNop(),
		counters:   xsync.NewMap[string, *atomic.Int64](),
	}
}

// Count returns the current value of the named counter.
func (r *Recorder) Count(name string) int64 {
	c, ok := r.counters.Load(name)
	if !ok {
		return 0
	}

	return c.Load()
}

// Snapshot returns a copy of all counters.
func (r *Recorder) Snapshot() map[string]int64 {
	out := make(map[string]int64, r.counters.Size())
	r.counters.Range(func(name string, c *atomic.Int64) bool {
		out[name] = c.Load()
		return true
	})

	return out
}

func (r *Recorder) inc(name string) {
	c, _ := r.counters.LoadOrStore(name, &atomic.Int64{})
	c.Add(1)
}

// RecordLeadershipChange counts an observed leader change.
func (r *Recorder) RecordLeadershipChange(_, _, _ string) { r.inc(LeadershipChange) }

// RecordLeaderLost counts a heartbeat-detected leadership loss.
func (r *Recorder) RecordLeaderLost(_, _ string) { r.inc(LeaderLost) }

// RecordFailover counts a takeover outcome.
func (r *Recorder) RecordFailover(_, _ string, won bool, _ float64) {
	if won {
		r.inc(FailoverWon)
		return
	}
	r.inc(FailoverLost)
}

// RecordHeartbeat counts a heartbeat tick.
func (r *Recorder) RecordHeartbeat(_ string, success bool) {
	if success {
		r.inc(HeartbeatOK)
		return
	}
	r.inc(HeartbeatFailed)
}

// RecordWatchFailure counts a watch failure.
func (r *Recorder) RecordWatchFailure(_ string) { r.inc(WatchFailure) }

// RecordReregistration counts a registry self-heal.
func (r *Recorder) RecordReregistration(_ string) { r.inc(Reregistration) }

// RecordCacheHit counts a discovery cache hit.
func (r *Recorder) RecordCacheHit(_ string) { r.inc(CacheHit) }

// RecordCacheMiss counts a discovery cache miss.
func (r *Recorder) RecordCacheMiss(_ string) { r.inc(CacheMiss) }

// RecordCacheInvalidation counts a dropped cache entry.
func (r *Recorder) RecordCacheInvalidation(_, _ string) { r.inc(CacheInvalidation) }

// RecordRPCCall counts a completed RPC call.
func (r *Recorder) RecordRPCCall(_, _, _ string, _ float64) { r.inc(RPCCall) }

// RecordNotActiveRetry counts a NOT_ACTIVE retry.
func (r *Recorder) RecordNotActiveRetry(_, _ string) { r.inc(RPCNotActiveRetries) }

// RecordConsumerMessage counts acked and NAK'd messages separately.
func (r *Recorder) RecordConsumerMessage(_ string, acked bool) {
	if acked {
		r.inc(ConsumerAcked)
		return
	}
	r.inc(ConsumerNaked)
}

// RecordConsumerRetry increments ConsumerRetry.
func (r *Recorder) RecordConsumerRetry(_ string, _ float64) { r.inc(ConsumerRetry) }

package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arloliu/solo/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are registered lazily on first use so that constructing a
// collector which is never exercised does not pollute the registry.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	leadershipChanges *prometheus.CounterVec
	leaderLost        *prometheus.CounterVec
	failoverWon       *prometheus.CounterVec
	failoverLost      *prometheus.CounterVec
	failoverDuration  *prometheus.HistogramVec
	heartbeats        *prometheus.CounterVec
	watchFailures     *prometheus.CounterVec

	reregistrations *prometheus.CounterVec
	kvDuration      *prometheus.HistogramVec

	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
	cacheInvalidations *prometheus.CounterVec

	rpcCalls         *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	notActiveRetries *prometheus.CounterVec

	consumerMessages *prometheus.CounterVec
	consumerRetries  *prometheus.CounterVec
	consumerBackoff  *prometheus.HistogramVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "solo" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "solo"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		f := promauto.With(p.reg)
		groupLabels := []string{"service", "group"}

		p.leadershipChanges = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sticky_active",
			Name:      "leadership_changes_total",
			Help:      "Observed leader changes per sticky-active group.",
		}, groupLabels)
		p.leaderLost = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sticky_active",
			Name:      "leader_lost_total",
			Help:      "Heartbeats that found leadership held by another instance or expired.",
		}, groupLabels)
		p.failoverWon = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sticky_active",
			Name:      "failover_won_total",
			Help:      "Takeover attempts won by this instance.",
		}, groupLabels)
		p.failoverLost = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sticky_active",
			Name:      "failover_lost_total",
			Help:      "Takeover attempts lost by this instance.",
		}, groupLabels)
		p.failoverDuration = f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "sticky_active",
			Name:      "failover_duration_seconds",
			Help:      "Time from leader expiry detection to election result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, append(groupLabels, "result"))
		p.heartbeats = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "sticky_active",
			Name:      "heartbeats_total",
			Help:      "Heartbeat ticks by result.",
		}, []string{"result"})
		p.watchFailures = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      "watch_failures_total",
			Help:      "Broken or failed KV watches by component.",
		}, []string{"component"})

		p.reregistrations = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "reregistrations_total",
			Help:      "Heartbeats that found their registry entry missing and registered again.",
		}, []string{"service"})
		p.kvDuration = f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "registry",
			Name:      "kv_operation_seconds",
			Help:      "Registry KV operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"operation"})

		p.cacheHits = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "discovery",
			Name:      "cache_hits_total",
			Help:      "Discovery lookups served from cache.",
		}, []string{"service"})
		p.cacheMisses = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "discovery",
			Name:      "cache_misses_total",
			Help:      "Discovery lookups that read the registry.",
		}, []string{"service"})
		p.cacheInvalidations = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "discovery",
			Name:      "cache_invalidations_total",
			Help:      "Dropped discovery cache entries by reason.",
		}, []string{"service", "reason"})

		p.rpcCalls = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "rpc",
			Name:      "calls_total",
			Help:      "Completed RPC calls by result code.",
		}, []string{"service", "method", "code"})
		p.rpcDuration = f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "RPC call latency including NOT_ACTIVE retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"service", "method"})
		p.notActiveRetries = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "rpc",
			Name:      "not_active_retries_total",
			Help:      "Retries caused by NOT_ACTIVE responses.",
		}, []string{"service", "method"})

		p.consumerMessages = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Messages processed by the active consumer, by disposition.",
		}, []string{"consumer", "result"})
		p.consumerRetries = f.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "consumer",
			Name:      "retries_total",
			Help:      "Retried consumer control operations.",
		}, []string{"operation"})
		p.consumerBackoff = f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "consumer",
			Name:      "retry_backoff_seconds",
			Help:      "Backoff applied before consumer retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"operation"})
	})
}

// RecordLeadershipChange increments the leadership change counter.
func (p *PrometheusCollector) RecordLeadershipChange(service, group, _ string) {
	p.ensureRegistered()
	p.leadershipChanges.WithLabelValues(service, group).Inc()
}

// RecordLeaderLost increments the leader lost counter.
func (p *PrometheusCollector) RecordLeaderLost(service, group string) {
	p.ensureRegistered()
	p.leaderLost.WithLabelValues(service, group).Inc()
}

// RecordFailover records a takeover outcome and its latency.
func (p *PrometheusCollector) RecordFailover(service, group string, won bool, duration float64) {
	p.ensureRegistered()
	result := "lost"
	if won {
		result = "won"
		p.failoverWon.WithLabelValues(service, group).Inc()
	} else {
		p.failoverLost.WithLabelValues(service, group).Inc()
	}
	p.failoverDuration.WithLabelValues(service, group, result).Observe(duration)
}

// RecordHeartbeat counts heartbeat ticks by result.
func (p *PrometheusCollector) RecordHeartbeat(_ string, success bool) {
	p.ensureRegistered()
	p.heartbeats.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// RecordWatchFailure counts watch failures by component.
func (p *PrometheusCollector) RecordWatchFailure(component string) {
	p.ensureRegistered()
	p.watchFailures.WithLabelValues(component).Inc()
}

// RecordReregistration counts registry self-heals.
func (p *PrometheusCollector) RecordReregistration(service string) {
	p.ensureRegistered()
	p.reregistrations.WithLabelValues(service).Inc()
}

// RecordKVOperationDuration observes KV latency.
func (p *PrometheusCollector) RecordKVOperationDuration(operation string, duration float64) {
	p.ensureRegistered()
	p.kvDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheHit counts a discovery cache hit.
func (p *PrometheusCollector) RecordCacheHit(service string) {
	p.ensureRegistered()
	p.cacheHits.WithLabelValues(service).Inc()
}

// RecordCacheMiss counts a discovery cache miss.
func (p *PrometheusCollector) RecordCacheMiss(service string) {
	p.ensureRegistered()
	p.cacheMisses.WithLabelValues(service).Inc()
}

// RecordCacheInvalidation counts a dropped discovery cache entry.
func (p *PrometheusCollector) RecordCacheInvalidation(service, reason string) {
	p.ensureRegistered()
	p.cacheInvalidations.WithLabelValues(service, reason).Inc()
}

// RecordRPCCall counts a completed call and observes its latency.
func (p *PrometheusCollector) RecordRPCCall(service, method, code string, duration float64) {
	p.ensureRegistered()
	p.rpcCalls.WithLabelValues(service, method, code).Inc()
	p.rpcDuration.WithLabelValues(service, method).Observe(duration)
}

// RecordNotActiveRetry counts a NOT_ACTIVE retry.
func (p *PrometheusCollector) RecordNotActiveRetry(service, method string) {
	p.ensureRegistered()
	p.notActiveRetries.WithLabelValues(service, method).Inc()
}

// RecordConsumerMessage counts a processed message by disposition.
func (p *PrometheusCollector) RecordConsumerMessage(consumer string, acked bool) {
	p.ensureRegistered()
	result := "nak"
	if acked {
		result = "ack"
	}
	p.consumerMessages.WithLabelValues(consumer, result).Inc()
}

// RecordConsumerRetry counts a retry and observes its backoff.
func (p *PrometheusCollector) RecordConsumerRetry(operation string, backoff float64) {
	p.ensureRegistered()
	p.consumerRetries.WithLabelValues(operation).Inc()
	p.consumerBackoff.WithLabelValues(operation).Observe(backoff)
}

package testutil

import (
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// ChurnConfig configures a leader churn run.
type ChurnConfig struct {
	// Instances is the group size kept alive throughout the run.
	Instances int

	// Rounds is how many times the current leader is killed.
	Rounds int

	// Partition cuts the leader off instead of stopping it gracefully.
	Partition bool

	// FailoverTimeout bounds each round (default: 10s).
	FailoverTimeout time.Duration

	// Description is a human-readable description of the run.
	Description string
}

// ChurnMetrics captures failover behaviour during a churn run.
type ChurnMetrics struct {
	Config ChurnConfig

	FailoverLatency []time.Duration
	MaxActive       int
	GoroutineCount  []int
	Errors          []error

	StartTime time.Time
	EndTime   time.Time

	mu sync.Mutex
}

// ChurnGenerator repeatedly removes the leader of a Cluster and measures
// how long the group stays leaderless.
//
// Each round the leader is stopped (or partitioned), a fresh instance joins
// to keep the group size constant, and the time until a new leader appears
// is recorded. Active counts are sampled throughout to catch split brain.
type ChurnGenerator struct {
	t       *testing.T
	cluster *Cluster
	metrics *ChurnMetrics
}

// NewChurnGenerator creates a generator over cluster. The cluster must be
// empty; the generator adds and starts its members.
//
// Example:
//
//	cluster := testutil.NewCluster(t, testutil.NewConfigFromProfile(testutil.MakeFast(), "orders"))
//	gen := testutil.NewChurnGenerator(t, cluster)
//	m := gen.Run(ctx, testutil.ChurnConfig{Instances: 3, Rounds: 5})
//	t.Log(m.Report())
func NewChurnGenerator(t *testing.T, cluster *Cluster) *ChurnGenerator {
	return &ChurnGenerator{t: t, cluster: cluster, metrics: &ChurnMetrics{}}
}

// Run executes the churn scenario and returns the collected metrics.
func (g *ChurnGenerator) Run(ctx context.Context, config ChurnConfig) *ChurnMetrics {
	g.t.Helper()

	if config.FailoverTimeout == 0 {
		config.FailoverTimeout = 10 * time.Second
	}
	if config.Instances < 2 {
		config.Instances = 2
	}

	g.metrics = &ChurnMetrics{Config: config, StartTime: time.Now()}

	g.t.Logf("starting churn run: %s (instances=%d rounds=%d partition=%v)",
		config.Description, config.Instances, config.Rounds, config.Partition)

	for range config.Instances {
		g.cluster.AddInstance()
	}
	g.cluster.StartAll(ctx)
	g.cluster.WaitForLeader(config.FailoverTimeout)

	for round := range config.Rounds {
		if ctx.Err() != nil {
			g.metrics.recordError(ctx.Err())
			break
		}
		g.round(ctx, round, config)
	}

	g.metrics.EndTime = time.Now()

	return g.metrics
}

func (g *ChurnGenerator) round(ctx context.Context, round int, config ChurnConfig) {
	idx, _ := g.cluster.Leader()
	if idx < 0 {
		g.metrics.recordError(fmt.Errorf("round %d: no leader", round))
		return
	}

	sampler := SampleActive(g.cluster.Instances, 10*time.Millisecond)
	start := time.Now()

	if config.Partition {
		g.cluster.Partition(idx)
	} else {
		g.cluster.Stop(idx)
	}

	others := make([]StatusWaiter, 0, len(g.cluster.Instances))
	for i, inst := range g.cluster.Instances {
		if i != idx && !g.cluster.stopped[i] {
			others = append(others, inst)
		}
	}

	_, err := WaitAnyStatus(others, true, config.FailoverTimeout)
	latency := time.Since(start)
	maxActive := sampler.Stop()

	if err != nil {
		g.metrics.recordError(fmt.Errorf("round %d: %w", round, err))
	} else {
		g.metrics.recordFailover(latency, maxActive)
	}

	if config.Partition {
		g.cluster.Discard(idx)
	}

	inst := g.cluster.AddInstance()
	if err := inst.Start(ctx); err != nil {
		g.metrics.recordError(fmt.Errorf("round %d: replacement start: %w", round, err))
	}

	g.metrics.mu.Lock()
	g.metrics.GoroutineCount = append(g.metrics.GoroutineCount, runtime.NumGoroutine())
	g.metrics.mu.Unlock()

	g.t.Logf("round %d: failover in %v (max active %d)", round, latency, maxActive)
}

func (m *ChurnMetrics) recordFailover(latency time.Duration, maxActive int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.FailoverLatency = append(m.FailoverLatency, latency)
	m.MaxActive = max(m.MaxActive, maxActive)
}

func (m *ChurnMetrics) recordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Errors = append(m.Errors, err)
}

// Duration returns the total run duration.
func (m *ChurnMetrics) Duration() time.Duration {
	if m.EndTime.IsZero() {
		return time.Since(m.StartTime)
	}

	return m.EndTime.Sub(m.StartTime)
}

// LatencyPercentile returns the pth percentile failover latency.
//
// Parameters:
//   - p: Percentile (0.0-1.0), e.g., 0.95 for 95th percentile
func (m *ChurnMetrics) LatencyPercentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	return percentile(m.FailoverLatency, p)
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	sorted := slices.Clone(latencies)
	slices.Sort(sorted)

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}

// Report generates a formatted report of the churn metrics.
func (m *ChurnMetrics) Report() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.WriteString("\n=== Churn Report ===\n")
	fmt.Fprintf(&b, "Description: %s\n", m.Config.Description)
	fmt.Fprintf(&b, "Duration: %v\n", m.Duration())
	fmt.Fprintf(&b, "Instances: %d, Rounds: %d, Partition: %v\n",
		m.Config.Instances, m.Config.Rounds, m.Config.Partition)
	fmt.Fprintf(&b, "Failovers: %d\n", len(m.FailoverLatency))
	if len(m.FailoverLatency) > 0 {
		fmt.Fprintf(&b, "  P50: %v\n", percentile(m.FailoverLatency, 0.50))
		fmt.Fprintf(&b, "  P95: %v\n", percentile(m.FailoverLatency, 0.95))
		fmt.Fprintf(&b, "  Max: %v\n", slices.Max(m.FailoverLatency))
	}
	fmt.Fprintf(&b, "Max simultaneous ACTIVE: %d\n", m.MaxActive)
	if len(m.GoroutineCount) > 0 {
		fmt.Fprintf(&b, "Peak goroutines: %d\n", slices.Max(m.GoroutineCount))
	}
	fmt.Fprintf(&b, "Errors: %d\n", len(m.Errors))
	for _, err := range m.Errors {
		fmt.Fprintf(&b, "  - %v\n", err)
	}

	return b.String()
}

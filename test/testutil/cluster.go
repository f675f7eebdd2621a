package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo"
	"github.com/arloliu/solo/kvstore/memkv"
	"github.com/arloliu/solo/registry"
	solotest "github.com/arloliu/solo/testing"
	"github.com/arloliu/solo/types"
)

// StartEmbeddedNATS starts an embedded NATS server for integration tests.
// It wraps the solo/testing package function for convenience.
func StartEmbeddedNATS(t *testing.T) (*nats.Conn, func()) {
	t.Helper()
	srv, nc := solotest.StartEmbeddedNATS(t)
	cleanup := func() {
		nc.Close()
		srv.Shutdown()
		srv.WaitForShutdown()
	}

	return nc, cleanup
}

// ActivityTracker records the ACTIVE/STANDBY transitions of one instance.
type ActivityTracker struct {
	Index int

	mu          sync.Mutex
	transitions []bool
	leaders     []types.InstanceID
	t           testing.TB
}

// NewActivityTracker creates a tracker for the instance at index.
func NewActivityTracker(t testing.TB, index int) *ActivityTracker {
	return &ActivityTracker{Index: index, t: t}
}

// Hooks returns hooks that feed the tracker.
func (at *ActivityTracker) Hooks() *solo.Hooks {
	return &solo.Hooks{
		OnActiveChanged: func(_ context.Context, active bool) error {
			at.t.Logf("instance %d: active=%v", at.Index, active)
			at.mu.Lock()
			at.transitions = append(at.transitions, active)
			at.mu.Unlock()

			return nil
		},
		OnLeaderChanged: func(_ context.Context, leader types.InstanceID) error {
			at.mu.Lock()
			at.leaders = append(at.leaders, leader)
			at.mu.Unlock()

			return nil
		},
	}
}

// Transitions returns the recorded activity changes in order.
func (at *ActivityTracker) Transitions() []bool {
	at.mu.Lock()
	defer at.mu.Unlock()

	return slices.Clone(at.transitions)
}

// Leaders returns the observed leader changes in order.
func (at *ActivityTracker) Leaders() []types.InstanceID {
	at.mu.Lock()
	defer at.mu.Unlock()

	return slices.Clone(at.leaders)
}

// Became reports whether the instance ever switched to the given status.
func (at *ActivityTracker) Became(active bool) bool {
	return slices.Contains(at.Transitions(), active)
}

// Cluster manages a sticky-active group of instances for testing.
//
// Every instance reaches the shared store through its own ChaosStore set so
// tests can partition one member at a time.
type Cluster struct {
	T      *testing.T
	Config solo.Config
	Stores solo.Stores
	NC     *nats.Conn

	Instances []*solo.Instance
	Trackers  []*ActivityTracker

	chaos   [][]*ChaosStore
	stopped map[int]bool
}

// NewCluster creates a cluster over one shared in-memory store. The store is
// closed when the test ends.
func NewCluster(t *testing.T, cfg solo.Config) *Cluster {
	t.Helper()

	store := memkv.New(memkv.WithSweepInterval(10 * time.Millisecond))
	t.Cleanup(store.Close)

	return newCluster(t, cfg, solo.SingleStore(store), nil)
}

// NewNATSCluster creates a cluster over JetStream KV buckets on nc. Events are
// published on nc as well.
func NewNATSCluster(t *testing.T, nc *nats.Conn, cfg solo.Config) *Cluster {
	t.Helper()

	stores, err := solo.OpenNATSStores(t.Context(), nc, &cfg)
	require.NoError(t, err, "failed to open NATS stores")

	return newCluster(t, cfg, stores, nc)
}

func newCluster(t *testing.T, cfg solo.Config, stores solo.Stores, nc *nats.Conn) *Cluster {
	solo.SetDefaults(&cfg)

	c := &Cluster{
		T:       t,
		Config:  cfg,
		Stores:  stores,
		NC:      nc,
		stopped: make(map[int]bool),
	}
	t.Cleanup(c.StopAll)

	return c
}

// AddInstance creates (but does not start) a new member with a tracker.
//
// Hooks passed in opts replace the tracker hooks; the tracker then records
// nothing. Use AddInstanceWrapped to chain hooks instead.
//
// Returns:
//   - *solo.Instance: The created instance, ID "<service>-<index>"
func (c *Cluster) AddInstance(opts ...solo.Option) *solo.Instance {
	c.T.Helper()

	return c.AddInstanceWrapped(nil, opts...)
}

// AddInstanceWrapped is AddInstance with wrap applied to the activity
// tracker's hooks, e.g. an ActiveConsumer's Hooks method.
func (c *Cluster) AddInstanceWrapped(wrap func(*solo.Hooks) *solo.Hooks, opts ...solo.Option) *solo.Instance {
	c.T.Helper()

	idx := len(c.Instances)
	tracker := NewActivityTracker(c.T, idx)

	cfg := c.Config
	cfg.InstanceID = fmt.Sprintf("%s-%d", cfg.ServiceName, idx)

	chaos := []*ChaosStore{
		NewChaosStore(c.Stores.Election),
		NewChaosStore(c.Stores.Registry),
	}
	stores := solo.Stores{Election: chaos[0], Registry: chaos[1]}

	hooks := tracker.Hooks()
	if wrap != nil {
		hooks = wrap(hooks)
	}

	instOpts := []solo.Option{solo.WithHooks(hooks)}
	if c.NC != nil {
		instOpts = append(instOpts, solo.WithNATSConn(c.NC))
	}
	instOpts = append(instOpts, opts...)

	inst, err := solo.NewInstance(&cfg, stores, instOpts...)
	require.NoError(c.T, err, "failed to create instance %d", idx)

	c.Instances = append(c.Instances, inst)
	c.Trackers = append(c.Trackers, tracker)
	c.chaos = append(c.chaos, chaos)

	return inst
}

// StartAll starts every instance in order, so instance 0 wins the first
// election on a clean store.
func (c *Cluster) StartAll(ctx context.Context) {
	c.T.Helper()

	for i, inst := range c.Instances {
		require.NoError(c.T, inst.Start(ctx), "instance %d failed to start", i)
	}
}

// Stop gracefully stops the instance at index.
func (c *Cluster) Stop(index int) {
	c.T.Helper()
	require.Less(c.T, index, len(c.Instances), "invalid instance index")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(c.T, c.Instances[index].Stop(ctx), "failed to stop instance %d", index)
	c.stopped[index] = true
	c.T.Logf("stopped instance %d (%s)", index, c.Instances[index].InstanceID())
}

// StopAll stops every running instance. Errors are logged, not fatal, since
// partitioned members cannot release cleanly.
func (c *Cluster) StopAll() {
	for i := range c.Instances {
		c.Discard(i)
	}
}

// Discard stops the instance at index and only logs stop errors.
func (c *Cluster) Discard(index int) {
	if c.stopped[index] {
		return
	}
	c.stopped[index] = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Instances[index].Stop(ctx); err != nil {
		c.T.Logf("instance %d stop error (non-fatal): %v", index, err)
	}
}

// Partition cuts the instance at index off from the store.
func (c *Cluster) Partition(index int) {
	for _, cs := range c.chaos[index] {
		cs.Partition()
	}
	c.T.Logf("partitioned instance %d (%s)", index, c.Instances[index].InstanceID())
}

// Heal reconnects a partitioned instance.
func (c *Cluster) Heal(index int) {
	for _, cs := range c.chaos[index] {
		cs.Heal()
	}
	c.T.Logf("healed instance %d (%s)", index, c.Instances[index].InstanceID())
}

// Running returns the instances that were not stopped.
func (c *Cluster) Running() []*solo.Instance {
	running := make([]*solo.Instance, 0, len(c.Instances))
	for i, inst := range c.Instances {
		if !c.stopped[i] {
			running = append(running, inst)
		}
	}

	return running
}

// Waiters returns the running instances as StatusWaiters.
func (c *Cluster) Waiters() []StatusWaiter {
	running := c.Running()
	waiters := make([]StatusWaiter, len(running))
	for i, inst := range running {
		waiters[i] = inst
	}

	return waiters
}

// Leader returns the index of the ACTIVE instance, or -1.
func (c *Cluster) Leader() (int, *solo.Instance) {
	for i, inst := range c.Instances {
		if !c.stopped[i] && inst.IsActive() {
			return i, inst
		}
	}

	return -1, nil
}

// WaitForLeader waits until exactly one running instance is ACTIVE and
// returns its index.
func (c *Cluster) WaitForLeader(timeout time.Duration) int {
	c.T.Helper()

	require.Eventually(c.T, func() bool {
		return CountActive(c.Running()) == 1
	}, timeout, 20*time.Millisecond, "cluster did not settle on one leader")

	idx, _ := c.Leader()

	return idx
}

// Records lists the registry records of the cluster's service, bypassing
// any partition.
func (c *Cluster) Records(ctx context.Context) []types.ServiceInstance {
	c.T.Helper()

	reg := registry.New(c.Stores.Registry, registry.WithPrefix(c.Config.RegistryPrefix))
	records, err := reg.ListInstances(ctx, types.ServiceName(c.Config.ServiceName))
	require.NoError(c.T, err)

	return records
}

package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/types"
)

func activeRecords(records []types.ServiceInstance) []types.InstanceID {
	var ids []types.InstanceID
	for _, rec := range records {
		if rec.IsStickyActive() {
			ids = append(ids, rec.InstanceID)
		}
	}

	return ids
}

func TestCluster_FailoverOnStop(t *testing.T) {
	cluster := NewCluster(t, NewConfigFromProfile(MakeFast(), "orders"))
	for range 3 {
		cluster.AddInstance()
	}
	cluster.StartAll(t.Context())

	require.Equal(t, 0, AssertExactlyOneActive(t, cluster.Instances))

	sampler := SampleActive(cluster.Instances, 10*time.Millisecond)
	cluster.Stop(0)

	idx, err := WaitAnyStatus(cluster.Waiters(), true, 3*time.Second)
	require.NoError(t, err)
	require.LessOrEqual(t, sampler.Stop(), 1)

	newLeader := cluster.Running()[idx]
	AssertExactlyOneActive(t, cluster.Running())

	require.Eventually(t, func() bool {
		ids := activeRecords(cluster.Records(t.Context()))
		return len(ids) == 1 && ids[0] == newLeader.InstanceID()
	}, 3*time.Second, 50*time.Millisecond)
	AssertRegistryAgrees(t, cluster.Records(t.Context()), newLeader.InstanceID())

	require.Equal(t, []bool{true, false}, cluster.Trackers[0].Transitions())
}

func TestCluster_PartitionedLeaderStepsDown(t *testing.T) {
	cluster := NewCluster(t, NewConfigFromProfile(MakeSplitBrainFast(), "orders"))
	for range 3 {
		cluster.AddInstance()
	}
	cluster.StartAll(t.Context())
	require.Equal(t, 0, cluster.WaitForLeader(2*time.Second))

	sampler := SampleActive(cluster.Instances, 5*time.Millisecond)
	cluster.Partition(0)

	// The cut-off leader demotes on its own before its lease runs out.
	require.NoError(t, <-cluster.Instances[0].WaitStatus(false, 2*time.Second))

	others := []StatusWaiter{cluster.Instances[1], cluster.Instances[2]}
	_, err := WaitAnyStatus(others, true, 5*time.Second)
	require.NoError(t, err)
	require.LessOrEqual(t, sampler.Stop(), 1, "partitioned leader overlapped with its successor")

	cluster.Heal(0)

	leader := cluster.WaitForLeader(5 * time.Second)
	require.NotEqual(t, 0, leader)

	// Sticky: the healed former leader stays standby.
	time.Sleep(500 * time.Millisecond)
	require.False(t, cluster.Instances[0].IsActive())
	require.Equal(t, leader, AssertExactlyOneActive(t, cluster.Instances))
	require.True(t, cluster.Trackers[0].Became(false))
}

func TestCluster_NATSFailover(t *testing.T) {
	nc, cleanup := StartEmbeddedNATS(t)
	defer cleanup()

	cluster := NewNATSCluster(t, nc, NewConfigFromProfile(MakeFast(), "billing"))
	cluster.AddInstance()
	cluster.AddInstance()
	cluster.StartAll(t.Context())

	require.Equal(t, 0, AssertExactlyOneActive(t, cluster.Instances))
	require.NoError(t, WaitAllStatus(t.Context(), []StatusWaiter{cluster.Instances[1]}, false, time.Second))

	cluster.Stop(0)

	require.NoError(t, <-cluster.Instances[1].WaitStatus(true, 5*time.Second))
	require.Eventually(t, func() bool {
		leaders := cluster.Trackers[1].Leaders()
		return len(leaders) > 0 && leaders[len(leaders)-1] == cluster.Instances[1].InstanceID()
	}, 2*time.Second, 20*time.Millisecond)
}

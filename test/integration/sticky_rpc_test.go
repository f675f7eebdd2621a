package integration_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/discovery"
	"github.com/arloliu/solo/policy"
	"github.com/arloliu/solo/registry"
	"github.com/arloliu/solo/rpc"
	"github.com/arloliu/solo/test/testutil"
	solotest "github.com/arloliu/solo/testing"
)

// TestStickyRPC_FollowsLeader verifies a discovery-backed client keeps
// reaching the active instance across a failover.
func TestStickyRPC_FollowsLeader(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	t.Parallel()

	nc, cleanup := testutil.StartEmbeddedNATS(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	cluster := testutil.NewNATSCluster(t, nc, testutil.NewConfigFromProfile(testutil.MakeFast(), "orders"))
	for range 2 {
		inst := cluster.AddInstance()

		srv, err := rpc.NewServer(nc, "orders", inst.InstanceID(),
			rpc.WithServerLogger(solotest.NewTestLogger(t)))
		require.NoError(t, err)
		t.Cleanup(func() { _ = srv.Close() })

		id := inst.InstanceID()
		require.NoError(t, srv.RegisterStickyActive("place", func(context.Context, json.RawMessage) (any, error) {
			return string(id), nil
		}, inst))
	}
	cluster.StartAll(ctx)
	cluster.WaitForLeader(5 * time.Second)

	reg := registry.New(cluster.Stores.Registry, registry.WithPrefix(cluster.Config.RegistryPrefix))
	disc := discovery.NewWatchable(reg, cluster.Stores.Registry,
		discovery.WithCacheTTL(5*time.Second),
		discovery.WithLogger(solotest.NewTestLogger(t)),
	)
	require.NoError(t, disc.Start(ctx))
	t.Cleanup(func() { _ = disc.Stop(context.Background()) })

	client, err := rpc.NewClient(nc,
		rpc.WithDiscovery(disc),
		rpc.WithStrategy(discovery.PreferActive),
		rpc.WithRetryPolicy(policy.RetryPolicy{
			MaxRetries:        20,
			InitialDelay:      50 * time.Millisecond,
			BackoffMultiplier: 1.5,
			MaxDelay:          500 * time.Millisecond,
			JitterFactor:      0.1,
		}),
		rpc.WithDefaultTimeout(time.Second),
	)
	require.NoError(t, err)

	var served string
	require.NoError(t, client.CallInto(ctx, "orders", "place", nil, &served))
	require.Equal(t, string(cluster.Instances[0].InstanceID()), served)

	// The old leader's RPC server stays up and answers NOT_ACTIVE, so the
	// client must retry until it reaches the new leader.
	cluster.Stop(0)
	require.NoError(t, <-cluster.Instances[1].WaitStatus(true, 5*time.Second))

	require.NoError(t, client.CallInto(ctx, "orders", "place", nil, &served))
	require.Equal(t, string(cluster.Instances[1].InstanceID()), served)
}

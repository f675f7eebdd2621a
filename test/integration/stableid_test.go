package integration_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo"
	"github.com/arloliu/solo/test/testutil"
)

// TestStableID_ClaimAndReuse verifies instances without a configured ID claim
// distinct IDs from the pool and that a released ID is handed out again.
func TestStableID_ClaimAndReuse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	t.Parallel()

	nc, cleanup := testutil.StartEmbeddedNATS(t)
	defer cleanup()

	cfg := testutil.NewConfigFromProfile(testutil.MakeFast(), "orders")
	stores, err := solo.OpenNATSStores(t.Context(), nc, &cfg)
	require.NoError(t, err)

	start := func() *solo.Instance {
		c := cfg
		inst, err := solo.NewInstance(&c, stores)
		require.NoError(t, err)
		require.NoError(t, inst.Start(t.Context()))
		t.Cleanup(func() { _ = inst.Stop(context.Background()) })

		return inst
	}

	first := start()
	second := start()
	require.Equal(t, solo.InstanceID("orders-0"), first.InstanceID())
	require.Equal(t, solo.InstanceID("orders-1"), second.InstanceID())

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, first.Stop(ctx))

	third := start()
	require.Equal(t, solo.InstanceID("orders-0"), third.InstanceID())

	// The released lease goes to whichever campaigns first: second's
	// jittered takeover or third's startup election.
	require.Eventually(t, func() bool {
		return second.IsActive() != third.IsActive()
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, second.IsActive() && third.IsActive())
}

package discovery

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/types"
)

func candidates(n int) []types.ServiceInstance {
	out := make([]types.ServiceInstance, n)
	for i := range out {
		out[i] = instance(types.InstanceID(fmt.Sprintf("orders-%d", i)), types.StatusStandby, time.Now())
	}

	return out
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{RoundRobin, Random, ConsistentHash, PreferActive} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}

	got, err := ParseStrategy("")
	require.NoError(t, err)
	require.Equal(t, RoundRobin, got)

	_, err = ParseStrategy("least_loaded")
	require.Error(t, err)
}

func TestRoundRobinSelector(t *testing.T) {
	sel := newSelectors(0).get(RoundRobin)
	insts := candidates(3)

	var got []types.InstanceID
	for range 6 {
		got = append(got, sel.Select("orders", insts, "").InstanceID)
	}
	require.Equal(t, []types.InstanceID{"orders-0", "orders-1", "orders-2", "orders-0", "orders-1", "orders-2"}, got)

	// Counters are per service.
	require.Equal(t, types.InstanceID("orders-0"), sel.Select("payments", insts, "").InstanceID)
}

func TestRandomSelector(t *testing.T) {
	sel := newSelectors(0).get(Random)
	insts := candidates(4)

	seen := make(map[types.InstanceID]bool)
	for range 200 {
		seen[sel.Select("orders", insts, "").InstanceID] = true
	}
	require.Len(t, seen, 4)
	require.Nil(t, sel.Select("orders", nil, ""))
}

func TestConsistentHashSelector(t *testing.T) {
	sel := newSelectors(64).get(ConsistentHash)
	insts := candidates(5)

	for i := range 50 {
		key := fmt.Sprintf("customer-%d", i)
		first := sel.Select("orders", insts, key).InstanceID
		require.Equal(t, first, sel.Select("orders", insts, key).InstanceID)
	}

	// Removing one instance only moves the keys it owned.
	smaller := append([]types.ServiceInstance{}, insts[:4]...)
	for i := range 200 {
		key := fmt.Sprintf("customer-%d", i)
		before := sel.Select("orders", insts, key).InstanceID
		after := sel.Select("orders", smaller, key).InstanceID
		if before != "orders-4" {
			require.Equal(t, before, after, key)
		}
	}
}

func TestPreferActiveSelector(t *testing.T) {
	sel := newSelectors(0).get(PreferActive)

	insts := candidates(3)
	insts[2].StickyActiveGroup = "default"
	insts[2].StickyActiveStatus = types.StickyActive
	insts[2].Status = types.StatusActive

	for range 5 {
		require.Equal(t, types.InstanceID("orders-2"), sel.Select("orders", insts, "").InstanceID)
	}

	t.Run("falls back to ACTIVE status", func(t *testing.T) {
		insts := candidates(3)
		insts[1].Status = types.StatusActive
		require.Equal(t, types.InstanceID("orders-1"), sel.Select("payments", insts, "").InstanceID)
	})

	t.Run("falls back to round robin", func(t *testing.T) {
		insts := candidates(2)
		a := sel.Select("inventory", insts, "").InstanceID
		b := sel.Select("inventory", insts, "").InstanceID
		require.NotEqual(t, a, b)
	})
}

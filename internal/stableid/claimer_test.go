package stableid

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/kvstore/memkv"
	"github.com/arloliu/solo/kvstore/natskv"
	solotest "github.com/arloliu/solo/testing"
	"github.com/arloliu/solo/types"
)

func newStore(t *testing.T) *memkv.Store {
	t.Helper()

	s := memkv.New(memkv.WithSweepInterval(5 * time.Millisecond))
	t.Cleanup(s.Close)

	return s
}

func TestClaimer_WithoutClaim(t *testing.T) {
	t.Parallel()

	c := NewClaimer(newStore(t), "orders", 0, 9, time.Second, nil)
	require.ErrorIs(t, c.StartRenewal(t.Context()), ErrNotClaimed)
	require.ErrorIs(t, c.Release(t.Context()), ErrNotClaimed)
	require.Empty(t, c.InstanceID())
}

func TestClaimer_Claim(t *testing.T) {
	t.Parallel()

	t.Run("claims lowest free IDs in order", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		c1 := NewClaimer(store, "orders", 0, 9, 30*time.Second, solotest.NewTestLogger(t))
		c2 := NewClaimer(store, "orders", 0, 9, 30*time.Second, nil)

		id1, err := c1.Claim(ctx)
		require.NoError(t, err)
		require.Equal(t, types.InstanceID("orders-0"), id1)

		id2, err := c2.Claim(ctx)
		require.NoError(t, err)
		require.Equal(t, types.InstanceID("orders-1"), id2)

		_, err = store.Get(ctx, "stable-ids.orders-0")
		require.NoError(t, err)
	})

	t.Run("claim is idempotent", func(t *testing.T) {
		t.Parallel()
		c := NewClaimer(newStore(t), "orders", 0, 9, 30*time.Second, nil)

		id1, err := c.Claim(t.Context())
		require.NoError(t, err)
		id2, err := c.Claim(t.Context())
		require.NoError(t, err)
		require.Equal(t, id1, id2)
	})

	t.Run("pool exhausted", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)

		_, err := NewClaimer(store, "orders", 0, 1, 30*time.Second, nil).Claim(t.Context())
		require.NoError(t, err)
		_, err = NewClaimer(store, "orders", 0, 1, 30*time.Second, nil).Claim(t.Context())
		require.NoError(t, err)

		_, err = NewClaimer(store, "orders", 0, 1, 30*time.Second, nil).Claim(t.Context())
		require.ErrorIs(t, err, ErrNoAvailableID)
	})

	t.Run("store error is propagated", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		boom := errors.New("boom")
		store.SetFailure(boom)

		_, err := NewClaimer(store, "orders", 0, 9, time.Second, nil).Claim(t.Context())
		require.ErrorIs(t, err, boom)
	})

	t.Run("canceled context", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := NewClaimer(newStore(t), "orders", 0, 9, time.Second, nil).Claim(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestClaimer_Release(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newStore(t)

	c := NewClaimer(store, "orders", 0, 0, 500*time.Millisecond, nil)
	id, err := c.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, c.StartRenewal(ctx))

	require.NoError(t, c.Release(ctx))
	require.ErrorIs(t, c.Release(ctx), ErrNotClaimed)

	// The released ID is immediately reusable.
	id2, err := NewClaimer(store, "orders", 0, 0, 500*time.Millisecond, nil).Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, id, id2)
}

func TestClaimer_Close(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	store := newStore(t)

	c := NewClaimer(store, "orders", 0, 0, 30*time.Second, nil)
	_, err := c.Claim(ctx)
	require.NoError(t, err)

	c.Close()
	require.ErrorIs(t, c.StartRenewal(ctx), ErrAlreadyClosed)
	require.Equal(t, types.InstanceID("orders-0"), c.InstanceID(), "Close keeps the claim")

	_, err = store.Get(ctx, "stable-ids.orders-0")
	require.NoError(t, err)
}

func TestClaimer_TTL(t *testing.T) {
	t.Parallel()

	t.Run("renewal keeps the claim alive", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		c := NewClaimer(store, "orders", 0, 0, 150*time.Millisecond, nil)
		_, err := c.Claim(ctx)
		require.NoError(t, err)
		require.NoError(t, c.StartRenewal(ctx))
		t.Cleanup(c.Close)

		time.Sleep(400 * time.Millisecond)

		_, err = NewClaimer(store, "orders", 0, 0, 150*time.Millisecond, nil).Claim(ctx)
		require.ErrorIs(t, err, ErrNoAvailableID)
	})

	t.Run("crashed holder's ID is reclaimed after expiry", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		_, err := NewClaimer(store, "orders", 0, 0, 100*time.Millisecond, nil).Claim(ctx)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			id, err := NewClaimer(store, "orders", 0, 0, 100*time.Millisecond, nil).Claim(ctx)
			return err == nil && id == "orders-0"
		}, 2*time.Second, 20*time.Millisecond)
	})

	t.Run("renewal stops after the ID was taken over", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		store := newStore(t)

		c := NewClaimer(store, "orders", 0, 0, 300*time.Millisecond, solotest.NewTestLogger(t))
		_, err := c.Claim(ctx)
		require.NoError(t, err)

		// Simulate expiry followed by another instance claiming the ID.
		store.Expire("stable-ids.orders-0")
		other := NewClaimer(store, "orders", 0, 0, 30*time.Second, nil)
		_, err = other.Claim(ctx)
		require.NoError(t, err)

		err = c.renew(ctx)
		require.ErrorIs(t, err, types.ErrConflict)

		entry, err := store.Get(ctx, "stable-ids.orders-0")
		require.NoError(t, err)
		require.NotZero(t, entry.Revision)
	})
}

func TestClaimer_NATS(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	_, nc := solotest.StartEmbeddedNATS(t)
	store := natskv.New(solotest.CreateJetStreamKV(t, nc, "test-stable-ids", time.Second))

	c1 := NewClaimer(store, "orders", 0, 9, time.Second, nil)
	id1, err := c1.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, types.InstanceID("orders-0"), id1)
	require.NoError(t, c1.StartRenewal(ctx))

	c2 := NewClaimer(store, "orders", 0, 9, time.Second, nil)
	id2, err := c2.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, types.InstanceID("orders-1"), id2)

	require.NoError(t, c1.Release(ctx))

	c3 := NewClaimer(store, "orders", 0, 9, time.Second, nil)
	id3, err := c3.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, types.InstanceID("orders-0"), id3, "released ID is reused")

	// c2 never renews; its claim expires with the bucket TTL.
	require.Eventually(t, func() bool {
		id, err := NewClaimer(store, "orders", 1, 1, time.Second, nil).Claim(ctx)
		return err == nil && id == "orders-1"
	}, 5*time.Second, 100*time.Millisecond)
}

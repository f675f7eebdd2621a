package memkv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arloliu/solo/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(opts...)
	t.Cleanup(s.Close)

	return s
}

func TestStore_ConditionalPut(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)

	rev, err := s.Put(ctx, "a.b", []byte("v1"), types.PutOptions{CreateOnly: true})
	require.NoError(t, err)
	require.NotZero(t, rev)

	t.Run("create only conflicts", func(t *testing.T) {
		_, err := s.Put(ctx, "a.b", []byte("v2"), types.PutOptions{CreateOnly: true})
		var ce *types.ConflictError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, types.ConflictKeyExists, ce.Reason)
	})

	t.Run("update only on missing key conflicts", func(t *testing.T) {
		_, err := s.Put(ctx, "a.missing", []byte("v"), types.PutOptions{UpdateOnly: true})
		require.ErrorIs(t, err, types.ErrConflict)
	})

	t.Run("revision mismatch conflicts", func(t *testing.T) {
		_, err := s.Put(ctx, "a.b", []byte("v2"), types.PutOptions{Revision: rev + 100})
		var ce *types.ConflictError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, types.ConflictRevisionMismatch, ce.Reason)
	})

	t.Run("revision match succeeds", func(t *testing.T) {
		rev2, err := s.Put(ctx, "a.b", []byte("v2"), types.PutOptions{Revision: rev})
		require.NoError(t, err)
		require.Greater(t, rev2, rev)

		e, err := s.Get(ctx, "a.b")
		require.NoError(t, err)
		require.Equal(t, "v2", string(e.Value))
		require.Equal(t, rev2, e.Revision)
	})
}

func TestStore_TTL(t *testing.T) {
	ctx := t.Context()
	s := newStore(t, WithSweepInterval(5*time.Millisecond))

	_, err := s.Put(ctx, "k", []byte("v"), types.PutOptions{TTL: 50 * time.Millisecond})
	require.NoError(t, err)

	w, err := s.Watch(ctx, "k")
	require.NoError(t, err)
	defer w.Stop()

	select {
	case ev := <-w.Updates():
		require.Equal(t, types.KVOpPurge, ev.Operation)
		require.Equal(t, "k", ev.Key)
	case <-time.After(time.Second):
		t.Fatal("expected purge event on expiry")
	}

	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, types.ErrKeyNotFound)

	_, err = s.Put(ctx, "k", []byte("again"), types.PutOptions{CreateOnly: true})
	require.NoError(t, err, "expired key must be creatable again")
}

func TestStore_DefaultTTL(t *testing.T) {
	s := newStore(t, WithDefaultTTL(30*time.Millisecond))
	_, err := s.Put(t.Context(), "k", []byte("v"), types.PutOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s.Get(t.Context(), "k")
		return errors.Is(err, types.ErrKeyNotFound)
	}, time.Second, 10*time.Millisecond)
}

func TestStore_Delete(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)

	rev, err := s.Put(ctx, "k", []byte("v"), types.PutOptions{})
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "k", rev+1)
	require.ErrorIs(t, err, types.ErrConflict)
	require.False(t, ok)

	ok, err = s.Delete(ctx, "k", rev)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Delete(ctx, "k", 0)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_KeysAndWatchPrefix(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)

	w, err := s.Watch(ctx, "svc.orders.")
	require.NoError(t, err)
	defer w.Stop()

	for _, k := range []string{"svc.orders.b", "svc.orders.a", "svc.payments.a"} {
		_, err := s.Put(ctx, k, []byte("x"), types.PutOptions{})
		require.NoError(t, err)
	}
	_, err = s.Delete(ctx, "svc.orders.a", 0)
	require.NoError(t, err)

	keys, err := s.Keys(ctx, "svc.orders.")
	require.NoError(t, err)
	require.Equal(t, []string{"svc.orders.b"}, keys)

	var got []types.KVOperation
	for range 3 {
		select {
		case ev := <-w.Updates():
			require.Contains(t, ev.Key, "svc.orders.")
			got = append(got, ev.Operation)
		case <-time.After(time.Second):
			t.Fatal("missing watch event")
		}
	}
	require.Equal(t, []types.KVOperation{types.KVOpPut, types.KVOpPut, types.KVOpDelete}, got)

	empty, err := s.Keys(ctx, "nothing.")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestStore_WatchStops(t *testing.T) {
	t.Run("explicit stop", func(t *testing.T) {
		s := newStore(t)
		w, err := s.Watch(t.Context(), "")
		require.NoError(t, err)
		require.NoError(t, w.Stop())
		require.NoError(t, w.Stop())

		_, ok := <-w.Updates()
		require.False(t, ok)
	})

	t.Run("context cancel", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(t.Context())
		w, err := s.Watch(ctx, "")
		require.NoError(t, err)
		cancel()

		require.Eventually(t, func() bool {
			select {
			case _, ok := <-w.Updates():
				return !ok
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("break watches", func(t *testing.T) {
		s := newStore(t)
		w, err := s.Watch(t.Context(), "")
		require.NoError(t, err)
		s.BreakWatches()

		_, ok := <-w.Updates()
		require.False(t, ok)
	})
}

func TestStore_FaultInjection(t *testing.T) {
	ctx := t.Context()
	s := newStore(t)
	boom := errors.New("store down")

	s.SetFailure(boom)
	_, err := s.Put(ctx, "k", nil, types.PutOptions{})
	require.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, boom)
	_, err = s.Watch(ctx, "")
	require.ErrorIs(t, err, boom)

	s.SetFailure(nil)
	_, err = s.Put(ctx, "k", nil, types.PutOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(4), s.Calls())

	w, err := s.Watch(ctx, "k")
	require.NoError(t, err)
	defer w.Stop()

	require.True(t, s.Expire("k"))
	require.False(t, s.Expire("k"))
	ev := <-w.Updates()
	require.Equal(t, types.KVOpPurge, ev.Operation)
}

func TestStore_Closed(t *testing.T) {
	s := New()
	s.Close()
	s.Close()

	_, err := s.Get(t.Context(), "k")
	require.ErrorIs(t, err, types.ErrConnectivity)
}

package election

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/types"
)

func nextEvent(t *testing.T, w *LeadershipWatch) LeadershipEvent {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		require.True(t, ok, "events closed unexpectedly")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for leadership event")
	}

	return LeadershipEvent{}
}

func noEvent(t *testing.T, w *LeadershipWatch, d time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(d):
	}
}

func TestWatchLeadership_Lifecycle(t *testing.T) {
	ctx := t.Context()
	repo, store := newMemRepo(t, WithPollInterval(time.Hour))

	w, err := repo.WatchLeadership(ctx, "orders", "default")
	require.NoError(t, err)
	defer w.Stop()

	ev := nextEvent(t, w)
	require.Equal(t, EventExpired, ev.Type, "empty group reports no leader first")
	require.Empty(t, ev.LeaderID)

	won, err := repo.AttemptLeadership(ctx, "orders", "a", "default", 5, map[string]string{"zone": "z1"})
	require.NoError(t, err)
	require.True(t, won)

	ev = nextEvent(t, w)
	require.Equal(t, EventAcquired, ev.Type)
	require.Equal(t, types.InstanceID("a"), ev.LeaderID)
	require.Equal(t, "z1", ev.Metadata["zone"])

	ok, err := repo.UpdateLeadership(ctx, "orders", "a", "default", 5, nil)
	require.NoError(t, err)
	require.True(t, ok)
	noEvent(t, w, 100*time.Millisecond)

	released, err := repo.ReleaseLeadership(ctx, "orders", "a", "default")
	require.NoError(t, err)
	require.True(t, released)

	ev = nextEvent(t, w)
	require.Equal(t, EventReleased, ev.Type)
	require.Equal(t, types.InstanceID("a"), ev.LeaderID)

	won, err = repo.AttemptLeadership(ctx, "orders", "b", "default", 5, nil)
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, EventAcquired, nextEvent(t, w).Type)

	require.True(t, store.Expire(repo.Key("orders", "default")))
	ev = nextEvent(t, w)
	require.Equal(t, EventExpired, ev.Type)
	require.Equal(t, types.InstanceID("b"), ev.LeaderID)
}

func TestWatchLeadership_InitialHolder(t *testing.T) {
	ctx := t.Context()
	repo, _ := newMemRepo(t)

	won, err := repo.AttemptLeadership(ctx, "orders", "a", "default", 5, nil)
	require.NoError(t, err)
	require.True(t, won)

	w, err := repo.WatchLeadership(ctx, "orders", "default")
	require.NoError(t, err)
	defer w.Stop()

	ev := nextEvent(t, w)
	require.Equal(t, EventAcquired, ev.Type)
	require.Equal(t, types.InstanceID("a"), ev.LeaderID)
}

func TestWatchLeadership_ResubscribesAfterBreak(t *testing.T) {
	ctx := t.Context()
	repo, store := newMemRepo(t, WithPollInterval(time.Hour), WithResubscribe(5*time.Millisecond, 20*time.Millisecond, 5))

	w, err := repo.WatchLeadership(ctx, "orders", "default")
	require.NoError(t, err)
	defer w.Stop()
	require.Equal(t, EventExpired, nextEvent(t, w).Type)

	// A change made while the subscription is down is recovered by the re-read.
	store.BreakWatches()
	won, err := repo.AttemptLeadership(ctx, "orders", "a", "default", 5, nil)
	require.NoError(t, err)
	require.True(t, won)

	ev := nextEvent(t, w)
	require.Equal(t, EventAcquired, ev.Type)
	require.Equal(t, types.InstanceID("a"), ev.LeaderID)

	// The new subscription delivers live events again.
	_, err = repo.ReleaseLeadership(ctx, "orders", "a", "default")
	require.NoError(t, err)
	require.Equal(t, EventReleased, nextEvent(t, w).Type)
	require.NoError(t, w.Err())
}

func TestWatchLeadership_FailsAfterMaxResubscribes(t *testing.T) {
	ctx := t.Context()
	repo, store := newMemRepo(t, WithPollInterval(time.Hour), WithResubscribe(time.Millisecond, 5*time.Millisecond, 3))

	w, err := repo.WatchLeadership(ctx, "orders", "default")
	require.NoError(t, err)
	defer w.Stop()
	require.Equal(t, EventExpired, nextEvent(t, w).Type)

	store.SetFailure(errors.New("store down"))
	defer store.SetFailure(nil)
	store.BreakWatches()

	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not give up")
	}
	require.ErrorIs(t, w.Err(), types.ErrWatcherFailed)

	_, ok := <-w.Events()
	require.False(t, ok)
}

// silentStore drops every watch event so only polling can observe changes.
type silentStore struct {
	types.KVStore
}

type silentWatcher struct {
	ch   chan *types.KVEntry
	stop chan struct{}
}

func (s silentStore) Watch(ctx context.Context, _ string) (types.KVWatcher, error) {
	w := &silentWatcher{ch: make(chan *types.KVEntry), stop: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
		case <-w.stop:
		}
	}()

	return w, nil
}

func (w *silentWatcher) Updates() <-chan *types.KVEntry { return w.ch }

func (w *silentWatcher) Stop() error {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}

	return nil
}

func TestWatchLeadership_PollFallback(t *testing.T) {
	ctx := t.Context()
	_, store := newMemRepo(t)
	repo := NewKVRepository(silentStore{store}, WithPollInterval(20*time.Millisecond))

	w, err := repo.WatchLeadership(ctx, "orders", "default")
	require.NoError(t, err)
	defer w.Stop()
	require.Equal(t, EventExpired, nextEvent(t, w).Type)

	won, err := repo.AttemptLeadership(ctx, "orders", "a", "default", 5, nil)
	require.NoError(t, err)
	require.True(t, won)
	require.Equal(t, EventAcquired, nextEvent(t, w).Type)

	require.True(t, store.Expire(repo.Key("orders", "default")))
	ev := nextEvent(t, w)
	require.Equal(t, EventExpired, ev.Type)
	require.Equal(t, types.InstanceID("a"), ev.LeaderID)
}

func TestWatchLeadership_StopClosesEvents(t *testing.T) {
	repo, _ := newMemRepo(t)

	w, err := repo.WatchLeadership(t.Context(), "orders", "default")
	require.NoError(t, err)
	w.Stop()

	for range w.Events() {
	}
	require.NoError(t, w.Err())
}

package discovery

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource is an in-memory Source that counts reads.
type fakeSource struct {
	mu        sync.Mutex
	instances map[types.ServiceName][]types.ServiceInstance
	err       error
	calls     atomic.Int64
	gate      chan struct{}
}

func newFakeSource(instances ...types.ServiceInstance) *fakeSource {
	s := &fakeSource{instances: make(map[types.ServiceName][]types.ServiceInstance)}
	for _, inst := range instances {
		s.instances[inst.ServiceName] = append(s.instances[inst.ServiceName], inst)
	}

	return s
}

func (s *fakeSource) ListInstances(ctx context.Context, service types.ServiceName) ([]types.ServiceInstance, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}

	out := make([]types.ServiceInstance, len(s.instances[service]))
	copy(out, s.instances[service])

	return out, nil
}

func (s *fakeSource) set(service types.ServiceName, instances ...types.ServiceInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[service] = instances
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func instance(id types.InstanceID, status types.ServiceStatus, hb time.Time) types.ServiceInstance {
	return types.ServiceInstance{
		ServiceName:   "orders",
		InstanceID:    id,
		Status:        status,
		LastHeartbeat: hb,
	}
}

func TestIsHealthy(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		status     types.ServiceStatus
		age        time.Duration
		staleAfter time.Duration
		want       bool
	}{
		{"active", types.StatusActive, 0, 0, true},
		{"standby", types.StatusStandby, 0, 0, true},
		{"unhealthy", types.StatusUnhealthy, 0, 0, false},
		{"shutdown", types.StatusShutdown, 0, 0, false},
		{"stale heartbeat", types.StatusActive, 10 * time.Second, 5 * time.Second, false},
		{"fresh heartbeat", types.StatusActive, 2 * time.Second, 5 * time.Second, true},
		{"staleness disabled", types.StatusActive, time.Hour, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := instance("a", tt.status, now.Add(-tt.age))
			require.Equal(t, tt.want, IsHealthy(&inst, now, tt.staleAfter))
		})
	}
}

func TestBasic_Discover(t *testing.T) {
	clock := newFakeClock()
	now := clock.Now()
	src := newFakeSource(
		instance("a", types.StatusActive, now),
		instance("b", types.StatusStandby, now.Add(-time.Minute)),
		instance("c", types.StatusUnhealthy, now),
	)
	d := NewBasic(src, WithStaleAfter(30*time.Second), withClock(clock.Now))

	all, err := d.Discover(t.Context(), "orders", false)
	require.NoError(t, err)
	require.Len(t, all, 3)

	healthy, err := d.Discover(t.Context(), "orders", true)
	require.NoError(t, err)
	require.Len(t, healthy, 1)
	require.Equal(t, types.InstanceID("a"), healthy[0].InstanceID)

	_, _ = d.Discover(t.Context(), "orders", true)
	require.Equal(t, int64(3), src.calls.Load(), "basic discovery never caches")
}

func TestBasic_SelectEmpty(t *testing.T) {
	d := NewBasic(newFakeSource())

	for _, s := range []Strategy{RoundRobin, Random, ConsistentHash, PreferActive} {
		inst, err := d.Select(t.Context(), "orders", s)
		require.NoError(t, err)
		require.Nil(t, inst, s.String())
	}
}

func TestBasic_SourceError(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("registry down")
	d := NewBasic(src)

	_, err := d.Discover(t.Context(), "orders", true)
	require.ErrorIs(t, err, src.err)

	inst, err := d.Select(t.Context(), "orders", RoundRobin)
	require.ErrorIs(t, err, src.err)
	require.Nil(t, inst)
}

func TestCached_TTL(t *testing.T) {
	clock := newFakeClock()
	rec := metrics.NewRecorder()
	src := newFakeSource(instance("a", types.StatusActive, clock.Now()))
	c := NewCached(src, WithCacheTTL(10*time.Second), WithMetrics(rec), withClock(clock.Now))
	ctx := t.Context()

	first, err := c.Discover(ctx, "orders", true)
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Count(metrics.CacheMiss))

	clock.Advance(5 * time.Second)
	second, err := c.Discover(ctx, "orders", true)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int64(1), rec.Count(metrics.CacheHit))
	require.Equal(t, int64(1), src.calls.Load())

	clock.Advance(6 * time.Second)
	_, err = c.Discover(ctx, "orders", true)
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Count(metrics.CacheMiss))
	require.Equal(t, int64(2), src.calls.Load())
}

func TestCached_ResultsAreCopies(t *testing.T) {
	src := newFakeSource(instance("a", types.StatusActive, time.Now()))
	c := NewCached(src)

	first, err := c.Discover(t.Context(), "orders", false)
	require.NoError(t, err)
	first[0].InstanceID = "mutated"

	second, err := c.Discover(t.Context(), "orders", false)
	require.NoError(t, err)
	require.Equal(t, types.InstanceID("a"), second[0].InstanceID)
}

func TestCached_Invalidate(t *testing.T) {
	rec := metrics.NewRecorder()
	src := newFakeSource(instance("a", types.StatusActive, time.Now()))
	c := NewCached(src, WithCacheTTL(time.Hour), WithMetrics(rec))
	ctx := t.Context()

	_, err := c.Discover(ctx, "orders", true)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())

	src.set("orders", instance("a", types.StatusActive, time.Now()), instance("b", types.StatusStandby, time.Now()))

	stale, err := c.Discover(ctx, "orders", true)
	require.NoError(t, err)
	require.Len(t, stale, 1, "served from cache")

	c.Invalidate("orders")
	require.Equal(t, int64(1), rec.Count(metrics.CacheInvalidation))
	require.Zero(t, c.Len())

	fresh, err := c.Discover(ctx, "orders", true)
	require.NoError(t, err)
	require.Len(t, fresh, 2)

	c.InvalidateAll()
	require.Zero(t, c.Len())
}

func TestCached_SingleFlight(t *testing.T) {
	src := newFakeSource(instance("a", types.StatusActive, time.Now()))
	src.gate = make(chan struct{})
	c := NewCached(src)
	ctx := t.Context()

	const callers = 10
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Discover(ctx, "orders", true)
			if err != nil || len(got) != 1 {
				t.Errorf("discover: %v %v", got, err)
			}
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	require.Less(t, src.calls.Load(), int64(callers))
}

func TestCached_InvalidationDuringLoad(t *testing.T) {
	src := newFakeSource(instance("a", types.StatusActive, time.Now()))
	src.gate = make(chan struct{})
	c := NewCached(src, WithCacheTTL(time.Hour))
	ctx := t.Context()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Discover(ctx, "orders", true)
	}()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	c.Invalidate("orders")
	close(src.gate)
	<-done

	require.Zero(t, c.Len(), "a load that raced an invalidation must not be cached")
}

func TestCached_InvalidationRacingLoadsLeavesNoStaleEntry(t *testing.T) {
	src := newFakeSource()
	c := NewCached(src, WithCacheTTL(time.Hour))
	ctx := t.Context()

	const versions = 2000
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_, _ = c.Discover(ctx, "orders", false)
				}
			}
		}()
	}

	for v := 1; v <= versions; v++ {
		inst := instance("a", types.StatusActive, time.Now())
		inst.Version = strconv.Itoa(v)
		src.set("orders", inst)
		c.Invalidate("orders")
	}
	close(stop)
	readers.Wait()

	entry, ok := c.entries.Load("orders")
	if ok {
		require.Len(t, entry.instances, 1)
		require.Equal(t, strconv.Itoa(versions), entry.instances[0].Version)
	}
}

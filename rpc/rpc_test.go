package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/discovery"
	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/policy"
	solotest "github.com/arloliu/solo/testing"
	"github.com/arloliu/solo/types"
)

type activeFlag struct{ v atomic.Bool }

func (a *activeFlag) IsActive() bool { return a.v.Load() }

func newActive(v bool) *activeFlag {
	a := &activeFlag{}
	a.v.Store(v)

	return a
}

// fakeDiscovery returns targets in order, advancing after each invalidation.
type fakeDiscovery struct {
	mu          sync.Mutex
	targets     []types.InstanceID
	idx         int
	invalidated int
}

func (d *fakeDiscovery) Discover(context.Context, types.ServiceName, bool) ([]types.ServiceInstance, error) {
	return nil, nil
}

func (d *fakeDiscovery) Select(_ context.Context, svc types.ServiceName, _ discovery.Strategy, _ ...discovery.SelectOption) (*types.ServiceInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.targets) == 0 {
		return nil, nil
	}
	id := d.targets[min(d.idx, len(d.targets)-1)]

	return &types.ServiceInstance{ServiceName: svc, InstanceID: id, Status: types.StatusActive}, nil
}

func (d *fakeDiscovery) Selector(discovery.Strategy) discovery.Selector { return nil }

func (d *fakeDiscovery) Invalidate(types.ServiceName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated++
	d.idx++
}

func (d *fakeDiscovery) Invalidations() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.invalidated
}

func fastRetry(maxRetries int) policy.RetryPolicy {
	return policy.RetryPolicy{
		MaxRetries:        maxRetries,
		InitialDelay:      20 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          time.Second,
		JitterFactor:      0,
	}
}

func newServer(t *testing.T, nc *nats.Conn, id types.InstanceID) *Server {
	t.Helper()

	srv, err := NewServer(nc, "orders", id, WithServerLogger(solotest.NewTestLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	return srv
}

func echo(_ context.Context, params json.RawMessage) (any, error) {
	var in map[string]any
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, InvalidParams("want object: %v", err)
	}

	return in, nil
}

func TestCall_QueueSubject(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	srv := newServer(t, nc, "orders-1")
	require.NoError(t, srv.Register("echo", echo))
	require.Equal(t, []string{"echo"}, srv.Methods())

	client, err := NewClient(nc)
	require.NoError(t, err)

	var out map[string]any
	err = client.CallInto(t.Context(), "orders", "echo", map[string]any{"sku": "A1"}, &out)
	require.NoError(t, err)
	require.Equal(t, "A1", out["sku"])
}

func TestCall_DirectSubject(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	a := newServer(t, nc, "orders-1")
	b := newServer(t, nc, "orders-2")

	var hitA, hitB atomic.Int64
	require.NoError(t, a.Register("who", func(context.Context, json.RawMessage) (any, error) { hitA.Add(1); return "a", nil }))
	require.NoError(t, b.Register("who", func(context.Context, json.RawMessage) (any, error) { hitB.Add(1); return "b", nil }))

	client, err := NewClient(nc)
	require.NoError(t, err)

	for range 5 {
		var who string
		require.NoError(t, client.CallInto(t.Context(), "orders", "who", nil, &who, WithInstance("orders-2")))
		require.Equal(t, "b", who)
	}
	require.Zero(t, hitA.Load())
	require.Equal(t, int64(5), hitB.Load())

	t.Run("unknown method on direct subject", func(t *testing.T) {
		_, err := client.Call(t.Context(), "orders", "missing", nil, WithInstance("orders-1"))
		require.Equal(t, CodeMethodNotFound, CodeOf(err))
	})
}

func TestCall_Errors(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	srv := newServer(t, nc, "orders-1")
	require.NoError(t, srv.Register("echo", echo))
	require.NoError(t, srv.Register("panic", func(context.Context, json.RawMessage) (any, error) { panic("boom") }))
	require.NoError(t, srv.Register("slow", func(ctx context.Context, _ json.RawMessage) (any, error) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}

		return "late", nil
	}))

	client, err := NewClient(nc, WithClientLogger(solotest.NewTestLogger(t)))
	require.NoError(t, err)

	t.Run("invalid params passes through", func(t *testing.T) {
		_, err := client.Call(t.Context(), "orders", "echo", []int{1})
		require.Equal(t, CodeInvalidParams, CodeOf(err))
	})

	t.Run("handler panic is internal", func(t *testing.T) {
		_, err := client.Call(t.Context(), "orders", "panic", nil)
		require.Equal(t, CodeInternal, CodeOf(err))
	})

	t.Run("no responders is unavailable", func(t *testing.T) {
		_, err := client.Call(t.Context(), "billing", "charge", nil)
		require.Equal(t, CodeUnavailable, CodeOf(err))
	})

	t.Run("timeout", func(t *testing.T) {
		_, err := client.Call(t.Context(), "orders", "slow", nil, WithTimeout(50*time.Millisecond))
		require.Equal(t, CodeTimeout, CodeOf(err))
	})

	t.Run("invalid method rejected locally", func(t *testing.T) {
		_, err := client.Call(t.Context(), "orders", "a.b", nil)
		require.Equal(t, CodeInvalidParams, CodeOf(err))
	})
}

func TestCall_RetriesOnlyOnNotActive(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	srv := newServer(t, nc, "orders-1")

	var calls atomic.Int64
	require.NoError(t, srv.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, errors.New("validation failed")
	}))

	retry := fastRetry(3)
	retry.InitialDelay = 200 * time.Millisecond
	rec := metrics.NewRecorder()
	client, err := NewClient(nc, WithRetryPolicy(retry), WithClientMetrics(rec))
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Call(t.Context(), "orders", "fail", nil)
	elapsed := time.Since(start)

	require.Equal(t, CodeInternal, CodeOf(err))
	require.Equal(t, int64(1), calls.Load(), "non NOT_ACTIVE errors are not retried")
	require.Less(t, elapsed, 150*time.Millisecond, "no retry delay was spent")
	require.Zero(t, rec.Count(metrics.RPCNotActiveRetries))
	require.Equal(t, int64(1), rec.Count(metrics.RPCCall))
}

func TestCall_NotActiveThenSuccess(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	standby := newServer(t, nc, "orders-1")
	active := newServer(t, nc, "orders-2")

	place := func(context.Context, json.RawMessage) (any, error) { return "placed", nil }
	require.NoError(t, standby.RegisterStickyActive("place", place, newActive(false)))
	require.NoError(t, active.RegisterStickyActive("place", place, newActive(true)))

	disc := &fakeDiscovery{targets: []types.InstanceID{"orders-1", "orders-2"}}
	rec := metrics.NewRecorder()
	client, err := NewClient(nc, WithDiscovery(disc), WithRetryPolicy(fastRetry(3)), WithClientMetrics(rec))
	require.NoError(t, err)

	var out string
	require.NoError(t, client.CallInto(t.Context(), "orders", "place", nil, &out))
	require.Equal(t, "placed", out)
	require.Equal(t, 1, disc.Invalidations(), "NOT_ACTIVE invalidates the cached target")
	require.Equal(t, int64(1), rec.Count(metrics.RPCNotActiveRetries))
}

func TestCall_NotActiveExhausted(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	standby := newServer(t, nc, "orders-1")

	var calls atomic.Int64
	require.NoError(t, standby.RegisterStickyActive("place", func(context.Context, json.RawMessage) (any, error) {
		calls.Add(1)
		return "placed", nil
	}, newActive(false)))

	client, err := NewClient(nc, WithRetryPolicy(fastRetry(2)))
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Call(t.Context(), "orders", "place", nil)
	require.True(t, IsNotActive(err))
	require.Zero(t, calls.Load(), "guarded handler never runs on a standby")
	// Two retries with zero jitter: 20ms + 40ms.
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestCall_NotActiveRetryHonorsContext(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	standby := newServer(t, nc, "orders-1")
	require.NoError(t, standby.RegisterStickyActive("place", echo, newActive(false)))

	retry := fastRetry(5)
	retry.InitialDelay = time.Second
	client, err := NewClient(nc, WithRetryPolicy(retry))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Call(ctx, "orders", "place", nil)
	require.Less(t, time.Since(start), 900*time.Millisecond)
	require.Equal(t, CodeTimeout, CodeOf(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_StandbyBecomesActive(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	srv := newServer(t, nc, "orders-1")
	flag := newActive(false)
	require.NoError(t, srv.RegisterStickyActive("place", func(context.Context, json.RawMessage) (any, error) {
		return "placed", nil
	}, flag))

	// Promote after the first NOT_ACTIVE answer, as a failover would.
	go func() {
		time.Sleep(30 * time.Millisecond)
		flag.v.Store(true)
	}()

	client, err := NewClient(nc, WithRetryPolicy(fastRetry(5)))
	require.NoError(t, err)

	var out string
	require.NoError(t, client.CallInto(t.Context(), "orders", "place", nil, &out))
	require.Equal(t, "placed", out)
}

func TestServer_Registration(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	srv := newServer(t, nc, "orders-1")

	require.ErrorIs(t, srv.Register("a.b", echo), ErrInvalidMethod)
	require.ErrorIs(t, srv.Register("", echo), ErrInvalidMethod)
	require.ErrorIs(t, srv.RegisterStickyActive("x", echo, nil), ErrNilActiveChecker)

	require.NoError(t, srv.Register("echo", echo))
	require.ErrorIs(t, srv.Register("echo", echo), ErrDuplicateMethod)
	require.Equal(t, 2, srv.Subscriptions(), "direct wildcard + one queue subject")

	require.NoError(t, srv.Close())
	require.Zero(t, srv.Subscriptions())
	require.ErrorIs(t, srv.Register("other", echo), ErrServerClosed)
	require.NoError(t, srv.Close())
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, "orders", "orders-1")
	require.ErrorIs(t, err, types.ErrNATSConnectionRequired)

	_, nc := solotest.StartEmbeddedNATS(t)
	_, err = NewServer(nc, "bad.name", "orders-1")
	require.ErrorIs(t, err, types.ErrInvalidName)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil)
	require.ErrorIs(t, err, types.ErrNATSConnectionRequired)

	_, nc := solotest.StartEmbeddedNATS(t)
	bad := fastRetry(1)
	bad.JitterFactor = 1.5
	_, err = NewClient(nc, WithRetryPolicy(bad))
	require.ErrorIs(t, err, policy.ErrInvalidPolicy)
}

func TestEventBus(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)
	bus, err := NewEventBus(nc, "orders-1", solotest.NewTestLogger(t))
	require.NoError(t, err)

	got := make(chan Event, 4)
	sub, err := bus.Subscribe("sticky_active", "*", func(ev Event) { got <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	require.NoError(t, bus.Publish(t.Context(), "sticky_active", "acquired", map[string]string{"leader": "orders-1"}))

	select {
	case ev := <-got:
		require.Equal(t, "acquired", ev.Type)
		require.Equal(t, "orders-1", ev.Source)
		require.NotEmpty(t, ev.ID)

		var data map[string]string
		require.NoError(t, ev.Decode(&data))
		require.Equal(t, "orders-1", data["leader"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	require.ErrorIs(t, bus.Publish(t.Context(), "bad.domain", "x", nil), ErrInvalidEventName)
}

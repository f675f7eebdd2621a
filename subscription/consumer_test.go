package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/internal/metrics"
	solotest "github.com/arloliu/solo/testing"
	"github.com/arloliu/solo/types"
)

// collector records handled message payloads.
type collector struct {
	mu   sync.Mutex
	seen map[string]int
}

func newCollector() *collector {
	return &collector{seen: make(map[string]int)}
}

func (c *collector) handler() MessageHandlerFunc {
	return func(_ context.Context, msg jetstream.Msg) error {
		c.mu.Lock()
		c.seen[string(msg.Data())]++
		c.mu.Unlock()

		return nil
	}
}

func (c *collector) distinct() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.seen)
}

func (c *collector) keys() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]struct{}, len(c.seen))
	for k := range c.seen {
		out[k] = struct{}{}
	}

	return out
}

func setupStream(t *testing.T) (*nats.Conn, jetstream.JetStream) {
	t.Helper()

	_, nc := solotest.StartEmbeddedNATS(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	_, err = js.CreateStream(t.Context(), jetstream.StreamConfig{
		Name:     "WORK",
		Subjects: []string{"work.>"},
	})
	require.NoError(t, err)

	return nc, js
}

func testConsumerConfig(t *testing.T) ActiveConsumerConfig {
	return ActiveConsumerConfig{
		StreamName:     "WORK",
		ConsumerName:   "work-group",
		FilterSubjects: []string{"work.>"},
		AckWait:        time.Second,
		FetchTimeout:   time.Second,
		RetryBackoff:   20 * time.Millisecond,
		Logger:         logging.NewTest(t),
	}
}

func publish(t *testing.T, js jetstream.JetStream, from, to int) {
	t.Helper()

	for i := from; i < to; i++ {
		_, err := js.Publish(t.Context(), "work.items", fmt.Appendf(nil, "msg-%d", i))
		require.NoError(t, err)
	}
}

func TestNewActiveConsumer_Validation(t *testing.T) {
	nc, js := setupStream(t)
	handler := newCollector().handler()

	_, err := NewActiveConsumer(nil, testConsumerConfig(t), handler)
	require.Error(t, err)

	_, err = NewActiveConsumerJS(nil, testConsumerConfig(t), handler)
	require.Error(t, err)

	_, err = NewActiveConsumerJS(js, testConsumerConfig(t), nil)
	require.Error(t, err)

	tests := []struct {
		name   string
		mutate func(*ActiveConsumerConfig)
	}{
		{"missing stream", func(c *ActiveConsumerConfig) { c.StreamName = "" }},
		{"missing consumer name", func(c *ActiveConsumerConfig) { c.ConsumerName = "" }},
		{"no filter subjects", func(c *ActiveConsumerConfig) { c.FilterSubjects = nil }},
		{"empty filter subject", func(c *ActiveConsumerConfig) { c.FilterSubjects = []string{""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConsumerConfig(t)
			tt.mutate(&cfg)
			_, err := NewActiveConsumer(nc, cfg, handler)
			require.Error(t, err)
		})
	}

	c, err := NewActiveConsumer(nc, testConsumerConfig(t), handler)
	require.NoError(t, err)
	require.False(t, c.Active())
	require.Equal(t, DefaultBatchSize, c.config.BatchSize)
	require.Equal(t, DefaultMaxDeliver, c.config.MaxDeliver)
	require.Equal(t, jetstream.AckExplicitPolicy, c.config.AckPolicy)
	require.Equal(t, DefaultStopTimeout, c.config.StopTimeout)
}

func TestActiveConsumer_ConsumesOnlyWhileActive(t *testing.T) {
	nc, js := setupStream(t)
	col := newCollector()
	rec := metrics.NewRecorder()

	cfg := testConsumerConfig(t)
	cfg.Metrics = rec
	c, err := NewActiveConsumer(nc, cfg, col.handler())
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close(context.Background())) }()

	publish(t, js, 0, 3)
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, col.distinct(), "inactive consumer must not pull")

	require.NoError(t, c.SetActive(t.Context(), true))
	require.True(t, c.Active())
	require.NoError(t, c.SetActive(t.Context(), true), "repeated activation is a no-op")

	require.Eventually(t, func() bool { return col.distinct() == 3 }, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return rec.Count(metrics.ConsumerAcked) == 3 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.SetActive(t.Context(), false))
	require.False(t, c.Active())

	publish(t, js, 3, 5)
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 3, col.distinct())

	require.NoError(t, c.SetActive(t.Context(), true))
	require.Eventually(t, func() bool { return col.distinct() == 5 }, 10*time.Second, 20*time.Millisecond)

	info, err := c.Info(t.Context())
	require.NoError(t, err)
	require.Equal(t, "work-group", info.Name)
	require.Equal(t, "work-group", info.Config.Durable)
}

func TestActiveConsumer_Handoff(t *testing.T) {
	nc, js := setupStream(t)
	colA, colB := newCollector(), newCollector()

	a, err := NewActiveConsumer(nc, testConsumerConfig(t), colA.handler())
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	ncB, err := nats.Connect(nc.ConnectedUrl())
	require.NoError(t, err)
	defer ncB.Close()

	b, err := NewActiveConsumer(ncB, testConsumerConfig(t), colB.handler())
	require.NoError(t, err)
	defer func() { _ = b.Close(context.Background()) }()

	require.Equal(t, a.Durable(), b.Durable())

	require.NoError(t, a.SetActive(t.Context(), true))
	publish(t, js, 0, 5)
	require.Eventually(t, func() bool { return colA.distinct() == 5 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.SetActive(t.Context(), false))
	require.NoError(t, b.SetActive(t.Context(), true))
	publish(t, js, 5, 10)

	require.Eventually(t, func() bool { return colB.distinct() >= 5 }, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, 5, colA.distinct(), "standby must not receive messages")

	union := colA.keys()
	for k := range colB.keys() {
		union[k] = struct{}{}
	}
	require.Len(t, union, 10)
}

func TestActiveConsumer_NakRedelivers(t *testing.T) {
	nc, js := setupStream(t)
	rec := metrics.NewRecorder()

	var mu sync.Mutex
	succeeded := make(map[string]bool)
	handler := MessageHandlerFunc(func(_ context.Context, msg jetstream.Msg) error {
		meta, err := msg.Metadata()
		if err != nil {
			return err
		}
		if meta.NumDelivered == 1 {
			return errors.New("first attempt fails")
		}
		mu.Lock()
		succeeded[string(msg.Data())] = true
		mu.Unlock()

		return nil
	})

	cfg := testConsumerConfig(t)
	cfg.Metrics = rec
	c, err := NewActiveConsumer(nc, cfg, handler)
	require.NoError(t, err)
	defer func() { _ = c.Close(context.Background()) }()

	require.NoError(t, c.SetActive(t.Context(), true))
	publish(t, js, 0, 2)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(succeeded) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.GreaterOrEqual(t, rec.Count(metrics.ConsumerNaked), int64(2))
	require.Eventually(t, func() bool { return rec.Count(metrics.ConsumerAcked) == 2 }, time.Second, 10*time.Millisecond)
}

func TestActiveConsumer_ManualAck(t *testing.T) {
	nc, js := setupStream(t)
	rec := metrics.NewRecorder()
	acked := make(chan string, 4)

	cfg := testConsumerConfig(t)
	cfg.ManualAck = true
	cfg.Metrics = rec
	c, err := NewActiveConsumer(nc, cfg, MessageHandlerFunc(func(_ context.Context, msg jetstream.Msg) error {
		acked <- string(msg.Data())
		return msg.Ack()
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close(context.Background()) }()

	require.NoError(t, c.SetActive(t.Context(), true))
	publish(t, js, 0, 1)

	select {
	case got := <-acked:
		require.Equal(t, "msg-0", got)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	require.Zero(t, rec.Count(metrics.ConsumerAcked), "manual mode leaves disposition to the handler")
}

func TestActiveConsumer_Hooks(t *testing.T) {
	nc, _ := setupStream(t)
	c, err := NewActiveConsumer(nc, testConsumerConfig(t), newCollector().handler())
	require.NoError(t, err)
	defer func() { _ = c.Close(context.Background()) }()

	t.Run("nil next", func(t *testing.T) {
		h := c.Hooks(nil)
		require.NotNil(t, h.OnActiveChanged)
		require.Nil(t, h.OnError)

		require.NoError(t, h.OnActiveChanged(t.Context(), true))
		require.True(t, c.Active())
		require.NoError(t, h.OnActiveChanged(t.Context(), false))
		require.False(t, c.Active())
	})

	t.Run("chains next", func(t *testing.T) {
		var calls []bool
		nextErr := errors.New("next failed")
		next := &types.Hooks{
			OnActiveChanged: func(_ context.Context, active bool) error {
				calls = append(calls, active)
				if active {
					return nextErr
				}

				return nil
			},
			OnError: func(context.Context, error) error { return nil },
		}

		h := c.Hooks(next)
		require.NotNil(t, h.OnError)

		err := h.OnActiveChanged(t.Context(), true)
		require.ErrorIs(t, err, nextErr)
		require.True(t, c.Active(), "consumer activates even when next fails")

		require.NoError(t, h.OnActiveChanged(t.Context(), false))
		require.Equal(t, []bool{true, false}, calls)
	})
}

func TestActiveConsumer_MissingStream(t *testing.T) {
	_, nc := solotest.StartEmbeddedNATS(t)

	cfg := testConsumerConfig(t)
	cfg.StreamName = "MISSING"
	c, err := NewActiveConsumer(nc, cfg, newCollector().handler())
	require.NoError(t, err)

	err = c.SetActive(t.Context(), true)
	require.ErrorIs(t, err, jetstream.ErrStreamNotFound)
	require.False(t, c.Active())
}

func TestActiveConsumer_Close(t *testing.T) {
	nc, _ := setupStream(t)
	c, err := NewActiveConsumer(nc, testConsumerConfig(t), newCollector().handler())
	require.NoError(t, err)

	require.NoError(t, c.SetActive(t.Context(), true))
	require.NoError(t, c.Close(t.Context()))
	require.False(t, c.Active())
	require.NoError(t, c.Close(t.Context()))

	require.ErrorIs(t, c.SetActive(t.Context(), true), ErrClosed)
}

func TestSanitizeConsumerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"orders", "orders"},
		{"orders.settle", "orders_settle"},
		{"a b\tc", "a_b_c"},
		{"wild*card>", "wild_card_"},
		{"path/to\\x", "path_to_x"},
		{"ctl\x01", "ctl_"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, sanitizeConsumerName(tt.in), tt.in)
	}
}

package testutil

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/arloliu/solo/types"
)

// ChaosStore wraps a KVStore and injects failures for one instance.
//
// Each instance in a Cluster talks to the shared store through its own
// ChaosStore, so a single instance can be cut off while the rest of the group
// keeps running. This is the KV-level equivalent of a network partition.
//
// Example:
//
//	chaos := testutil.NewChaosStore(store)
//	inst, _ := solo.NewInstance(&cfg, solo.SingleStore(chaos))
//	chaos.Partition()  // every call fails with types.ErrConnectivity
//	chaos.Heal()
type ChaosStore struct {
	inner types.KVStore

	mu          sync.Mutex
	partitioned bool
	minDelay    time.Duration
	maxDelay    time.Duration
	watchers    map[*chaosWatcher]struct{}
}

var _ types.KVStore = (*ChaosStore)(nil)

// NewChaosStore wraps inner. The returned store behaves exactly like inner
// until a failure is injected.
func NewChaosStore(inner types.KVStore) *ChaosStore {
	return &ChaosStore{
		inner:    inner,
		watchers: make(map[*chaosWatcher]struct{}),
	}
}

// Partition makes every subsequent call fail with types.ErrConnectivity and
// breaks all open watches.
func (c *ChaosStore) Partition() {
	c.mu.Lock()
	c.partitioned = true
	watchers := make([]*chaosWatcher, 0, len(c.watchers))
	for w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, w := range watchers {
		_ = w.Stop()
	}
}

// Heal restores normal behaviour. Watches broken by Partition stay broken;
// callers are expected to resubscribe.
func (c *ChaosStore) Heal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partitioned = false
}

// Partitioned reports whether the store is currently cut off.
func (c *ChaosStore) Partitioned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.partitioned
}

// Delay adds a random latency between minDelay and maxDelay to every call.
// Zero values disable the delay.
func (c *ChaosStore) Delay(minDelay, maxDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minDelay = minDelay
	c.maxDelay = maxDelay
}

func (c *ChaosStore) before(ctx context.Context, op string) error {
	c.mu.Lock()
	partitioned := c.partitioned
	minDelay, maxDelay := c.minDelay, c.maxDelay
	c.mu.Unlock()

	if maxDelay > 0 {
		delay := minDelay
		if maxDelay > minDelay {
			delay += rand.N(maxDelay - minDelay) //nolint:gosec
		}

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if partitioned {
		return fmt.Errorf("chaos: %s: %w", op, types.ErrConnectivity)
	}

	return nil
}

// Put implements types.KVStore.
func (c *ChaosStore) Put(ctx context.Context, key string, value []byte, opts types.PutOptions) (uint64, error) {
	if err := c.before(ctx, "put"); err != nil {
		return 0, err
	}

	return c.inner.Put(ctx, key, value, opts)
}

// Get implements types.KVStore.
func (c *ChaosStore) Get(ctx context.Context, key string) (*types.KVEntry, error) {
	if err := c.before(ctx, "get"); err != nil {
		return nil, err
	}

	return c.inner.Get(ctx, key)
}

// Delete implements types.KVStore.
func (c *ChaosStore) Delete(ctx context.Context, key string, revision uint64) (bool, error) {
	if err := c.before(ctx, "delete"); err != nil {
		return false, err
	}

	return c.inner.Delete(ctx, key, revision)
}

// Keys implements types.KVStore.
func (c *ChaosStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := c.before(ctx, "keys"); err != nil {
		return nil, err
	}

	return c.inner.Keys(ctx, prefix)
}

// Watch implements types.KVStore. The returned watcher is broken by Partition.
func (c *ChaosStore) Watch(ctx context.Context, prefix string) (types.KVWatcher, error) {
	if err := c.before(ctx, "watch"); err != nil {
		return nil, err
	}

	inner, err := c.inner.Watch(ctx, prefix)
	if err != nil {
		return nil, err
	}

	w := &chaosWatcher{store: c, inner: inner}

	c.mu.Lock()
	c.watchers[w] = struct{}{}
	c.mu.Unlock()

	return w, nil
}

type chaosWatcher struct {
	store *ChaosStore
	inner types.KVWatcher
	once  sync.Once
}

func (w *chaosWatcher) Updates() <-chan *types.KVEntry {
	return w.inner.Updates()
}

func (w *chaosWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		w.store.mu.Lock()
		delete(w.store.watchers, w)
		w.store.mu.Unlock()

		err = w.inner.Stop()
	})

	return err
}

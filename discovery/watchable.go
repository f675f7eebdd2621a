package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/solo/internal/backoff"
	"github.com/arloliu/solo/registry"
	"github.com/arloliu/solo/types"
)

// ErrAlreadyWatching is returned by Start when the watch loop is running.
var ErrAlreadyWatching = errors.New("discovery watch already started")

// Watchable is a Cached discovery kept fresh by a registry watch.
//
// Any PUT, DELETE or PURGE under <prefix>.<service>. drops only that
// service's cache entry. When the watch breaks, the loop resubscribes with
// backoff and drops every entry, since changes made in the gap were missed.
type Watchable struct {
	*Cached

	store types.KVStore
	reg   *registry.KVRegistry

	mu       sync.Mutex
	stopCh   chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	watching bool
}

// NewWatchable creates a watch-invalidated discovery over reg. store must be
// the KV store reg writes to.
func NewWatchable(reg *registry.KVRegistry, store types.KVStore, opts ...Option) *Watchable {
	return &Watchable{
		Cached: NewCached(reg, opts...),
		store:  store,
		reg:    reg,
	}
}

// Start opens the registry watch and launches the supervised loop.
//
// The first subscription is made synchronously so a store that cannot watch
// at all is reported here rather than in logs.
func (w *Watchable) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done != nil {
		return ErrAlreadyWatching
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	kw, err := w.store.Watch(loopCtx, w.reg.Prefix()+".")
	if err != nil {
		cancel()
		return fmt.Errorf("%w: registry watch: %w", types.ErrWatcherFailed, err)
	}

	w.stopCh = make(chan struct{})
	w.cancel = cancel
	w.done = make(chan struct{})
	w.watching = true

	go w.run(loopCtx, kw, w.stopCh, w.done)

	return nil
}

// Stop ends the watch loop.
//
// It signals the loop and waits up to the stop grace timeout. If the loop has
// not exited by then, its context is cancelled and the forced stop is logged.
// Stop on a watcher that was never started is a no-op.
func (w *Watchable) Stop(ctx context.Context) error {
	w.mu.Lock()
	stopCh, cancel, done := w.stopCh, w.cancel, w.done
	w.stopCh, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	defer cancel()

	close(stopCh)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		cancel()
		<-done

		return ctx.Err()
	case <-time.After(w.opts.graceTimeout):
	}

	w.opts.logger.Warn("discovery watch did not stop gracefully, cancelling",
		"grace_timeout", w.opts.graceTimeout)
	cancel()
	<-done

	return nil
}

// ActiveSubscriptions returns 1 while the registry watch is subscribed, 0 otherwise.
func (w *Watchable) ActiveSubscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return 1
	}

	return 0
}

func (w *Watchable) setWatching(v bool) {
	w.mu.Lock()
	w.watching = v
	w.mu.Unlock()
}

func (w *Watchable) run(ctx context.Context, kw types.KVWatcher, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer w.setWatching(false)
	defer func() {
		if kw != nil {
			_ = kw.Stop()
		}
	}()

	bo := backoff.New(w.opts.backoffBase, 2.0, w.opts.backoffCap, 0)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case entry, ok := <-kw.Updates():
			if ok {
				w.handle(entry)
				continue
			}
		}

		// Updates closed: the subscription broke.
		_ = kw.Stop()
		kw = nil
		w.setWatching(false)
		w.opts.metrics.RecordWatchFailure("discovery")
		w.opts.logger.Warn("discovery watch closed, resubscribing")

		for kw == nil {
			delay := bo.Next()
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			next, err := w.store.Watch(ctx, w.reg.Prefix()+".")
			if err != nil {
				w.opts.logger.Warn("discovery resubscribe failed", "attempt", bo.Attempts(), "delay", delay, "error", err)
				continue
			}
			kw = next
		}

		bo.Reset()
		w.setWatching(true)
		w.invalidateAll(ReasonWatch)
	}
}

func (w *Watchable) handle(entry *types.KVEntry) {
	service, _, ok := w.reg.ParseKey(entry.Key)
	if !ok {
		return
	}
	w.invalidate(service, ReasonWatch)
}

func (w *Watchable) invalidateAll(reason string) {
	w.entries.Range(func(service types.ServiceName, _ cacheEntry) bool {
		w.invalidate(service, reason)
		return true
	})
}

package election

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/arloliu/solo/internal/backoff"
	"github.com/arloliu/solo/types"
)

// EventType classifies a leadership change.
type EventType string

const (
	// EventAcquired means a (new) leader holds the key.
	EventAcquired EventType = "acquired"

	// EventReleased means the leader deleted its key.
	EventReleased EventType = "released"

	// EventExpired means the key disappeared without a release, either by
	// TTL expiry or because the watch noticed the absence on re-read.
	EventExpired EventType = "expired"
)

// LeadershipEvent is one observed leadership change.
type LeadershipEvent struct {
	Type EventType

	// LeaderID is the new leader for EventAcquired and the previous leader
	// (possibly empty) for EventReleased and EventExpired.
	LeaderID types.InstanceID

	Metadata  map[string]string
	Revision  uint64
	Timestamp time.Time
}

// LeadershipWatch is a running leadership event stream.
//
// Events is closed when the watch ends. Err reports why: nil after Stop or
// context cancellation, types.ErrWatcherFailed when resubscription gave up.
type LeadershipWatch struct {
	events chan LeadershipEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Events returns the event channel.
func (w *LeadershipWatch) Events() <-chan LeadershipEvent {
	return w.events
}

// Err returns the terminal error, if any. Valid once Events is closed.
func (w *LeadershipWatch) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.err
}

// Done is closed when the watch goroutine has exited.
func (w *LeadershipWatch) Done() <-chan struct{} {
	return w.done
}

// Stop ends the watch and waits for its goroutine to exit.
func (w *LeadershipWatch) Stop() {
	w.cancel()
	<-w.done
}

func (w *LeadershipWatch) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// WatchLeadership implements Repository.
//
// The first event reflects the state at subscription time: EventAcquired with
// the current holder, or EventExpired when the group has no leader. Renewals
// by the same holder are suppressed.
func (r *KVRepository) WatchLeadership(ctx context.Context, service types.ServiceName, group types.GroupID) (*LeadershipWatch, error) {
	if err := service.Validate(); err != nil {
		return nil, err
	}
	if err := group.Validate(); err != nil {
		return nil, err
	}

	key := r.Key(service, group)
	kw, err := r.store.Watch(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: watch %s: %w", types.ErrWatcherFailed, key, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &LeadershipWatch{
		events: make(chan LeadershipEvent, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	// Seed before returning so the first event reflects the state at
	// subscription time, not whatever the caller does next.
	st := &watchState{}
	r.reconcile(wctx, key, st, func(ev LeadershipEvent) bool {
		w.events <- ev
		return true
	})

	go r.runWatch(wctx, w, key, kw, st)

	return w, nil
}

// watchState tracks the last holder the consumer was told about.
type watchState struct {
	holder types.InstanceID
	known  bool
}

func (r *KVRepository) runWatch(ctx context.Context, w *LeadershipWatch, key string, kw types.KVWatcher, st *watchState) {
	defer close(w.done)
	defer close(w.events)
	defer func() {
		if kw != nil {
			_ = kw.Stop()
		}
	}()

	emit := func(ev LeadershipEvent) bool {
		select {
		case w.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	poll := time.NewTicker(r.pollInterval)
	defer poll.Stop()

	bo := backoff.New(r.resubscribeBase, 2.0, r.resubscribeCap, 0)

	for {
		select {
		case <-ctx.Done():
			return

		case <-poll.C:
			if !r.reconcile(ctx, key, st, emit) && ctx.Err() != nil {
				return
			}

		case entry, ok := <-kw.Updates():
			if ok {
				if entry.Key != key {
					continue
				}
				if !r.apply(entry, st, emit) {
					return
				}

				continue
			}

			_ = kw.Stop()
			kw = nil
			r.logger.Warn("leadership watch closed, resubscribing", "key", key)

			kw = r.resubscribe(ctx, key, bo)
			if kw == nil {
				if ctx.Err() == nil {
					w.fail(fmt.Errorf("%w: %s after %d attempts", types.ErrWatcherFailed, key, bo.Attempts()))
					r.logger.Error("leadership watch failed", "key", key, "attempts", bo.Attempts())
				}

				return
			}
			bo.Reset()

			// Changes during the gap were not delivered.
			if !r.reconcile(ctx, key, st, emit) && ctx.Err() != nil {
				return
			}
		}
	}
}

// resubscribe retries store.Watch with backoff. It returns nil when attempts
// are exhausted or ctx ends.
func (r *KVRepository) resubscribe(ctx context.Context, key string, bo *backoff.Backoff) types.KVWatcher {
	for bo.Attempts() < r.maxResubscribeTries {
		if err := backoff.Sleep(ctx, bo.Next()); err != nil {
			return nil
		}

		kw, err := r.store.Watch(ctx, key)
		if err == nil {
			return kw
		}
		r.logger.Warn("leadership resubscribe failed", "key", key, "attempt", bo.Attempts(), "error", err)
	}

	return nil
}

// apply converts one store change into at most one event.
func (r *KVRepository) apply(entry *types.KVEntry, st *watchState, emit func(LeadershipEvent) bool) bool {
	now := time.Now()

	switch entry.Operation {
	case types.KVOpPut:
		rec, err := decodeLease(entry.Value)
		if err != nil {
			r.logger.Warn("ignoring undecodable leadership record", "key", entry.Key, "error", err)
			return true
		}
		if st.known && st.holder == rec.InstanceID {
			return true
		}
		st.holder, st.known = rec.InstanceID, true

		return emit(LeadershipEvent{
			Type:      EventAcquired,
			LeaderID:  rec.InstanceID,
			Metadata:  maps.Clone(rec.Metadata),
			Revision:  entry.Revision,
			Timestamp: now,
		})

	case types.KVOpDelete, types.KVOpPurge:
		if st.known && st.holder == "" {
			return true
		}
		prev := st.holder
		st.holder, st.known = "", true

		typ := EventReleased
		if entry.Operation == types.KVOpPurge {
			typ = EventExpired
		}

		return emit(LeadershipEvent{Type: typ, LeaderID: prev, Revision: entry.Revision, Timestamp: now})
	}

	return true
}

// reconcile re-reads the key and emits an event if it differs from what the
// consumer last saw. It returns false only when emitting was interrupted.
func (r *KVRepository) reconcile(ctx context.Context, key string, st *watchState, emit func(LeadershipEvent) bool) bool {
	entry, rec, err := r.read(ctx, key)
	switch {
	case errors.Is(err, types.ErrKeyNotFound):
		if st.known && st.holder == "" {
			return true
		}
		prev := st.holder
		st.holder, st.known = "", true

		return emit(LeadershipEvent{Type: EventExpired, LeaderID: prev, Timestamp: time.Now()})

	case err != nil:
		if ctx.Err() == nil {
			r.logger.Debug("leadership re-read failed", "key", key, "error", err)
		}

		return true
	}

	if st.known && st.holder == rec.InstanceID {
		return true
	}
	st.holder, st.known = rec.InstanceID, true

	return emit(LeadershipEvent{
		Type:      EventAcquired,
		LeaderID:  rec.InstanceID,
		Metadata:  maps.Clone(rec.Metadata),
		Revision:  entry.Revision,
		Timestamp: time.Now(),
	})
}

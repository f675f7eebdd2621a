// Package memkv implements types.KVStore in process memory.
//
// The store honours per-key TTLs, conditional writes and prefix watches the
// same way the NATS and etcd adapters do, which makes it the default backend
// for unit tests. It also offers fault injection (SetFailure, BreakWatches,
// Expire) so tests can drive failover paths deterministically.
package memkv

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/solo/types"
)

const (
	defaultSweepInterval = 20 * time.Millisecond
	watchBuffer          = 1024
)

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval sets how often expired keys are purged. Expiry is also
// checked lazily on every read, so this only affects watch latency.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// WithDefaultTTL sets the TTL applied to puts without an explicit TTL.
// Zero means entries never expire.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		s.defaultTTL = d
	}
}

type entry struct {
	value     []byte
	revision  uint64
	created   time.Time
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is an in-memory types.KVStore.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	revision uint64
	watchers map[uint64]*watcher
	nextWID  uint64
	failure  error

	defaultTTL    time.Duration
	sweepInterval time.Duration
	calls         atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
	closed atomic.Bool
}

// Compile-time assertion that Store implements KVStore.
var _ types.KVStore = (*Store)(nil)

// New creates a Store and starts its expiry sweeper. Call Close to stop it.
func New(opts ...Option) *Store {
	s := &Store{
		entries:       make(map[string]*entry),
		watchers:      make(map[uint64]*watcher),
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()

	return s
}

// Close stops the sweeper and closes every watcher.
func (s *Store) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.stopCh)
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.watchers {
		w.closeLocked()
		delete(s.watchers, id)
	}
}

// Calls returns the number of store operations attempted so far.
func (s *Store) Calls() int64 {
	return s.calls.Load()
}

// SetFailure makes every subsequent operation fail with err. A nil err
// restores normal behaviour.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// BreakWatches closes every active watcher as if the subscription was lost.
func (s *Store) BreakWatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.watchers {
		w.closeLocked()
		delete(s.watchers, id)
	}
}

// Expire removes key immediately and emits a purge event, simulating TTL expiry.
func (s *Store) Expire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false
	}
	s.removeLocked(key, types.KVOpPurge)

	return true
}

// Put implements types.KVStore.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts types.PutOptions) (uint64, error) {
	if err := s.begin(ctx); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}

	now := time.Now()
	cur := s.liveLocked(key, now)

	switch {
	case opts.CreateOnly && cur != nil:
		return 0, types.NewConflictError(key, types.ConflictKeyExists)
	case opts.UpdateOnly && cur == nil:
		return 0, types.NewConflictError(key, types.ConflictKeyMissing)
	case opts.Revision != 0 && (cur == nil || cur.revision != opts.Revision):
		return 0, types.NewConflictError(key, types.ConflictRevisionMismatch)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	s.revision++
	e := &entry{
		value:    slices.Clone(value),
		revision: s.revision,
		created:  now,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.entries[key] = e
	s.notifyLocked(&types.KVEntry{
		Key:       key,
		Value:     slices.Clone(value),
		Revision:  e.revision,
		Created:   now,
		Operation: types.KVOpPut,
	})

	return e.revision, nil
}

// Get implements types.KVStore.
func (s *Store) Get(ctx context.Context, key string) (*types.KVEntry, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}

	e := s.liveLocked(key, time.Now())
	if e == nil {
		return nil, types.ErrKeyNotFound
	}

	return &types.KVEntry{
		Key:       key,
		Value:     slices.Clone(e.value),
		Revision:  e.revision,
		Created:   e.created,
		Operation: types.KVOpPut,
	}, nil
}

// Delete implements types.KVStore.
func (s *Store) Delete(ctx context.Context, key string, revision uint64) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return false, s.failure
	}

	e := s.liveLocked(key, time.Now())
	if e == nil {
		return false, nil
	}
	if revision != 0 && e.revision != revision {
		return false, types.NewConflictError(key, types.ConflictRevisionMismatch)
	}
	s.removeLocked(key, types.KVOpDelete)

	return true, nil
}

// Keys implements types.KVStore.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return nil, s.failure
	}

	now := time.Now()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) && s.liveLocked(k, now) != nil {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	return keys, nil
}

// Watch implements types.KVStore.
func (s *Store) Watch(ctx context.Context, prefix string) (types.KVWatcher, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.failure != nil {
		err := s.failure
		s.mu.Unlock()

		return nil, err
	}
	s.nextWID++
	w := &watcher{
		id:      s.nextWID,
		prefix:  prefix,
		store:   s,
		updates: make(chan *types.KVEntry, watchBuffer),
		done:    make(chan struct{}),
	}
	s.watchers[w.id] = w
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = w.Stop()
		case <-w.done:
		}
	}()

	return w, nil
}

func (s *Store) begin(ctx context.Context) error {
	s.calls.Add(1)
	if s.closed.Load() {
		return types.ErrConnectivity
	}

	return ctx.Err()
}

// liveLocked returns the entry for key, purging it first if it has expired.
func (s *Store) liveLocked(key string, now time.Time) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		s.removeLocked(key, types.KVOpPurge)
		return nil
	}

	return e
}

func (s *Store) removeLocked(key string, op types.KVOperation) {
	delete(s.entries, key)
	s.revision++
	s.notifyLocked(&types.KVEntry{
		Key:       key,
		Revision:  s.revision,
		Created:   time.Now(),
		Operation: op,
	})
}

func (s *Store) notifyLocked(ev *types.KVEntry) {
	for id, w := range s.watchers {
		if !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.updates <- ev:
		default:
			// A consumer that fell this far behind has lost events; close it so
			// it resubscribes and re-reads state.
			w.closeLocked()
			delete(s.watchers, id)
		}
	}
}

func (s *Store) sweepLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, e := range s.entries {
		if e.expired(now) {
			s.removeLocked(k, types.KVOpPurge)
		}
	}
}

type watcher struct {
	id      uint64
	prefix  string
	store   *Store
	updates chan *types.KVEntry
	done    chan struct{}
	closed  bool
}

func (w *watcher) Updates() <-chan *types.KVEntry {
	return w.updates
}

func (w *watcher) Stop() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	if !w.closed {
		w.closeLocked()
		delete(w.store.watchers, w.id)
	}

	return nil
}

func (w *watcher) closeLocked() {
	if w.closed {
		return
	}
	w.closed = true
	close(w.updates)
	close(w.done)
}

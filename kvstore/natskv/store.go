// Package natskv implements types.KVStore on a NATS JetStream KeyValue bucket.
//
// Key expiry is configured per bucket (KeyValueConfig.TTL). PutOptions.TTL is
// therefore advisory: the bucket TTL decides when entries disappear, so the
// election and the registry each get their own bucket sized to their TTL.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/solo/internal/kvutil"
	"github.com/arloliu/solo/types"
)

const maxUpdateAttempts = 3

// Store adapts a jetstream.KeyValue bucket to types.KVStore.
type Store struct {
	kv jetstream.KeyValue
}

// Compile-time assertion that Store implements KVStore.
var _ types.KVStore = (*Store)(nil)

// New wraps an existing bucket.
func New(kv jetstream.KeyValue) *Store {
	return &Store{kv: kv}
}

// Open creates or opens the bucket described by spec and wraps it.
//
// Parameters:
//   - ctx: Context for bucket creation
//   - js: JetStream context
//   - spec: Bucket name, TTL and storage
//
// Returns:
//   - *Store: Store backed by the bucket
//   - error: Bucket creation error
func Open(ctx context.Context, js jetstream.JetStream, spec kvutil.BucketSpec) (*Store, error) {
	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, spec.Config(), 3)
	if err != nil {
		return nil, err
	}

	return New(kv), nil
}

// Bucket returns the underlying bucket name.
func (s *Store) Bucket() string {
	return s.kv.Bucket()
}

// Put implements types.KVStore.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts types.PutOptions) (uint64, error) {
	switch {
	case opts.CreateOnly:
		rev, err := s.kv.Create(ctx, key, value)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, types.NewConflictError(key, types.ConflictKeyExists)
		}
		if err != nil {
			return 0, fmt.Errorf("create %s: %w", key, err)
		}

		return rev, nil

	case opts.Revision != 0:
		rev, err := s.kv.Update(ctx, key, value, opts.Revision)
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, types.NewConflictError(key, types.ConflictRevisionMismatch)
		}
		if err != nil {
			return 0, fmt.Errorf("update %s: %w", key, err)
		}

		return rev, nil

	case opts.UpdateOnly:
		return s.updateExisting(ctx, key, value)

	default:
		rev, err := s.kv.Put(ctx, key, value)
		if err != nil {
			return 0, fmt.Errorf("put %s: %w", key, err)
		}

		return rev, nil
	}
}

// updateExisting overwrites key only while it exists. Concurrent writers
// between the read and the update cause a bounded number of re-reads.
func (s *Store) updateExisting(ctx context.Context, key string, value []byte) (uint64, error) {
	for range maxUpdateAttempts {
		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, types.NewConflictError(key, types.ConflictKeyMissing)
		}
		if err != nil {
			return 0, fmt.Errorf("get %s: %w", key, err)
		}

		rev, err := s.kv.Update(ctx, key, value, entry.Revision())
		if err == nil {
			return rev, nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("update %s: %w", key, err)
		}
	}

	return 0, types.NewConflictError(key, types.ConflictRevisionMismatch)
}

// Get implements types.KVStore.
func (s *Store) Get(ctx context.Context, key string) (*types.KVEntry, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, types.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	return convertEntry(entry), nil
}

// Delete implements types.KVStore.
func (s *Store) Delete(ctx context.Context, key string, revision uint64) (bool, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}

	if revision != 0 && entry.Revision() != revision {
		return false, types.NewConflictError(key, types.ConflictRevisionMismatch)
	}

	expect := entry.Revision()
	if err := s.kv.Delete(ctx, key, jetstream.LastRevision(expect)); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return false, types.NewConflictError(key, types.ConflictRevisionMismatch)
		}

		return false, fmt.Errorf("delete %s: %w", key, err)
	}

	return true, nil
}

// Keys implements types.KVStore.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) || types.IsNoKeysFoundError(err) {
			return []string{}, nil
		}

		return nil, fmt.Errorf("list keys: %w", err)
	}

	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	return keys, nil
}

// Watch implements types.KVStore.
//
// NATS watches by subject, so a prefix ending in "." watches every key below
// it, an empty prefix watches the whole bucket and any other prefix is
// treated as an exact key.
func (s *Store) Watch(ctx context.Context, prefix string) (types.KVWatcher, error) {
	w, err := s.kv.Watch(ctx, watchPattern(prefix), jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrWatcherFailed, err)
	}

	out := &watcher{
		src:     w,
		updates: make(chan *types.KVEntry, 64),
		done:    make(chan struct{}),
	}
	go out.pump(ctx)

	return out, nil
}

func watchPattern(prefix string) string {
	switch {
	case prefix == "":
		return ">"
	case strings.HasSuffix(prefix, "."):
		return prefix + ">"
	default:
		return prefix
	}
}

func convertEntry(e jetstream.KeyValueEntry) *types.KVEntry {
	op := types.KVOpPut
	switch e.Operation() {
	case jetstream.KeyValueDelete:
		op = types.KVOpDelete
	case jetstream.KeyValuePurge:
		op = types.KVOpPurge
	}

	return &types.KVEntry{
		Key:       e.Key(),
		Value:     e.Value(),
		Revision:  e.Revision(),
		Created:   e.Created(),
		Operation: op,
	}
}

type watcher struct {
	src      jetstream.KeyWatcher
	updates  chan *types.KVEntry
	done     chan struct{}
	stopOnce sync.Once
}

func (w *watcher) Updates() <-chan *types.KVEntry {
	return w.updates
}

func (w *watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.src.Stop()
	})

	return err
}

func (w *watcher) pump(ctx context.Context) {
	defer close(w.updates)

	src := w.src.Updates()
	for {
		select {
		case <-ctx.Done():
			_ = w.src.Stop()
			return
		case <-w.done:
			return
		case e, ok := <-src:
			if !ok {
				return
			}
			if e == nil {
				// end of initial replay marker
				continue
			}

			select {
			case w.updates <- convertEntry(e):
			case <-w.done:
				return
			case <-ctx.Done():
				_ = w.src.Stop()
				return
			case <-time.After(5 * time.Second):
				// Consumer stalled; drop the watch so it resubscribes and re-reads.
				_ = w.src.Stop()
				return
			}
		}
	}
}

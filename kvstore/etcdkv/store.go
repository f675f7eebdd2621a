// Package etcdkv implements types.KVStore on etcd v3.
//
// TTLs map to leases granted per write, conditional writes map to
// transactions comparing create/mod revisions, and watches use prefix
// watches. etcd reports lease expiry and explicit deletes alike as DELETE
// events; the watcher looks up the deleted key's lease and reports KVOpPurge
// when the lease is gone (expired or revoked) and KVOpDelete otherwise. A
// client delete racing its own lease expiry may be reported as KVOpPurge.
package etcdkv

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/arloliu/solo/types"
)

// leaseLookupTimeout bounds the lease lookup that classifies a DELETE event.
const leaseLookupTimeout = time.Second

// Store adapts an etcd client to types.KVStore.
type Store struct {
	cli    *clientv3.Client
	prefix string
}

// Compile-time assertion that Store implements KVStore.
var _ types.KVStore = (*Store)(nil)

// New wraps cli. namespace is prepended to every key so several deployments
// can share one cluster; it is stripped from keys handed back to callers.
func New(cli *clientv3.Client, namespace string) *Store {
	return &Store{cli: cli, prefix: namespace}
}

// Dial connects to endpoints and returns a Store plus a close function.
func Dial(endpoints []string, namespace string, dialTimeout time.Duration) (*Store, func() error, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", types.ErrConnectivity, err)
	}

	return New(cli, namespace), cli.Close, nil
}

func (s *Store) fullKey(key string) string {
	return s.prefix + key
}

func (s *Store) stripKey(key string) string {
	return key[len(s.prefix):]
}

// Put implements types.KVStore.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts types.PutOptions) (uint64, error) {
	k := s.fullKey(key)

	var putOpts []clientv3.OpOption
	if opts.TTL > 0 {
		lease, err := s.cli.Grant(ctx, ttlSeconds(opts.TTL))
		if err != nil {
			return 0, fmt.Errorf("grant lease for %s: %w", key, err)
		}
		putOpts = append(putOpts, clientv3.WithLease(lease.ID))
	}

	var (
		cmp    clientv3.Cmp
		reason types.ConflictReason
		guard  bool
	)
	switch {
	case opts.CreateOnly:
		cmp, reason, guard = clientv3.Compare(clientv3.CreateRevision(k), "=", 0), types.ConflictKeyExists, true
	case opts.Revision != 0:
		if opts.Revision > math.MaxInt64 {
			return 0, types.NewConflictError(key, types.ConflictRevisionMismatch)
		}
		cmp, reason, guard = clientv3.Compare(clientv3.ModRevision(k), "=", int64(opts.Revision)), types.ConflictRevisionMismatch, true
	case opts.UpdateOnly:
		cmp, reason, guard = clientv3.Compare(clientv3.CreateRevision(k), ">", 0), types.ConflictKeyMissing, true
	}

	if !guard {
		resp, err := s.cli.Put(ctx, k, string(value), putOpts...)
		if err != nil {
			return 0, fmt.Errorf("put %s: %w", key, err)
		}

		return uint64(resp.Header.Revision), nil //nolint:gosec // etcd revisions are positive
	}

	resp, err := s.cli.Txn(ctx).If(cmp).Then(clientv3.OpPut(k, string(value), putOpts...)).Commit()
	if err != nil {
		return 0, fmt.Errorf("txn put %s: %w", key, err)
	}
	if !resp.Succeeded {
		return 0, types.NewConflictError(key, reason)
	}

	return uint64(resp.Header.Revision), nil //nolint:gosec // etcd revisions are positive
}

// Get implements types.KVStore.
func (s *Store) Get(ctx context.Context, key string) (*types.KVEntry, error) {
	resp, err := s.cli.Get(ctx, s.fullKey(key))
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, types.ErrKeyNotFound
	}

	kv := resp.Kvs[0]

	return &types.KVEntry{
		Key:       key,
		Value:     kv.Value,
		Revision:  uint64(kv.ModRevision), //nolint:gosec // etcd revisions are positive
		Operation: types.KVOpPut,
	}, nil
}

// Delete implements types.KVStore.
func (s *Store) Delete(ctx context.Context, key string, revision uint64) (bool, error) {
	k := s.fullKey(key)

	if revision == 0 {
		resp, err := s.cli.Delete(ctx, k)
		if err != nil {
			return false, fmt.Errorf("delete %s: %w", key, err)
		}

		return resp.Deleted > 0, nil
	}

	resp, err := s.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(k), "=", int64(revision))). //nolint:gosec // bounded by etcd
		Then(clientv3.OpDelete(k)).
		Else(clientv3.OpGet(k, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return false, fmt.Errorf("txn delete %s: %w", key, err)
	}
	if resp.Succeeded {
		return true, nil
	}
	if len(resp.Responses) > 0 {
		if r := resp.Responses[0].GetResponseRange(); r != nil && r.Count == 0 {
			return false, nil
		}
	}

	return false, types.NewConflictError(key, types.ConflictRevisionMismatch)
}

// Keys implements types.KVStore.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := s.cli.Get(ctx, s.fullKey(prefix), clientv3.WithPrefix(), clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("list keys %s: %w", prefix, err)
	}

	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, s.stripKey(string(kv.Key)))
	}

	return keys, nil
}

// Watch implements types.KVStore.
func (s *Store) Watch(ctx context.Context, prefix string) (types.KVWatcher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	w := &watcher{
		updates: make(chan *types.KVEntry, 64),
		cancel:  cancel,
	}
	ch := s.cli.Watch(wctx, s.fullKey(prefix), clientv3.WithPrefix(), clientv3.WithPrevKV())
	go w.pump(wctx, s, ch)

	return w, nil
}

type watcher struct {
	updates chan *types.KVEntry
	cancel  context.CancelFunc
	once    sync.Once
}

func (w *watcher) Updates() <-chan *types.KVEntry {
	return w.updates
}

func (w *watcher) Stop() error {
	w.once.Do(w.cancel)
	return nil
}

func (w *watcher) pump(ctx context.Context, s *Store, ch clientv3.WatchChan) {
	defer close(w.updates)

	for resp := range ch {
		if resp.Err() != nil || resp.Canceled {
			return
		}
		for _, ev := range resp.Events {
			entry := &types.KVEntry{
				Key:       s.stripKey(string(ev.Kv.Key)),
				Value:     ev.Kv.Value,
				Revision:  uint64(ev.Kv.ModRevision), //nolint:gosec // etcd revisions are positive
				Created:   time.Now(),
				Operation: types.KVOpPut,
			}
			if ev.Type == clientv3.EventTypeDelete {
				entry.Operation = s.deleteOp(ctx, ev)
			}

			select {
			case w.updates <- entry:
			case <-ctx.Done():
				return
			}
		}
	}
}

// deleteOp classifies a DELETE event. Writes with a TTL get their own lease
// and Delete never revokes it, so a key whose lease no longer exists was
// removed by expiry.
func (s *Store) deleteOp(ctx context.Context, ev *clientv3.Event) types.KVOperation {
	if ev.PrevKv == nil || ev.PrevKv.Lease == 0 {
		return types.KVOpDelete
	}

	lctx, cancel := context.WithTimeout(ctx, leaseLookupTimeout)
	defer cancel()

	resp, err := s.cli.TimeToLive(lctx, clientv3.LeaseID(ev.PrevKv.Lease))
	if err != nil || resp.TTL > 0 {
		return types.KVOpDelete
	}

	return types.KVOpPurge
}

func ttlSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}

	return max(secs, 1)
}

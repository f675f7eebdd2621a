package types

import (
	"context"
	"time"
)

// KVOperation identifies the kind of change carried by a KVEntry.
type KVOperation int

const (
	// KVOpPut is a create or update.
	KVOpPut KVOperation = iota

	// KVOpDelete is an explicit delete.
	KVOpDelete

	// KVOpPurge is a purge or TTL expiry.
	KVOpPurge
)

// String returns the string representation of the operation.
func (o KVOperation) String() string {
	switch o {
	case KVOpPut:
		return "PUT"
	case KVOpDelete:
		return "DELETE"
	case KVOpPurge:
		return "PURGE"
	default:
		return "UNKNOWN"
	}
}

// KVEntry is a single key revision returned by Get or delivered by a watch.
type KVEntry struct {
	Key       string
	Value     []byte
	Revision  uint64
	Created   time.Time
	Operation KVOperation
}

// PutOptions controls conditional and expiring writes.
//
// CreateOnly and UpdateOnly are mutually exclusive. Revision, when non-zero,
// makes the write succeed only if the stored revision equals it.
type PutOptions struct {
	// TTL is the entry lifetime. Zero means the store default.
	TTL time.Duration

	// CreateOnly fails with a ConflictError when the key exists.
	CreateOnly bool

	// UpdateOnly fails with a ConflictError when the key is missing.
	UpdateOnly bool

	// Revision is the expected current revision for compare-and-swap.
	Revision uint64
}

// KVStore is the port every coordination component talks to.
//
// Implementations must provide linearizable conditional writes, per-key
// revisions and entry expiry. Conditional write failures are reported as
// *ConflictError (errors.Is(err, ErrConflict)), never as plain errors.
//
// Implementations:
//   - kvstore/natskv: NATS JetStream KV (canonical)
//   - kvstore/etcdkv: etcd v3
//   - kvstore/memkv: in-process fake for tests and embedding
type KVStore interface {
	// Put writes value under key.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - key: Dotted key
	//   - value: Raw value bytes
	//   - opts: Conditional write and TTL options
	//
	// Returns:
	//   - uint64: New revision of the key
	//   - error: *ConflictError when a precondition fails, other errors on store failure
	Put(ctx context.Context, key string, value []byte, opts PutOptions) (uint64, error)

	// Get returns the current entry for key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (*KVEntry, error)

	// Delete removes key. A non-zero revision makes the delete conditional.
	//
	// Returns:
	//   - bool: true if the key was deleted, false if it did not exist
	//   - error: *ConflictError on revision mismatch, other errors on store failure
	Delete(ctx context.Context, key string, revision uint64) (bool, error)

	// Keys lists keys starting with prefix. An empty store yields an empty slice.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Watch streams changes to keys starting with prefix. Only changes made
	// after the call are delivered.
	Watch(ctx context.Context, prefix string) (KVWatcher, error)
}

// KVWatcher delivers changes for a watched prefix.
//
// The Updates channel is closed when the watcher stops, either because Stop
// was called, the watch context ended or the underlying subscription broke.
type KVWatcher interface {
	Updates() <-chan *KVEntry
	Stop() error
}

package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/types"
)

// DefaultKeyPrefix is the first token of every leadership key.
const DefaultKeyPrefix = "sticky-active"

// Repository is the leadership store used by the sticky-active lifecycle.
//
// Contention is never an error: losing a race returns false with a nil
// error. Errors are reserved for invalid input and store failures.
type Repository interface {
	// AttemptLeadership tries to become leader of (service, group).
	//
	// Idempotent: if the instance already holds the lease it is renewed and
	// true is returned.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - service: Service name
	//   - instance: Candidate instance ID
	//   - group: Sticky-active group
	//   - ttlSeconds: Lease lifetime in seconds, must be positive
	//   - metadata: Optional data stored with the lease
	//
	// Returns:
	//   - bool: true if the instance holds leadership after the call
	//   - error: types.ErrInvalidTTL/ErrInvalidName before any I/O, or a wrapped store error
	AttemptLeadership(ctx context.Context, service types.ServiceName, instance types.InstanceID, group types.GroupID, ttlSeconds int64, metadata map[string]string) (bool, error)

	// UpdateLeadership renews the lease only if instance still holds it.
	// A lost or expired lease yields false, never an error.
	UpdateLeadership(ctx context.Context, service types.ServiceName, instance types.InstanceID, group types.GroupID, ttlSeconds int64, metadata map[string]string) (bool, error)

	// GetCurrentLeader returns the current holder and its metadata. An empty
	// instance ID means the group has no leader.
	GetCurrentLeader(ctx context.Context, service types.ServiceName, group types.GroupID) (types.InstanceID, map[string]string, error)

	// ReleaseLeadership deletes the lease if instance holds it.
	ReleaseLeadership(ctx context.Context, service types.ServiceName, instance types.InstanceID, group types.GroupID) (bool, error)

	// WatchLeadership streams leadership changes for (service, group).
	WatchLeadership(ctx context.Context, service types.ServiceName, group types.GroupID) (*LeadershipWatch, error)
}

// leaseRecord is the JSON value stored under a leadership key.
type leaseRecord struct {
	InstanceID types.InstanceID  `json:"instance_id"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at"`
	RenewedAt  time.Time         `json:"renewed_at"`
}

// heldLease caches what this process last wrote for a key so renewals can
// skip the read in the common case.
type heldLease struct {
	revision   uint64
	acquiredAt time.Time
	metadata   map[string]string
}

// KVRepository implements Repository on a types.KVStore.
type KVRepository struct {
	store  types.KVStore
	prefix string
	logger types.Logger

	pollInterval        time.Duration
	resubscribeBase     time.Duration
	resubscribeCap      time.Duration
	maxResubscribeTries int

	held *xsync.Map[string, heldLease]
}

// Compile-time assertion that KVRepository implements Repository.
var _ Repository = (*KVRepository)(nil)

// RepositoryOption configures a KVRepository.
type RepositoryOption func(*KVRepository)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RepositoryOption {
	return func(r *KVRepository) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger types.Logger) RepositoryOption {
	return func(r *KVRepository) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPollInterval sets how often a watch re-reads the key as a fallback for
// missed store events.
func WithPollInterval(d time.Duration) RepositoryOption {
	return func(r *KVRepository) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithResubscribe configures watch recovery: backoff base, backoff cap and
// the number of consecutive failed resubscriptions before the watch fails.
func WithResubscribe(base, capDur time.Duration, maxAttempts int) RepositoryOption {
	return func(r *KVRepository) {
		if base > 0 {
			r.resubscribeBase = base
		}
		if capDur > 0 {
			r.resubscribeCap = capDur
		}
		if maxAttempts > 0 {
			r.maxResubscribeTries = maxAttempts
		}
	}
}

// NewKVRepository creates a repository over store.
func NewKVRepository(store types.KVStore, opts ...RepositoryOption) *KVRepository {
	r := &KVRepository{
		store:               store,
		prefix:              DefaultKeyPrefix,
		logger:              logging.NewNop(),
		pollInterval:        time.Second,
		resubscribeBase:     100 * time.Millisecond,
		resubscribeCap:      2 * time.Second,
		maxResubscribeTries: 5,
		held:                xsync.NewMap[string, heldLease](),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Key returns the leadership key for (service, group).
func (r *KVRepository) Key(service types.ServiceName, group types.GroupID) string {
	return r.prefix + "." + string(service) + "." + string(group)
}

// AttemptLeadership implements Repository.
func (r *KVRepository) AttemptLeadership(
	ctx context.Context,
	service types.ServiceName,
	instance types.InstanceID,
	group types.GroupID,
	ttlSeconds int64,
	metadata map[string]string,
) (bool, error) {
	if err := validateLeaseArgs(service, instance, group, ttlSeconds); err != nil {
		return false, err
	}

	key := r.Key(service, group)
	ttl := time.Duration(ttlSeconds) * time.Second

	// Two rounds cover the key vanishing between our failed create and the read.
	for range 2 {
		now := time.Now()
		rec := leaseRecord{InstanceID: instance, Metadata: metadata, AcquiredAt: now, RenewedAt: now}
		data, err := json.Marshal(rec)
		if err != nil {
			return false, fmt.Errorf("encode lease: %w", err)
		}

		rev, err := r.store.Put(ctx, key, data, types.PutOptions{TTL: ttl, CreateOnly: true})
		if err == nil {
			r.remember(key, instance, rev, now, metadata)
			r.logger.Debug("leadership acquired", "key", key, "instance_id", instance, "revision", rev)

			return true, nil
		}
		if !types.IsConflict(err) {
			return false, fmt.Errorf("attempt leadership %s: %w", key, err)
		}

		entry, cur, err := r.read(ctx, key)
		if errors.Is(err, types.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if cur.InstanceID != instance {
			return false, nil
		}

		// Our own lease, typically found again after a restart within the TTL.
		if metadata == nil {
			metadata = cur.Metadata
		}
		held, err := r.renewAt(ctx, key, instance, entry.Revision, cur.AcquiredAt, metadata, ttl)
		if err != nil {
			return false, err
		}
		if held {
			return true, nil
		}
	}

	return false, nil
}

// UpdateLeadership implements Repository.
func (r *KVRepository) UpdateLeadership(
	ctx context.Context,
	service types.ServiceName,
	instance types.InstanceID,
	group types.GroupID,
	ttlSeconds int64,
	metadata map[string]string,
) (bool, error) {
	if err := validateLeaseArgs(service, instance, group, ttlSeconds); err != nil {
		return false, err
	}

	key := r.Key(service, group)
	ttl := time.Duration(ttlSeconds) * time.Second

	if lease, ok := r.held.Load(heldKey(key, instance)); ok {
		md := metadata
		if md == nil {
			md = lease.metadata
		}
		held, err := r.renewAt(ctx, key, instance, lease.revision, lease.acquiredAt, md, ttl)
		if err != nil || held {
			return held, err
		}
	}

	entry, cur, err := r.read(ctx, key)
	if errors.Is(err, types.ErrKeyNotFound) {
		r.forget(key, instance)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.InstanceID != instance {
		r.forget(key, instance)
		return false, nil
	}

	if metadata == nil {
		metadata = cur.Metadata
	}

	return r.renewAt(ctx, key, instance, entry.Revision, cur.AcquiredAt, metadata, ttl)
}

// GetCurrentLeader implements Repository.
func (r *KVRepository) GetCurrentLeader(ctx context.Context, service types.ServiceName, group types.GroupID) (types.InstanceID, map[string]string, error) {
	if err := service.Validate(); err != nil {
		return "", nil, err
	}
	if err := group.Validate(); err != nil {
		return "", nil, err
	}

	_, cur, err := r.read(ctx, r.Key(service, group))
	if errors.Is(err, types.ErrKeyNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}

	return cur.InstanceID, maps.Clone(cur.Metadata), nil
}

// ReleaseLeadership implements Repository.
func (r *KVRepository) ReleaseLeadership(ctx context.Context, service types.ServiceName, instance types.InstanceID, group types.GroupID) (bool, error) {
	if err := validateLeaseArgs(service, instance, group, 1); err != nil {
		return false, err
	}

	key := r.Key(service, group)
	defer r.forget(key, instance)

	entry, cur, err := r.read(ctx, key)
	if errors.Is(err, types.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if cur.InstanceID != instance {
		return false, nil
	}

	deleted, err := r.store.Delete(ctx, key, entry.Revision)
	if types.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release leadership %s: %w", key, err)
	}
	if deleted {
		r.logger.Info("leadership released", "key", key, "instance_id", instance)
	}

	return deleted, nil
}

// renewAt rewrites the lease with a compare-and-swap on revision.
func (r *KVRepository) renewAt(
	ctx context.Context,
	key string,
	instance types.InstanceID,
	revision uint64,
	acquiredAt time.Time,
	metadata map[string]string,
	ttl time.Duration,
) (bool, error) {
	now := time.Now()
	data, err := json.Marshal(leaseRecord{InstanceID: instance, Metadata: metadata, AcquiredAt: acquiredAt, RenewedAt: now})
	if err != nil {
		return false, fmt.Errorf("encode lease: %w", err)
	}

	rev, err := r.store.Put(ctx, key, data, types.PutOptions{TTL: ttl, Revision: revision})
	if types.IsConflict(err) {
		r.forget(key, instance)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("renew leadership %s: %w", key, err)
	}
	r.remember(key, instance, rev, acquiredAt, metadata)

	return true, nil
}

func (r *KVRepository) read(ctx context.Context, key string) (*types.KVEntry, leaseRecord, error) {
	entry, err := r.store.Get(ctx, key)
	if errors.Is(err, types.ErrKeyNotFound) {
		return nil, leaseRecord{}, types.ErrKeyNotFound
	}
	if err != nil {
		return nil, leaseRecord{}, fmt.Errorf("read leadership %s: %w", key, err)
	}

	rec, err := decodeLease(entry.Value)
	if err != nil {
		return nil, leaseRecord{}, fmt.Errorf("decode leadership %s: %w", key, err)
	}

	return entry, rec, nil
}

func (r *KVRepository) remember(key string, instance types.InstanceID, rev uint64, acquiredAt time.Time, metadata map[string]string) {
	r.held.Store(heldKey(key, instance), heldLease{revision: rev, acquiredAt: acquiredAt, metadata: maps.Clone(metadata)})
}

func (r *KVRepository) forget(key string, instance types.InstanceID) {
	r.held.Delete(heldKey(key, instance))
}

func heldKey(key string, instance types.InstanceID) string {
	return key + "/" + string(instance)
}

func decodeLease(data []byte) (leaseRecord, error) {
	var rec leaseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return leaseRecord{}, err
	}
	if rec.InstanceID == "" {
		return leaseRecord{}, errors.New("lease without instance_id")
	}

	return rec, nil
}

func validateLeaseArgs(service types.ServiceName, instance types.InstanceID, group types.GroupID, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("%w: got %d seconds", types.ErrInvalidTTL, ttlSeconds)
	}
	if err := service.Validate(); err != nil {
		return err
	}
	if err := instance.Validate(); err != nil {
		return err
	}

	return group.Validate()
}

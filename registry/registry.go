// Package registry stores service instance liveness records in a KV store.
//
// Each running instance owns one key:
//
//	<prefix>.<service>.<instance>
//
// The value is the JSON form of types.ServiceInstance. Entries carry a TTL so
// that a crashed instance disappears without anyone deleting it; live
// instances refresh their entry every heartbeat.
//
// A heartbeat that finds its entry gone (evicted by TTL or compaction)
// registers the instance again. That path logs a warning and is counted by
// Reregistrations so that a TTL configured shorter than the heartbeat
// interval shows up in health output instead of healing silently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/types"
)

// DefaultPrefix is the first key token of registry entries.
const DefaultPrefix = "service-instances"

var (
	// ErrInstanceNotFound is returned by GetInstance for an unknown instance.
	ErrInstanceNotFound = errors.New("service instance not found")

	// ErrInvalidRecord is returned when a stored value cannot be decoded.
	ErrInvalidRecord = errors.New("invalid registry record")
)

// Registry tracks live service instances.
type Registry interface {
	// Register writes inst with a ttlSeconds lifetime, replacing any previous entry.
	Register(ctx context.Context, inst types.ServiceInstance, ttlSeconds int64) error

	// UpdateHeartbeat refreshes inst. A missing entry is re-registered.
	UpdateHeartbeat(ctx context.Context, inst types.ServiceInstance, ttlSeconds int64) error

	// Deregister removes the instance entry. Removing an unknown instance is not an error.
	Deregister(ctx context.Context, service types.ServiceName, instance types.InstanceID) error

	// GetInstance returns one instance or ErrInstanceNotFound.
	GetInstance(ctx context.Context, service types.ServiceName, instance types.InstanceID) (types.ServiceInstance, error)

	// ListInstances returns every registered instance of service, sorted by instance ID.
	ListInstances(ctx context.Context, service types.ServiceName) ([]types.ServiceInstance, error)

	// ListAllServices groups every registered instance by service.
	ListAllServices(ctx context.Context) (map[types.ServiceName][]types.ServiceInstance, error)
}

// KVRegistry implements Registry on a types.KVStore.
type KVRegistry struct {
	store   types.KVStore
	prefix  string
	logger  types.Logger
	metrics types.MetricsCollector
	now     func() time.Time

	reregistrations atomic.Int64
}

// Compile-time assertion that KVRegistry implements Registry.
var _ Registry = (*KVRegistry)(nil)

// Option configures a KVRegistry.
type Option func(*KVRegistry)

// WithPrefix overrides DefaultPrefix. The prefix must not end with a dot.
func WithPrefix(prefix string) Option {
	return func(r *KVRegistry) {
		if prefix != "" {
			r.prefix = strings.TrimSuffix(prefix, ".")
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(r *KVRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(r *KVRegistry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New creates a registry over store.
func New(store types.KVStore, opts ...Option) *KVRegistry {
	r := &KVRegistry{
		store:   store,
		prefix:  DefaultPrefix,
		logger:  logging.NewNop(),
		metrics: metrics.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Prefix returns the key prefix without the trailing dot.
func (r *KVRegistry) Prefix() string {
	return r.prefix
}

// Key returns the KV key for one instance.
func (r *KVRegistry) Key(service types.ServiceName, instance types.InstanceID) string {
	return r.prefix + "." + string(service) + "." + string(instance)
}

// ServicePrefix returns the key prefix shared by every instance of service,
// including the trailing dot.
func (r *KVRegistry) ServicePrefix(service types.ServiceName) string {
	return r.prefix + "." + string(service) + "."
}

// ParseKey splits a registry key into service and instance.
//
// Returns:
//   - ok: false when key is not a well-formed registry key under this prefix
func (r *KVRegistry) ParseKey(key string) (types.ServiceName, types.InstanceID, bool) {
	rest, found := strings.CutPrefix(key, r.prefix+".")
	if !found {
		return "", "", false
	}
	svc, inst, found := strings.Cut(rest, ".")
	if !found || svc == "" || inst == "" || strings.Contains(inst, ".") {
		return "", "", false
	}

	return types.ServiceName(svc), types.InstanceID(inst), true
}

// Reregistrations returns how many heartbeats found their entry missing.
func (r *KVRegistry) Reregistrations() int64 {
	return r.reregistrations.Load()
}

// Register implements Registry.
func (r *KVRegistry) Register(ctx context.Context, inst types.ServiceInstance, ttlSeconds int64) error {
	if err := validateWrite(&inst, ttlSeconds); err != nil {
		return err
	}
	inst.Touch(r.now())

	return r.write(ctx, inst, ttlSeconds, false)
}

// UpdateHeartbeat implements Registry.
func (r *KVRegistry) UpdateHeartbeat(ctx context.Context, inst types.ServiceInstance, ttlSeconds int64) error {
	if err := validateWrite(&inst, ttlSeconds); err != nil {
		return err
	}
	inst.Touch(r.now())

	err := r.write(ctx, inst, ttlSeconds, true)
	if !types.IsConflict(err) {
		return err
	}

	r.reregistrations.Add(1)
	r.metrics.RecordReregistration(string(inst.ServiceName))
	r.logger.Warn("registry entry missing on heartbeat, re-registering",
		"service", inst.ServiceName,
		"instance_id", inst.InstanceID,
		"ttl_seconds", ttlSeconds,
	)

	return r.write(ctx, inst, ttlSeconds, false)
}

// Deregister implements Registry.
func (r *KVRegistry) Deregister(ctx context.Context, service types.ServiceName, instance types.InstanceID) error {
	if err := service.Validate(); err != nil {
		return err
	}
	if err := instance.Validate(); err != nil {
		return err
	}

	start := time.Now()
	_, err := r.store.Delete(ctx, r.Key(service, instance), 0)
	r.metrics.RecordKVOperationDuration("delete", time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("deregister %s/%s: %w", service, instance, err)
	}

	return nil
}

// GetInstance implements Registry.
func (r *KVRegistry) GetInstance(ctx context.Context, service types.ServiceName, instance types.InstanceID) (types.ServiceInstance, error) {
	if err := service.Validate(); err != nil {
		return types.ServiceInstance{}, err
	}
	if err := instance.Validate(); err != nil {
		return types.ServiceInstance{}, err
	}

	inst, err := r.get(ctx, r.Key(service, instance))
	if errors.Is(err, types.ErrKeyNotFound) {
		return types.ServiceInstance{}, fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, service, instance)
	}

	return inst, err
}

// ListInstances implements Registry.
func (r *KVRegistry) ListInstances(ctx context.Context, service types.ServiceName) ([]types.ServiceInstance, error) {
	if err := service.Validate(); err != nil {
		return nil, err
	}

	return r.list(ctx, r.ServicePrefix(service))
}

// ListAllServices implements Registry.
func (r *KVRegistry) ListAllServices(ctx context.Context) (map[types.ServiceName][]types.ServiceInstance, error) {
	all, err := r.list(ctx, r.prefix+".")
	if err != nil {
		return nil, err
	}

	out := make(map[types.ServiceName][]types.ServiceInstance)
	for _, inst := range all {
		out[inst.ServiceName] = append(out[inst.ServiceName], inst)
	}

	return out, nil
}

func (r *KVRegistry) write(ctx context.Context, inst types.ServiceInstance, ttlSeconds int64, updateOnly bool) error {
	data, err := Encode(inst)
	if err != nil {
		return err
	}

	start := time.Now()
	_, err = r.store.Put(ctx, r.Key(inst.ServiceName, inst.InstanceID), data, types.PutOptions{
		TTL:        time.Duration(ttlSeconds) * time.Second,
		UpdateOnly: updateOnly,
	})
	r.metrics.RecordKVOperationDuration("put", time.Since(start).Seconds())
	if types.IsConflict(err) {
		return err
	}
	if err != nil {
		return fmt.Errorf("write instance %s/%s: %w", inst.ServiceName, inst.InstanceID, err)
	}

	return nil
}

func (r *KVRegistry) get(ctx context.Context, key string) (types.ServiceInstance, error) {
	start := time.Now()
	entry, err := r.store.Get(ctx, key)
	r.metrics.RecordKVOperationDuration("get", time.Since(start).Seconds())
	if errors.Is(err, types.ErrKeyNotFound) {
		return types.ServiceInstance{}, types.ErrKeyNotFound
	}
	if err != nil {
		return types.ServiceInstance{}, fmt.Errorf("read %s: %w", key, err)
	}

	inst, err := Decode(entry.Value)
	if err != nil {
		return types.ServiceInstance{}, fmt.Errorf("decode %s: %w", key, err)
	}

	return inst, nil
}

// list reads every entry under prefix. Entries that vanish between listing
// and reading are skipped, as are undecodable ones.
func (r *KVRegistry) list(ctx context.Context, prefix string) ([]types.ServiceInstance, error) {
	start := time.Now()
	keys, err := r.store.Keys(ctx, prefix)
	r.metrics.RecordKVOperationDuration("keys", time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	out := make([]types.ServiceInstance, 0, len(keys))
	for _, key := range keys {
		if _, _, ok := r.ParseKey(key); !ok {
			continue
		}

		inst, err := r.get(ctx, key)
		switch {
		case errors.Is(err, types.ErrKeyNotFound):
			continue
		case errors.Is(err, ErrInvalidRecord):
			r.logger.Warn("skipping undecodable registry entry", "key", key, "error", err)
			continue
		case err != nil:
			return nil, err
		}
		out = append(out, inst)
	}

	return out, nil
}

func validateWrite(inst *types.ServiceInstance, ttlSeconds int64) error {
	if ttlSeconds <= 0 {
		return fmt.Errorf("%w: got %d seconds", types.ErrInvalidTTL, ttlSeconds)
	}

	return inst.Validate()
}

package solo

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/solo/internal/kvutil"
	"github.com/arloliu/solo/kvstore/natskv"
)

// Stores holds the KV stores an Instance coordinates through.
//
// The three roles may share one store; keys never collide because every
// component writes under its own prefix.
type Stores struct {
	// Election holds leadership leases.
	Election KVStore

	// Registry holds service instance records.
	Registry KVStore

	// StableID holds stable instance ID claims. Only used when
	// Config.InstanceID is empty.
	StableID KVStore
}

// SingleStore uses one store for every role.
func SingleStore(store KVStore) Stores {
	return Stores{Election: store, Registry: store, StableID: store}
}

func (s Stores) validate(needStableID bool) error {
	if s.Election == nil {
		return fmt.Errorf("%w: election", ErrStoreRequired)
	}
	if s.Registry == nil {
		return fmt.Errorf("%w: registry", ErrStoreRequired)
	}
	if needStableID && s.StableID == nil {
		return fmt.Errorf("%w: stable ID", ErrStoreRequired)
	}

	return nil
}

// OpenNATSStores creates or opens the JetStream KV buckets named in
// cfg.KVBuckets.
//
// Bucket TTLs follow the lease durations: LeaderTTL for the election bucket,
// RegistryTTL for the registry bucket and InstanceIDTTL for stable IDs. The
// bucket TTL is the lease; per-key TTLs are not used on JetStream.
//
// Parameters:
//   - ctx: Context for bucket creation
//   - conn: NATS connection with JetStream enabled
//   - cfg: Configuration (defaults are applied to a copy)
//
// Returns:
//   - Stores: One natskv store per role
//   - error: ErrNATSConnectionRequired or a bucket creation error
//
// Example:
//
//	stores, err := solo.OpenNATSStores(ctx, nc, &cfg)
//	if err != nil {
//	    return err
//	}
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithNATSConn(nc))
func OpenNATSStores(ctx context.Context, conn *nats.Conn, cfg *Config) (Stores, error) {
	if conn == nil {
		return Stores{}, ErrNATSConnectionRequired
	}
	if cfg == nil {
		return Stores{}, ErrInvalidConfig
	}

	c := *cfg
	SetDefaults(&c)

	js, err := jetstream.New(conn)
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	election, err := natskv.Open(ctx, js, kvutil.BucketSpec{Name: c.KVBuckets.Election, TTL: c.LeaderTTL})
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create election KV: %w", err)
	}

	registry, err := natskv.Open(ctx, js, kvutil.BucketSpec{Name: c.KVBuckets.Registry, TTL: c.RegistryTTL})
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create registry KV: %w", err)
	}

	stableID, err := natskv.Open(ctx, js, kvutil.BucketSpec{Name: c.KVBuckets.StableID, TTL: c.InstanceIDTTL})
	if err != nil {
		return Stores{}, fmt.Errorf("failed to create stable ID KV: %w", err)
	}

	return Stores{Election: election, Registry: registry, StableID: stableID}, nil
}

// Package kvutil provides utilities for working with NATS JetStream KeyValue stores.
package kvutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/nats-io/nats.go/jetstream"
)

// BucketSpec describes a coordination bucket.
type BucketSpec struct {
	// Name is the bucket name.
	Name string

	// TTL is the bucket-wide entry lifetime. Zero keeps entries forever.
	TTL time.Duration

	// Replicas is the JetStream replica count (defaults to 1).
	Replicas int

	// Memory selects memory storage instead of file storage.
	Memory bool
}

// Config converts the spec into a jetstream.KeyValueConfig.
//
// When a TTL is set the bucket also keeps expiry markers so that watchers
// observe TTL expiry as a purge instead of silence.
func (s BucketSpec) Config() jetstream.KeyValueConfig {
	cfg := jetstream.KeyValueConfig{
		Bucket:   s.Name,
		History:  1,
		TTL:      s.TTL,
		Replicas: max(s.Replicas, 1),
		Storage:  jetstream.FileStorage,
	}
	if s.Memory {
		cfg.Storage = jetstream.MemoryStorage
	}
	if s.TTL > 0 {
		cfg.LimitMarkerTTL = max(s.TTL, time.Second)
	}

	return cfg
}

// EnsureKVBucketWithRetry creates or opens a KV bucket with retry logic.
//
// Several instances usually start at once and race to create the same bucket;
// the loser of the race simply opens the existing one. Transient failures are
// retried with exponential backoff.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - js: JetStream context
//   - config: KV bucket configuration
//   - maxRetries: Maximum number of attempts (default: 3)
//
// Returns:
//   - jetstream.KeyValue: The KV bucket instance
//   - error: Any error that occurred after all retries
//
// Example:
//
//	kv, err := kvutil.EnsureKVBucketWithRetry(ctx, js, kvutil.BucketSpec{
//	    Name: "solo-election",
//	    TTL:  3 * time.Second,
//	}.Config(), 3)
func EnsureKVBucketWithRetry(
	ctx context.Context,
	js jetstream.JetStream,
	config jetstream.KeyValueConfig,
	maxRetries int,
) (jetstream.KeyValue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var kv jetstream.KeyValue
	retrier := retry.NewRetrier(maxRetries, 10*time.Millisecond, 500*time.Millisecond)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		created, err := js.CreateKeyValue(ctx, config)
		if err == nil {
			kv = created
			return nil
		}
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return err
		}

		// Existing bucket with a different config; reuse it as-is.
		opened, err := js.KeyValue(ctx, config.Bucket)
		if err != nil {
			return fmt.Errorf("bucket exists but failed to open: %w", err)
		}
		kv = opened

		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled during KV bucket creation: %w", ctx.Err())
		}

		return nil, fmt.Errorf("failed to create/open KV bucket %s after %d attempts: %w",
			config.Bucket, maxRetries, err)
	}

	return kv, nil
}

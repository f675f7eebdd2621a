// Package stableid claims a stable instance ID of the form <service>-<n> from
// a bounded pool when the configuration does not pin one.
package stableid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/types"
)

// DefaultKeyPrefix is the first token of every stable ID claim key.
const DefaultKeyPrefix = "stable-ids"

// Common errors returned by the claimer.
var (
	ErrNoAvailableID = errors.New("no available instance ID in pool")
	ErrNotClaimed    = errors.New("instance ID not claimed")
	ErrAlreadyClosed = errors.New("claimer already closed")
)

// Claimer handles stable instance ID claiming and renewal.
//
// Claims are TTL entries in the KV store, created with CreateOnly so that two
// instances can never hold the same ID. Renewal is a revision-guarded write:
// if the claim expired and someone else took the ID, renewal stops and the
// loss is logged.
type Claimer struct {
	store     types.KVStore
	keyPrefix string
	service   types.ServiceName
	minID     int
	maxID     int
	ttl       time.Duration
	logger    types.Logger

	mu         sync.Mutex
	instanceID types.InstanceID
	revision   uint64
	renewing   bool
	closed     bool
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewClaimer creates a new stable ID claimer.
//
// Parameters:
//   - store: KV store holding claims
//   - service: Service name, used as the ID prefix
//   - minID: Minimum ID number (inclusive)
//   - maxID: Maximum ID number (inclusive)
//   - ttl: TTL for ID claims
//   - logger: Logger for debug output, nil for none
//
// Returns:
//   - *Claimer: New claimer instance
//
// Example:
//
//	claimer := stableid.NewClaimer(store, "orders", 0, 99, 30*time.Second, logger)
//	id, err := claimer.Claim(ctx)
func NewClaimer(store types.KVStore, service types.ServiceName, minID, maxID int, ttl time.Duration, logger types.Logger) *Claimer {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Claimer{
		store:     store,
		keyPrefix: DefaultKeyPrefix,
		service:   service,
		minID:     minID,
		maxID:     maxID,
		ttl:       ttl,
		logger:    logger,
	}
}

// Claim claims the lowest free ID in the pool.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - types.InstanceID: Claimed ID (e.g., "orders-5")
//   - error: ErrNoAvailableID if the pool is exhausted, or a wrapped store error
func (c *Claimer) Claim(ctx context.Context) (types.InstanceID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrAlreadyClosed
	}
	if c.instanceID != "" {
		return c.instanceID, nil
	}

	c.logger.Debug("stable ID claim starting", "service", c.service, "min", c.minID, "max", c.maxID, "ttl", c.ttl)

	for n := c.minID; n <= c.maxID; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		id := types.InstanceID(fmt.Sprintf("%s-%d", c.service, n))
		rev, err := c.store.Put(ctx, c.key(id), c.value(), types.PutOptions{TTL: c.ttl, CreateOnly: true})
		if err == nil {
			c.instanceID, c.revision = id, rev
			c.logger.Info("stable ID claimed", "instance_id", id, "attempts", n-c.minID+1)

			return id, nil
		}
		if !types.IsConflict(err) {
			return "", fmt.Errorf("claim %s: %w", id, err)
		}
	}

	c.logger.Error("no available stable IDs in pool", "service", c.service, "pool_size", c.maxID-c.minID+1)

	return "", ErrNoAvailableID
}

// StartRenewal renews the claim every ttl/3 until Release or Close.
//
// Parameters:
//   - ctx: Parent context of every renewal write
//
// Returns:
//   - error: ErrNotClaimed before Claim, ErrAlreadyClosed after Close
func (c *Claimer) StartRenewal(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrAlreadyClosed
	}
	if c.instanceID == "" {
		return ErrNotClaimed
	}
	if c.renewing {
		return nil
	}

	c.renewing = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.renewalLoop(ctx, c.stopCh, c.doneCh)

	return nil
}

func (c *Claimer) renewalLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	interval := c.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := c.renew(ctx); err != nil {
				if errors.Is(err, types.ErrConflict) {
					c.logger.Error("stable ID claim lost", "instance_id", c.InstanceID(), "error", err)
					return
				}
				c.logger.Warn("stable ID renewal failed", "instance_id", c.InstanceID(), "error", err)
			}
		}
	}
}

func (c *Claimer) renew(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instanceID == "" {
		return ErrNotClaimed
	}

	rev, err := c.store.Put(ctx, c.key(c.instanceID), c.value(), types.PutOptions{TTL: c.ttl, Revision: c.revision})
	if err != nil {
		return fmt.Errorf("renew %s: %w", c.instanceID, err)
	}
	c.revision = rev

	return nil
}

// Release stops renewal and deletes the claim so the ID can be reused.
//
// Returns:
//   - error: ErrNotClaimed if nothing is held, or a wrapped store error
func (c *Claimer) Release(ctx context.Context) error {
	c.stopRenewal()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.instanceID == "" {
		return ErrNotClaimed
	}

	id, rev := c.instanceID, c.revision
	c.instanceID, c.revision = "", 0

	if _, err := c.store.Delete(ctx, c.key(id), rev); err != nil && !types.IsConflict(err) {
		return fmt.Errorf("release %s: %w", id, err)
	}
	c.logger.Debug("stable ID released", "instance_id", id)

	return nil
}

// Close stops renewal without deleting the claim. The ID stays reserved
// until its TTL expires.
func (c *Claimer) Close() {
	c.stopRenewal()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// InstanceID returns the claimed ID, empty if none.
func (c *Claimer) InstanceID() types.InstanceID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.instanceID
}

func (c *Claimer) stopRenewal() {
	c.mu.Lock()
	if !c.renewing {
		c.mu.Unlock()
		return
	}
	c.renewing = false
	close(c.stopCh)
	done := c.doneCh
	c.mu.Unlock()

	<-done
}

func (c *Claimer) key(id types.InstanceID) string {
	return c.keyPrefix + "." + string(id)
}

func (c *Claimer) value() []byte {
	return []byte(time.Now().UTC().Format(time.RFC3339))
}

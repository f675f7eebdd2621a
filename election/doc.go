// Package election implements sticky-active leader election on a TTL-capable KV store.
//
// Two pieces live here:
//
//   - StickyActiveElection: the pure per-instance state machine
//     (NOT_STARTED → ELECTING → ACTIVE/STANDBY). It performs no I/O.
//   - KVRepository: the store-backed lease protocol that the state machine's
//     transitions are driven by.
//
// # Lease Protocol
//
// One key per (service, group) holds the current leader:
//
//	sticky-active.<service>.<group>
//
// Operations map onto conditional KV writes:
//   - AttemptLeadership: create-only write; if the key exists and holds our
//     own instance ID, renew it (a restarted process that finds its own
//     unexpired key is already leader)
//   - UpdateLeadership: compare-and-swap on the last seen revision
//   - ReleaseLeadership: revision-guarded delete
//
// A leader that stops renewing loses the key when the store's TTL fires.
// The store guarantees at most one successful create per key lifetime, so at
// most one instance observes AttemptLeadership == true at a time.
//
// # Watching
//
// WatchLeadership turns store changes into acquired/released/expired events.
// The stream survives broken store watches by resubscribing and re-reading the
// key, and it polls the key as a fallback so that an expiry the store did not
// announce is still noticed within one poll interval. Delivery is
// at-least-once; consumers must be idempotent.
//
// # Usage
//
//	repo := election.NewKVRepository(store, election.WithLogger(logger))
//
//	won, err := repo.AttemptLeadership(ctx, "orders", "orders-1", "default", 3, nil)
//	if err != nil {
//	    return err
//	}
//	if won {
//	    // renew every heartbeat interval
//	    held, err := repo.UpdateLeadership(ctx, "orders", "orders-1", "default", 3, nil)
//	    ...
//	}
//
// # Failover Time
//
// Worst case failover is TTL + detection threshold + election delay. With a
// 1s TTL and the aggressive policy this stays under two seconds after expiry.
package election

// Package heartbeat runs the periodic liveness tick of a sticky-active instance.
//
// The Publisher owns only the timing loop. What a tick does is supplied by the
// owner as a BeatFunc: an ACTIVE instance renews its leadership lease and
// refreshes its registry entry; a STANDBY instance only refreshes the registry
// entry.
//
// # Publisher Lifecycle
//
//  1. Create publisher with New(instanceID, interval, beat)
//  2. Start ticking with Start(ctx)
//  3. Stop ticking with Stop()
//
// Example:
//
//	publisher := heartbeat.New("orders-1", time.Second, inst.beat,
//	    heartbeat.WithLogger(logger),
//	    heartbeat.WithMetrics(metrics),
//	)
//	if err := publisher.Start(ctx); err != nil {
//	    return err
//	}
//	defer publisher.Stop()
//
// # Failure Tracking
//
// A failing tick does not stop the loop. The Publisher records the start of
// the current failure streak; FailingSince lets the owner decide when errors
// have lasted long enough to act on (for example stepping down once renewals
// have failed for longer than the failover detection threshold).
//
// # Thread Safety
//
// All Publisher methods are safe for concurrent use. Ticks never overlap.
package heartbeat

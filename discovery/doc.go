// Package discovery resolves service instances from the registry and picks
// one to call.
//
// Three layers stack on each other:
//
//   - Basic reads the registry on every call.
//   - Cached keeps the last registry result per service for a TTL and
//     collapses concurrent misses into one registry read.
//   - Watchable is a Cached that also watches the registry prefix and drops a
//     service's entry as soon as any of its instances changes, so the TTL only
//     bounds staleness when the watch is broken.
//
// # Health Filtering
//
// Discover(ctx, service, true) keeps instances whose status is ACTIVE or
// STANDBY. With WithStaleAfter, instances whose last heartbeat is older than
// the threshold are dropped as well.
//
// # Selection
//
// Select picks one instance with a Strategy:
//
//   - RoundRobin: rotates through instances per service
//   - Random: uniform choice
//   - ConsistentHash: same routing key, same instance while membership is stable
//   - PreferActive: the sticky-active leader if one is registered, otherwise round-robin
//
// Selecting from an empty set returns (nil, nil).
package discovery

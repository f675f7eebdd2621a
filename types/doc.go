// Package types provides core type definitions and interfaces for the solo library.
//
// This package contains shared types that are used across multiple packages in the
// solo library. By keeping these types in a separate package, we avoid import cycles
// between the root solo package, the election/registry/discovery packages and the
// internal implementations.
//
// Key types:
//   - ServiceName, InstanceID, GroupID: validated identifiers
//   - ServiceInstance: registry record for one running instance
//   - KVStore, KVWatcher: the key-value store port every coordination component uses
//   - Logger: Structured logging interface
//   - MetricsCollector: Metrics recording interface
//   - Hooks: Lifecycle callbacks
package types

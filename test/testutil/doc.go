// Package testutil provides shared test utilities and fixtures for
// multi-instance tests.
//
// This package contains common setup code, timing profiles and helper
// functions that are used across tests of sticky-active groups:
//   - Cluster: a group of instances over memkv or JetStream KV
//   - ChaosStore: per-instance store partitions and latency
//   - Invariant helpers: at most one ACTIVE, registry agreement, sampling
//   - Wait helpers over Instance.WaitStatus
//
// Note: For NATS server setup, use the github.com/arloliu/solo/testing package.
// This package is specifically for cluster scenarios and helper utilities.
package testutil

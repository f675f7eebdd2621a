// Package testing provides test utilities for the solo library.
//
// This package offers helpers for setting up test environments, particularly
// embedded NATS servers for integration testing. It follows Go's convention
// of providing testing utilities in a dedicated package (similar to net/http/httptest).
//
// Key utilities:
//   - StartEmbeddedNATS: Single NATS server with JetStream
//   - CreateJetStreamKV: KV bucket with a chosen TTL
//   - NewTestLogger: types.Logger that writes through testing.T
//
// Example usage:
//
//	import (
//	    "testing"
//	    solotest "github.com/arloliu/solo/testing"
//	)
//
//	func TestMyComponent(t *testing.T) {
//	    _, nc := solotest.StartEmbeddedNATS(t)
//	    kv := solotest.CreateJetStreamKV(t, nc, "election", 2*time.Second)
//	    // ...
//	}
package testing

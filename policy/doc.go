// Package policy holds the timing policies that drive failover and client retries.
//
// FailoverPolicy bounds how fast a standby notices a dead leader and takes over.
// RetryPolicy shapes the delay between RPC retries after a NOT_ACTIVE response.
// Both are plain values; the delay computations are pure functions of their inputs
// so they can be tested without clocks.
package policy

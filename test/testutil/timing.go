package testutil

import (
	"time"

	"github.com/arloliu/solo"
)

// TimingProfile encapsulates a set of tuned timing parameters for integration tests.
// Profiles centralize commonly used shortened intervals so tests remain consistent
// and easy to adjust globally without touching every file.
//
// The profile follows the configuration invariants:
//   - LeaderTTL = LeaderTTLMultiplier * HeartbeatInterval, never below one second
//   - RegistryTTL = RegistryTTLMultiplier * HeartbeatInterval, never below one second
//   - DetectionThreshold < LeaderTTL so a cut-off leader demotes before a
//     standby can win the expired lease
//
// Only fields that differ from solo defaults should be set; ApplyTo merges with defaults.
type TimingProfile struct {
	HeartbeatInterval     time.Duration
	LeaderTTLMultiplier   float64 // multiplier applied to HeartbeatInterval for LeaderTTL
	RegistryTTLMultiplier float64 // multiplier applied to HeartbeatInterval for RegistryTTL
	FailoverPolicy        string
	DetectionThreshold    time.Duration
	ElectionDelay         time.Duration
	OperationTimeout      time.Duration
	ShutdownTimeout       time.Duration
	InstanceIDTTL         time.Duration
	MaxWatchFailures      int
}

// MakeFast returns an aggressive profile for fast election and failover tests.
func MakeFast() TimingProfile {
	return TimingProfile{
		HeartbeatInterval:     200 * time.Millisecond,
		LeaderTTLMultiplier:   5,  // 1s lease
		RegistryTTLMultiplier: 10, // 2s registry record
		FailoverPolicy:        "aggressive",
		OperationTimeout:      time.Second,
		ShutdownTimeout:       5 * time.Second,
		InstanceIDTTL:         3 * time.Second,
	}
}

// MakeBaseline returns a stable baseline close to production ratios.
func MakeBaseline() TimingProfile {
	return TimingProfile{
		HeartbeatInterval:     500 * time.Millisecond,
		LeaderTTLMultiplier:   4, // 2s lease
		RegistryTTLMultiplier: 8, // 4s registry record
		FailoverPolicy:        "balanced",
		DetectionThreshold:    time.Second,
		OperationTimeout:      2 * time.Second,
		ShutdownTimeout:       5 * time.Second,
		InstanceIDTTL:         5 * time.Second,
	}
}

// MakeSplitBrainFast returns a profile for partition tests: the detection
// threshold is well below the lease so a partitioned leader steps down before
// anyone else can acquire the lease.
func MakeSplitBrainFast() TimingProfile {
	return TimingProfile{
		HeartbeatInterval:     200 * time.Millisecond,
		LeaderTTLMultiplier:   7.5, // 1.5s lease
		RegistryTTLMultiplier: 10,
		FailoverPolicy:        "aggressive",
		DetectionThreshold:    300 * time.Millisecond,
		OperationTimeout:      time.Second,
		ShutdownTimeout:       5 * time.Second,
		InstanceIDTTL:         3 * time.Second,
		MaxWatchFailures:      50, // outlive the partition window
	}
}

// ApplyTo applies the timing profile to an existing solo.Config, respecting defaults
// and computing derived fields. Fields with zero values or multipliers <=0 are skipped.
// Returns the mutated config pointer for chaining.
func (tp TimingProfile) ApplyTo(cfg *solo.Config) *solo.Config {
	solo.SetDefaults(cfg)

	if tp.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = tp.HeartbeatInterval
	}
	if tp.LeaderTTLMultiplier > 0 {
		cfg.LeaderTTL = time.Duration(float64(cfg.HeartbeatInterval) * tp.LeaderTTLMultiplier)
	}
	if tp.RegistryTTLMultiplier > 0 {
		cfg.RegistryTTL = time.Duration(float64(cfg.HeartbeatInterval) * tp.RegistryTTLMultiplier)
	}
	if tp.FailoverPolicy != "" {
		cfg.FailoverPolicy = tp.FailoverPolicy
	}
	if tp.DetectionThreshold > 0 {
		cfg.Failover.DetectionThreshold = tp.DetectionThreshold
	}
	if tp.ElectionDelay > 0 {
		cfg.Failover.ElectionDelay = tp.ElectionDelay
	}
	if tp.OperationTimeout > 0 {
		cfg.OperationTimeout = tp.OperationTimeout
	}
	if tp.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = tp.ShutdownTimeout
	}
	if tp.InstanceIDTTL > 0 {
		cfg.InstanceIDTTL = tp.InstanceIDTTL
	}
	if tp.MaxWatchFailures > 0 {
		cfg.MaxWatchFailures = tp.MaxWatchFailures
	}

	// Leases are whole seconds on every backend.
	if cfg.LeaderTTL < time.Second {
		cfg.LeaderTTL = time.Second
	}
	if cfg.RegistryTTL < time.Second {
		cfg.RegistryTTL = time.Second
	}

	return cfg
}

// NewConfigFromProfile builds a config for serviceName from defaults plus the
// profile.
func NewConfigFromProfile(tp TimingProfile, serviceName string) solo.Config {
	cfg := solo.Config{ServiceName: serviceName}
	tp.ApplyTo(&cfg)

	return cfg
}

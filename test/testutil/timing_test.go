package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimingProfiles_Validate(t *testing.T) {
	profiles := map[string]TimingProfile{
		"fast":        MakeFast(),
		"baseline":    MakeBaseline(),
		"split-brain": MakeSplitBrainFast(),
	}

	for name, tp := range profiles {
		t.Run(name, func(t *testing.T) {
			cfg := NewConfigFromProfile(tp, "orders")
			require.NoError(t, cfg.Validate())
			require.Greater(t, cfg.LeaderTTL, cfg.HeartbeatInterval)

			fp, err := cfg.ResolveFailoverPolicy()
			require.NoError(t, err)
			require.Less(t, fp.DetectionThreshold, cfg.LeaderTTL)
		})
	}
}

func TestTimingProfile_ApplyTo(t *testing.T) {
	cfg := NewConfigFromProfile(MakeSplitBrainFast(), "orders")

	require.Equal(t, 200*time.Millisecond, cfg.HeartbeatInterval)
	require.Equal(t, 1500*time.Millisecond, cfg.LeaderTTL)
	require.Equal(t, 2*time.Second, cfg.RegistryTTL)
	require.Equal(t, 300*time.Millisecond, cfg.Failover.DetectionThreshold)
	require.Equal(t, 50, cfg.MaxWatchFailures)
	require.Equal(t, "solo-election", cfg.KVBuckets.Election)
}

func TestTimingProfile_ClampsLeaseToOneSecond(t *testing.T) {
	tp := TimingProfile{HeartbeatInterval: 100 * time.Millisecond, LeaderTTLMultiplier: 3, RegistryTTLMultiplier: 3}
	cfg := NewConfigFromProfile(tp, "orders")

	require.Equal(t, time.Second, cfg.LeaderTTL)
	require.Equal(t, time.Second, cfg.RegistryTTL)
	require.NoError(t, cfg.Validate())
}

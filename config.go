package solo

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/solo/policy"
	"github.com/arloliu/solo/types"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig.
const EnvPrefix = "SOLO"

// KVBucketConfig configures NATS JetStream KV bucket names.
//
// Bucket TTLs are derived from the lease durations: the election bucket
// expires after LeaderTTL, the registry bucket after RegistryTTL and the
// stable ID bucket after InstanceIDTTL.
type KVBucketConfig struct {
	// Election is the bucket holding leadership leases.
	Election string `yaml:"election"`

	// Registry is the bucket holding service instance records.
	Registry string `yaml:"registry"`

	// StableID is the bucket holding stable instance ID claims.
	StableID string `yaml:"stableId"`
}

// FailoverOverrides replaces individual fields of the named failover preset.
// Zero fields keep the preset value.
type FailoverOverrides struct {
	DetectionThreshold time.Duration `yaml:"detectionThreshold"`
	ElectionDelay      time.Duration `yaml:"electionDelay"`
	MaxElectionTime    time.Duration `yaml:"maxElectionTime"`
}

// ============================================================================
// Timing Model
// ============================================================================
//
//	HeartbeatInterval  how often the leader renews and every instance refreshes
//	                   its registry record
//	LeaderTTL          lifetime of the leadership lease; a dead leader is
//	                   noticed at most LeaderTTL after its last renewal
//	ElectionDelay      jittered wait before a standby attempts takeover
//
// Worst-case failover is therefore about LeaderTTL + 2*ElectionDelay plus the
// watch delivery latency. With TestConfig (1s TTL, aggressive preset) that is
// well under two seconds after expiry.
//
// Constraint Hierarchy:
//
//	LeaderTTL > HeartbeatInterval        (hard: renewals must land before expiry)
//	RegistryTTL > HeartbeatInterval      (hard)
//	LeaderTTL >= 2 * HeartbeatInterval   (recommended: tolerate one missed renewal)
//
// ============================================================================

// Config is the configuration of an Instance.
//
// All duration fields accept standard Go duration strings like "500ms", "2s".
type Config struct {
	// ServiceName is the logical service this instance belongs to. Required.
	ServiceName string `yaml:"serviceName"`

	// InstanceID pins this instance's ID. Empty claims a stable
	// "<serviceName>-<n>" ID from the pool [InstanceIDMin, InstanceIDMax].
	InstanceID string `yaml:"instanceId"`

	// GroupID is the sticky-active group. Default "default".
	GroupID string `yaml:"groupId"`

	// Version is published in the registry record.
	Version string `yaml:"version"`

	// Metadata is published in the registry record and the leadership lease.
	Metadata map[string]string `yaml:"metadata"`

	// HeartbeatInterval is how often leadership is renewed and the registry
	// record refreshed.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// LeaderTTL is the lifetime of the leadership lease. Whole seconds are
	// used; fractions round up.
	LeaderTTL time.Duration `yaml:"leaderTtl"`

	// RegistryTTL is the lifetime of the registry record.
	RegistryTTL time.Duration `yaml:"registryTtl"`

	// FailoverPolicy names the failover preset: aggressive, balanced or conservative.
	FailoverPolicy string `yaml:"failoverPolicy"`

	// Failover overrides individual preset fields.
	Failover FailoverOverrides `yaml:"failover"`

	// Retry shapes RPC retries after NOT_ACTIVE.
	Retry policy.RetryPolicy `yaml:"retry"`

	// MaxWatchFailures is how many consecutive leadership watch failures the
	// failover loop tolerates before the instance reports a fatal error. The
	// failures must also span LeaderTTL plus the policy's DetectionThreshold
	// and MaxElectionTime, so a short store outage never ends the loop.
	MaxWatchFailures int `yaml:"maxWatchFailures"`

	// OperationTimeout bounds single KV operations.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// ShutdownTimeout bounds Stop when the caller's context has no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// StopGraceTimeout is how long background watchers get to exit before
	// they are force-cancelled.
	StopGraceTimeout time.Duration `yaml:"stopGraceTimeout"`

	// InstanceIDMin is the lowest stable ID number (inclusive).
	InstanceIDMin int `yaml:"instanceIdMin"`

	// InstanceIDMax is the highest stable ID number (inclusive).
	InstanceIDMax int `yaml:"instanceIdMax"`

	// InstanceIDTTL is the lifetime of a stable ID claim. Renewed every TTL/3.
	InstanceIDTTL time.Duration `yaml:"instanceIdTtl"`

	// KVBuckets names the JetStream KV buckets.
	KVBuckets KVBucketConfig `yaml:"kvBuckets"`

	// RegistryPrefix is the first key token of registry records.
	RegistryPrefix string `yaml:"registryPrefix"`

	// DiscoveryCacheTTL is how long discovery results are cached.
	DiscoveryCacheTTL time.Duration `yaml:"discoveryCacheTtl"`
}

// DefaultConfig returns a Config with production defaults. ServiceName must
// still be set.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		GroupID:           string(types.DefaultGroupID),
		HeartbeatInterval: time.Second,
		LeaderTTL:         3 * time.Second,
		RegistryTTL:       10 * time.Second,
		FailoverPolicy:    "balanced",
		Retry:             policy.DefaultRetryPolicy(),
		MaxWatchFailures:  5,
		OperationTimeout:  5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		StopGraceTimeout:  2 * time.Second,
		InstanceIDMin:     0,
		InstanceIDMax:     99,
		InstanceIDTTL:     30 * time.Second,
		KVBuckets: KVBucketConfig{
			Election: "solo-election",
			Registry: "solo-registry",
			StableID: "solo-stableid",
		},
		RegistryPrefix:    "service-instances",
		DiscoveryCacheTTL: 30 * time.Second,
	}
}

// TestConfig returns a configuration with fast timings for tests.
//
// Example:
//
//	cfg := solo.TestConfig()
//	cfg.ServiceName = "orders"
//	inst, err := solo.NewInstance(&cfg, solo.SingleStore(memkv.New()))
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.HeartbeatInterval = 200 * time.Millisecond
	cfg.LeaderTTL = time.Second
	cfg.RegistryTTL = 2 * time.Second
	cfg.FailoverPolicy = "aggressive"
	cfg.OperationTimeout = time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.StopGraceTimeout = 500 * time.Millisecond
	cfg.InstanceIDTTL = 3 * time.Second
	cfg.DiscoveryCacheTTL = 5 * time.Second

	return cfg
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.GroupID == "" {
		cfg.GroupID = defaults.GroupID
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.LeaderTTL == 0 {
		cfg.LeaderTTL = defaults.LeaderTTL
	}
	if cfg.RegistryTTL == 0 {
		cfg.RegistryTTL = defaults.RegistryTTL
	}
	if cfg.FailoverPolicy == "" {
		cfg.FailoverPolicy = defaults.FailoverPolicy
	}
	if cfg.Retry == (policy.RetryPolicy{}) {
		cfg.Retry = defaults.Retry
	}
	if cfg.MaxWatchFailures == 0 {
		cfg.MaxWatchFailures = defaults.MaxWatchFailures
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.StopGraceTimeout == 0 {
		cfg.StopGraceTimeout = defaults.StopGraceTimeout
	}
	if cfg.InstanceIDMax == 0 {
		cfg.InstanceIDMax = defaults.InstanceIDMax
	}
	if cfg.InstanceIDTTL == 0 {
		cfg.InstanceIDTTL = defaults.InstanceIDTTL
	}
	if cfg.KVBuckets.Election == "" {
		cfg.KVBuckets.Election = defaults.KVBuckets.Election
	}
	if cfg.KVBuckets.Registry == "" {
		cfg.KVBuckets.Registry = defaults.KVBuckets.Registry
	}
	if cfg.KVBuckets.StableID == "" {
		cfg.KVBuckets.StableID = defaults.KVBuckets.StableID
	}
	if cfg.RegistryPrefix == "" {
		cfg.RegistryPrefix = defaults.RegistryPrefix
	}
	if cfg.DiscoveryCacheTTL == 0 {
		cfg.DiscoveryCacheTTL = defaults.DiscoveryCacheTTL
	}
}

// Validate checks configuration constraints.
//
// Hard Validation Rules:
//   - ServiceName, GroupID and (if set) InstanceID are valid names
//   - HeartbeatInterval > 0
//   - LeaderTTL >= 1s and LeaderTTL > HeartbeatInterval
//   - RegistryTTL >= 1s and RegistryTTL > HeartbeatInterval
//   - MaxWatchFailures > 0
//   - InstanceIDMin <= InstanceIDMax
//   - the resolved failover policy and the retry policy are valid
//
// Returns:
//   - error: Wraps types.ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	if err := types.ServiceName(cfg.ServiceName).Validate(); err != nil {
		return fmt.Errorf("%w: serviceName: %w", ErrInvalidConfig, err)
	}
	if cfg.InstanceID != "" {
		if err := types.InstanceID(cfg.InstanceID).Validate(); err != nil {
			return fmt.Errorf("%w: instanceId: %w", ErrInvalidConfig, err)
		}
	}
	if err := types.GroupID(cfg.GroupID).Validate(); err != nil {
		return fmt.Errorf("%w: groupId: %w", ErrInvalidConfig, err)
	}

	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be > 0, got %v", ErrInvalidConfig, cfg.HeartbeatInterval)
	}
	if cfg.LeaderTTL < time.Second {
		return fmt.Errorf("%w: LeaderTTL must be >= 1s, got %v", ErrInvalidConfig, cfg.LeaderTTL)
	}
	if cfg.LeaderTTL <= cfg.HeartbeatInterval {
		return fmt.Errorf(
			"%w: LeaderTTL (%v) must be > HeartbeatInterval (%v) so renewals land before expiry",
			ErrInvalidConfig, cfg.LeaderTTL, cfg.HeartbeatInterval,
		)
	}
	if cfg.RegistryTTL < time.Second {
		return fmt.Errorf("%w: RegistryTTL must be >= 1s, got %v", ErrInvalidConfig, cfg.RegistryTTL)
	}
	if cfg.RegistryTTL <= cfg.HeartbeatInterval {
		return fmt.Errorf(
			"%w: RegistryTTL (%v) must be > HeartbeatInterval (%v)",
			ErrInvalidConfig, cfg.RegistryTTL, cfg.HeartbeatInterval,
		)
	}
	if cfg.MaxWatchFailures <= 0 {
		return fmt.Errorf("%w: MaxWatchFailures must be > 0, got %d", ErrInvalidConfig, cfg.MaxWatchFailures)
	}
	if cfg.InstanceIDMin < 0 || cfg.InstanceIDMin > cfg.InstanceIDMax {
		return fmt.Errorf("%w: invalid instance ID pool [%d, %d]", ErrInvalidConfig, cfg.InstanceIDMin, cfg.InstanceIDMax)
	}

	if _, err := cfg.ResolveFailoverPolicy(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %w", ErrInvalidConfig, err)
	}

	return nil
}

// ValidateWithWarnings logs warnings for legal but risky values.
//
// This is called after Validate() in NewInstance() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.LeaderTTL < 2*cfg.HeartbeatInterval {
		logger.Warn(
			"LeaderTTL is below recommended minimum, one late renewal loses leadership",
			"leaderTTL", cfg.LeaderTTL,
			"heartbeatInterval", cfg.HeartbeatInterval,
			"recommended", 2*cfg.HeartbeatInterval,
		)
	}
	if cfg.RegistryTTL < 2*cfg.HeartbeatInterval {
		logger.Warn(
			"RegistryTTL is below recommended minimum, instances may flap in discovery",
			"registryTTL", cfg.RegistryTTL,
			"recommended", 2*cfg.HeartbeatInterval,
		)
	}
	if p, err := cfg.ResolveFailoverPolicy(); err == nil && p.DetectionThreshold < cfg.HeartbeatInterval {
		logger.Warn(
			"failover DetectionThreshold is shorter than HeartbeatInterval, a single failed renewal demotes the leader",
			"detectionThreshold", p.DetectionThreshold,
			"heartbeatInterval", cfg.HeartbeatInterval,
		)
	}
	if p, err := cfg.ResolveFailoverPolicy(); err == nil && p.DetectionThreshold >= cfg.LeaderTTL-cfg.HeartbeatInterval/2 {
		logger.Warn(
			"failover DetectionThreshold outlasts LeaderTTL, a leader that cannot renew demotes when its lease runs out",
			"detectionThreshold", p.DetectionThreshold,
			"leaderTTL", cfg.LeaderTTL,
		)
	}
}

// ResolveFailoverPolicy returns the named preset with overrides applied.
func (cfg *Config) ResolveFailoverPolicy() (policy.FailoverPolicy, error) {
	p, err := policy.FailoverPolicyByName(cfg.FailoverPolicy)
	if err != nil {
		return policy.FailoverPolicy{}, err
	}

	o := cfg.Failover
	if o != (FailoverOverrides{}) {
		p.Name = "custom"
	}
	if o.DetectionThreshold > 0 {
		p.DetectionThreshold = o.DetectionThreshold
	}
	if o.ElectionDelay > 0 {
		p.ElectionDelay = o.ElectionDelay
	}
	if o.MaxElectionTime > 0 {
		p.MaxElectionTime = o.MaxElectionTime
	}

	if err := p.Validate(); err != nil {
		return policy.FailoverPolicy{}, err
	}

	return p, nil
}

// LeaderTTLSeconds returns LeaderTTL in whole seconds, rounded up.
func (cfg *Config) LeaderTTLSeconds() int64 {
	return ceilSeconds(cfg.LeaderTTL)
}

// RegistryTTLSeconds returns RegistryTTL in whole seconds, rounded up.
func (cfg *Config) RegistryTTLSeconds() int64 {
	return ceilSeconds(cfg.RegistryTTL)
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

// LoadConfig reads a YAML configuration file with environment overrides.
//
// Values are layered: DefaultConfig, then the file (if path is non-empty),
// then environment variables named SOLO_<KEY> where nested keys are joined
// with underscores, e.g. SOLO_SERVICENAME or SOLO_KVBUCKETS_ELECTION.
//
// Parameters:
//   - path: YAML file path, empty for defaults plus environment only
//
// Returns:
//   - Config: Loaded configuration with defaults applied (not yet validated)
//   - error: Read or decode error
//
// Example:
//
//	cfg, err := solo.LoadConfig("/etc/orders/solo.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Seed every key so AutomaticEnv can override keys absent from the file.
	base, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return Config{}, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	err = v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	SetDefaults(&cfg)

	return cfg, nil
}

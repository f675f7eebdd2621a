package policy

import (
	"errors"
	"fmt"
	rand "math/rand/v2"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned when a policy has out-of-range fields.
var ErrInvalidPolicy = errors.New("invalid policy")

// FailoverPolicy controls leader failure detection and takeover timing.
type FailoverPolicy struct {
	// Name identifies a preset ("aggressive", "balanced", "conservative") or "custom".
	Name string `yaml:"name"`

	// DetectionThreshold is how long a leader may be unreachable before
	// standbys treat it as gone. It also bounds how long a leader tolerates
	// store errors on renewal before stepping down.
	DetectionThreshold time.Duration `yaml:"detectionThreshold"`

	// ElectionDelay is the minimum wait after an expiry before attempting
	// takeover. The actual wait is jittered into [ElectionDelay, 2*ElectionDelay).
	ElectionDelay time.Duration `yaml:"electionDelay"`

	// MaxElectionTime bounds a single takeover attempt.
	MaxElectionTime time.Duration `yaml:"maxElectionTime"`
}

// Aggressive returns the preset that targets sub-two-second failover.
func Aggressive() FailoverPolicy {
	return FailoverPolicy{
		Name:               "aggressive",
		DetectionThreshold: 500 * time.Millisecond,
		ElectionDelay:      50 * time.Millisecond,
		MaxElectionTime:    2 * time.Second,
	}
}

// Balanced returns the default preset.
func Balanced() FailoverPolicy {
	return FailoverPolicy{
		Name:               "balanced",
		DetectionThreshold: 2 * time.Second,
		ElectionDelay:      250 * time.Millisecond,
		MaxElectionTime:    5 * time.Second,
	}
}

// Conservative returns the preset that favours stability over speed.
func Conservative() FailoverPolicy {
	return FailoverPolicy{
		Name:               "conservative",
		DetectionThreshold: 5 * time.Second,
		ElectionDelay:      time.Second,
		MaxElectionTime:    15 * time.Second,
	}
}

// FailoverPolicyByName returns a preset by case-insensitive name.
//
// Returns:
//   - FailoverPolicy: The preset
//   - error: ErrInvalidPolicy for unknown names
func FailoverPolicyByName(name string) (FailoverPolicy, error) {
	switch strings.ToLower(name) {
	case "aggressive":
		return Aggressive(), nil
	case "", "balanced":
		return Balanced(), nil
	case "conservative":
		return Conservative(), nil
	default:
		return FailoverPolicy{}, fmt.Errorf("%w: unknown failover policy %q", ErrInvalidPolicy, name)
	}
}

// Validate checks that all durations are usable.
func (p FailoverPolicy) Validate() error {
	if p.DetectionThreshold <= 0 {
		return fmt.Errorf("%w: detectionThreshold must be positive", ErrInvalidPolicy)
	}
	if p.ElectionDelay < 0 {
		return fmt.Errorf("%w: electionDelay must not be negative", ErrInvalidPolicy)
	}
	if p.MaxElectionTime <= 0 {
		return fmt.Errorf("%w: maxElectionTime must be positive", ErrInvalidPolicy)
	}

	return nil
}

// ElectionDelayWithJitter maps u in [0,1) onto [ElectionDelay, 2*ElectionDelay).
func (p FailoverPolicy) ElectionDelayWithJitter(u float64) time.Duration {
	if p.ElectionDelay <= 0 {
		return 0
	}

	return p.ElectionDelay + time.Duration(float64(p.ElectionDelay)*clampUnit(u))
}

// JitteredElectionDelay draws the takeover wait from the global PRNG so that
// standbys noticing the same expiry do not race in lockstep.
func (p FailoverPolicy) JitteredElectionDelay() time.Duration {
	return p.ElectionDelayWithJitter(rand.Float64()) //nolint:gosec // non-crypto jitter
}

func clampUnit(u float64) float64 {
	switch {
	case u < 0:
		return 0
	case u >= 1:
		return 0.999999
	default:
		return u
	}
}

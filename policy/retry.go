package policy

import (
	"fmt"
	"math"
	rand "math/rand/v2"
	"time"
)

// RetryPolicy shapes retries of calls rejected with NOT_ACTIVE.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `yaml:"maxRetries"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initialDelay"`

	// BackoffMultiplier grows the delay per attempt. Must be >= 1.
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`

	// MaxDelay caps the un-jittered delay.
	MaxDelay time.Duration `yaml:"maxDelay"`

	// JitterFactor spreads each delay by ±JitterFactor. Must be in [0, 1).
	JitterFactor float64 `yaml:"jitterFactor"`
}

// DefaultRetryPolicy returns a policy sized for a sub-two-second failover window.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          2 * time.Second,
		JitterFactor:      0.1,
	}
}

// Validate checks the policy ranges.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must not be negative", ErrInvalidPolicy)
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("%w: initialDelay must be positive", ErrInvalidPolicy)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("%w: maxDelay (%v) must be >= initialDelay (%v)", ErrInvalidPolicy, p.MaxDelay, p.InitialDelay)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoffMultiplier must be >= 1", ErrInvalidPolicy)
	}
	if p.JitterFactor < 0 || p.JitterFactor >= 1 {
		return fmt.Errorf("%w: jitterFactor must be in [0, 1)", ErrInvalidPolicy)
	}

	return nil
}

// BaseDelay returns min(InitialDelay * BackoffMultiplier^attempt, MaxDelay).
// attempt is zero-based.
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}

	return time.Duration(d)
}

// Delay applies jitter to BaseDelay(attempt). u in [0,1) selects the point in
// [base*(1-JitterFactor), base*(1+JitterFactor)); the function is pure.
func (p RetryPolicy) Delay(attempt int, u float64) time.Duration {
	base := p.BaseDelay(attempt)
	if p.JitterFactor == 0 {
		return base
	}

	factor := 1 + p.JitterFactor*(2*clampUnit(u)-1)
	d := time.Duration(float64(base) * factor)
	if d < 0 {
		return 0
	}

	return d
}

// NextDelay returns the jittered delay for attempt using the global PRNG.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	return p.Delay(attempt, rand.Float64()) //nolint:gosec // non-crypto jitter
}

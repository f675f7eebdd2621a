// Package backoff provides capped, jittered delays for resubscribing watches
// and retrying background store operations.
package backoff

import (
	"context"
	rand "math/rand/v2"
	"time"
)

// Jitter computes the next delay using decorrelated jitter with a cap.
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
//
//	next = min(cap, base + rand[0, prev*mult - base))
//
// Behavior:
//   - If prev <= 0, start from base
//   - Multiplier < 1.0 falls back to 1.0 (no growth)
//   - Cap below base returns cap
func Jitter(prev, base time.Duration, mult float64, capDur time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	if mult < 1.0 {
		mult = 1.0
	}
	if capDur > 0 && capDur < base {
		return capDur
	}
	if prev <= 0 {
		return base
	}

	spread := time.Duration(float64(prev)*mult) - base
	if spread <= 0 {
		spread = base
	}

	var jitter int64
	if rng != nil {
		jitter = rng.Int64N(int64(spread))
	} else {
		jitter = rand.Int64N(int64(spread)) //nolint:gosec // non-crypto backoff jitter
	}

	next := base + time.Duration(jitter)
	if capDur > 0 && next > capDur {
		return capDur
	}

	return next
}

// NewRNG returns a deterministic RNG only when a non-zero seed is provided.
// When seed == 0 it returns nil so callers use the package-level PRNG.
//
//nolint:gosec
func NewRNG(seed int64) *rand.Rand {
	if seed == 0 {
		return nil
	}
	s1 := uint64(seed)
	s2 := s1 ^ 0x9e3779b97f4a7c15

	return rand.New(rand.NewPCG(s1, s2))
}

// Backoff tracks consecutive failures and yields growing jittered delays.
// It is not safe for concurrent use; each loop owns its own Backoff.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration

	rng      *rand.Rand
	prev     time.Duration
	attempts int
}

// New creates a Backoff. seed == 0 uses the global PRNG.
func New(base time.Duration, mult float64, capDur time.Duration, seed int64) *Backoff {
	return &Backoff{Base: base, Multiplier: mult, Cap: capDur, rng: NewRNG(seed)}
}

// Next records a failure and returns the delay before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.attempts++
	b.prev = Jitter(b.prev, b.Base, b.Multiplier, b.Cap, b.rng)

	return b.prev
}

// Attempts returns the number of consecutive failures since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset clears the failure streak.
func (b *Backoff) Reset() {
	b.prev = 0
	b.attempts = 0
}

// Sleep waits for d or until ctx is done.
//
// Returns:
//   - error: ctx.Err() if the context ended first, nil otherwise
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

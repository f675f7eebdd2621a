package testutil

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/solo/types"
)

// ActiveChecker is the subset of Instance used by the invariant helpers.
type ActiveChecker interface {
	IsActive() bool
}

// CountActive returns how many of the instances currently report ACTIVE.
func CountActive[T ActiveChecker](instances []T) int {
	n := 0
	for _, inst := range instances {
		if inst.IsActive() {
			n++
		}
	}

	return n
}

// AssertAtMostOneActive fails the test if more than one instance reports ACTIVE.
func AssertAtMostOneActive[T ActiveChecker](t testing.TB, instances []T) {
	t.Helper()

	if n := CountActive(instances); n > 1 {
		t.Fatalf("split brain: %d instances report ACTIVE", n)
	}
}

// AssertExactlyOneActive fails the test unless exactly one instance reports
// ACTIVE, and returns its index.
func AssertExactlyOneActive[T ActiveChecker](t testing.TB, instances []T) int {
	t.Helper()

	idx := -1
	for i, inst := range instances {
		if !inst.IsActive() {
			continue
		}
		if idx >= 0 {
			t.Fatalf("split brain: instances %d and %d both report ACTIVE", idx, i)
		}
		idx = i
	}
	if idx < 0 {
		t.Fatalf("no instance reports ACTIVE")
	}

	return idx
}

// AssertRegistryAgrees verifies that the registry records name leaderID, and
// only leaderID, as the sticky-active instance. An empty leaderID asserts that
// no record claims ACTIVE.
//
// Parameters:
//   - t: testing handle
//   - records: registry records of one service and group
//   - leaderID: expected leader
func AssertRegistryAgrees(t testing.TB, records []types.ServiceInstance, leaderID types.InstanceID) {
	t.Helper()

	for _, rec := range records {
		if rec.IsStickyActive() && rec.InstanceID != leaderID {
			t.Fatalf("registry record %s claims ACTIVE, expected leader %q", rec.InstanceID, leaderID)
		}
		if rec.InstanceID == leaderID && !rec.IsStickyActive() {
			t.Fatalf("registry record %s is %q, expected ACTIVE", rec.InstanceID, rec.StickyActiveStatus)
		}
	}
}

// ActiveSampler polls a set of instances in the background and records the
// highest number of simultaneously ACTIVE instances it observed.
//
// Sampling cannot prove the absence of split brain, but a well-chosen
// interval catches overlaps that last longer than a heartbeat.
type ActiveSampler[T ActiveChecker] struct {
	instances []T
	maxActive atomic.Int32
	samples   atomic.Int64
	done      chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
}

// SampleActive starts sampling instances every interval. Stop must be called
// before the instances are discarded.
//
// Example:
//
//	sampler := testutil.SampleActive(cluster.Instances, 10*time.Millisecond)
//	cluster.Stop(0)
//	require.LessOrEqual(t, sampler.Stop(), 1)
func SampleActive[T ActiveChecker](instances []T, interval time.Duration) *ActiveSampler[T] {
	s := &ActiveSampler[T]{
		instances: append([]T(nil), instances...),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}()

	return s
}

func (s *ActiveSampler[T]) sample() {
	n := int32(CountActive(s.instances)) //nolint:gosec
	s.samples.Add(1)
	for {
		cur := s.maxActive.Load()
		if n <= cur || s.maxActive.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Samples returns how many samples were taken so far.
func (s *ActiveSampler[T]) Samples() int64 {
	return s.samples.Load()
}

// Stop ends sampling and returns the maximum number of simultaneously ACTIVE
// instances observed.
func (s *ActiveSampler[T]) Stop() int {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})

	return int(s.maxActive.Load())
}

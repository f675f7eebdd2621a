package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// StatusWaiter defines the subset of Instance methods needed for waiting.
// This allows the helper to work with both real instances and test doubles.
type StatusWaiter interface {
	// WaitStatus waits for the instance to become active (true) or standby
	// (false) within the timeout.
	WaitStatus(active bool, timeout time.Duration) <-chan error
}

func statusName(active bool) string {
	if active {
		return "ACTIVE"
	}

	return "STANDBY"
}

// WaitAllStatus waits for all instances to reach the expected status.
//
// If any instance fails to reach the status within the timeout, the function returns
// immediately with the first error encountered. If the context is cancelled, all
// waiting operations are abandoned and context.Canceled is returned.
//
// Parameters:
//   - ctx: Context for cancellation (recommended for test cleanup)
//   - instances: Instances to wait on
//   - active: Target status for all instances
//   - timeout: Maximum time to wait for each individual instance
//
// Returns:
//   - error: nil if all instances reached the status, first error encountered otherwise
//
// Example:
//
//	standbys := []testutil.StatusWaiter{inst2, inst3}
//	err := testutil.WaitAllStatus(ctx, standbys, false, 5*time.Second)
//	require.NoError(t, err, "followers should settle as standby")
func WaitAllStatus(
	ctx context.Context,
	instances []StatusWaiter,
	active bool,
	timeout time.Duration,
) error {
	if len(instances) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(len(instances))
	for i, inst := range instances {
		go func(index int, w StatusWaiter) {
			defer wg.Done()

			select {
			case err := <-w.WaitStatus(active, timeout):
				if err != nil {
					errOnce.Do(func() {
						firstErr = fmt.Errorf("instance[%d] failed to become %s: %w", index, statusName(active), err)
						cancel()
					})
				}
			case <-waitCtx.Done():
				return
			}
		}(i, inst)
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	return ctx.Err()
}

// WaitAnyStatus waits for any instance to reach the expected status.
//
// The function returns as soon as the first instance reaches the status. If all
// instances fail within the timeout, a combined error is returned.
//
// Returns:
//   - int: Index of the first instance that reached the status (-1 if none)
//   - error: nil if any instance reached the status, combined error if all failed
//
// Example:
//
//	idx, err := testutil.WaitAnyStatus(waiters, true, 5*time.Second)
//	require.NoError(t, err, "some instance should take over")
//	t.Logf("instance %d became active", idx)
func WaitAnyStatus(
	instances []StatusWaiter,
	active bool,
	timeout time.Duration,
) (int, error) {
	if len(instances) == 0 {
		return -1, errors.New("no instances provided")
	}

	type result struct {
		index int
		err   error
	}

	resultCh := make(chan result, len(instances))

	for i, inst := range instances {
		go func(index int, w StatusWaiter) {
			err := <-w.WaitStatus(active, timeout)
			resultCh <- result{index: index, err: err}
		}(i, inst)
	}

	errs := make([]error, 0, 1)
	for range instances {
		r := <-resultCh
		if r.err == nil {
			return r.index, nil
		}
		errs = append(errs, fmt.Errorf("instance[%d]: %w", r.index, r.err))
	}

	return -1, fmt.Errorf("no instance became %s: %w", statusName(active), errors.Join(errs...))
}

// WaitStatusSequence waits for an instance to pass through a sequence of
// statuses, e.g. ACTIVE, STANDBY, ACTIVE across a lost lease.
//
// Each step polls, so a status that flips and back within a polling interval
// may be missed; use hooks when every transition matters.
func WaitStatusSequence(
	ctx context.Context,
	inst StatusWaiter,
	statuses []bool,
	timeout time.Duration,
) error {
	for i, active := range statuses {
		select {
		case err := <-inst.WaitStatus(active, timeout):
			if err != nil {
				return fmt.Errorf("failed to reach status[%d] %s: %w", i, statusName(active), err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

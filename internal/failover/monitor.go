// Package failover runs the standby side of sticky-active leadership: it
// watches the group's leadership key and attempts a takeover when the leader
// goes away.
package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/solo/election"
	"github.com/arloliu/solo/internal/backoff"
	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/policy"
	"github.com/arloliu/solo/types"
)

// DefaultMaxWatchFailures is the number of consecutive watch failures after
// which Run gives up.
const DefaultMaxWatchFailures = 5

// ErrWatchFailed is returned by Run when the leadership watch could not be
// kept alive.
var ErrWatchFailed = errors.New("failover watch failed")

// Watcher opens leadership event streams. election.KVRepository satisfies it.
type Watcher interface {
	WatchLeadership(ctx context.Context, service types.ServiceName, group types.GroupID) (*election.LeadershipWatch, error)
}

// Elector is the instance-side state the monitor acts on.
type Elector interface {
	// IsLeader reports whether this instance is currently ACTIVE.
	IsLeader() bool

	// ObserveLeader records the holder seen on the watch, empty when the
	// group has no leader.
	ObserveLeader(leader types.InstanceID)

	// Takeover attempts to acquire leadership. It returns true when this
	// instance became (or already was) leader. A lost race is false, nil.
	Takeover(ctx context.Context) (bool, error)
}

// Monitor is the failover loop of one (service, instance, group).
type Monitor struct {
	service  types.ServiceName
	instance types.InstanceID
	group    types.GroupID

	watcher Watcher
	elector Elector
	policy  policy.FailoverPolicy

	maxWatchFailures int
	failureBudget    time.Duration
	backoffBase      time.Duration
	backoffCap       time.Duration

	logger  types.Logger
	metrics types.MetricsCollector

	nudge chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c types.MetricsCollector) Option {
	return func(m *Monitor) {
		if c != nil {
			m.metrics = c
		}
	}
}

// WithMaxWatchFailures sets how many consecutive watch failures are
// tolerated before Run returns ErrWatchFailed.
func WithMaxWatchFailures(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.maxWatchFailures = n
		}
	}
}

// WithWatchFailureBudget sets how long the watch must have been failing
// before Run gives up, in addition to the consecutive failure count. A store
// outage shorter than d never stops the monitor.
func WithWatchFailureBudget(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.failureBudget = d
		}
	}
}

// WithResubscribeBackoff sets the delay bounds between watch re-opens.
func WithResubscribeBackoff(base, capDur time.Duration) Option {
	return func(m *Monitor) {
		if base > 0 {
			m.backoffBase = base
		}
		if capDur >= base && capDur > 0 {
			m.backoffCap = capDur
		}
	}
}

// New creates a failover monitor.
//
// Parameters:
//   - service, instance, group: Identity the monitor acts for
//   - watcher: Source of leadership events
//   - elector: Instance state and takeover action
//   - p: Failover timing
//   - opts: Optional logger, metrics and watch failure tolerance
//
// Returns:
//   - *Monitor: Monitor ready to Run
func New(
	service types.ServiceName,
	instance types.InstanceID,
	group types.GroupID,
	watcher Watcher,
	elector Elector,
	p policy.FailoverPolicy,
	opts ...Option,
) *Monitor {
	m := &Monitor{
		service:          service,
		instance:         instance,
		group:            group,
		watcher:          watcher,
		elector:          elector,
		policy:           p,
		maxWatchFailures: DefaultMaxWatchFailures,
		backoffBase:      100 * time.Millisecond,
		backoffCap:       5 * time.Second,
		logger:           logging.NewNop(),
		metrics:          metrics.NewNop(),
		nudge:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Nudge asks the loop to re-check whether the group is leaderless. The
// instance calls it after stepping down, since the expiry event that preceded
// the demotion was skipped while it was still leader.
func (m *Monitor) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Run consumes leadership events until ctx is done or the watch cannot be
// kept alive.
//
// Returns:
//   - error: nil when ctx ends, ErrWatchFailed after MaxWatchFailures
//     consecutive watch failures spanning at least the failure budget
func (m *Monitor) Run(ctx context.Context) error {
	bo := backoff.New(m.backoffBase, 2.0, m.backoffCap, 0)
	failures := 0
	var failingSince time.Time

	for {
		w, err := m.watcher.WatchLeadership(ctx, m.service, m.group)
		if err == nil {
			failures = 0
			failingSince = time.Time{}
			bo.Reset()
			err = m.consume(ctx, w)
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		if failingSince.IsZero() {
			failingSince = time.Now()
		}
		m.metrics.RecordWatchFailure("failover")

		remaining := m.failureBudget - time.Since(failingSince)
		if failures >= m.maxWatchFailures && remaining <= 0 {
			m.logger.Error("failover watch failed permanently",
				"service", m.service, "group_id", m.group, "failures", failures,
				"failing_for", time.Since(failingSince), "error", err)

			return fmt.Errorf("%w: %s/%s after %d failures: %w", ErrWatchFailed, m.service, m.group, failures, err)
		}

		delay := bo.Next()
		if failures >= m.maxWatchFailures && remaining < delay {
			delay = remaining
		}
		m.logger.Warn("failover watch lost, resubscribing",
			"service", m.service, "group_id", m.group, "attempt", failures, "delay", delay, "error", err)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// consume handles events of one watch. It returns the watch's terminal error,
// or a generic one if the stream ended without a reason.
func (m *Monitor) consume(ctx context.Context, w *election.LeadershipWatch) error {
	defer w.Stop()

	var (
		leader  types.InstanceID
		retryCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-retryCh:
			retryCh = nil
			if leader == "" && !m.elector.IsLeader() {
				retryCh = m.failover(ctx)
			}

		case <-m.nudge:
			if leader == "" && !m.elector.IsLeader() {
				retryCh = m.failover(ctx)
			}

		case ev, ok := <-w.Events():
			if !ok {
				if err := w.Err(); err != nil {
					return err
				}

				return types.ErrWatcherFailed
			}

			switch ev.Type {
			case election.EventAcquired:
				leader = ev.LeaderID
				retryCh = nil
				m.elector.ObserveLeader(ev.LeaderID)

			case election.EventExpired, election.EventReleased:
				leader = ""
				m.elector.ObserveLeader("")
				m.logger.Info("leader gone",
					"service", m.service, "group_id", m.group, "previous", ev.LeaderID, "event", ev.Type)
				if !m.elector.IsLeader() {
					retryCh = m.failover(ctx)
				}
			}
		}
	}
}

// failover waits the jittered election delay and attempts a takeover bounded
// by MaxElectionTime. It returns a retry timer when the attempt errored.
func (m *Monitor) failover(ctx context.Context) <-chan time.Time {
	start := time.Now()

	if err := backoff.Sleep(ctx, m.policy.JitteredElectionDelay()); err != nil {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, m.policy.MaxElectionTime)
	won, err := m.elector.Takeover(tctx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		m.logger.Warn("failover attempt failed",
			"service", m.service, "instance_id", m.instance, "group_id", m.group, "error", err)

		return time.After(m.policy.DetectionThreshold)
	}

	m.metrics.RecordFailover(string(m.service), string(m.group), won, time.Since(start).Seconds())
	if won {
		m.logger.Info("failover won",
			"service", m.service, "instance_id", m.instance, "group_id", m.group, "took", time.Since(start))
	} else {
		m.logger.Debug("failover lost", "service", m.service, "instance_id", m.instance, "group_id", m.group)
	}

	return nil
}

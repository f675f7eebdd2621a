package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/types"
)

// Common errors for heartbeat operations.
var (
	ErrNotStarted     = errors.New("publisher not started")
	ErrAlreadyStarted = errors.New("publisher already started")
	ErrNoInstanceID   = errors.New("instance ID not set")
	ErrNoBeatFunc     = errors.New("beat function not set")
)

// BeatFunc performs one heartbeat. ctx carries the per-tick timeout.
type BeatFunc func(ctx context.Context) error

// Publisher calls a BeatFunc at a fixed interval.
type Publisher struct {
	instanceID types.InstanceID
	interval   time.Duration
	timeout    time.Duration
	beat       BeatFunc
	logger     types.Logger
	metrics    types.MetricsCollector

	// tickMu serializes scheduled and on-demand ticks.
	tickMu sync.Mutex

	mu           sync.Mutex
	started      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	failingSince time.Time
	beats        uint64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger types.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m types.MetricsCollector) Option {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTimeout bounds each tick. Defaults to the interval.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New creates a heartbeat publisher.
//
// Parameters:
//   - instanceID: Instance the heartbeat belongs to (used in logs and metrics)
//   - interval: Time between ticks
//   - beat: Work performed on every tick
//   - opts: Optional logger, metrics and per-tick timeout
//
// Returns:
//   - *Publisher: Stopped publisher
func New(instanceID types.InstanceID, interval time.Duration, beat BeatFunc, opts ...Option) *Publisher {
	p := &Publisher{
		instanceID: instanceID,
		interval:   interval,
		timeout:    interval,
		beat:       beat,
		logger:     logging.NewNop(),
		metrics:    metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start begins ticking in the background. The first tick happens one
// interval after Start; the owner registers before starting the publisher.
//
// Parameters:
//   - ctx: Parent context of every tick; cancelling it stops the loop
//
// Returns:
//   - error: ErrAlreadyStarted, ErrNoInstanceID or ErrNoBeatFunc
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.instanceID == "" {
		return ErrNoInstanceID
	}
	if p.beat == nil {
		return ErrNoBeatFunc
	}

	p.started = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.failingSince = time.Time{}

	go p.loop(ctx, p.stopCh, p.doneCh)

	return nil
}

// Stop stops the loop and waits for an in-flight tick to finish.
//
// Returns:
//   - error: ErrNotStarted if not running
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.started = false
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done

	return nil
}

// BeatNow runs one tick synchronously, outside the schedule. It shares the
// failure tracking of scheduled ticks.
func (p *Publisher) BeatNow(ctx context.Context) error {
	return p.tick(ctx)
}

// IsStarted reports whether the loop is running.
func (p *Publisher) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.started
}

// FailingSince returns when the current run of failed ticks began, or the
// zero time if the last tick succeeded.
func (p *Publisher) FailingSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.failingSince
}

// Beats returns the number of ticks performed.
func (p *Publisher) Beats() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.beats
}

func (p *Publisher) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.tick(ctx)
		}
	}
}

func (p *Publisher) tick(ctx context.Context) error {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	tctx, cancel := context.WithTimeout(ctx, p.timeout)
	err := p.beat(tctx)
	cancel()

	p.mu.Lock()
	p.beats++
	if err == nil {
		p.failingSince = time.Time{}
	} else if p.failingSince.IsZero() {
		p.failingSince = time.Now()
	}
	p.mu.Unlock()

	p.metrics.RecordHeartbeat(string(p.instanceID), err == nil)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("heartbeat failed", "instance_id", p.instanceID, "error", err)
	}

	return err
}

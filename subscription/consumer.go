package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/multierr"

	"github.com/arloliu/solo/internal/backoff"
	"github.com/arloliu/solo/types"
)

// ActiveConsumer pulls from a shared durable JetStream consumer only while it
// is marked active.
//
// The consumer is driven by SetActive, usually through the hooks returned by
// Hooks. It is safe for concurrent use.
type ActiveConsumer struct {
	js      jetstream.JetStream
	config  ActiveConsumerConfig
	handler MessageHandler
	durable string
	logger  types.Logger
	metrics types.MetricsCollector

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	active atomic.Bool
}

// NewActiveConsumer creates an ActiveConsumer from a NATS connection.
//
// Parameters:
//   - conn: NATS connection with JetStream enabled
//   - cfg: Consumer configuration
//   - handler: Message handler
//
// Returns:
//   - *ActiveConsumer: Inactive consumer; call SetActive or wire Hooks
//   - error: Validation or JetStream context error
func NewActiveConsumer(conn *nats.Conn, cfg ActiveConsumerConfig, handler MessageHandler) (*ActiveConsumer, error) {
	if conn == nil {
		return nil, errors.New("nats connection is required")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	return NewActiveConsumerJS(js, cfg, handler)
}

// NewActiveConsumerJS creates an ActiveConsumer from an existing JetStream context.
func NewActiveConsumerJS(js jetstream.JetStream, cfg ActiveConsumerConfig, handler MessageHandler) (*ActiveConsumer, error) {
	if js == nil {
		return nil, errors.New("jetstream context is required")
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.FilterSubjects = append([]string(nil), cfg.FilterSubjects...)

	return &ActiveConsumer{
		js:      js,
		config:  cfg,
		handler: handler,
		durable: sanitizeConsumerName(cfg.ConsumerName),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// SetActive starts or stops the pull loop.
//
// Activation creates or updates the durable consumer, retrying with jittered
// backoff up to MaxRetries times, then starts pulling. Deactivation cancels
// the pull loop and waits up to StopTimeout for the in-flight handler.
// Repeated calls with the same value are no-ops.
//
// Returns:
//   - error: ErrClosed, consumer creation failure, or a stop timeout
func (c *ActiveConsumer) SetActive(ctx context.Context, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !active {
		return c.stopLocked(ctx)
	}
	if c.cancel != nil {
		return nil
	}

	cons, err := c.ensureConsumer(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.active.Store(true)

	go func() {
		defer close(done)
		c.runPullLoop(loopCtx, cons)
	}()

	c.logger.Info("active consumer started", "stream", c.config.StreamName, "durable", c.durable)

	return nil
}

// Active reports whether the pull loop is running.
func (c *ActiveConsumer) Active() bool {
	return c.active.Load()
}

// Durable returns the sanitized durable consumer name.
func (c *ActiveConsumer) Durable() string {
	return c.durable
}

// Hooks returns instance hooks that drive SetActive from leadership changes
// and then call next. Other callbacks of next pass through unchanged.
//
// Example:
//
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithHooks(consumer.Hooks(myHooks)))
func (c *ActiveConsumer) Hooks(next *types.Hooks) *types.Hooks {
	h := &types.Hooks{}
	if next != nil {
		*h = *next
	}

	var nextActive func(context.Context, bool) error
	if next != nil {
		nextActive = next.OnActiveChanged
	}

	h.OnActiveChanged = func(ctx context.Context, active bool) error {
		err := c.SetActive(ctx, active)
		if nextActive != nil {
			err = multierr.Append(err, nextActive(ctx, active))
		}

		return err
	}

	return h
}

// Info returns the JetStream ConsumerInfo for the shared durable.
func (c *ActiveConsumer) Info(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	cons, err := c.js.Consumer(ctx, c.config.StreamName, c.durable)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", c.durable, err)
	}

	info, err := cons.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer info: %w", err)
	}

	return info, nil
}

// Close stops the pull loop. Further SetActive calls return ErrClosed.
//
// The durable consumer is NOT deleted from NATS; the other members of the
// group still use it, and NATS removes it after InactiveThreshold once all
// members are gone.
func (c *ActiveConsumer) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.stopLocked(ctx)
}

func (c *ActiveConsumer) stopLocked(ctx context.Context) error {
	if c.cancel == nil {
		return nil
	}

	c.cancel()
	done := c.done
	c.cancel = nil
	c.done = nil
	c.active.Store(false)

	timer := time.NewTimer(c.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		c.logger.Info("active consumer stopped", "durable", c.durable)
		return nil
	case <-timer.C:
		return fmt.Errorf("pull loop for %s did not stop within %s", c.durable, c.config.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureConsumer creates or updates the durable, retrying transient failures.
func (c *ActiveConsumer) ensureConsumer(ctx context.Context) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Durable:           c.durable,
		FilterSubjects:    c.config.FilterSubjects,
		AckPolicy:         c.config.AckPolicy,
		AckWait:           c.config.AckWait,
		MaxDeliver:        c.config.MaxDeliver,
		MaxWaiting:        c.config.MaxWaiting,
		InactiveThreshold: c.config.InactiveThreshold,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
	}

	bo := backoff.New(c.config.RetryBackoff, 2.0, 10*c.config.RetryBackoff, 0)

	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		cons, err := c.js.CreateOrUpdateConsumer(ctx, c.config.StreamName, consumerCfg)
		if err == nil {
			return cons, nil
		}
		lastErr = err

		if errors.Is(err, jetstream.ErrStreamNotFound) || ctx.Err() != nil {
			break
		}

		delay := bo.Next()
		c.metrics.RecordConsumerRetry("create", delay.Seconds())
		c.logger.Warn("failed to create consumer, retrying",
			"durable", c.durable, "attempt", attempt+1, "delay", delay, "error", err)

		if err := backoff.Sleep(ctx, delay); err != nil {
			break
		}
	}

	return nil, fmt.Errorf("failed to create consumer %s on stream %s: %w", c.durable, c.config.StreamName, lastErr)
}

// runPullLoop pulls and dispatches messages until ctx is cancelled.
func (c *ActiveConsumer) runPullLoop(ctx context.Context, cons jetstream.Consumer) {
	c.logger.Debug("starting pull loop", "durable", c.durable)

	bo := backoff.New(c.config.RetryBackoff, 2.0, c.config.FetchTimeout, 0)
	expiry := c.config.FetchTimeout

	for ctx.Err() == nil {
		iter, err := cons.Messages(
			jetstream.PullMaxMessages(c.config.BatchSize),
			jetstream.PullExpiry(expiry),
			jetstream.PullHeartbeat(expiry/2),
		)
		if err != nil {
			if errors.Is(err, jetstream.ErrConsumerDeleted) || errors.Is(err, jetstream.ErrConsumerNotFound) {
				cons = c.recreate(ctx, cons)
			} else {
				c.logger.Error("failed to create message iterator", "durable", c.durable, "error", err)
			}
			if !c.pause(ctx, bo, "iterate") {
				return
			}

			continue
		}

		stopIter := context.AfterFunc(ctx, iter.Stop)
		err = c.drain(ctx, iter, bo)
		stopIter()
		iter.Stop()

		if ctx.Err() != nil || err == nil {
			return
		}

		switch {
		case errors.Is(err, jetstream.ErrNoHeartbeat):
			c.logger.Warn("pull loop: no heartbeat, recreating iterator", "durable", c.durable)
		case errors.Is(err, jetstream.ErrConsumerDeleted), errors.Is(err, jetstream.ErrConsumerNotFound):
			c.logger.Warn("pull loop: consumer deleted, recreating", "durable", c.durable)
			cons = c.recreate(ctx, cons)
		default:
			c.logger.Warn("pull loop: iterator error, retrying", "durable", c.durable, "error", err)
		}

		if !c.pause(ctx, bo, "iterate") {
			return
		}
	}
}

// drain dispatches messages from iter. It returns nil when the iterator was
// closed and the error that ended iteration otherwise.
func (c *ActiveConsumer) drain(ctx context.Context, iter jetstream.MessagesContext, bo *backoff.Backoff) error {
	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}

			return err
		}

		bo.Reset()
		c.dispatch(ctx, msg)
	}
}

func (c *ActiveConsumer) dispatch(ctx context.Context, msg jetstream.Msg) {
	err := c.handler.Handle(ctx, msg)
	if c.config.ManualAck {
		return
	}

	if err != nil {
		c.logger.Debug("handler failed, NAK'ing message", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Warn("failed to NAK message", "subject", msg.Subject(), "error", nakErr)
		}
		c.metrics.RecordConsumerMessage(c.durable, false)

		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		c.logger.Warn("failed to ACK message", "subject", msg.Subject(), "error", ackErr)
	}
	c.metrics.RecordConsumerMessage(c.durable, true)
}

// recreate re-creates a deleted durable; it returns the old handle on failure
// so the caller retries on its next pass.
func (c *ActiveConsumer) recreate(ctx context.Context, old jetstream.Consumer) jetstream.Consumer {
	cons, err := c.ensureConsumer(ctx)
	if err != nil {
		c.logger.Error("failed to recreate consumer", "durable", c.durable, "error", err)
		return old
	}

	return cons
}

// pause sleeps for the next backoff delay and reports whether the loop should continue.
func (c *ActiveConsumer) pause(ctx context.Context, bo *backoff.Backoff, op string) bool {
	delay := bo.Next()
	c.metrics.RecordConsumerRetry(op, delay.Seconds())

	return backoff.Sleep(ctx, delay) == nil
}

// sanitizeConsumerName replaces invalid characters in a consumer name with underscore (_).
//
// NATS consumer names cannot contain whitespace, '.', '*', '>', path
// separators or non-printable characters.
func sanitizeConsumerName(name string) string {
	var result strings.Builder
	result.Grow(len(name))

	for _, r := range name {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' ||
			r == '.' || r == '*' || r == '>' ||
			r == '/' || r == '\\' ||
			r < 32 || r == 127 {
			result.WriteRune('_')
		} else {
			result.WriteRune(r)
		}
	}

	return result.String()
}

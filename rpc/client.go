package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/arloliu/solo/discovery"
	"github.com/arloliu/solo/internal/backoff"
	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/policy"
	"github.com/arloliu/solo/types"
)

// DefaultTimeout is the per-attempt request timeout.
const DefaultTimeout = 5 * time.Second

// Client issues calls and retries those answered with NOT_ACTIVE.
type Client struct {
	conn     *nats.Conn
	disc     discovery.Discovery
	strategy discovery.Strategy
	retry    policy.RetryPolicy
	timeout  time.Duration
	logger   types.Logger
	metrics  types.MetricsCollector
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDiscovery resolves targets through d. Without discovery every call goes
// to the queue-group subject.
func WithDiscovery(d discovery.Discovery) ClientOption {
	return func(c *Client) {
		c.disc = d
	}
}

// WithStrategy sets the selection strategy. Default discovery.PreferActive.
func WithStrategy(s discovery.Strategy) ClientOption {
	return func(c *Client) {
		c.strategy = s
	}
}

// WithRetryPolicy sets the default NOT_ACTIVE retry policy.
func WithRetryPolicy(p policy.RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// WithDefaultTimeout sets the default per-attempt timeout.
func WithDefaultTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger types.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientMetrics sets the metrics collector.
func WithClientMetrics(m types.MetricsCollector) ClientOption {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewClient creates a client.
//
// Returns:
//   - *Client: Ready client
//   - error: types.ErrNATSConnectionRequired, or policy.ErrInvalidPolicy for a bad retry policy
func NewClient(conn *nats.Conn, opts ...ClientOption) (*Client, error) {
	if conn == nil {
		return nil, types.ErrNATSConnectionRequired
	}

	c := &Client{
		conn:     conn,
		strategy: discovery.PreferActive,
		retry:    policy.DefaultRetryPolicy(),
		timeout:  DefaultTimeout,
		logger:   logging.NewNop(),
		metrics:  metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.retry.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

type callOptions struct {
	timeout  time.Duration
	retry    policy.RetryPolicy
	instance types.InstanceID
	key      string
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

// WithTimeout sets the per-attempt timeout of this call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetry overrides the retry policy of this call.
func WithRetry(p policy.RetryPolicy) CallOption {
	return func(o *callOptions) {
		o.retry = p
	}
}

// WithInstance pins the call to one instance, bypassing discovery.
func WithInstance(id types.InstanceID) CallOption {
	return func(o *callOptions) {
		o.instance = id
	}
}

// WithRoutingKey passes a key to key-affine strategies such as ConsistentHash.
func WithRoutingKey(key string) CallOption {
	return func(o *callOptions) {
		o.key = key
	}
}

// Call invokes method on service and returns the raw JSON result.
//
// A NOT_ACTIVE response invalidates the cached discovery entry, waits
// RetryPolicy.NextDelay(attempt), re-resolves the target and retries, at most
// MaxRetries times. Every other failure is returned at once. Transport
// failures are reported as *Error with CodeTimeout or CodeUnavailable.
//
// Parameters:
//   - ctx: Bounds the whole call including retry sleeps
//   - service: Target service
//   - method: Method name
//   - params: JSON-encodable parameters, nil for none
//   - opts: Per-call timeout, retry policy, target pinning
//
// Returns:
//   - json.RawMessage: Result payload
//   - error: *Error on failure
func (c *Client) Call(ctx context.Context, service types.ServiceName, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	co := callOptions{timeout: c.timeout, retry: c.retry}
	for _, opt := range opts {
		opt(&co)
	}

	if err := service.Validate(); err != nil {
		return nil, InvalidParams("%v", err)
	}
	if !validMethod(method) {
		return nil, InvalidParams("invalid method %q", method)
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, InvalidParams("encode params: %v", err)
		}
		raw = data
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		result, err := c.attempt(ctx, service, method, raw, co)
		if err == nil {
			c.metrics.RecordRPCCall(string(service), method, "OK", time.Since(start).Seconds())
			return result, nil
		}

		if !IsNotActive(err) || attempt >= co.retry.MaxRetries {
			c.metrics.RecordRPCCall(string(service), method, CodeOf(err).String(), time.Since(start).Seconds())
			return nil, err
		}

		c.metrics.RecordNotActiveRetry(string(service), method)
		if inv, ok := c.disc.(discovery.Invalidator); ok {
			inv.Invalidate(service)
		}

		delay := co.retry.NextDelay(attempt)
		c.logger.Debug("target not active, retrying",
			"service", service, "method", method, "attempt", attempt+1, "delay", delay)

		if err := backoff.Sleep(ctx, delay); err != nil {
			rpcErr := fromTransport(err)
			c.metrics.RecordRPCCall(string(service), method, rpcErr.Code.String(), time.Since(start).Seconds())

			return nil, rpcErr
		}
	}
}

// CallInto is Call followed by decoding the result into out.
func (c *Client) CallInto(ctx context.Context, service types.ServiceName, method string, params any, out any, opts ...CallOption) error {
	raw, err := c.Call(ctx, service, method, params, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return NewError(CodeInternal, "decode result: %v", err)
	}

	return nil
}

func (c *Client) attempt(ctx context.Context, service types.ServiceName, method string, params json.RawMessage, co callOptions) (json.RawMessage, error) {
	subject := c.resolve(ctx, service, method, co)

	data, err := json.Marshal(request{
		ID:     uuid.NewString(),
		Method: method,
		Params: params,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, NewError(CodeInternal, "encode request: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, co.timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(rctx, subject, data)
	if err != nil {
		return nil, fromTransport(fmt.Errorf("request %s: %w", subject, err))
	}

	var resp response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, NewError(CodeInternal, "decode response from %s: %v", subject, err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp.Result, nil
}

// resolve picks the subject for one attempt. Discovery failures fall back to
// the queue-group subject.
func (c *Client) resolve(ctx context.Context, service types.ServiceName, method string, co callOptions) string {
	if co.instance != "" {
		return DirectSubject(service, method, co.instance)
	}
	if c.disc == nil {
		return Subject(service, method)
	}

	var selOpts []discovery.SelectOption
	if co.key != "" {
		selOpts = append(selOpts, discovery.WithKey(co.key))
	}

	inst, err := c.disc.Select(ctx, service, c.strategy, selOpts...)
	if err != nil {
		c.logger.Debug("discovery failed, using queue subject", "service", service, "error", err)
		return Subject(service, method)
	}
	if inst == nil {
		return Subject(service, method)
	}

	return DirectSubject(service, method, inst.InstanceID)
}

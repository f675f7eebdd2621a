package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/types"
)

// Server errors.
var (
	ErrServerClosed     = errors.New("rpc server closed")
	ErrDuplicateMethod  = errors.New("method already registered")
	ErrInvalidMethod    = errors.New("invalid method name")
	ErrNilActiveChecker = errors.New("active checker is nil")
)

// Handler serves one method. Returning an *Error sends it unchanged; any
// other error is reported as INTERNAL.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// ActiveChecker reports whether this instance is the active one of its group.
// solo.Instance implements it.
type ActiveChecker interface {
	IsActive() bool
}

// Server answers calls for one service instance.
//
// Every method is subscribed twice: on the queue-group subject shared by all
// instances and, through one wildcard subscription, on this instance's direct
// subjects. Direct calls to an unknown method get METHOD_NOT_FOUND.
type Server struct {
	conn     *nats.Conn
	service  types.ServiceName
	instance types.InstanceID

	handlerTimeout    time.Duration
	subscribeAttempts int
	subscribeBackoff  time.Duration
	logger            types.Logger

	ctx    context.Context //nolint:containedctx
	cancel context.CancelFunc

	mu       sync.RWMutex
	closed   bool
	handlers map[string]Handler
	subs     map[string]*nats.Subscription // subject -> subscription
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger types.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHandlerTimeout bounds every handler invocation. Default 30s.
func WithHandlerTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handlerTimeout = d
		}
	}
}

// WithSubscribeRetry sets how often and how far apart subscriptions are retried.
func WithSubscribeRetry(attempts int, backoff time.Duration) ServerOption {
	return func(s *Server) {
		if attempts > 0 {
			s.subscribeAttempts = attempts
		}
		if backoff > 0 {
			s.subscribeBackoff = backoff
		}
	}
}

// NewServer creates a server and subscribes its direct wildcard subject.
//
// Parameters:
//   - conn: NATS connection
//   - service: Service this instance belongs to
//   - instance: This instance's ID
//   - opts: Optional logger, handler timeout and subscribe retry
//
// Returns:
//   - *Server: Running server with no methods
//   - error: types.ErrNATSConnectionRequired, validation or subscription error
func NewServer(conn *nats.Conn, service types.ServiceName, instance types.InstanceID, opts ...ServerOption) (*Server, error) {
	if conn == nil {
		return nil, types.ErrNATSConnectionRequired
	}
	if err := service.Validate(); err != nil {
		return nil, err
	}
	if err := instance.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		conn:              conn,
		service:           service,
		instance:          instance,
		handlerTimeout:    30 * time.Second,
		subscribeAttempts: 3,
		subscribeBackoff:  100 * time.Millisecond,
		logger:            logging.NewNop(),
		ctx:               ctx,
		cancel:            cancel,
		handlers:          make(map[string]Handler),
		subs:              make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(s)
	}

	direct := DirectSubject(service, "*", instance)
	if err := s.subscribe(direct, "", s.serveDirect); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

// Register serves method on every instance of the service.
//
// Parameters:
//   - method: Method name, a single subject token
//   - h: Handler
//
// Returns:
//   - error: ErrInvalidMethod, ErrDuplicateMethod, ErrServerClosed or a subscription error
func (s *Server) Register(method string, h Handler) error {
	if !validMethod(method) {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if _, ok := s.handlers[method]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateMethod, method)
	}

	err := s.subscribeLocked(Subject(s.service, method), string(s.service), func(msg *nats.Msg) {
		s.serve(msg, method, h)
	})
	if err != nil {
		return err
	}
	s.handlers[method] = h
	s.logger.Debug("rpc method registered", "service", s.service, "method", method)

	return nil
}

// RegisterStickyActive serves method only while active reports true; a
// standby instance answers NOT_ACTIVE so callers retry against the leader.
func (s *Server) RegisterStickyActive(method string, h Handler, active ActiveChecker) error {
	if active == nil {
		return ErrNilActiveChecker
	}

	return s.Register(method, func(ctx context.Context, params json.RawMessage) (any, error) {
		if !active.IsActive() {
			return nil, NotActive(string(s.instance))
		}

		return h(ctx, params)
	})
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	slices.Sort(methods)

	return methods
}

// Subscriptions returns the number of live NATS subscriptions.
func (s *Server) Subscriptions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.subs)
}

// Close unsubscribes everything and cancels in-flight handler contexts.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	var err error
	for subject, sub := range s.subs {
		if uerr := sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = multierr.Append(err, fmt.Errorf("unsubscribe %s: %w", subject, uerr))
		}
	}
	s.subs = make(map[string]*nats.Subscription)

	return err
}

func (s *Server) subscribe(subject, queue string, h nats.MsgHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subscribeLocked(subject, queue, h)
}

func (s *Server) subscribeLocked(subject, queue string, h nats.MsgHandler) error {
	var sub *nats.Subscription
	retrier := retry.NewRetrier(s.subscribeAttempts, s.subscribeBackoff, 4*s.subscribeBackoff)
	err := retrier.RunContext(s.ctx, func(_ context.Context) error {
		var err error
		if queue == "" {
			sub, err = s.conn.Subscribe(subject, h)
		} else {
			sub, err = s.conn.QueueSubscribe(subject, queue, h)
		}

		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe %s after %d attempts: %w", subject, s.subscribeAttempts, err)
	}
	s.subs[subject] = sub

	return nil
}

// serveDirect dispatches rpc.<service>.<method>.<instance> by method token.
func (s *Server) serveDirect(msg *nats.Msg) {
	prefix := Subject(s.service, "")
	method := strings.TrimSuffix(strings.TrimPrefix(msg.Subject, prefix), "."+string(s.instance))

	s.mu.RLock()
	h, ok := s.handlers[method]
	s.mu.RUnlock()

	if !ok {
		s.reply(msg, response{Error: NewError(CodeMethodNotFound, "method %s not found", method)})
		return
	}
	s.serve(msg, method, h)
}

func (s *Server) serve(msg *nats.Msg, method string, h Handler) {
	var req request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, response{Error: InvalidParams("malformed request: %v", err)})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.handlerTimeout)
	defer cancel()

	result, err := s.invoke(ctx, h, req.Params)
	if err != nil {
		rpcErr := fromHandler(err)
		if rpcErr.Code != CodeNotActive {
			s.logger.Warn("rpc handler failed", "service", s.service, "method", method, "code", rpcErr.Code, "error", err)
		}
		s.reply(msg, response{ID: req.ID, Error: rpcErr})

		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		s.reply(msg, response{ID: req.ID, Error: NewError(CodeInternal, "encode result: %v", err)})
		return
	}
	s.reply(msg, response{ID: req.ID, Result: raw})
}

// invoke runs h and converts a panic into an INTERNAL error.
func (s *Server) invoke(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(CodeInternal, "handler panic: %v", r)
		}
	}()

	return h(ctx, params)
}

func (s *Server) reply(msg *nats.Msg, resp response) {
	resp.Instance = string(s.instance)
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("rpc encode response failed", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("rpc respond failed", "subject", msg.Subject, "error", err)
	}
}

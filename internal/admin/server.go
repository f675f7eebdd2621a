// Package admin serves operational endpoints for a running instance over HTTP.
//
// Routes:
//
//	GET /healthz    200 when healthy, 503 otherwise
//	GET /status     election status
//	GET /instances  registry records of the service
//	GET /metrics    Prometheus exposition (when a Gatherer is configured)
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/types"
)

// ErrAlreadyStarted is returned by Start on a running server.
var ErrAlreadyStarted = errors.New("admin server already started")

// Reporter supplies the documents served by the admin endpoints.
type Reporter interface {
	// HealthReport returns the health document and whether the instance is healthy.
	HealthReport() (any, bool)

	// StatusReport returns the election status document.
	StatusReport() any

	// InstancesReport lists the registry records of the service.
	InstancesReport(ctx context.Context) (any, error)
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8081". Port 0 picks a free port.
	Addr string

	// Gatherer backs /metrics. The route is not registered when nil.
	Gatherer prometheus.Gatherer

	// RequestTimeout bounds /instances registry reads. Defaults to 5s.
	RequestTimeout time.Duration

	Logger types.Logger
}

// Server is the admin HTTP server.
type Server struct {
	e        *echo.Echo
	cfg      Config
	reporter Reporter
	logger   types.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// New creates a Server. Call Start to begin serving, or use Handler to
// mount the routes elsewhere.
func New(cfg Config, reporter Reporter) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{e: e, cfg: cfg, reporter: reporter, logger: cfg.Logger}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("admin request", "method", v.Method, "uri", v.URI, "status", v.Status, "error", v.Error)
			return nil
		},
	}))

	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.e.GET("/healthz", s.health)
	s.e.GET("/status", s.status)
	s.e.GET("/instances", s.instances)

	if s.cfg.Gatherer != nil {
		s.e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) health(c echo.Context) error {
	report, healthy := s.reporter.HealthReport()
	if !healthy {
		return c.JSON(http.StatusServiceUnavailable, report)
	}

	return c.JSON(http.StatusOK, report)
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.reporter.StatusReport())
}

func (s *Server) instances(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.RequestTimeout)
	defer cancel()

	list, err := s.reporter.InstancesReport(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("failed to list instances: %v", err))
	}

	return c.JSON(http.StatusOK, list)
}

// Handler returns the HTTP handler serving all admin routes.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start listens on Config.Addr and serves in the background.
//
// Returns:
//   - error: ErrAlreadyStarted or the listen error
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.e.Listener = ln
	s.done = make(chan struct{})

	done := s.done
	go func() {
		defer close(done)
		if err := s.e.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", "error", err)
		}
	}()

	s.logger.Info("admin server listening", "addr", ln.Addr().String())

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	started := s.listener != nil
	s.mu.Unlock()

	if !started {
		return nil
	}

	if err := s.e.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

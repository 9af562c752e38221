// Package server hosts a grant broker behind an echo HTTP server.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/input-output-hk/catalyst-forge-libs/capture/broker/httpbroker"
	"github.com/input-output-hk/catalyst-forge-libs/capture/capturetypes"
	"github.com/input-output-hk/catalyst-forge-libs/capture/internal/metrics"
)

// Pruner drops expired grants. s3broker.Broker implements it.
type Pruner interface {
	Prune(ctx context.Context) int
}

// Server serves the broker REST API, a health check and Prometheus metrics.
type Server struct {
	echo          *echo.Echo
	broker        capturetypes.Broker
	logger        *slog.Logger
	metrics       *metrics.HTTPMetrics
	registerer    prometheus.Registerer
	gatherer      prometheus.Gatherer
	namespace     string
	pruneInterval time.Duration
	shutdown      time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. If logger is nil, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry sets where metrics are registered and gathered from.
// Default is the Prometheus default registry.
func WithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.registerer = reg
		s.gatherer = gatherer
	}
}

// WithNamespace sets the metric namespace. Default is "capture".
func WithNamespace(namespace string) Option {
	return func(s *Server) {
		s.namespace = namespace
	}
}

// WithPruneInterval sets how often expired grants are dropped when the
// broker supports it. Zero disables pruning.
func WithPruneInterval(interval time.Duration) Option {
	return func(s *Server) {
		s.pruneInterval = interval
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default is 10 seconds.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		if timeout > 0 {
			s.shutdown = timeout
		}
	}
}

// New creates a server for broker.
func New(broker capturetypes.Broker, opts ...Option) (*Server, error) {
	if broker == nil {
		return nil, errors.New("broker is required")
	}

	s := &Server{
		broker:     broker,
		registerer: prometheus.DefaultRegisterer,
		gatherer:   prometheus.DefaultGatherer,
		namespace:  "capture",
		shutdown:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	m, err := metrics.NewHTTPMetrics(s.namespace, s.registerer)
	if err != nil {
		return nil, err
	}
	s.metrics = m

	s.echo = s.setupEcho()
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.observe)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "capture-broker",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	httpbroker.NewHandler(s.broker, s.logger).Register(e.Group("/uploads"))
	return e
}

// observe logs and measures every request.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		status := c.Response().Status
		route := c.Path()
		elapsed := time.Since(start)

		s.metrics.ObserveRequest(req.Method, route, status, elapsed)
		s.logger.Debug("request served",
			"method", req.Method,
			"route", route,
			"status", status,
			"duration", elapsed,
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
		return nil
	}
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting capture broker", "address", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if pruner, ok := s.broker.(Pruner); ok && s.pruneInterval > 0 {
		go s.pruneLoop(ctx, pruner)
	}

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down capture broker")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdown)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

func (s *Server) pruneLoop(ctx context.Context, pruner Pruner) {
	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune(ctx, pruner)
		}
	}
}

func (s *Server) prune(ctx context.Context, pruner Pruner) int {
	n := pruner.Prune(ctx)
	s.metrics.ObservePruned(n)
	if n > 0 {
		s.logger.Info("pruned expired grants", "count", n)
	}
	return n
}

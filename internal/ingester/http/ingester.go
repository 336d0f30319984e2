// Package http provides the drain endpoint Heroku log drains post to.
//
// A drain URL carries the tenant token as its last path segment:
//
//	POST /drain/<token>
//	POST /logs/<token>
//	POST /ingress/<token>
//
// The body is a batch of syslog lines, optionally compressed
// (Content-Encoding gzip, zstd or br). The response is the JSON line
// statistics of the batch.
package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"logsnarf/internal/credentials"
	"logsnarf/internal/ingester/bodyutil"
	"logsnarf/internal/logging"
	"logsnarf/internal/metricstore"
	"logsnarf/internal/pipeline"
	"logsnarf/internal/ratelimit"
)

// DefaultMaxBody caps a decompressed drain body.
const DefaultMaxBody = 10 << 20

// Ingester runs one payload through the metric pipeline.
type Ingester interface {
	IngestBytes(ctx context.Context, token string, data []byte) (pipeline.Stats, error)
}

// Config holds drain endpoint configuration.
type Config struct {
	// Addr is the address to listen on (e.g. ":8080").
	Addr string

	Pipeline Ingester

	// Limiter caps requests per token. Nil disables limiting.
	Limiter *ratelimit.Limiter

	// Resolver is consulted for every request when RequireCredentials is
	// set; unknown tokens are rejected with 403.
	Resolver           credentials.Resolver
	RequireCredentials bool

	// MaxBody is the largest accepted body after decompression.
	MaxBody int64

	Logger *slog.Logger
}

// Server is the drain HTTP server.
type Server struct {
	addr         string
	pipeline     Ingester
	limiter      *ratelimit.Limiter
	resolver     credentials.Resolver
	requireCreds bool
	maxBody      int64
	echo         *echo.Echo
	logger       *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

// New creates a drain server.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("http ingester: pipeline is required")
	}
	if cfg.RequireCredentials && cfg.Resolver == nil {
		return nil, errors.New("http ingester: credentials required but no resolver given")
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	s := &Server{
		addr:         cfg.Addr,
		pipeline:     cfg.Pipeline,
		limiter:      cfg.Limiter,
		resolver:     cfg.Resolver,
		requireCreds: cfg.RequireCredentials,
		maxBody:      cfg.MaxBody,
		logger:       logging.Default(cfg.Logger).With("component", "ingester", "type", "http"),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(
		middleware.Recover(),
		middleware.RequestIDWithConfig(middleware.RequestIDConfig{Generator: uuid.NewString}),
	)
	e.POST("/drain/:token", s.handleDrain)
	e.POST("/logs/:token", s.handleDrain)
	e.POST("/ingress/:token", s.handleDrain)
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	s.echo = e
	return s, nil
}

// Handler returns the routed handler, for mounting or tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.listener = ln
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("http ingester starting", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http ingester stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener address. Only valid after Run has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleDrain(c echo.Context) error {
	token := c.Param("token")
	if token == "" {
		return c.NoContent(http.StatusNotFound)
	}
	req := c.Request()

	if !s.limiter.Allow(token) {
		c.Response().Header().Set("Retry-After", "1")
		return c.String(http.StatusTooManyRequests, "rate limit exceeded, retry later")
	}

	if s.requireCreds {
		if _, err := s.resolver.Lookup(req.Context(), token); err != nil {
			if errors.Is(err, credentials.ErrNotFound) {
				return c.String(http.StatusForbidden, "unknown token")
			}
			s.logger.Warn("credential lookup failed", "error", err)
			return c.String(http.StatusServiceUnavailable, "credentials unavailable")
		}
	}

	body, err := bodyutil.ReadBody(req.Body, req.Header.Get("Content-Encoding"), s.maxBody)
	if err != nil {
		if errors.Is(err, bodyutil.ErrTooLarge) {
			return c.String(http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", s.maxBody))
		}
		return c.String(http.StatusBadRequest, err.Error())
	}

	st, err := s.pipeline.IngestBytes(req.Context(), token, body)
	if err != nil {
		switch {
		case errors.Is(err, metricstore.ErrClosed), errors.Is(err, context.Canceled):
			return c.String(http.StatusServiceUnavailable, "shutting down")
		default:
			return c.String(http.StatusBadRequest, err.Error())
		}
	}
	s.logger.Debug("drain batch", "token", token, "lines", st.Lines, "metrics", st.Metrics,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID))
	return c.JSON(http.StatusOK, st)
}

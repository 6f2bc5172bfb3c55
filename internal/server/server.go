// Package server hosts the resilience core behind net/http: error monitor
// and rate limiter middleware, health and metrics endpoints, the feed
// routes and the assist proxy.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"goflare.io/scribe/internal/breaker"
	"goflare.io/scribe/internal/cache/resilient"
	"goflare.io/scribe/internal/feed"
	"goflare.io/scribe/internal/monitor"
	"goflare.io/scribe/internal/ratelimit"
	"goflare.io/scribe/internal/upstream"
)

// Limiters are the per-class limiters applied to the routes.
type Limiters struct {
	API    *ratelimit.Limiter
	Assist *ratelimit.Limiter
	Feed   *ratelimit.Limiter
}

// Options configures a Server.
type Options struct {
	Addr            string
	TrustProxy      bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Cache    *resilient.Client
	Monitor  *monitor.Monitor
	Limiters Limiters
	Feeds    *feed.Service

	// Assist is the AI provider; nil disables the assist route.
	Assist     *upstream.Client
	AssistPath string

	// Breakers are reported by /healthz.
	Breakers []*breaker.Breaker

	Logger *zap.Logger
}

// Server is the HTTP front of scribe.
type Server struct {
	opts    Options
	handler http.Handler
	logger  *zap.Logger
}

// New creates a new Server instance.
func New(opts Options) (*Server, error) {
	if opts.Cache == nil || opts.Monitor == nil || opts.Feeds == nil {
		return nil, errors.New("server needs a cache, a monitor and a feed service")
	}
	if opts.Limiters.API == nil || opts.Limiters.Assist == nil || opts.Limiters.Feed == nil {
		return nil, errors.New("server needs the api, assist and feed limiters")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{opts: opts, logger: opts.Logger}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	trust := s.opts.TrustProxy
	l := s.opts.Limiters

	api := http.NewServeMux()
	api.Handle("GET /api/feeds/{kind}", l.Feed.Middleware(trust)(http.HandlerFunc(s.handleFeed)))
	api.Handle("GET /api/feeds/{kind}/random", l.Feed.Middleware(trust)(http.HandlerFunc(s.handleRandom)))
	api.Handle("POST /api/assist/chat", l.Assist.Middleware(trust)(http.HandlerFunc(s.handleAssist)))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/api/", l.API.Middleware(trust)(api))

	return s.opts.Monitor.Middleware(mux)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

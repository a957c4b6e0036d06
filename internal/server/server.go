// Package server exposes the session controls, the live event stream and
// the stored sessions over HTTP.
//
// Routes:
//
//	POST   /v1/session/start    start a session (202, or a Problem)
//	POST   /v1/session/stop     stop the running session (202)
//	GET    /v1/session          current state, committed turns, interim text
//	GET    /v1/session/events   WebSocket stream of session.Update JSON
//	POST   /v1/session/ask      stream an answer about the transcript
//	GET    /v1/sessions         stored sessions, newest first (?limit, ?before, ?q)
//	GET    /v1/sessions/{id}    one stored session
//	DELETE /v1/sessions/{id}    delete a stored session
//	GET    /healthz, /readyz    probes
//	GET    /metrics             Prometheus scrape endpoint
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/memory"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

// Controller is the session surface the server drives. It is implemented by
// *session.Orchestrator.
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	Status() session.Status
	Subscribe() (<-chan session.Update, func())
	Ask(ctx context.Context, question string) (<-chan string, error)
}

// Config configures a [Server].
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Controller runs sessions. Required.
	Controller Controller

	// Store lists stored sessions. Required.
	Store memory.SessionStore

	// Health serves /healthz and /readyz. Defaults to a handler without checks.
	Health *health.Handler

	// Metrics records HTTP metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Defaults to the Prometheus default
	// registry, which the OTel Prometheus exporter registers with.
	MetricsHandler http.Handler

	// OriginPatterns lists extra host patterns allowed to open the event
	// stream from a browser. Same-origin requests are always allowed.
	OriginPatterns []string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// ShutdownTimeout bounds graceful shutdown. Defaults to 10s.
	ShutdownTimeout time.Duration
}

// Server is the HTTP front end.
type Server struct {
	ctrl            Controller
	store           memory.SessionStore
	handler         http.Handler
	srv             *http.Server
	originPatterns  []string
	certFile        string
	keyFile         string
	shutdownTimeout time.Duration
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, errors.New("server: controller is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MetricsHandler == nil {
		cfg.MetricsHandler = promhttp.Handler()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	s := &Server{
		ctrl:            cfg.Controller,
		store:           cfg.Store,
		originPatterns:  cfg.OriginPatterns,
		certFile:        cfg.CertFile,
		keyFile:         cfg.KeyFile,
		shutdownTimeout: cfg.ShutdownTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("GET /v1/session", s.handleStatus)
	mux.HandleFunc("GET /v1/session/events", s.handleEvents)
	mux.HandleFunc("POST /v1/session/ask", s.handleAsk)
	mux.HandleFunc("GET /v1/sessions", s.handleList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDelete)
	cfg.Health.Register(mux)
	mux.Handle("GET /metrics", cfg.MetricsHandler)

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %q: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", ln.Addr().String(), "tls", s.certFile != "")
		var err error
		if s.certFile != "" && s.keyFile != "" {
			err = s.srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = s.srv.Serve(ln)
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Package app wires all livescribe subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surface and consumes transcription events,
// and Shutdown tears everything down in order.
//
// The transcription client, the microphone and the analysis LLMs come from a
// [config.Registry], so tests register mocks under the configured names. The
// session store and the metrics can be injected with functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/server"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/transcript/vocab"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/memory"
	"github.com/MrWong99/livescribe/pkg/memory/postgres"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/assemblyai"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry

	store          memory.SessionStore
	client         stt.Client
	capture        *audio.Capture
	analyser       session.Analyser
	orch           *session.Orchestrator
	restarter      *session.Restarter
	srv            *server.Server
	metrics        *observe.Metrics
	metricsHandler http.Handler
	checks         []health.Checker

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments used by the session and the
// HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App by wiring all subsystems together. On error every
// resource acquired so far is released.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", a.initStore},
		{"transcription", a.initTranscription},
		{"capture", a.initCapture},
		{"analysis", a.initAnalysis},
		{"session", a.initSession},
		{"server", a.initServer},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}
	return a, nil
}

// initStore connects to PostgreSQL when a DSN is configured and falls back
// to process memory otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("storage.postgres_dsn not set, sessions are kept in memory only")
		a.store = memory.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.checks = append(a.checks, health.PingCheck("postgres", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initTranscription(context.Context) error {
	client, err := a.reg.CreateTranscription(a.cfg.Transcription)
	if err != nil {
		return fmt.Errorf("provider %q: %w", a.cfg.Transcription.Provider, err)
	}
	a.client = client
	a.closers = append(a.closers, client.Close)
	a.checks = append(a.checks, health.FlagCheck("transcription", func() bool {
		return client.State() != stt.StateError
	}))

	if c, ok := client.(*assemblyai.Client); ok {
		reg, err := observe.RegisterTransportStats(otel.GetMeterProvider(), func() observe.TransportStats {
			s := c.Stats()
			return observe.TransportStats{
				BytesSent:    s.AudioBytesSent,
				ChunksSent:   s.AudioChunksSent,
				Dropped:      s.AudioDropped,
				ParseErrors:  s.ParseErrors,
				ForcedCloses: s.ForcedCloses,
			}
		})
		if err != nil {
			return fmt.Errorf("register transport stats: %w", err)
		}
		a.closers = append(a.closers, reg.Unregister)
	}
	slog.Info("transcription client created", "provider", a.cfg.Transcription.Provider)
	return nil
}

func (a *App) initCapture(context.Context) error {
	dev, err := a.reg.CreateCapture(a.cfg.Capture)
	if err != nil {
		return fmt.Errorf("device %q: %w", a.cfg.Capture.Device, err)
	}
	a.capture = audio.NewCapture(dev, audio.WithBlockQueue(a.cfg.Capture.BlockQueue))
	return nil
}

// initAnalysis builds the LLM failover chain. The first configured provider
// is the primary; an empty list disables analysis and Ask.
func (a *App) initAnalysis(context.Context) error {
	entries := a.cfg.Analysis.Providers
	if len(entries) == 0 {
		slog.Info("no analysis providers configured, analysis disabled")
		return nil
	}

	primary, err := a.reg.CreateLLM(entries[0])
	if err != nil {
		return fmt.Errorf("llm provider %q: %w", entries[0].Name, err)
	}
	fb := resilience.NewLLMFallback(primary, entries[0].Name, resilience.FallbackConfig{
		OnFailover: func(from string, err error) {
			slog.Warn("analysis provider failed, trying next", "provider", from, "err", err)
		},
	})
	for _, e := range entries[1:] {
		p, err := a.reg.CreateLLM(e)
		if err != nil {
			return fmt.Errorf("llm provider %q: %w", e.Name, err)
		}
		fb.AddFallback(e.Name, p)
	}

	a.analyser = session.NewLLMAnalyser(fb,
		session.WithTemperature(a.cfg.Analysis.Temperature),
		session.WithMaxTokens(a.cfg.Analysis.MaxTokens),
	)
	a.checks = append(a.checks, health.FlagCheck("analysis", fb.Healthy))
	slog.Info("analysis enabled", "primary", entries[0].Name, "model", entries[0].Model, "fallbacks", len(entries)-1)
	return nil
}

func (a *App) initSession(context.Context) error {
	var vocabulary *vocab.Vocabulary
	if terms := a.cfg.Transcription.Keyterms; len(terms) > 0 {
		vocabulary = vocab.New().Prepare(terms)
	}

	orch, err := session.New(session.Config{
		Client:  a.client,
		Capture: a.capture,
		PacerOptions: []audio.PacerOption{
			audio.WithMinFlushSamples(a.cfg.Pacer.MinSamples),
			audio.WithFlushInterval(a.cfg.Pacer.FlushInterval),
			audio.WithMaxQueuedSamples(a.cfg.Pacer.MaxQueuedSamples),
		},
		Separator:       a.cfg.Session.Separator,
		Vocabulary:      vocabulary,
		Analyser:        a.analyser,
		AnalysisTimeout: a.cfg.Analysis.Timeout,
		Store:           a.store,
		Metrics:         a.metrics,
		OnSessionError:  a.onSessionError,
	})
	if err != nil {
		return err
	}
	a.orch = orch

	if a.cfg.Session.AutoRestart {
		a.restarter = session.NewRestarter(session.RestarterConfig{
			Start:      orch.Start,
			MaxRetries: a.cfg.Session.MaxRestarts,
			Backoff:    a.cfg.Session.RestartBackoff,
			OnRestart: func(attempt int) {
				slog.Info("session restarted", "attempt", attempt)
			},
		})
		a.closers = append(a.closers, func() error {
			a.restarter.Stop()
			return nil
		})
	}
	return nil
}

func (a *App) onSessionError(err error) {
	slog.Warn("session ended with error", "err", err)
	if a.restarter != nil {
		a.restarter.Notify(err)
	}
}

func (a *App) initServer(context.Context) error {
	var certFile, keyFile string
	if tls := a.cfg.Server.TLS; tls != nil {
		certFile, keyFile = tls.CertFile, tls.KeyFile
	}
	srv, err := server.New(server.Config{
		Addr:           a.cfg.Server.ListenAddr,
		Controller:     a.orch,
		Store:          a.store,
		Health:         health.New(a.checks...),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
		OriginPatterns: a.cfg.Server.AllowedOrigins,
		CertFile:       certFile,
		KeyFile:        keyFile,
	})
	if err != nil {
		return err
	}
	a.srv = srv
	return nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Session returns the orchestrator.
func (a *App) Session() *session.Orchestrator { return a.orch }

// Run serves HTTP, consumes transcription events and, when enabled, restarts
// failed sessions. It blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.orch.Run(gctx) })
	g.Go(func() error { return a.srv.Run(gctx) })
	if a.restarter != nil {
		g.Go(func() error { return a.restarter.Run(gctx) })
	}

	slog.Info("livescribe running", "listen_addr", a.cfg.Server.ListenAddr)
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// Shutdown stops a running session and releases resources in reverse-init
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.orch != nil {
			a.orch.Stop()
		}

		closers := slices.Clone(a.closers)
		slices.Reverse(closers)
		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

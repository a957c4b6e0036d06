package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/pkg/audio"
)

// Default restart parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RestarterConfig configures a [Restarter].
type RestarterConfig struct {
	// Start begins a new session, normally [Orchestrator.Start]. Required.
	Start func(ctx context.Context) error

	// MaxRetries is the maximum number of start attempts per failure.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the delay before the first attempt. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// Retryable reports whether a failure is worth a restart. Defaults to
	// everything except microphone permission errors.
	Retryable func(error) bool

	// Breaker counts failed sessions; while it is open no restart is
	// attempted. Defaults to a breaker that opens after 3 failures for 5m.
	Breaker *resilience.CircuitBreaker

	// OnRestart is called after a successful restart. May be nil.
	OnRestart func(attempt int)
}

// Restarter starts a new session after the previous one failed. It is opt-in:
// the orchestrator never retries by itself, the application wires
// [Restarter.Notify] to [Config.OnSessionError] when restarts are enabled.
//
// All methods are safe for concurrent use.
type Restarter struct {
	start      func(ctx context.Context) error
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	retryable  func(error) bool
	breaker    *resilience.CircuitBreaker
	onRestart  func(int)

	failed   chan error
	done     chan struct{}
	stopOnce sync.Once
}

// NewRestarter creates a new [Restarter] with the given configuration.
func NewRestarter(cfg RestarterConfig) *Restarter {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return !errors.Is(err, audio.ErrPermissionDenied) }
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "session-restart",
			MaxFailures:  3,
			ResetTimeout: 5 * time.Minute,
			HalfOpenMax:  1,
		})
	}
	return &Restarter{
		start:      cfg.Start,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		retryable:  retryable,
		breaker:    breaker,
		onRestart:  cfg.OnRestart,
		failed:     make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// Notify reports a failed session. It never blocks; a failure reported while
// a restart is pending is merged into it.
func (r *Restarter) Notify(err error) {
	select {
	case r.failed <- err:
	default:
	}
}

// Run handles failure notifications until ctx is cancelled or Stop is called.
func (r *Restarter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.done:
			return nil
		case err := <-r.failed:
			r.handle(ctx, err)
		}
	}
}

// Stop halts the restart loop. Safe to call multiple times.
func (r *Restarter) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
}

func (r *Restarter) handle(ctx context.Context, cause error) {
	if cause == nil {
		cause = errors.New("session failed")
	}
	if !r.retryable(cause) {
		slog.Info("session restart: failure is not retryable", "err", cause)
		return
	}
	// A failed session counts against the breaker; Execute only refuses while
	// it is open.
	if err := r.breaker.Execute(func() error { return cause }); errors.Is(err, resilience.ErrCircuitOpen) {
		slog.Warn("session restart: too many failed sessions, not restarting", "breaker", r.breaker.Name())
		return
	}
	r.attemptRestart(ctx)
}

// attemptRestart tries to start a session with exponential backoff.
func (r *Restarter) attemptRestart(ctx context.Context) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		slog.Info("session restart: attempting",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		err := r.start(ctx)
		switch {
		case err == nil:
			slog.Info("session restart: successful", "attempt", attempt)
			if r.onRestart != nil {
				r.onRestart(attempt)
			}
			return
		case errors.Is(err, ErrSessionActive):
			slog.Info("session restart: a session is already running")
			return
		case !r.retryable(err):
			slog.Warn("session restart: giving up", "attempt", attempt, "err", err)
			return
		}

		slog.Warn("session restart: attempt failed", "attempt", attempt, "err", err)

		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("session restart: failed after max retries", "max_retries", r.maxRetries)
}

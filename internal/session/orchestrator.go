// Package session sequences a live transcription session across the
// microphone capture, the pacer, the streaming client and the turn
// aggregator, and hands finished transcripts to analysis and storage.
//
// The [Orchestrator] owns one session at a time. Control calls (Start, Stop)
// may come from any goroutine; every client event is consumed by a single
// [Orchestrator.Run] loop, which is the only place that tears a session down.
// The optional [Restarter] layers automatic restarts after transport errors
// on top.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/internal/transcript/vocab"
	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/memory"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// Default orchestrator parameters.
const (
	defaultAnalysisTimeout = 2 * time.Minute
	defaultSaveTimeout     = 10 * time.Second
	subscriberBuffer       = 64
)

var (
	// ErrSessionActive is returned by Start while a session is running or
	// still being torn down.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrNoAnalyser is returned by Ask when no analysis backend is configured.
	ErrNoAnalyser = errors.New("session: analysis is not configured")
)

// UpdateKind discriminates [Update] values.
type UpdateKind string

const (
	// UpdateState reports a connection state change.
	UpdateState UpdateKind = "state"

	// UpdateTurn reports a change of the committed turns or the interim text.
	UpdateTurn UpdateKind = "turn"

	// UpdateFinalized carries the full transcript of a session that closed
	// cleanly. It is published at most once per session.
	UpdateFinalized UpdateKind = "finalized"

	// UpdateAnalysis carries the analysis result, or its error.
	UpdateAnalysis UpdateKind = "analysis"
)

// Update is the notification published to subscribers.
type Update struct {
	Kind        UpdateKind         `json:"kind"`
	SessionID   string             `json:"session_id,omitempty"`
	State       stt.State          `json:"state"`
	Committed   []stt.Turn         `json:"committed,omitempty"`
	Interim     string             `json:"interim,omitempty"`
	Transcript  string             `json:"transcript,omitempty"`
	Corrections []vocab.Correction `json:"corrections,omitempty"`
	Analysis    *memory.Analysis   `json:"analysis,omitempty"`
	Error       string             `json:"error,omitempty"`

	// Err is the error behind Error, for callers that classify it.
	Err error `json:"-"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	SessionID string    `json:"session_id,omitempty"`
	State     stt.State `json:"state"`
	StartedAt time.Time `json:"started_at,omitzero"`
	transcript.Snapshot
	LastError     string `json:"last_error,omitempty"`
	LastSessionID string `json:"last_session_id,omitempty"`

	// Err is the error behind LastError.
	Err error `json:"-"`
}

// Config configures an [Orchestrator].
type Config struct {
	// Client is the streaming transcription client. Required.
	Client stt.Client

	// Capture owns the microphone. Required.
	Capture *audio.Capture

	// PacerOptions tune batching between capture and Client.
	PacerOptions []audio.PacerOption

	// Separator joins committed turns. Empty means a single space.
	Separator string

	// Vocabulary corrects key terms in the final transcript. May be nil.
	Vocabulary *vocab.Vocabulary

	// Analyser analyses finalized transcripts. May be nil.
	Analyser Analyser

	// AnalysisTimeout bounds one analysis call. Defaults to 2m.
	AnalysisTimeout time.Duration

	// Store persists finished sessions. May be nil.
	Store memory.SessionStore

	// Metrics receives session metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnSessionError is called from the event loop after a session ended in
	// the error state and its resources were released. May be nil.
	OnSessionError func(err error)
}

// Orchestrator runs transcription sessions. All methods are safe for
// concurrent use.
type Orchestrator struct {
	client          stt.Client
	capture         *audio.Capture
	pacer           *audio.Pacer
	agg             *transcript.Aggregator
	vocab           *vocab.Vocabulary
	analyser        Analyser
	analysisTimeout time.Duration
	store           memory.SessionStore
	metrics         *observe.Metrics
	onSessionError  func(error)
	now             func() time.Time

	startMu sync.Mutex

	mu            sync.Mutex
	active        bool
	released      bool
	sessionID     string
	startedAt     time.Time
	connectStart  time.Time
	audioDuration time.Duration
	lastFinalized string
	lastErr       error
	last          *memory.SessionRecord
	cancelCapture context.CancelFunc
	pacerDone     chan struct{}
	capDropped    int64

	subMu sync.Mutex
	subs  map[chan Update]struct{}

	analyses sync.WaitGroup
}

// New creates an [Orchestrator]. Call [Orchestrator.Run] to start consuming
// client events before the first Start.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Client == nil {
		return nil, errors.New("session: client is required")
	}
	if cfg.Capture == nil {
		return nil, errors.New("session: capture is required")
	}
	timeout := cfg.AnalysisTimeout
	if timeout <= 0 {
		timeout = defaultAnalysisTimeout
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	o := &Orchestrator{
		client:          cfg.Client,
		capture:         cfg.Capture,
		agg:             transcript.NewAggregator(cfg.Separator),
		vocab:           cfg.Vocabulary,
		analyser:        cfg.Analyser,
		analysisTimeout: timeout,
		store:           cfg.Store,
		metrics:         metrics,
		onSessionError:  cfg.OnSessionError,
		now:             time.Now,
		subs:            make(map[chan Update]struct{}),
	}
	opts := append(append([]audio.PacerOption(nil), cfg.PacerOptions...), audio.WithSendHook(o.onSend))
	o.pacer = audio.NewPacer(cfg.Client, opts...)
	return o, nil
}

func (o *Orchestrator) onSend(samples int, err error) {
	o.metrics.RecordAudioSend(context.Background(), samples, err)
}

// Start begins a new session. A client left in the closed or error state is
// re-armed first. The microphone is acquired before any network work, so a
// permission failure returns an error wrapping [audio.ErrPermissionDenied]
// without touching the transport. Once the client is connecting, capture
// starts emitting; frames produced before the connection is ready wait in the
// pacer.
//
// ctx bounds the microphone acquisition only. The connection attempt and the
// session outlive it and run until Stop or a transport failure.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return ErrSessionActive
	}
	o.mu.Unlock()

	if o.client.State().Terminal() {
		if err := o.client.Reset(); err != nil {
			return fmt.Errorf("session: start: %w", err)
		}
	}
	if st := o.client.State(); st != stt.StateIdle {
		return fmt.Errorf("%w: client is %s", ErrSessionActive, st)
	}

	o.agg.Reset()
	o.pacer.Reset()
	id := memory.NewID()

	o.mu.Lock()
	o.active = true
	o.released = false
	o.sessionID = id
	o.lastFinalized = ""
	o.lastErr = nil
	o.audioDuration = 0
	o.startedAt = o.now()
	o.connectStart = o.startedAt
	o.capDropped = o.capture.Dropped()
	o.mu.Unlock()

	log := slog.With("session_id", id)

	if err := o.capture.Acquire(ctx); err != nil {
		o.setInactive()
		log.Warn("session: microphone unavailable", "err", err)
		return fmt.Errorf("session: start: %w", err)
	}

	if err := o.client.Start(context.WithoutCancel(ctx)); err != nil {
		_ = o.capture.Stop()
		o.setInactive()
		return fmt.Errorf("session: start: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active || o.released {
		// The connection already failed and the event loop released the
		// microphone before capture started. Starting capture now would
		// reopen the device with nothing left to close it.
		_ = o.capture.Stop()
		if o.lastErr != nil {
			return fmt.Errorf("session: start: %w", o.lastErr)
		}
		return nil
	}

	captureCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	frames, err := o.capture.Start(captureCtx)
	if err != nil {
		cancel()
		_ = o.capture.Stop()
		o.client.Stop()
		return fmt.Errorf("session: start: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.pacer.Run(captureCtx, frames)
	}()
	o.cancelCapture = cancel
	o.pacerDone = done

	log.Info("session: started")
	return nil
}

func (o *Orchestrator) setInactive() {
	o.mu.Lock()
	o.active = false
	o.mu.Unlock()
}

// Stop asks the service to finish the session. Audio still waiting in the
// pacer is sent first. While connecting, the client defers the stop until the
// connection settles. In any other state Stop does nothing. Capture is torn
// down by the event loop once the client leaves the connected state.
func (o *Orchestrator) Stop() {
	switch o.client.State() {
	case stt.StateConnected:
		if err := o.pacer.Flush(); err != nil {
			slog.Debug("session: final flush failed", "err", err)
		}
		o.client.Stop()
	case stt.StateConnecting:
		o.client.Stop()
	}
}

// Run consumes client events until ctx is cancelled or the event stream is
// closed. It releases the microphone and waits for running analyses before
// returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.analyses.Wait()
	defer o.teardown(ctx)

	events := o.client.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev stt.Event) {
	switch e := ev.(type) {
	case stt.TurnReceived:
		o.agg.Apply(e.Turn)
		o.metrics.RecordTurn(ctx, e.Turn.Interim())
		snap := o.agg.Snapshot()
		o.publish(Update{
			Kind:       UpdateTurn,
			SessionID:  o.currentID(),
			State:      o.client.State(),
			Committed:  snap.Committed,
			Interim:    snap.Interim,
			Transcript: snap.Transcript,
		})

	case stt.StateChanged:
		o.handleState(ctx, e)

	case stt.SessionBegan:
		slog.Info("session: service session began", "session_id", o.currentID(), "service_id", e.ID, "expires_at", e.ExpiresAt)

	case stt.SessionTerminated:
		o.mu.Lock()
		o.audioDuration = e.AudioDuration
		o.mu.Unlock()
		slog.Info("session: service session terminated",
			"session_id", o.currentID(),
			"audio_duration", e.AudioDuration,
			"session_duration", e.SessionDuration,
		)
	}
}

func (o *Orchestrator) handleState(ctx context.Context, e stt.StateChanged) {
	o.metrics.RecordTransition(ctx, e.From.String(), e.To.String())
	id := o.currentID()
	log := slog.With("session_id", id)
	log.Debug("session: state changed", "from", e.From, "to", e.To)

	switch e.To {
	case stt.StateConnecting:
		o.metrics.ActiveSessions.Add(ctx, 1)

	case stt.StateConnected:
		o.mu.Lock()
		started := o.connectStart
		o.mu.Unlock()
		if !started.IsZero() {
			o.metrics.ConnectDuration.Record(ctx, o.now().Sub(started).Seconds())
		}

	case stt.StateClosing:
		o.teardown(ctx)

	case stt.StateClosed, stt.StateError:
		o.teardown(ctx)
		if e.From.Active() {
			o.metrics.ActiveSessions.Add(ctx, -1)
		}
		o.mu.Lock()
		if !o.startedAt.IsZero() {
			o.metrics.SessionDuration.Record(ctx, o.now().Sub(o.startedAt).Seconds())
		}
		o.mu.Unlock()

		// The record is captured before the session is released so a new
		// Start cannot clear the transcript underneath it.
		var rec *memory.SessionRecord
		var corrections []vocab.Correction
		if e.To == stt.StateClosed {
			rec, corrections = o.finalRecord()
		} else {
			o.fail(ctx, e.Err)
		}
		o.setInactive()
		if rec != nil {
			o.finish(ctx, rec, corrections)
		}
	}

	u := Update{Kind: UpdateState, SessionID: id, State: e.To}
	if e.Err != nil {
		u.Error = e.Err.Error()
		u.Err = e.Err
	}
	o.publish(u)

	if e.To == stt.StateError && o.onSessionError != nil {
		o.onSessionError(e.Err)
	}
}

// teardown stops capture and the pacer. It is idempotent. Once it has run,
// Start no longer begins capture for the current session.
func (o *Orchestrator) teardown(ctx context.Context) {
	o.mu.Lock()
	o.released = true
	cancel, done := o.cancelCapture, o.pacerDone
	o.cancelCapture, o.pacerDone = nil, nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := o.capture.Stop(); err != nil {
		slog.Warn("session: release microphone", "err", err)
	}
	if done == nil {
		return
	}
	<-done

	o.mu.Lock()
	capDropped := o.capture.Dropped() - o.capDropped
	o.capDropped = o.capture.Dropped()
	o.mu.Unlock()
	o.metrics.RecordDropped(ctx, "capture", capDropped)
	o.metrics.RecordDropped(ctx, "pacer", int64(o.pacer.Dropped()))
}

// finalRecord builds the record of a cleanly closed session with key terms
// corrected. The last-finalized marker makes it return nil for a transcript
// that was already handled, as it does for an empty one.
func (o *Orchestrator) finalRecord() (*memory.SessionRecord, []vocab.Correction) {
	text := o.agg.Transcript()

	o.mu.Lock()
	if text == "" || text == o.lastFinalized {
		o.mu.Unlock()
		return nil, nil
	}
	o.lastFinalized = text
	rec := o.recordLocked(text)
	o.mu.Unlock()

	var corrections []vocab.Correction
	if o.vocab != nil {
		rec.Transcript, corrections = o.vocab.Correct(text)
	}
	return rec, corrections
}

func (o *Orchestrator) finish(ctx context.Context, rec *memory.SessionRecord, corrections []vocab.Correction) {
	slog.Info("session: finalized", "session_id", rec.ID, "turns", len(rec.Turns), "corrections", len(corrections))
	o.save(ctx, rec)
	o.publish(Update{
		Kind:        UpdateFinalized,
		SessionID:   rec.ID,
		State:       stt.StateClosed,
		Committed:   rec.Turns,
		Transcript:  rec.Transcript,
		Corrections: corrections,
	})

	if o.analyser == nil {
		return
	}
	o.analyses.Add(1)
	go func() {
		defer o.analyses.Done()
		o.analyse(ctx, rec)
	}()
}

// fail keeps the partial transcript of a session that ended on an error. It
// is stored without analysis.
func (o *Orchestrator) fail(ctx context.Context, cause error) {
	o.mu.Lock()
	o.lastErr = cause
	text := o.agg.Transcript()
	if text == "" || text == o.lastFinalized {
		o.mu.Unlock()
		slog.Warn("session: ended with error", "session_id", o.sessionID, "err", cause)
		return
	}
	rec := o.recordLocked(text)
	o.mu.Unlock()

	slog.Warn("session: ended with error, keeping partial transcript", "session_id", rec.ID, "turns", len(rec.Turns), "err", cause)
	o.save(ctx, rec)
}

func (o *Orchestrator) recordLocked(text string) *memory.SessionRecord {
	duration := o.audioDuration
	if duration <= 0 && !o.startedAt.IsZero() {
		duration = o.now().Sub(o.startedAt)
	}
	rec := &memory.SessionRecord{
		ID:         o.sessionID,
		StartedAt:  o.startedAt,
		Duration:   duration,
		Turns:      o.agg.Committed(),
		Transcript: text,
	}
	if rec.ID == "" {
		rec.ID = memory.NewID()
	}
	o.last = rec
	return rec
}

func (o *Orchestrator) analyse(ctx context.Context, rec *memory.SessionRecord) {
	actx, cancel := context.WithTimeout(ctx, o.analysisTimeout)
	defer cancel()
	actx, span := observe.StartSpan(actx, "session.analyse")

	start := o.now()
	result, err := o.analyser.Analyse(actx, rec.Transcript)
	observe.EndSpan(span, err)

	status := "ok"
	out := *rec
	if err != nil {
		status = "error"
		out.AnalysisError = err.Error()
		slog.Warn("session: analysis failed", "session_id", rec.ID, "err", err)
	} else {
		out.Analysis = result
		slog.Info("session: analysis complete", "session_id", rec.ID, "topics", len(result.Topics), "action_items", len(result.ActionItems))
	}
	o.metrics.AnalysisDuration.Record(ctx, o.now().Sub(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))

	o.mu.Lock()
	if o.last != nil && o.last.ID == out.ID {
		o.last = &out
	}
	o.mu.Unlock()

	o.save(ctx, &out)
	o.publish(Update{
		Kind:      UpdateAnalysis,
		SessionID: out.ID,
		State:     o.client.State(),
		Analysis:  out.Analysis,
		Error:     out.AnalysisError,
		Err:       err,
	})
}

func (o *Orchestrator) save(ctx context.Context, rec *memory.SessionRecord) {
	if o.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultSaveTimeout)
	defer cancel()
	if err := o.store.Save(sctx, *rec); err != nil {
		slog.Error("session: persist record", "session_id", rec.ID, "err", err)
	}
}

// Ask streams an answer about the running session's transcript, or about the
// most recent session when nothing has been transcribed yet.
func (o *Orchestrator) Ask(ctx context.Context, question string) (<-chan string, error) {
	if o.analyser == nil {
		return nil, ErrNoAnalyser
	}
	text := o.agg.Transcript()
	if text == "" {
		o.mu.Lock()
		if o.last != nil {
			text = o.last.Transcript
		}
		o.mu.Unlock()
	}
	if text == "" {
		return nil, ErrEmptyTranscript
	}
	return o.analyser.Ask(ctx, text, question)
}

// Status returns the current state and transcript.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{
		SessionID: o.sessionID,
		State:     o.client.State(),
		StartedAt: o.startedAt,
		Snapshot:  o.agg.Snapshot(),
	}
	if o.lastErr != nil {
		s.LastError = o.lastErr.Error()
		s.Err = o.lastErr
	}
	if o.last != nil {
		s.LastSessionID = o.last.ID
	}
	return s
}

// Last returns a copy of the most recently finished session, if any.
func (o *Orchestrator) Last() (memory.SessionRecord, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return memory.SessionRecord{}, false
	}
	return *o.last, true
}

// Subscribe returns a channel of updates and a function that cancels the
// subscription and closes the channel. A subscriber that falls behind misses
// updates instead of stalling the session.
func (o *Orchestrator) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, subscriberBuffer)
	o.subMu.Lock()
	o.subs[ch] = struct{}{}
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, ch)
			o.subMu.Unlock()
			close(ch)
		})
	}
}

func (o *Orchestrator) publish(u Update) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for ch := range o.subs {
		select {
		case ch <- u:
		default:
			slog.Debug("session: subscriber behind, dropping update", "kind", u.Kind)
		}
	}
}

func (o *Orchestrator) currentID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Package assemblyai implements [stt.Client] against the AssemblyAI v3
// real-time streaming API.
//
// A session authenticates with a short-lived token obtained from the token
// endpoint, streams 16 kHz PCM16 mono audio as binary WebSocket frames, and
// receives Begin, Turn and Termination messages as JSON text frames. Stopping
// sends {"type":"Terminate"} so the service can flush final turns; if the
// service does not close the transport within the close timeout, the client
// closes it itself.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const (
	defaultEndpoint     = "wss://streaming.assemblyai.com/v3/ws"
	defaultSampleRate   = 16000
	defaultCloseTimeout = time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultAudioQueue   = 64
	defaultEventBuffer  = 64
	readLimit           = 1 << 20
)

var (
	// ErrSessionActive is returned by Start and Reset while a session is in
	// progress.
	ErrSessionActive = errors.New("assemblyai: session already active")

	// ErrNotConnected is returned by SendAudio and ForceEndpoint outside the
	// connected state.
	ErrNotConnected = errors.New("assemblyai: not connected")

	// ErrAudioBackpressure is returned by SendAudio when the outbound queue
	// is full. The chunk is dropped.
	ErrAudioBackpressure = errors.New("assemblyai: outbound audio queue full")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("assemblyai: client closed")

	// ErrTransport is the category of every [TransportError].
	ErrTransport = errors.New("assemblyai: transport error")
)

// TransportError reports a failure of the streaming connection itself.
type TransportError struct {
	// Code is the WebSocket close status sent by the service, or -1 when the
	// connection failed without a close frame.
	Code websocket.StatusCode

	// Reason is the close reason or the underlying error text.
	Reason string

	Err error
}

func (e *TransportError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("assemblyai: transport closed with status %d: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("assemblyai: transport failed: %s", e.Reason)
}

// Unwrap returns [ErrTransport] and the underlying cause.
func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransport}
	}
	return []error{ErrTransport, e.Err}
}

func newTransportError(err error) *TransportError {
	code := websocket.CloseStatus(err)
	reason := err.Error()
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Reason != "" {
		reason = ce.Reason
	}
	return &TransportError{Code: code, Reason: reason, Err: err}
}

// Stats are cumulative counters for one Client.
type Stats struct {
	AudioBytesSent  int64
	AudioChunksSent int64
	AudioDropped    int64
	ParseErrors     int64
	ForcedCloses    int64
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithEndpoint overrides the streaming WebSocket URL.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithTokenURL overrides the token endpoint URL.
func WithTokenURL(tokenURL string) Option {
	return func(c *Client) {
		c.tokens.URL = tokenURL
	}
}

// WithTokenExpiry sets the expiry requested for each token (max 600s).
func WithTokenExpiry(d time.Duration) Option {
	return func(c *Client) {
		c.tokens.Expiry = d
	}
}

// WithTokenTimeout bounds the token request.
func WithTokenTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.tokens.Timeout = d
	}
}

// WithHTTPClient sets the HTTP client used for the token request and the
// WebSocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.tokens.HTTPClient = hc
	}
}

// WithSampleRate sets the sample rate announced to the service.
func WithSampleRate(rate int) Option {
	return func(c *Client) {
		c.sampleRate = rate
	}
}

// WithKeyterms biases recognition towards the given words and phrases.
func WithKeyterms(terms []string) Option {
	return func(c *Client) {
		c.keyterms = append([]string(nil), terms...)
	}
}

// WithEndOfTurnConfidenceThreshold sets the confidence at which the service
// ends a turn. Zero keeps the service default.
func WithEndOfTurnConfidenceThreshold(v float64) Option {
	return func(c *Client) {
		c.eotThreshold = v
	}
}

// WithMinEndOfTurnSilenceWhenConfident sets the silence required to end a turn
// once the confidence threshold is met. Zero keeps the service default.
func WithMinEndOfTurnSilenceWhenConfident(d time.Duration) Option {
	return func(c *Client) {
		c.minSilenceConfident = d
	}
}

// WithMaxTurnSilence sets the silence after which a turn ends regardless of
// confidence. Zero keeps the service default.
func WithMaxTurnSilence(d time.Duration) Option {
	return func(c *Client) {
		c.maxTurnSilence = d
	}
}

// WithCloseTimeout sets how long to wait for the service to close the
// transport after Terminate before closing it locally.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// WithWriteTimeout bounds each WebSocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithDialTimeout bounds the WebSocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithAudioQueue sets how many audio chunks may wait for the writer.
func WithAudioQueue(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.audioQueue = n
		}
	}
}

// Client is one logical streaming session with AssemblyAI. It owns the
// connection state and the WebSocket exclusively; everything it learns is
// published on Events.
//
// A Client is reusable: after a session reaches closed (or error followed by
// Reset) Start may be called again. All methods are safe for concurrent use.
type Client struct {
	endpoint            string
	tokens              TokenFetcher
	httpClient          *http.Client
	sampleRate          int
	keyterms            []string
	eotThreshold        float64
	minSilenceConfident time.Duration
	maxTurnSilence      time.Duration
	closeTimeout        time.Duration
	writeTimeout        time.Duration
	dialTimeout         time.Duration
	audioQueue          int

	events *stt.Dispatcher

	bytesSent    atomic.Int64
	chunksSent   atomic.Int64
	dropped      atomic.Int64
	parseErrors  atomic.Int64
	forcedCloses atomic.Int64

	mu            sync.Mutex
	state         stt.State
	gen           uint64
	conn          *connection
	cancelConnect context.CancelFunc
	stopRequested bool
	closed        bool
}

// connection is the per-session transport. It is released exactly once.
type connection struct {
	ws     *websocket.Conn
	audio  chan []byte
	ctrl   chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	closeTimer *time.Timer
	release    sync.Once
}

// shutdown stops the loops and closes the socket. Safe to call repeatedly.
func (cn *connection) shutdown() {
	cn.release.Do(func() {
		if cn.closeTimer != nil {
			cn.closeTimer.Stop()
		}
		close(cn.done)
		cn.cancel()
		_ = cn.ws.CloseNow()
	})
}

// New creates a Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	c := &Client{
		endpoint:     defaultEndpoint,
		tokens:       TokenFetcher{APIKey: apiKey},
		sampleRate:   defaultSampleRate,
		closeTimeout: defaultCloseTimeout,
		writeTimeout: defaultWriteTimeout,
		dialTimeout:  defaultDialTimeout,
		audioQueue:   defaultAudioQueue,
	}
	for _, o := range opts {
		o(c)
	}
	c.events = stt.NewDispatcher(defaultEventBuffer)
	return c, nil
}

// buildURL constructs the streaming endpoint URL for the given token.
func (c *Client) buildURL(token string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(c.sampleRate))
	q.Set("encoding", "pcm_s16le")
	q.Set("format_turns", "true")
	q.Set("token", token)

	if len(c.keyterms) > 0 {
		b, err := json.Marshal(c.keyterms)
		if err != nil {
			return "", err
		}
		q.Set("keyterms_prompt", string(b))
	}
	if c.eotThreshold > 0 {
		q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(c.eotThreshold, 'f', -1, 64))
	}
	if c.minSilenceConfident > 0 {
		q.Set("min_end_of_turn_silence_when_confident", strconv.FormatInt(c.minSilenceConfident.Milliseconds(), 10))
	}
	if c.maxTurnSilence > 0 {
		q.Set("max_turn_silence", strconv.FormatInt(c.maxTurnSilence.Milliseconds(), 10))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// transitionLocked moves to the given state and publishes the change. It
// panics on an edge the state machine does not define, since that can only be
// a bug in this package.
func (c *Client) transitionLocked(to stt.State, err error) {
	from := c.state
	if !stt.CanTransition(from, to) {
		panic(fmt.Sprintf("assemblyai: illegal transition %s → %s", from, to))
	}
	c.state = to
	if err != nil {
		slog.Warn("assemblyai: state changed", "from", from, "to", to, "err", err)
	} else {
		slog.Debug("assemblyai: state changed", "from", from, "to", to)
	}
	c.events.Publish(stt.StateChanged{From: from, To: to, Err: err})
}

// Start implements [stt.Client]. The token request and the WebSocket
// handshake run in the background; their outcome is reported as a
// transition to connected or error. Cancelling ctx aborts the connection
// attempt but does not end an established session.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.state != stt.StateIdle && c.state != stt.StateClosed {
		return fmt.Errorf("%w (state %s)", ErrSessionActive, c.state)
	}

	c.gen++
	c.stopRequested = false
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	c.cancelConnect = func() {
		stop()
		cancel()
	}
	c.transitionLocked(stt.StateConnecting, nil)

	go c.connect(connCtx, c.gen)
	return nil
}

// connect obtains a token and dials the service for session gen.
func (c *Client) connect(ctx context.Context, gen uint64) {
	token, err := c.tokens.Fetch(ctx)
	if err != nil {
		c.failConnect(gen, fmt.Errorf("assemblyai: token: %w", err))
		return
	}

	wsURL, err := c.buildURL(token)
	if err != nil {
		c.failConnect(gen, fmt.Errorf("assemblyai: build URL: %w", err))
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	ws, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{HTTPClient: c.httpClient})
	cancel()
	if err != nil {
		c.failConnect(gen, fmt.Errorf("assemblyai: dial: %w", newTransportError(err)))
		return
	}
	ws.SetReadLimit(readLimit)

	c.mu.Lock()
	if gen != c.gen || c.state != stt.StateConnecting {
		c.mu.Unlock()
		_ = ws.CloseNow()
		return
	}

	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	cn := &connection{
		ws:     ws,
		audio:  make(chan []byte, c.audioQueue),
		ctrl:   make(chan []byte, 4),
		done:   make(chan struct{}),
		cancel: loopCancel,
	}
	c.conn = cn
	c.cancelConnect()
	c.cancelConnect = nil
	c.transitionLocked(stt.StateConnected, nil)

	go c.readLoop(loopCtx, gen, cn)
	go c.writeLoop(loopCtx, gen, cn)

	if c.stopRequested {
		c.stopRequested = false
		c.stopLocked(gen)
	}
	c.mu.Unlock()
}

// failConnect moves session gen from connecting to error.
func (c *Client) failConnect(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.state != stt.StateConnecting {
		return
	}
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	c.stopRequested = false
	c.transitionLocked(stt.StateError, err)
}

// Stop implements [stt.Client].
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stt.StateConnecting:
		c.stopRequested = true
	case stt.StateConnected:
		c.stopLocked(c.gen)
	}
}

// stopLocked sends Terminate, moves to closing and arms the close fallback.
func (c *Client) stopLocked(gen uint64) {
	cn := c.conn
	c.transitionLocked(stt.StateClosing, nil)

	select {
	case cn.ctrl <- terminateMessage:
	default:
		slog.Warn("assemblyai: control queue full, relying on close fallback")
	}

	cn.closeTimer = time.AfterFunc(c.closeTimeout, func() {
		c.forceClose(gen, cn)
	})
}

// forceClose ends a session whose service never acknowledged Terminate.
func (c *Client) forceClose(gen uint64, cn *connection) {
	c.mu.Lock()
	if gen != c.gen || c.conn != cn || c.state != stt.StateClosing {
		c.mu.Unlock()
		return
	}
	c.forcedCloses.Add(1)
	slog.Warn("assemblyai: no close acknowledgement, closing transport", "timeout", c.closeTimeout)
	c.conn = nil
	c.transitionLocked(stt.StateClosed, nil)
	c.mu.Unlock()

	cn.shutdown()
}

// connectionLost handles a read or write failure on cn.
func (c *Client) connectionLost(gen uint64, cn *connection, err error) {
	c.mu.Lock()
	if gen != c.gen || c.conn != cn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	switch c.state {
	case stt.StateClosing:
		c.transitionLocked(stt.StateClosed, nil)
	case stt.StateConnected:
		c.transitionLocked(stt.StateError, newTransportError(err))
	}
	c.mu.Unlock()

	cn.shutdown()
}

// readLoop receives JSON messages and publishes the events they carry.
func (c *Client) readLoop(ctx context.Context, gen uint64, cn *connection) {
	for {
		typ, data, err := cn.ws.Read(ctx)
		if err != nil {
			c.connectionLost(gen, cn, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		ev, err := parseMessage(data)
		if err != nil {
			c.parseErrors.Add(1)
			slog.Warn("assemblyai: dropping malformed message", "err", err, "bytes", len(data))
			continue
		}
		switch ev := ev.(type) {
		case nil:
			continue
		case stt.SessionBegan:
			slog.Info("assemblyai: session began", "id", ev.ID, "expires_at", ev.ExpiresAt)
		case stt.SessionTerminated:
			slog.Info("assemblyai: session terminated",
				"audio_duration", ev.AudioDuration,
				"session_duration", ev.SessionDuration,
			)
		}
		c.events.Publish(ev)
	}
}

// writeLoop sends queued audio and control messages in order. A control
// message is written only after every audio chunk queued before it.
func (c *Client) writeLoop(ctx context.Context, gen uint64, cn *connection) {
	for {
		select {
		case <-cn.done:
			return
		case chunk := <-cn.audio:
			if err := c.write(ctx, cn, websocket.MessageBinary, chunk); err != nil {
				c.connectionLost(gen, cn, err)
				return
			}
		case msg := <-cn.ctrl:
			for pending := true; pending; {
				select {
				case chunk := <-cn.audio:
					if err := c.write(ctx, cn, websocket.MessageBinary, chunk); err != nil {
						c.connectionLost(gen, cn, err)
						return
					}
				default:
					pending = false
				}
			}
			if err := c.write(ctx, cn, websocket.MessageText, msg); err != nil {
				c.connectionLost(gen, cn, err)
				return
			}
		}
	}
}

func (c *Client) write(ctx context.Context, cn *connection, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := cn.ws.Write(ctx, typ, data); err != nil {
		return err
	}
	if typ == websocket.MessageBinary {
		c.bytesSent.Add(int64(len(data)))
		c.chunksSent.Add(1)
	}
	return nil
}

// SendAudio implements [stt.Client] and the audio pacer sink.
func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.state != stt.StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	cn := c.conn
	c.mu.Unlock()

	select {
	case cn.audio <- pcm:
		return nil
	default:
		c.dropped.Add(1)
		return ErrAudioBackpressure
	}
}

// ForceEndpoint asks the service to end the current turn immediately.
func (c *Client) ForceEndpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stt.StateConnected {
		return ErrNotConnected
	}
	select {
	case c.conn.ctrl <- forceEndpointMessage:
		return nil
	default:
		return ErrAudioBackpressure
	}
}

// Reset implements [stt.Client].
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stt.StateIdle:
		return nil
	case stt.StateClosed, stt.StateError:
		c.transitionLocked(stt.StateIdle, nil)
		return nil
	default:
		return fmt.Errorf("%w (state %s)", ErrSessionActive, c.state)
	}
}

// State implements [stt.Client].
func (c *Client) State() stt.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Ready implements [stt.Client] and the audio pacer sink.
func (c *Client) Ready() bool {
	return c.State() == stt.StateConnected
}

// Events implements [stt.Client].
func (c *Client) Events() <-chan stt.Event {
	return c.events.Events()
}

// Stats returns a snapshot of the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		AudioBytesSent:  c.bytesSent.Load(),
		AudioChunksSent: c.chunksSent.Load(),
		AudioDropped:    c.dropped.Load(),
		ParseErrors:     c.parseErrors.Load(),
		ForcedCloses:    c.forcedCloses.Load(),
	}
}

// Close implements [stt.Client]. A live session is ended without waiting for
// the service: connecting goes to error, connected and closing go to closed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++

	cn := c.conn
	c.conn = nil
	switch c.state {
	case stt.StateConnecting:
		if c.cancelConnect != nil {
			c.cancelConnect()
			c.cancelConnect = nil
		}
		c.transitionLocked(stt.StateError, ErrClientClosed)
	case stt.StateConnected:
		c.transitionLocked(stt.StateClosing, nil)
		c.transitionLocked(stt.StateClosed, nil)
	case stt.StateClosing:
		c.transitionLocked(stt.StateClosed, nil)
	}
	c.events.Close()
	c.mu.Unlock()

	if cn != nil {
		cn.shutdown()
	}
	return nil
}

var _ stt.Client = (*Client)(nil)

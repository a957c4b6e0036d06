package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBlockQueue  = 32
	defaultStopTimeout = 2 * time.Second
)

// CaptureOption is a functional option for [NewCapture].
type CaptureOption func(*Capture)

// WithBlockQueue sets how many native blocks may wait between the device
// reader and the encoder before new blocks are dropped.
func WithBlockQueue(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.blockQueue = n
		}
	}
}

// WithStopTimeout bounds how long [Capture.Stop] waits for the reader
// goroutine before closing the stream underneath it.
func WithStopTimeout(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.stopTimeout = d
		}
	}
}

// WithTargetRate overrides the output sample rate of the encoder.
func WithTargetRate(rate int) CaptureOption {
	return func(c *Capture) {
		if rate > 0 {
			c.targetRate = rate
		}
	}
}

// Capture is the microphone half of a session. It holds at most one
// [InputStream] at a time and is the only component allowed to touch it.
//
// The lifecycle is Acquire → Start → Stop. Acquiring is split from starting so
// the caller can surface permission errors before any network work begins.
// Stop releases the device on every path and may be called any number of
// times.
type Capture struct {
	device      Device
	blockQueue  int
	stopTimeout time.Duration
	targetRate  int

	dropped atomic.Int64

	mu         sync.Mutex
	stream     InputStream
	done       chan struct{}
	readerDone chan struct{}
	cancel     context.CancelFunc
}

// NewCapture returns a Capture that opens streams from device.
func NewCapture(device Device, opts ...CaptureOption) *Capture {
	c := &Capture{
		device:      device,
		blockQueue:  defaultBlockQueue,
		stopTimeout: defaultStopTimeout,
		targetRate:  TargetSampleRate,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Acquire opens the microphone. This is the point where the OS microphone
// indicator turns on. Errors wrap [ErrPermissionDenied] or
// [ErrDeviceUnavailable] as reported by the device.
func (c *Capture) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return ErrCaptureActive
	}
	stream, err := c.device.Open(ctx)
	if err != nil {
		return fmt.Errorf("audio: acquire microphone: %w", err)
	}
	c.stream = stream
	slog.Debug("audio: microphone acquired", "format", formatString(stream.Format().SampleRate, stream.Format().Channels))
	return nil
}

// Start begins reading the stream, acquiring it first if [Capture.Acquire]
// was not called, and returns the channel of encoded frames. Reading happens
// on a dedicated goroutine and encoding on another; blocks and frames cross
// goroutines only by channel handoff. The returned channel is closed once the
// reader exits through [Capture.Stop], cancellation of ctx or a read error.
func (c *Capture) Start(ctx context.Context) (<-chan AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream == nil {
		stream, err := c.device.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("audio: acquire microphone: %w", err)
		}
		c.stream = stream
	}
	if c.done != nil {
		return nil, ErrCaptureActive
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.readerDone = make(chan struct{})
	raw := make(chan []float32, c.blockQueue)

	go c.readLoop(ctx, c.stream, raw, c.done, c.readerDone)

	return EncodeStream(ctx, raw, NewEncoder(c.stream.Format(), c.targetRate)), nil
}

// readLoop pulls native blocks off stream until done closes, ctx is
// cancelled, or Read fails. Blocks that do not fit in raw are dropped so the
// device is never starved of reads.
func (c *Capture) readLoop(ctx context.Context, stream InputStream, raw chan<- []float32, done <-chan struct{}, readerDone chan<- struct{}) {
	defer close(readerDone)
	defer close(raw)

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		block, err := stream.Read()
		if err != nil {
			select {
			case <-done:
			default:
				slog.Error("audio: microphone read failed", "err", err)
			}
			return
		}

		select {
		case raw <- block:
		default:
			if n := c.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("audio: encoder queue full, dropping block", "dropped", n)
			}
		}
	}
}

// Stop halts the reader and releases the microphone. The stream is closed
// exactly once; calling Stop when nothing is held is a no-op.
//
// A reader blocked in Read past the stop timeout has the stream closed
// underneath it, which the stream must turn into a Read error. Stop returns
// only after the reader goroutine has exited, or after a second timeout if
// the stream never unblocks it.
func (c *Capture) Stop() error {
	c.mu.Lock()
	stream, done, readerDone, cancel := c.stream, c.done, c.readerDone, c.cancel
	c.stream, c.done, c.readerDone, c.cancel = nil, nil, nil, nil
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	if cancel != nil {
		defer cancel()
	}

	exited := done == nil
	if !exited {
		close(done)
		exited = c.waitReader(readerDone)
		if !exited {
			slog.Warn("audio: reader did not exit in time, closing stream underneath it", "timeout", c.stopTimeout)
		}
	}

	err := stream.Close()
	if !exited && !c.waitReader(readerDone) {
		slog.Error("audio: reader still blocked after the stream was closed")
	}
	if err != nil {
		return fmt.Errorf("audio: release microphone: %w", err)
	}
	slog.Debug("audio: microphone released")
	return nil
}

func (c *Capture) waitReader(readerDone <-chan struct{}) bool {
	timer := time.NewTimer(c.stopTimeout)
	defer timer.Stop()
	select {
	case <-readerDone:
		return true
	case <-timer.C:
		return false
	}
}

// Active reports whether a microphone stream is currently held.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Dropped returns the number of native blocks discarded because the encoder
// fell behind.
func (c *Capture) Dropped() int64 {
	return c.dropped.Load()
}

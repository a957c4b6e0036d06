package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMinFlushSamples is 50 ms at 16 kHz, the smallest chunk the
	// transcription service accepts.
	DefaultMinFlushSamples = 800

	// DefaultFlushInterval bounds latency during speech pauses.
	DefaultFlushInterval = 200 * time.Millisecond

	// DefaultMaxQueuedSamples caps the queue while the sink is not ready
	// (2 s at 16 kHz). Older frames are discarded first.
	DefaultMaxQueuedSamples = 2 * TargetSampleRate
)

// Sink receives the batched PCM produced by a [Pacer].
type Sink interface {
	// Ready reports whether the sink currently accepts audio.
	Ready() bool

	// SendAudio transmits one batch as a single binary message. It must not
	// block on the network.
	SendAudio(pcm []byte) error
}

// PacerOption is a functional option for [NewPacer].
type PacerOption func(*Pacer)

// WithMinFlushSamples sets the queued sample count that triggers an immediate
// flush from [Pacer.Enqueue].
func WithMinFlushSamples(n int) PacerOption {
	return func(p *Pacer) {
		if n > 0 {
			p.minSamples = n
		}
	}
}

// WithFlushInterval sets the period of the timer-driven flush in [Pacer.Run].
func WithFlushInterval(d time.Duration) PacerOption {
	return func(p *Pacer) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxQueuedSamples caps how much audio waits for the sink to become ready.
func WithMaxQueuedSamples(n int) PacerOption {
	return func(p *Pacer) {
		if n > 0 {
			p.maxQueued = n
		}
	}
}

// WithSendHook registers fn to be called after every attempted transmission
// with the batch size in samples and the sink's error, if any.
func WithSendHook(fn func(samples int, err error)) PacerOption {
	return func(p *Pacer) {
		p.onSend = fn
	}
}

// Pacer batches encoded frames so the sink sees neither chunks below the
// service minimum nor long silences. It flushes when the queue reaches the
// minimum size and on a fixed interval. While the sink is not ready a flush
// leaves the queue untouched; the queue is bounded by dropping the oldest
// frames instead.
//
// All methods are safe for concurrent use.
type Pacer struct {
	sink       Sink
	minSamples int
	interval   time.Duration
	maxQueued  int
	onSend     func(samples int, err error)

	mu      sync.Mutex
	queue   []AudioFrame
	queued  int
	dropped int
}

// NewPacer returns a Pacer that delivers batches to sink.
func NewPacer(sink Sink, opts ...PacerOption) *Pacer {
	p := &Pacer{
		sink:       sink,
		minSamples: DefaultMinFlushSamples,
		interval:   DefaultFlushInterval,
		maxQueued:  DefaultMaxQueuedSamples,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Reset discards every queued frame. Call it before a new session starts so
// no audio from the previous session leaks into it.
func (p *Pacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.queued = 0
	p.dropped = 0
}

// Enqueue appends f and flushes immediately once the queue holds at least the
// minimum flush size.
func (p *Pacer) Enqueue(f AudioFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := f.Samples()
	if n == 0 {
		return
	}
	p.queue = append(p.queue, f)
	p.queued += n

	for p.queued > p.maxQueued && len(p.queue) > 1 {
		head := p.queue[0]
		p.queue[0] = AudioFrame{}
		p.queue = p.queue[1:]
		p.queued -= head.Samples()
		p.dropped++
		if p.dropped == 1 || p.dropped%50 == 0 {
			slog.Warn("audio pacer: sink not ready, dropping oldest frame", "dropped", p.dropped)
		}
	}

	if p.queued >= p.minSamples {
		p.flushLocked()
	}
}

// Flush transmits the whole queue as one batch. It does nothing when the
// queue is empty or the sink is not ready. Once a batch has been handed to the
// sink the queue is cleared, even if the sink reports an error.
func (p *Pacer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked()
}

func (p *Pacer) flushLocked() error {
	if len(p.queue) == 0 || !p.sink.Ready() {
		return nil
	}

	size := 0
	for _, f := range p.queue {
		size += len(f.Data)
	}
	buf := make([]byte, 0, size)
	for _, f := range p.queue {
		buf = append(buf, f.Data...)
	}
	samples := p.queued

	p.queue = nil
	p.queued = 0

	err := p.sink.SendAudio(buf)
	if p.onSend != nil {
		p.onSend(samples, err)
	}
	if err != nil {
		slog.Warn("audio pacer: send failed, batch discarded", "samples", samples, "err", err)
		return fmt.Errorf("audio pacer: send: %w", err)
	}
	return nil
}

// Queued returns the number of samples currently waiting.
func (p *Pacer) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queued
}

// Dropped returns the number of frames discarded since the last
// [Pacer.Reset] because the sink was not ready.
func (p *Pacer) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Run enqueues every frame from frames and flushes on the configured
// interval. Each call owns a fresh timer, so a Pacer can be run again for a
// new session after [Pacer.Reset]. Run returns when frames is closed (after
// one final flush) or ctx is cancelled.
func (p *Pacer) Run(ctx context.Context, frames <-chan AudioFrame) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				_ = p.Flush()
				return
			}
			p.Enqueue(f)
		case <-ticker.C:
			_ = p.Flush()
		}
	}
}

// Package mock provides in-memory implementations of [audio.Device],
// [audio.InputStream], and [audio.Sink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewInputStream(audio.Format{SampleRate: 48000, Channels: 1})
//	dev := &mock.Device{Stream: stream}
//	c := audio.NewCapture(dev)
//	stream.Push(make([]float32, 480))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/livescribe/pkg/audio"
)

// errClosed is returned by InputStream.Read after Close.
var errClosed = errors.New("mock: input stream closed")

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// Stream is returned by Open when OpenErr is nil. Once it has been
	// closed, the next Open replaces it with a fresh stream of the same
	// format.
	Stream *InputStream

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	switch {
	case d.Stream == nil:
		d.Stream = NewInputStream(audio.Format{SampleRate: audio.TargetSampleRate, Channels: 1})
	case d.Stream.isClosed():
		d.Stream = NewInputStream(d.Stream.format)
	}
	return d.Stream, nil
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Blocks queued
// with Push are returned by Read in order; Read blocks while the queue is
// empty until Push, Fail, or Close is called.
type InputStream struct {
	format audio.Format

	mu       sync.Mutex
	cond     *sync.Cond
	blocks   [][]float32
	readErr  error
	closed   bool
	closeErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountRead records how many times Read returned.
	CallCountRead int
}

// NewInputStream returns an open InputStream reporting format.
func NewInputStream(format audio.Format) *InputStream {
	s := &InputStream{format: format}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push queues a block for a later Read.
func (s *InputStream) Push(block []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, block)
	s.cond.Broadcast()
}

// Fail makes the next Read return err once the queued blocks are consumed.
func (s *InputStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
	s.cond.Broadcast()
}

// SetCloseError makes Close return err.
func (s *InputStream) SetCloseError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Format implements [audio.InputStream].
func (s *InputStream) Format() audio.Format { return s.format }

// Read implements [audio.InputStream].
func (s *InputStream) Read() ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.blocks) == 0 && s.readErr == nil && !s.closed {
		s.cond.Wait()
	}
	s.CallCountRead++
	if s.closed {
		return nil, errClosed
	}
	if len(s.blocks) > 0 {
		b := s.blocks[0]
		s.blocks = s.blocks[1:]
		return b, nil
	}
	return nil, s.readErr
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.cond.Broadcast()
	return s.closeErr
}

func (s *InputStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Closes returns how many times Close was called.
func (s *InputStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// NotReady makes Ready return false.
	NotReady bool

	// SendErr is returned by SendAudio when non-nil.
	SendErr error

	// Sent records every batch passed to SendAudio, including failed ones.
	Sent [][]byte
}

// SetReady toggles Ready.
func (k *Sink) SetReady(ready bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.NotReady = !ready
}

// Ready implements [audio.Sink].
func (k *Sink) Ready() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return !k.NotReady
}

// SendAudio implements [audio.Sink].
func (k *Sink) SendAudio(pcm []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Sent = append(k.Sent, pcm)
	return k.SendErr
}

// Batches returns a copy of the recorded batches.
func (k *Sink) Batches() [][]byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([][]byte(nil), k.Sent...)
}

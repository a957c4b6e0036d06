// Package portaudio implements [audio.Device] on top of the PortAudio C
// library via github.com/gordonklaus/portaudio.
//
// Each open stream holds its own PortAudio initialisation reference, so the
// library is initialised on first Open and terminated when the last stream
// closes.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livescribe/pkg/audio"
)

const (
	defaultChannels        = 1
	defaultFramesPerBuffer = 1024
)

// errStreamClosed is returned by Read after Close.
var errStreamClosed = errors.New("portaudio: stream closed")

// Option is a functional option for configuring a [Device].
type Option func(*Device)

// WithSampleRate forces the capture rate in Hz. By default the default input
// device's native rate is used.
func WithSampleRate(rate int) Option {
	return func(d *Device) {
		d.sampleRate = rate
	}
}

// WithChannels sets the number of input channels to open.
func WithChannels(ch int) Option {
	return func(d *Device) {
		if ch > 0 {
			d.channels = ch
		}
	}
}

// WithFramesPerBuffer sets the block size returned by each Read.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.framesPerBuffer = n
		}
	}
}

// Device opens the system default input device.
type Device struct {
	sampleRate      int
	channels        int
	framesPerBuffer int
}

// New creates a Device with the given options.
func New(opts ...Option) *Device {
	d := &Device{
		channels:        defaultChannels,
		framesPerBuffer: defaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [audio.Device]. It initialises PortAudio, opens the default
// input device at its native rate (unless overridden), and starts the stream.
func (d *Device) Open(ctx context.Context) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, classify("initialize", err)
	}

	info, err := pa.DefaultInputDevice()
	if err != nil {
		_ = pa.Terminate()
		return nil, classify("default input device", err)
	}

	rate := d.sampleRate
	if rate <= 0 {
		rate = int(info.DefaultSampleRate)
	}
	channels := d.channels
	if info.MaxInputChannels > 0 && channels > info.MaxInputChannels {
		channels = info.MaxInputChannels
	}

	buf := make([]float32, d.framesPerBuffer*channels)
	stream, err := pa.OpenDefaultStream(channels, 0, float64(rate), d.framesPerBuffer, buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, classify("open stream", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, classify("start stream", err)
	}

	slog.Info("portaudio: input stream opened",
		"device", info.Name,
		"sample_rate", rate,
		"channels", channels,
		"frames_per_buffer", d.framesPerBuffer,
	)

	return &inputStream{
		stream: stream,
		buf:    buf,
		format: audio.Format{SampleRate: rate, Channels: channels},
	}, nil
}

// inputStream adapts a started *pa.Stream to [audio.InputStream].
//
// Pa_ReadStream must not run concurrently with Pa_CloseStream, so readMu
// serializes the two: Close called during a Read waits for that Read to
// return, which takes at most one buffer of audio, and every later Read
// reports errStreamClosed.
type inputStream struct {
	stream *pa.Stream
	buf    []float32
	format audio.Format

	readMu    sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

// Format implements [audio.InputStream].
func (s *inputStream) Format() audio.Format { return s.format }

// Read implements [audio.InputStream]. Input overflows are logged and the
// block is still returned since it holds valid, if discontinuous, audio.
func (s *inputStream) Read() ([]float32, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.closed {
		return nil, errStreamClosed
	}

	if err := s.stream.Read(); err != nil {
		if !errors.Is(err, pa.InputOverflowed) {
			return nil, fmt.Errorf("portaudio: read: %w", err)
		}
		slog.Debug("portaudio: input overflowed")
	}

	out := make([]float32, len(s.buf))
	copy(out, s.buf)
	return out, nil
}

// Close implements [audio.InputStream].
func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.readMu.Lock()
		defer s.readMu.Unlock()
		s.closed = true

		s.closeErr = errors.Join(
			s.stream.Stop(),
			s.stream.Close(),
			pa.Terminate(),
		)
		if s.closeErr != nil {
			s.closeErr = fmt.Errorf("portaudio: close: %w", s.closeErr)
		}
	})
	return s.closeErr
}

// classify maps a PortAudio error onto the audio package sentinels. PortAudio
// has no dedicated permission code; host APIs report a refused microphone as
// an unanticipated host error whose text mentions the denial.
func classify(op string, err error) error {
	if isPermissionError(err) {
		return fmt.Errorf("portaudio: %s: %w: %w", op, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("portaudio: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}

func isPermissionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"permission", "denied", "not permitted", "not authorized"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

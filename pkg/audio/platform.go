// Package audio captures microphone input and turns it into the 16 kHz mono
// PCM16 frames the transcription service accepts.
//
// The primary abstractions are:
//
//   - [Device] opens the microphone and returns an [InputStream].
//   - [Capture] owns one open stream for the lifetime of a session and relays
//     encoded [AudioFrame] values over a channel.
//   - [Pacer] batches frames and hands them to a [Sink] once the sink is ready.
//
// Device implementations live in adapter packages (e.g. audio/portaudio) so the
// capture pipeline can be exercised without audio hardware.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned when the user or the OS refuses access to
	// the microphone. It is terminal for the session attempt and must not be
	// retried automatically.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable is returned when no usable input device exists or
	// the device could not be opened for any reason other than permissions.
	ErrDeviceUnavailable = errors.New("audio: input device unavailable")

	// ErrCaptureActive is returned by [Capture.Acquire] when a stream is
	// already held.
	ErrCaptureActive = errors.New("audio: capture already active")
)

// InputStream is an open microphone stream. It is owned by exactly one
// [Capture] between Open and Close.
type InputStream interface {
	// Format reports the native sample rate and channel count of the blocks
	// returned by Read.
	Format() Format

	// Read blocks until the next block of interleaved float32 samples in
	// [-1, 1] is available. The returned slice is owned by the caller.
	// After Close, Read returns an error.
	Read() ([]float32, error)

	// Close stops the stream and releases the device. The OS microphone
	// indicator turns off once Close returns.
	Close() error
}

// Device opens microphone streams.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open acquires the microphone and returns a running stream. Open returns
	// an error wrapping [ErrPermissionDenied] when access is refused and
	// [ErrDeviceUnavailable] for any other acquisition failure.
	Open(ctx context.Context) (InputStream, error)
}

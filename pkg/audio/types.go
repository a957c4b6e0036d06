package audio

import "time"

// TargetSampleRate is the rate, in Hz, of every frame handed to the
// transcription service.
const TargetSampleRate = 16000

// bytesPerSample is the width of one little-endian signed 16-bit PCM sample.
const bytesPerSample = 2

// AudioFrame is a block of 16-bit signed little-endian PCM produced by the
// [Encoder]. A frame is handed off by value: the goroutine that receives it
// owns Data and no other goroutine retains a reference to it.
type AudioFrame struct {
	// PCM audio data, little-endian int16.
	Data []byte

	// SampleRate in Hz. Frames leaving the encoder are always [TargetSampleRate].
	SampleRate int

	// Channels is 1 for every encoded frame; the encoder downmixes.
	Channels int

	// Timestamp marks when the source block was captured, relative to the
	// start of the capture.
	Timestamp time.Duration
}

// Samples returns the number of sample frames (per channel) held in f.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (bytesPerSample * ch)
}

// Duration returns the playback length of f.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

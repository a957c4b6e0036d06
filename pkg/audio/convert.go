package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Encoder turns native-rate float32 blocks captured from a microphone into
// [TargetRate] mono PCM16 frames: downmix, linear resample, then quantize.
// Create one per stream; not designed for shared use across goroutines.
type Encoder struct {
	// Source is the native format of the incoming blocks.
	Source Format

	// TargetRate is the output sample rate. Zero means [TargetSampleRate].
	TargetRate int

	warnedMismatch sync.Once
	warnedRagged   sync.Once

	// emitted counts output samples so frame timestamps stay monotonic.
	emitted int64
}

// NewEncoder returns an [Encoder] for blocks in the src format.
func NewEncoder(src Format, targetRate int) *Encoder {
	if targetRate <= 0 {
		targetRate = TargetSampleRate
	}
	return &Encoder{Source: src, TargetRate: targetRate}
}

// Encode converts one block of interleaved float32 samples into a frame.
// The returned frame owns a freshly allocated buffer.
func (e *Encoder) Encode(block []float32) AudioFrame {
	target := e.TargetRate
	if target <= 0 {
		target = TargetSampleRate
	}
	channels := e.Source.Channels
	if channels <= 0 {
		channels = 1
	}

	if len(block)%channels != 0 {
		e.warnedRagged.Do(func() {
			slog.Warn("audio encoder: block length is not a multiple of the channel count, truncating",
				"samples", len(block),
				"channels", channels,
			)
		})
		block = block[:len(block)-len(block)%channels]
	}

	if e.Source.SampleRate != target || channels != 1 {
		e.warnedMismatch.Do(func() {
			slog.Debug("audio encoder: converting",
				"from", formatString(e.Source.SampleRate, channels),
				"to", formatString(target, 1),
			)
		})
	}

	mono := Downmix(block, channels)
	resampled := Resample(mono, e.Source.SampleRate, target)

	ts := time.Duration(e.emitted) * time.Second / time.Duration(target)
	e.emitted += int64(len(resampled))

	return AudioFrame{
		Data:       EncodePCM16(resampled),
		SampleRate: target,
		Channels:   1,
		Timestamp:  ts,
	}
}

// EncodeStream runs enc on its own goroutine, reading native blocks from in
// and emitting encoded frames on the returned channel. Each block received on
// in becomes owned by the encoder goroutine; each frame sent is owned by the
// receiver. The returned channel is closed when in closes or ctx is done,
// whichever comes first; a frame the receiver never takes does not hold the
// goroutine. Empty frames are dropped.
func EncodeStream(ctx context.Context, in <-chan []float32, enc *Encoder) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		for {
			var block []float32
			select {
			case <-ctx.Done():
				return
			case b, ok := <-in:
				if !ok {
					return
				}
				block = b
			}
			frame := enc.Encode(block)
			if len(frame.Data) == 0 {
				continue
			}
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Resample converts mono float32 samples from srcRate to dstRate using linear
// interpolation. The output holds exactly floor(len(in)*dstRate/srcRate)
// samples. When the rates are equal (or either is not positive) the input is
// returned without interpolation.
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return in
	}
	outLen := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if outLen == 0 {
		return nil
	}

	out := make([]float32, outLen)
	step := float64(srcRate) / float64(dstRate)
	last := len(in) - 1

	for i := range outLen {
		pos := float64(i) * step
		idx := int(pos)
		if idx > last {
			idx = last
		}
		frac := pos - float64(idx)

		s0 := float64(in[idx])
		s1 := s0
		if idx < last {
			s1 = float64(in[idx+1])
		}
		out[i] = float32(s0 + (s1-s0)*frac)
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. Mono input is
// returned unchanged.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// QuantizeSample clamps s to [-1, 1] and scales it to a signed 16-bit value:
// negative samples by 32768, the rest by 32767, truncating toward zero.
// NaN quantizes to 0.
func QuantizeSample(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// EncodePCM16 quantizes samples into little-endian int16 PCM bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(QuantizeSample(s)))
	}
	return out
}

// DecodePCM16 is the inverse of [EncodePCM16] for inspection and tests.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/bytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}

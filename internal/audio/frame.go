package audio

import (
	"context"
	"encoding/binary"
	"time"
)

// Frame is a unit of interleaved little-endian PCM16 audio.
type Frame struct {
	Data              []byte
	SampleRate        int
	Channels          int
	SamplesPerChannel int
}

// NewFrame wraps PCM16 data, deriving the per-channel sample count.
func NewFrame(data []byte, sampleRate, channels int) Frame {
	if channels <= 0 {
		channels = 1
	}
	return Frame{
		Data:              data,
		SampleRate:        sampleRate,
		Channels:          channels,
		SamplesPerChannel: len(data) / (2 * channels),
	}
}

// Duration reports how long the frame plays for.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SamplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}

// Samples decodes the frame into signed 16-bit sample values.
func (f Frame) Samples() []int {
	out := make([]int, len(f.Data)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(f.Data[i*2:])))
	}
	return out
}

// FrameReader is the consumer side of a frame producer. Recv returns io.EOF
// once the producer has finished and every frame was read.
type FrameReader interface {
	Recv(ctx context.Context) (Frame, error)
}

// Float32ToPCM16 converts normalized float samples to PCM16, clamping to [-1, 1].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, sample := range samples {
		if sample > 1.0 {
			sample = 1.0
		} else if sample < -1.0 {
			sample = -1.0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sample*32767)))
	}
	return out
}

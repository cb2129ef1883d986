package audio

import "time"

// ByteStream re-chunks an arbitrary PCM16 byte stream into fixed-size frames.
type ByteStream struct {
	sampleRate int
	channels   int
	frameBytes int
	buf        []byte
}

func NewByteStream(sampleRate, channels int, frameDuration time.Duration) *ByteStream {
	if channels <= 0 {
		channels = 1
	}
	samples := int(int64(sampleRate) * int64(frameDuration) / int64(time.Second))
	if samples <= 0 {
		samples = sampleRate / 100
	}
	if samples <= 0 {
		samples = 1
	}
	return &ByteStream{
		sampleRate: sampleRate,
		channels:   channels,
		frameBytes: samples * channels * 2,
	}
}

// Write buffers data and returns every complete frame now available.
func (b *ByteStream) Write(data []byte) []Frame {
	b.buf = append(b.buf, data...)
	var frames []Frame
	for len(b.buf) >= b.frameBytes {
		chunk := make([]byte, b.frameBytes)
		copy(chunk, b.buf[:b.frameBytes])
		b.buf = b.buf[b.frameBytes:]
		frames = append(frames, NewFrame(chunk, b.sampleRate, b.channels))
	}
	return frames
}

// Flush returns the buffered remainder as a short frame. Trailing bytes that
// do not form a whole sample are dropped.
func (b *ByteStream) Flush() []Frame {
	whole := len(b.buf) - len(b.buf)%(b.channels*2)
	if whole <= 0 {
		b.buf = nil
		return nil
	}
	chunk := make([]byte, whole)
	copy(chunk, b.buf[:whole])
	b.buf = nil
	return []Frame{NewFrame(chunk, b.sampleRate, b.channels)}
}

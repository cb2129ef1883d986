package tts

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// MockSynth renders one frame of silence per word. It supports native
// streaming so the runtime can be exercised without a real backend.
type MockSynth struct {
	sampleRate    int
	channels      int
	frameDuration time.Duration
	latency       time.Duration
}

func NewMockSynth(sampleRate, channels int, frameDuration, latency time.Duration) *MockSynth {
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	return &MockSynth{sampleRate: sampleRate, channels: channels, frameDuration: frameDuration, latency: latency}
}

func (m *MockSynth) Capabilities() Capabilities {
	return Capabilities{Streaming: true, SampleRate: m.sampleRate, Channels: m.channels}
}

func (m *MockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		sequence := 0
		err := m.render(ctx, req.Text, func(chunk Chunk) error {
			chunk.SpeechID = req.SpeechID
			chunk.Sequence = sequence
			select {
			case chunks <- chunk:
				sequence++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (m *MockSynth) Stream(ctx context.Context, req SynthRequest) (Stream, error) {
	split := func(pending string, _ bool) ([]string, string) {
		if strings.TrimSpace(pending) == "" {
			return nil, pending
		}
		return []string{pending}, ""
	}
	return newTextStream(ctx, req, split, m.render), nil
}

func (m *MockSynth) render(ctx context.Context, text string, emit func(Chunk) error) error {
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.latency):
		}
	}
	samples := int(int64(m.sampleRate) * int64(m.frameDuration) / int64(time.Second))
	for range strings.Fields(text) {
		frame := audio.NewFrame(make([]byte, samples*m.channels*2), m.sampleRate, m.channels)
		if err := emit(Chunk{Frame: frame}); err != nil {
			return err
		}
	}
	return nil
}

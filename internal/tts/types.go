package tts

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

var (
	// ErrInputEnded is returned by Stream.PushText after EndInput.
	ErrInputEnded = errors.New("tts stream input already ended")
	// ErrStreamClosed is returned by stream operations after Close.
	ErrStreamClosed = errors.New("tts stream closed")
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	SpeechID string
	Text     string
	Voice    string
}

// Chunk is one synthesized audio frame.
type Chunk struct {
	SpeechID  string
	SegmentID string
	Sequence  int
	Frame     audio.Frame
	Final     bool
}

// Capabilities describe what a backend can do.
type Capabilities struct {
	Streaming  bool
	SampleRate int
	Channels   int
}

// Synthesizer is the contract for producing audio. The chunk channel is
// closed when synthesis ends; errs carries at most one error.
type Synthesizer interface {
	Capabilities() Capabilities
	Synthesize(ctx context.Context, req SynthRequest) (<-chan Chunk, <-chan error)
}

// Stream is a push-based synthesis session. Text is fed with PushText and
// audio is emitted on Chunks as it becomes ready. Chunks is closed once the
// backend has finished after EndInput, or on failure; Err then reports why.
type Stream interface {
	PushText(text string) error
	EndInput() error
	Chunks() <-chan Chunk
	Err() error
	Close() error
}

// StreamingSynthesizer opens incremental synthesis sessions.
type StreamingSynthesizer interface {
	Synthesizer
	Stream(ctx context.Context, req SynthRequest) (Stream, error)
}

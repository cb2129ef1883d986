package speech

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/transcription"
)

// PlayoutHandle controls one speech being played.
type PlayoutHandle interface {
	Interrupt()
	Done() <-chan struct{}
}

// Playout drains a frame source to an audio sink while driving the
// transcript forwarder of the speech.
type Playout interface {
	Play(speechID string, frames audio.FrameReader, fwd transcription.Forwarder) PlayoutHandle
}

// PlayoutFunc adapts a function to Playout.
type PlayoutFunc func(speechID string, frames audio.FrameReader, fwd transcription.Forwarder) PlayoutHandle

func (f PlayoutFunc) Play(speechID string, frames audio.FrameReader, fwd transcription.Forwarder) PlayoutHandle {
	return f(speechID, frames, fwd)
}

type playoutBinding struct {
	handle PlayoutHandle
}

// SynthesisHandle is one speech requested from an Output. The synthesis
// task owns the frame channel and closes it when production ends; Play binds
// a playout to the channel.
type SynthesisHandle struct {
	req       Request
	frames    *FrameChannel
	forwarder transcription.Forwarder
	playout   Playout
	marks     *segmentMarks

	interrupted *Latch
	playing     atomic.Bool
	binding     atomic.Pointer[playoutBinding]
	onInterrupt func()

	done chan struct{}
	err  error
}

func newHandle(req Request, frames *FrameChannel, fwd transcription.Forwarder, playout Playout) *SynthesisHandle {
	return &SynthesisHandle{
		req:         req,
		frames:      frames,
		forwarder:   fwd,
		playout:     playout,
		marks:       &segmentMarks{fwd: fwd},
		interrupted: NewLatch(),
		done:        make(chan struct{}),
	}
}

func (h *SynthesisHandle) SpeechID() string { return h.req.SpeechID }

func (h *SynthesisHandle) Forwarder() transcription.Forwarder { return h.forwarder }

// Play starts playout of the synthesized frames. It may be called once.
func (h *SynthesisHandle) Play() (PlayoutHandle, error) {
	if h.interrupted.IsSet() {
		return nil, ErrAlreadyInterrupted
	}
	if !h.playing.CompareAndSwap(false, true) {
		return nil, ErrAlreadyPlaying
	}
	handle := h.playout.Play(h.req.SpeechID, h.frames, h.forwarder)
	h.binding.Store(&playoutBinding{handle: handle})
	// Interrupt may have run between the check above and the store.
	if h.interrupted.IsSet() {
		handle.Interrupt()
	}
	return handle, nil
}

// Interrupt stops synthesis and any bound playout. Later calls are no-ops.
func (h *SynthesisHandle) Interrupt() {
	if !h.interrupted.Set() {
		return
	}
	if b := h.binding.Load(); b != nil {
		b.handle.Interrupt()
	}
	if h.onInterrupt != nil {
		h.onInterrupt()
	}
}

// Validated reports whether Play has bound a playout.
func (h *SynthesisHandle) Validated() bool { return h.binding.Load() != nil }

func (h *SynthesisHandle) Interrupted() bool { return h.interrupted.IsSet() }

// PlayoutHandle returns the bound playout, or nil before Play.
func (h *SynthesisHandle) PlayoutHandle() PlayoutHandle {
	if b := h.binding.Load(); b != nil {
		return b.handle
	}
	return nil
}

// Done is closed once the synthesis task has finished.
func (h *SynthesisHandle) Done() <-chan struct{} { return h.done }

// Err reports the task failure after Done is closed. Interruption is not a
// failure.
func (h *SynthesisHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the synthesis task has finished.
func (h *SynthesisHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *SynthesisHandle) finish(err error) {
	h.err = err
	close(h.done)
}

func (h *SynthesisHandle) transcribing() bool {
	return h.req.Transcription && !h.forwarder.Closed()
}

// push hands one frame to the playout side. No frame is queued once the
// handle is interrupted.
func (h *SynthesisHandle) push(ctx context.Context, frame audio.Frame) error {
	if h.interrupted.IsSet() {
		return context.Canceled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.frames.Send(frame); err != nil {
		return err
	}
	if h.transcribing() {
		h.forwarder.PushAudio(frame)
	}
	return nil
}

func (h *SynthesisHandle) pushText(text string) {
	if h.transcribing() {
		h.forwarder.PushText(text)
	}
}

// segmentMarks fires each segment end marker at most once.
type segmentMarks struct {
	fwd   transcription.Forwarder
	text  sync.Once
	audio sync.Once
}

func (m *segmentMarks) textEnd() {
	m.text.Do(func() {
		if !m.fwd.Closed() {
			m.fwd.MarkTextSegmentEnd()
		}
	})
}

func (m *segmentMarks) audioEnd() {
	m.audio.Do(func() {
		if !m.fwd.Closed() {
			m.fwd.MarkAudioSegmentEnd()
		}
	})
}

// finish fires whichever markers are still pending.
func (m *segmentMarks) finish() {
	m.textEnd()
	m.audioEnd()
}

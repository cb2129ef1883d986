// Package playout plays synthesized frames to audio sinks and drives the
// transcript forwarder of each speech as its audio plays.
package playout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/transcription"
)

const finishTimeout = 5 * time.Second

// Sink receives the frames of played speeches.
type Sink interface {
	WriteFrame(ctx context.Context, speechID string, sequence int, frame audio.Frame) error
	// Finish is called once per speech after its last frame.
	Finish(ctx context.Context, speechID string, interrupted bool) error
}

// Player drains frame sources to a Sink. In realtime mode frames are paced at
// their playback duration, the way a sound card would consume them.
type Player struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sink     Sink
	realtime bool
	log      *slog.Logger

	mu     sync.Mutex
	active map[*Handle]struct{}
	wg     sync.WaitGroup
}

func NewPlayer(parent context.Context, sink Sink, realtime bool, log *slog.Logger) *Player {
	ctx, cancel := context.WithCancel(parent)
	return &Player{
		ctx:      ctx,
		cancel:   cancel,
		sink:     sink,
		realtime: realtime,
		log:      log.With(slog.String("component", "playout")),
		active:   make(map[*Handle]struct{}),
	}
}

// Play starts playing frames in the background.
func (p *Player) Play(speechID string, frames audio.FrameReader, fwd transcription.Forwarder) *Handle {
	h := &Handle{
		speechID:  speechID,
		interrupt: make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.mu.Lock()
	p.active[h] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(h, frames, fwd)
	return h
}

// Active reports the number of speeches being played.
func (p *Player) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Close interrupts every playout and waits for them to finish.
func (p *Player) Close() {
	p.mu.Lock()
	for h := range p.active {
		h.Interrupt()
	}
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Player) run(h *Handle, frames audio.FrameReader, fwd transcription.Forwarder) {
	defer p.wg.Done()
	defer close(h.done)
	defer func() {
		p.mu.Lock()
		delete(p.active, h)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	go func() {
		select {
		case <-h.interrupt:
			cancel()
		case <-ctx.Done():
		}
	}()

	var (
		started  bool
		start    time.Time
		sequence int
		err      error
	)
	for {
		frame, rerr := frames.Recv(ctx)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
		if !started {
			started = true
			start = time.Now()
			fwd.SegmentPlayoutStarted()
		}
		if werr := p.sink.WriteFrame(ctx, h.speechID, sequence, frame); werr != nil {
			err = werr
			break
		}
		sequence++
		played := h.addPlayed(frame.Duration())
		if p.realtime {
			if werr := sleepUntil(ctx, start.Add(played)); werr != nil {
				err = werr
				break
			}
		}
	}

	interrupted := h.Interrupted() || ctx.Err() != nil
	if started && !interrupted {
		fwd.SegmentPlayoutFinished()
	}
	if cerr := fwd.Close(); cerr != nil {
		p.log.Warn("failed to close transcript forwarder", slog.String("speech_id", h.speechID), slog.String("error", cerr.Error()))
	}

	finishCtx, finishCancel := context.WithTimeout(context.Background(), finishTimeout)
	defer finishCancel()
	if ferr := p.sink.Finish(finishCtx, h.speechID, interrupted); ferr != nil {
		p.log.Warn("failed to finish playout", slog.String("speech_id", h.speechID), slog.String("error", ferr.Error()))
	}
	if err != nil && !interrupted {
		p.log.Error("playout failed", slog.String("speech_id", h.speechID), slog.String("error", err.Error()))
	}
	p.log.Debug("playout finished",
		slog.String("speech_id", h.speechID),
		slog.Int("frames", sequence),
		slog.Duration("played", h.PlayedDuration()),
		slog.Bool("interrupted", interrupted),
	)
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	wait := time.Until(deadline)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle controls one playing speech.
type Handle struct {
	speechID    string
	interrupt   chan struct{}
	once        sync.Once
	interrupted atomic.Bool
	played      atomic.Int64
	done        chan struct{}
}

func (h *Handle) SpeechID() string { return h.speechID }

// Interrupt stops playout. It is safe to call more than once.
func (h *Handle) Interrupt() {
	h.once.Do(func() {
		h.interrupted.Store(true)
		close(h.interrupt)
	})
}

func (h *Handle) Interrupted() bool { return h.interrupted.Load() }

// Done is closed once playout has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// PlayedDuration is the audio written to the sink so far.
func (h *Handle) PlayedDuration() time.Duration {
	return time.Duration(h.played.Load())
}

func (h *Handle) addPlayed(d time.Duration) time.Duration {
	return time.Duration(h.played.Add(int64(d)))
}

package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/transcription"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

var errBoom = errors.New("boom")

type recordingForwarder struct {
	mu     sync.Mutex
	log    []string
	closed bool
}

func (f *recordingForwarder) record(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.log = append(f.log, entry)
	}
}

func (f *recordingForwarder) PushText(text string)    { f.record(fmt.Sprintf("pushText(%s)", text)) }
func (f *recordingForwarder) MarkTextSegmentEnd()     { f.record("markTextSegmentEnd()") }
func (f *recordingForwarder) PushAudio(audio.Frame)   { f.record("pushAudio") }
func (f *recordingForwarder) MarkAudioSegmentEnd()    { f.record("markAudioSegmentEnd()") }
func (f *recordingForwarder) SegmentPlayoutStarted()  {}
func (f *recordingForwarder) SegmentPlayoutFinished() {}

func (f *recordingForwarder) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *recordingForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *recordingForwarder) entries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *recordingForwarder) count(entry string) int {
	n := 0
	for _, e := range f.entries() {
		if e == entry {
			n++
		}
	}
	return n
}

type fakeSynth struct {
	frames int
	failAt int
	fail   error
	failOn string
	gate   chan struct{}
}

func (s *fakeSynth) Capabilities() tts.Capabilities {
	return tts.Capabilities{SampleRate: 16000, Channels: 1}
}

func (s *fakeSynth) Synthesize(ctx context.Context, req tts.SynthRequest) (<-chan tts.Chunk, <-chan error) {
	chunks := make(chan tts.Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		for i := 0; i < s.frames; i++ {
			if s.fail != nil && i == s.failAt && (s.failOn == "" || s.failOn == req.Text) {
				errs <- s.fail
				return
			}
			select {
			case chunks <- tts.Chunk{SpeechID: req.SpeechID, Sequence: i, Frame: testFrame(i)}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

type fakeStreamer struct {
	fakeSynth
	emit   bool
	opened chan *fakeStream
}

func newFakeStreamer(emit bool) *fakeStreamer {
	return &fakeStreamer{emit: emit, opened: make(chan *fakeStream, 1)}
}

func (s *fakeStreamer) Capabilities() tts.Capabilities {
	return tts.Capabilities{Streaming: true, SampleRate: 16000, Channels: 1}
}

func (s *fakeStreamer) Stream(ctx context.Context, req tts.SynthRequest) (tts.Stream, error) {
	st := &fakeStream{
		ctx:    ctx,
		emit:   s.emit,
		out:    make(chan tts.Chunk, 64),
		chunks: make(chan tts.Chunk),
		pushed: make(chan string, 64),
	}
	go st.pump()
	select {
	case s.opened <- st:
	default:
	}
	return st, nil
}

type fakeStream struct {
	ctx    context.Context
	emit   bool
	out    chan tts.Chunk
	chunks chan tts.Chunk
	pushed chan string

	mu     sync.Mutex
	n      int
	ended  bool
	err    error
	closes atomic.Int32
}

func (s *fakeStream) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return tts.ErrInputEnded
	}
	s.pushed <- text
	if s.emit {
		s.out <- tts.Chunk{Sequence: s.n, Frame: testFrame(s.n)}
		s.n++
	}
	return nil
}

func (s *fakeStream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.out)
	}
	return nil
}

func (s *fakeStream) pump() {
	defer close(s.chunks)
	for {
		select {
		case chunk, ok := <-s.out:
			if !ok {
				return
			}
			select {
			case s.chunks <- chunk:
			case <-s.ctx.Done():
				s.setErr(s.ctx.Err())
				return
			}
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		}
	}
}

func (s *fakeStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeStream) Chunks() <-chan tts.Chunk { return s.chunks }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	return nil
}

type fakePlayoutHandle struct {
	interrupts atomic.Int32
	done       chan struct{}
	mu         sync.Mutex
	frames     []audio.Frame
}

func (h *fakePlayoutHandle) Interrupt()            { h.interrupts.Add(1) }
func (h *fakePlayoutHandle) Done() <-chan struct{} { return h.done }

func drainingPlayout() Playout {
	return PlayoutFunc(func(speechID string, frames audio.FrameReader, fwd transcription.Forwarder) PlayoutHandle {
		ph := &fakePlayoutHandle{done: make(chan struct{})}
		go func() {
			defer close(ph.done)
			for {
				frame, err := frames.Recv(context.Background())
				if err != nil {
					return
				}
				ph.mu.Lock()
				ph.frames = append(ph.frames, frame)
				ph.mu.Unlock()
			}
		}()
		return ph
	})
}

type harness struct {
	output *Output

	mu         sync.Mutex
	forwarders []*recordingForwarder
}

func newHarness(t *testing.T, synth tts.Synthesizer, opts ...Option) *harness {
	t.Helper()
	h := &harness{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.output = NewOutput(context.Background(), synth, drainingPlayout(), func(transcription.Options) transcription.Forwarder {
		f := &recordingForwarder{}
		h.mu.Lock()
		h.forwarders = append(h.forwarders, f)
		h.mu.Unlock()
		return f
	}, log, opts...)
	t.Cleanup(func() { _ = h.output.Close() })
	return h
}

func (h *harness) forwarder(i int) *recordingForwarder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forwarders[i]
}

func waitDone(t *testing.T, h *SynthesisHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("synthesis %s did not finish", h.SpeechID())
	}
}

func drainFrames(t *testing.T, h *SynthesisHandle) []audio.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frames []audio.Frame
	for {
		frame, err := h.frames.Recv(ctx)
		if err == io.EOF {
			return frames
		}
		if err != nil {
			t.Fatalf("drain frames: %v", err)
		}
		frames = append(frames, frame)
	}
}

func TestBatchSynthesisForwardsTextThenAudio(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 3})
	h := hs.output.Synthesize(Request{
		TTSSource:        Text("Hello there"),
		TranscriptSource: Text("Hello there"),
		Transcription:    true,
	})
	waitDone(t, h)
	if h.SpeechID() == "" {
		t.Fatal("expected a generated speech id")
	}
	if err := h.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"pushText(Hello there)",
		"markTextSegmentEnd()",
		"pushAudio", "pushAudio", "pushAudio",
		"markAudioSegmentEnd()",
	}
	if got := hs.forwarder(0).entries(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected forwarder log:\n got %v\nwant %v", got, want)
	}
	frames := drainFrames(t, h)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if int(f.Data[0]) != i {
			t.Fatalf("frame %d out of order", i)
		}
	}
}

func TestAwaitSourceIsResolvedBeforeSynthesis(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 1})
	h := hs.output.Synthesize(Request{
		TTSSource:        Await(func(context.Context) (string, error) { return "Hi there", nil }),
		TranscriptSource: Await(func(context.Context) (string, error) { return "Hi there!", nil }),
		Transcription:    true,
	})
	waitDone(t, h)
	if got := hs.forwarder(0).entries(); len(got) == 0 || got[0] != "pushText(Hi there!)" {
		t.Fatalf("expected transcript pushed first, got %v", got)
	}
}

func TestTranscriptionDisabledKeepsMarkers(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 2})
	h := hs.output.Synthesize(Request{TTSSource: Text("quiet"), TranscriptSource: Text("quiet")})
	waitDone(t, h)
	want := "markTextSegmentEnd(),markAudioSegmentEnd()"
	if got := strings.Join(hs.forwarder(0).entries(), ","); got != want {
		t.Fatalf("expected only markers, got %s", got)
	}
	if n := len(drainFrames(t, h)); n != 2 {
		t.Fatalf("expected 2 frames, got %d", n)
	}
}

func TestInterruptBeforeFirstFrame(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 3, gate: make(chan struct{})})
	h := hs.output.Synthesize(Request{TTSSource: Text("never"), TranscriptSource: Text("never"), Transcription: true})
	h.Interrupt()
	waitDone(t, h)

	if err := h.Err(); err != nil {
		t.Fatalf("interruption must not be reported as failure: %v", err)
	}
	if n := len(drainFrames(t, h)); n != 0 {
		t.Fatalf("expected no frames, got %d", n)
	}
	if _, err := h.Play(); !errors.Is(err, ErrAlreadyInterrupted) {
		t.Fatalf("expected ErrAlreadyInterrupted, got %v", err)
	}
	fwd := hs.forwarder(0)
	if fwd.count("markTextSegmentEnd()") != 1 || fwd.count("markAudioSegmentEnd()") != 1 {
		t.Fatalf("expected one marker of each kind, got %v", fwd.entries())
	}
}

func TestInterruptIsIdempotent(t *testing.T) {
	gate := make(chan struct{})
	hs := newHarness(t, &fakeSynth{frames: 3, gate: gate})
	h := hs.output.Synthesize(Request{TTSSource: Text("hello"), TranscriptSource: Text("hello")})
	ph, err := h.Play()
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if !h.Validated() || h.PlayoutHandle() != ph {
		t.Fatal("expected handle to record its playout")
	}
	h.Interrupt()
	h.Interrupt()
	waitDone(t, h)

	if got := ph.(*fakePlayoutHandle).interrupts.Load(); got != 1 {
		t.Fatalf("expected one playout interrupt, got %d", got)
	}
	if !h.Interrupted() {
		t.Fatal("expected handle to report interrupted")
	}
}

func TestPlayTwiceFails(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 1})
	h := hs.output.Synthesize(Request{TTSSource: Text("once"), TranscriptSource: Text("once")})
	ph, err := h.Play()
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	if _, err := h.Play(); !errors.Is(err, ErrAlreadyPlaying) {
		t.Fatalf("expected ErrAlreadyPlaying, got %v", err)
	}
	select {
	case <-ph.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("playout did not drain the channel")
	}
	if n := len(ph.(*fakePlayoutHandle).frames); n != 1 {
		t.Fatalf("expected 1 played frame, got %d", n)
	}
}

func TestBackendFailureClosesChannel(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 3, failAt: 1, fail: errBoom})
	h := hs.output.Synthesize(Request{TTSSource: Text("fail"), TranscriptSource: Text("fail"), Transcription: true})
	waitDone(t, h)

	if err := h.Err(); !errors.Is(err, ErrBackendSynthesis) || !errors.Is(err, errBoom) {
		t.Fatalf("expected backend failure, got %v", err)
	}
	if n := len(drainFrames(t, h)); n != 1 {
		t.Fatalf("expected the frame produced before failure, got %d", n)
	}
	fwd := hs.forwarder(0)
	if fwd.count("markAudioSegmentEnd()") != 1 {
		t.Fatalf("expected audio marker after failure, got %v", fwd.entries())
	}
}

func TestBoundedChannelOverflowFailsTask(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 5}, WithFrameBuffer(2))
	h := hs.output.Synthesize(Request{TTSSource: Text("overflow"), TranscriptSource: Text("overflow")})
	waitDone(t, h)
	if err := h.Err(); !errors.Is(err, ErrChannelFull) {
		t.Fatalf("expected channel full failure, got %v", err)
	}
}

func TestStreamingPreservesBackendOrder(t *testing.T) {
	streamer := newFakeStreamer(true)
	hs := newHarness(t, streamer)

	fragments := make(chan string)
	transcript := make(chan string, 1)
	transcript <- "Hi there"
	close(transcript)

	h := hs.output.Synthesize(Request{
		TTSSource:        Stream(fragments),
		TranscriptSource: Stream(transcript),
		Transcription:    true,
	})
	ph, err := h.Play()
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	for i := 0; i < 20; i++ {
		fragments <- fmt.Sprintf("w%d ", i)
		if i%5 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	close(fragments)
	waitDone(t, h)
	<-ph.Done()

	played := ph.(*fakePlayoutHandle)
	played.mu.Lock()
	defer played.mu.Unlock()
	if len(played.frames) != 20 {
		t.Fatalf("expected 20 frames, got %d", len(played.frames))
	}
	for i, f := range played.frames {
		if int(f.Data[0]) != i {
			t.Fatalf("frame %d arrived as %d", i, f.Data[0])
		}
	}
	st := <-streamer.opened
	if st.closes.Load() != 1 {
		t.Fatalf("expected stream closed once, got %d", st.closes.Load())
	}
	fwd := hs.forwarder(0)
	if fwd.count("pushText(Hi there)") != 1 || fwd.count("markTextSegmentEnd()") != 1 || fwd.count("markAudioSegmentEnd()") != 1 {
		t.Fatalf("unexpected forwarder log %v", fwd.entries())
	}
}

func TestStreamingInterruptClosesSessionOnce(t *testing.T) {
	streamer := newFakeStreamer(false)
	hs := newHarness(t, streamer)

	fragments := make(chan string, 2)
	transcript := make(chan string, 1)
	transcript <- "Hi there"
	close(transcript)
	fragments <- "Hi"

	h := hs.output.Synthesize(Request{
		TTSSource:        Stream(fragments),
		TranscriptSource: Stream(transcript),
		Transcription:    true,
	})
	st := <-streamer.opened
	select {
	case <-st.pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("first fragment was never pushed")
	}
	h.Interrupt()
	waitDone(t, h)

	drainFrames(t, h)
	if got := st.closes.Load(); got != 1 {
		t.Fatalf("expected session closed exactly once, got %d", got)
	}
	if err := h.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStreamingWithoutFragmentsStillMarks(t *testing.T) {
	streamer := newFakeStreamer(true)
	hs := newHarness(t, streamer)
	fragments := make(chan string)
	close(fragments)

	h := hs.output.Synthesize(Request{TTSSource: Stream(fragments), TranscriptSource: Text(""), Transcription: true})
	waitDone(t, h)

	fwd := hs.forwarder(0)
	if fwd.count("markTextSegmentEnd()") != 1 || fwd.count("markAudioSegmentEnd()") != 1 {
		t.Fatalf("expected both markers once, got %v", fwd.entries())
	}
	if st := <-streamer.opened; st.closes.Load() != 1 {
		t.Fatalf("expected session closed once, got %d", st.closes.Load())
	}
}

func TestCloseCancelsActiveTasks(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 1, gate: make(chan struct{})})
	var handles []*SynthesisHandle
	for i := 0; i < 5; i++ {
		handles = append(handles, hs.output.Synthesize(Request{TTSSource: Text("wait"), TranscriptSource: Text("wait")}))
	}
	if n := hs.output.Active(); n != 5 {
		t.Fatalf("expected 5 active tasks, got %d", n)
	}

	done := make(chan error, 1)
	go func() { done <- hs.output.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	if n := hs.output.Active(); n != 0 {
		t.Fatalf("expected no active tasks, got %d", n)
	}
	for _, h := range handles {
		if !h.frames.Closed() {
			t.Fatalf("frame channel of %s left open", h.SpeechID())
		}
	}
	if err := hs.output.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	late := hs.output.Synthesize(Request{TTSSource: Text("late")})
	waitDone(t, late)
	if !errors.Is(late.Err(), ErrOutputClosed) {
		t.Fatalf("expected ErrOutputClosed, got %v", late.Err())
	}
	if _, err := late.Play(); !errors.Is(err, ErrAlreadyInterrupted) {
		t.Fatalf("expected late handle to refuse playout, got %v", err)
	}
}

func TestFailureIsIsolated(t *testing.T) {
	hs := newHarness(t, &fakeSynth{frames: 2, failAt: 0, fail: errBoom, failOn: "ko"})

	good := hs.output.Synthesize(Request{TTSSource: Text("ok"), TranscriptSource: Text("ok")})
	broken := hs.output.Synthesize(Request{TTSSource: Text("ko"), TranscriptSource: Text("ko")})
	waitDone(t, good)
	waitDone(t, broken)
	if good.Err() != nil {
		t.Fatalf("healthy task failed: %v", good.Err())
	}
	if !errors.Is(broken.Err(), errBoom) {
		t.Fatalf("expected failure, got %v", broken.Err())
	}
	if n := len(drainFrames(t, good)); n != 2 {
		t.Fatalf("expected healthy task to deliver 2 frames, got %d", n)
	}
}

package transcription

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/tokenize"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPublisher struct {
	mu       sync.Mutex
	segments []protocol.TranscriptSegment
}

func (p *recordingPublisher) PublishTranscript(_ context.Context, seg protocol.TranscriptSegment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments = append(p.segments, seg)
	return nil
}

func (p *recordingPublisher) finals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, seg := range p.segments {
		if seg.Final {
			out = append(out, seg.Text)
		}
	}
	return out
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.segments)
}

func fastOptions() Options {
	return Options{
		SpeechID:          "speech-1",
		Speed:             1e6,
		SentenceTokenizer: tokenize.NewSentenceTokenizer(tokenize.WithMinLength(0)),
	}
}

func TestForwardsSentencesAfterPlayout(t *testing.T) {
	pub := &recordingPublisher{}
	fwd := NewSegmentsForwarder(fastOptions(), pub, newLogger())

	fwd.PushText("Hello there. ")
	fwd.PushText("How are you?")
	fwd.MarkTextSegmentEnd()
	fwd.PushAudio(audio.NewFrame(make([]byte, 480), 24000, 1))
	fwd.MarkAudioSegmentEnd()

	fwd.SegmentPlayoutStarted()
	fwd.SegmentPlayoutFinished()
	if err := fwd.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	finals := pub.finals()
	if len(finals) != 2 || finals[0] != "Hello there." || finals[1] != "How are you?" {
		t.Fatalf("unexpected final segments: %q", finals)
	}
	pub.mu.Lock()
	first := pub.segments[0]
	pub.mu.Unlock()
	if first.Final || first.Text != "Hello" || first.SpeechID != "speech-1" {
		t.Fatalf("expected interim first word, got %+v", first)
	}
}

func TestDisabledForwardingPublishesNothing(t *testing.T) {
	pub := &recordingPublisher{}
	opts := fastOptions()
	opts.BeforeForward = Disabled
	fwd := NewSegmentsForwarder(opts, pub, newLogger())

	fwd.PushText("Nothing to see here.")
	fwd.MarkTextSegmentEnd()
	fwd.MarkAudioSegmentEnd()
	fwd.SegmentPlayoutStarted()
	fwd.SegmentPlayoutFinished()
	_ = fwd.Close()

	if pub.count() != 0 {
		t.Fatalf("expected no segments, got %d", pub.count())
	}
}

func TestCloseInterruptsPacing(t *testing.T) {
	pub := &recordingPublisher{}
	opts := fastOptions()
	opts.Speed = 0.001 // minutes per word
	fwd := NewSegmentsForwarder(opts, pub, newLogger())

	fwd.PushText("This would take a very long time to say.")
	fwd.SegmentPlayoutStarted()

	done := make(chan struct{})
	go func() {
		_ = fwd.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close did not interrupt pacing")
	}
	if len(pub.finals()) != 0 {
		t.Fatalf("no sentence should have been finalized")
	}
}

func TestCallsAfterCloseAreNoops(t *testing.T) {
	pub := &recordingPublisher{}
	fwd := NewSegmentsForwarder(fastOptions(), pub, newLogger())
	_ = fwd.Close()
	if !fwd.Closed() {
		t.Fatal("expected closed")
	}
	fwd.PushText("late")
	fwd.MarkTextSegmentEnd()
	fwd.PushAudio(audio.Frame{})
	fwd.MarkAudioSegmentEnd()
	fwd.SegmentPlayoutStarted()
	fwd.SegmentPlayoutFinished()
	_ = fwd.Close()
	if pub.count() != 0 {
		t.Fatalf("expected nothing published after close")
	}
}

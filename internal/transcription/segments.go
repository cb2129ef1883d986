package transcription

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/tokenize"
)

// standardSpeechRate is the average English speaking rate in hyphens per
// second, used until the audio duration of a segment is known.
const standardSpeechRate = 3.83

type segment struct {
	text      string
	textDone  bool
	audio     time.Duration
	audioDone bool
}

// SegmentsForwarder reveals transcript text word by word while the matching
// audio plays. Each sentence is published as interim segments, one per word,
// followed by a final segment. Pacing uses the hyphen count of each word at
// the standard speech rate scaled by Speed, or the real rate once the audio
// segment has ended and its duration is known.
type SegmentsForwarder struct {
	opts   Options
	pub    Publisher
	logger *slog.Logger

	mu       sync.Mutex
	segments []*segment
	textIdx  int
	audioIdx int
	closed   bool
	started  bool
	finished bool

	notify     chan struct{}
	finishedCh chan struct{}
	finishOnce sync.Once
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewSegmentsForwarder(opts Options, pub Publisher, log *slog.Logger) *SegmentsForwarder {
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.SentenceTokenizer == nil {
		opts.SentenceTokenizer = tokenize.NewSentenceTokenizer()
	}
	if opts.WordTokenizer == nil {
		opts.WordTokenizer = tokenize.NewWordTokenizer(false)
	}
	if opts.Hyphenate == nil {
		opts.Hyphenate = tokenize.Hyphenate
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SegmentsForwarder{
		opts:       opts,
		pub:        pub,
		logger:     log.With(slog.String("component", "transcript-forwarder"), slog.String("speech_id", opts.SpeechID)),
		notify:     make(chan struct{}, 1),
		finishedCh: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (f *SegmentsForwarder) PushText(text string) {
	f.update(func() { f.segmentAt(f.textIdx).text += text })
}

func (f *SegmentsForwarder) MarkTextSegmentEnd() {
	f.update(func() {
		f.segmentAt(f.textIdx).textDone = true
		f.textIdx++
	})
}

func (f *SegmentsForwarder) PushAudio(frame audio.Frame) {
	f.update(func() { f.segmentAt(f.audioIdx).audio += frame.Duration() })
}

func (f *SegmentsForwarder) MarkAudioSegmentEnd() {
	f.update(func() {
		f.segmentAt(f.audioIdx).audioDone = true
		f.audioIdx++
	})
}

func (f *SegmentsForwarder) SegmentPlayoutStarted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.started {
		return
	}
	f.started = true
	f.wg.Add(1)
	go f.run()
}

func (f *SegmentsForwarder) SegmentPlayoutFinished() {
	f.mu.Lock()
	f.finished = true
	f.mu.Unlock()
	f.finishOnce.Do(func() { close(f.finishedCh) })
	f.signal()
}

func (f *SegmentsForwarder) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Close stops accepting input. If playout finished, the remaining text is
// flushed without pacing; otherwise forwarding stops immediately.
func (f *SegmentsForwarder) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		finished := f.finished
		f.mu.Unlock()
		if !finished {
			f.cancel()
		}
		f.signal()
		f.wg.Wait()
		f.cancel()
	})
	return nil
}

func (f *SegmentsForwarder) update(fn func()) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	fn()
	f.mu.Unlock()
	f.signal()
}

func (f *SegmentsForwarder) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// segmentAt must be called with mu held.
func (f *SegmentsForwarder) segmentAt(idx int) *segment {
	for len(f.segments) <= idx {
		f.segments = append(f.segments, &segment{})
	}
	return f.segments[idx]
}

func (f *SegmentsForwarder) run() {
	defer f.wg.Done()
	for idx := 0; f.forwardSegment(idx); idx++ {
	}
}

// forwardSegment returns false once there is nothing more to forward.
func (f *SegmentsForwarder) forwardSegment(idx int) bool {
	var pending string
	consumed := 0
	for {
		f.mu.Lock()
		exists := idx < len(f.segments)
		var text string
		var textDone bool
		if exists {
			text = f.segments[idx].text
			textDone = f.segments[idx].textDone || f.closed
		}
		stop := f.closed || f.finished
		f.mu.Unlock()

		if !exists {
			if stop || !f.wait() {
				return false
			}
			continue
		}

		pending += text[consumed:]
		consumed = len(text)
		sentences := f.opts.SentenceTokenizer.Tokenize(pending)
		if !textDone && len(sentences) > 0 {
			// The last sentence may still be growing.
			sentences = sentences[:len(sentences)-1]
		}
		for _, sentence := range sentences {
			if i := strings.Index(pending, sentence); i >= 0 {
				pending = pending[i+len(sentence):]
			}
			if !f.forwardSentence(idx, sentence) {
				return false
			}
		}
		if textDone {
			return true
		}
		if !f.wait() {
			return false
		}
	}
}

func (f *SegmentsForwarder) forwardSentence(idx int, sentence string) bool {
	segmentID := uuid.NewString()
	var spoken []string
	for _, word := range f.opts.WordTokenizer.Tokenize(sentence) {
		spoken = append(spoken, word)
		f.publish(protocol.TranscriptSegment{
			SpeechID:  f.opts.SpeechID,
			SegmentID: segmentID,
			Text:      strings.Join(spoken, " "),
		})
		hyphens := float64(len(f.opts.Hyphenate(word)))
		if !f.sleep(time.Duration(hyphens / f.rate(idx) * float64(time.Second))) {
			return false
		}
	}
	f.publish(protocol.TranscriptSegment{
		SpeechID:  f.opts.SpeechID,
		SegmentID: segmentID,
		Text:      sentence,
		Final:     true,
	})
	return f.ctx.Err() == nil
}

// rate returns the pacing for segment idx in hyphens per second.
func (f *SegmentsForwarder) rate(idx int) float64 {
	f.mu.Lock()
	seg := f.segments[idx]
	text, done, dur := seg.text, seg.textDone && seg.audioDone, seg.audio
	f.mu.Unlock()

	if done && dur > 0 {
		var hyphens int
		for _, word := range f.opts.WordTokenizer.Tokenize(text) {
			hyphens += len(f.opts.Hyphenate(word))
		}
		if hyphens > 0 {
			return float64(hyphens) / dur.Seconds()
		}
	}
	return standardSpeechRate * f.opts.Speed
}

func (f *SegmentsForwarder) publish(seg protocol.TranscriptSegment) {
	if f.ctx.Err() != nil {
		return
	}
	if f.opts.BeforeForward != nil {
		var ok bool
		if seg, ok = f.opts.BeforeForward(seg); !ok {
			return
		}
	}
	seg.Timestamp = time.Now().UTC()
	if err := f.pub.PublishTranscript(f.ctx, seg); err != nil {
		f.logger.Warn("failed to publish transcript segment", slog.String("error", err.Error()))
	}
}

func (f *SegmentsForwarder) sleep(d time.Duration) bool {
	if d <= 0 {
		return f.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-f.finishedCh:
		return f.ctx.Err() == nil
	case <-f.ctx.Done():
		return false
	}
}

func (f *SegmentsForwarder) wait() bool {
	select {
	case <-f.notify:
		return true
	case <-f.ctx.Done():
		return false
	}
}

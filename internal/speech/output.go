// Package speech turns text into played audio. An Output starts one
// synthesis task per request, hands the frames to a playout through a
// SynthesisHandle and keeps a transcript forwarder in step with them.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/tokenize"
	"github.com/loqalabs/loqa-speech/internal/transcription"
	"github.com/loqalabs/loqa-speech/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Request describes one speech.
type Request struct {
	// SpeechID identifies the speech. A random one is assigned when empty.
	SpeechID string
	// TTSSource is the text sent to the synthesizer. Its kind selects the
	// batch or streaming path.
	TTSSource Source
	// TranscriptSource is the text shown to listeners. It may differ from
	// TTSSource, for example before normalization.
	TranscriptSource Source
	Voice            string

	Transcription      bool
	TranscriptionSpeed float64
	SentenceTokenizer  tokenize.SentenceTokenizer
	WordTokenizer      tokenize.WordTokenizer
	Hyphenate          tokenize.HyphenateFunc
}

// ForwarderFactory builds the transcript forwarder of one speech.
type ForwarderFactory func(opts transcription.Options) transcription.Forwarder

type Option func(*Output)

// WithFrameBuffer bounds every frame channel to n frames. Zero means
// unbounded.
func WithFrameBuffer(n int) Option {
	return func(o *Output) { o.frameBuffer = n }
}

// WithSentenceTokenizer sets how text is split for backends that cannot
// stream natively.
func WithSentenceTokenizer(t tokenize.SentenceTokenizer) Option {
	return func(o *Output) { o.sentences = t }
}

// WithMeter records pipeline metrics on meter instead of the global one.
func WithMeter(meter metric.Meter) Option {
	return func(o *Output) { o.meter = meter }
}

// WithTracer records task spans on tracer instead of the global one.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Output) { o.tracer = tracer }
}

// Output supervises synthesis tasks.
type Output struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger

	synth      tts.Synthesizer
	streamer   tts.StreamingSynthesizer
	playout    Playout
	forwarders ForwarderFactory

	frameBuffer int
	sentences   tokenize.SentenceTokenizer
	meter       metric.Meter
	tracer      trace.Tracer
	metrics     *metrics

	mu     sync.Mutex
	tasks  map[*SynthesisHandle]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewOutput(parent context.Context, synth tts.Synthesizer, playout Playout, forwarders ForwarderFactory, log *slog.Logger, opts ...Option) *Output {
	ctx, cancel := context.WithCancel(parent)
	o := &Output{
		ctx:        ctx,
		cancel:     cancel,
		log:        log.With(slog.String("component", "speech-output")),
		synth:      synth,
		playout:    playout,
		forwarders: forwarders,
		tasks:      make(map[*SynthesisHandle]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sentences == nil {
		o.sentences = tokenize.NewSentenceTokenizer()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(instrumentationName)
	}
	var err error
	if o.metrics, err = newMetrics(o.meter); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	o.streamer = tts.AsStreaming(synth, o.sentences)
	return o
}

// Synthesize starts synthesis in the background and returns its handle
// immediately.
func (o *Output) Synthesize(req Request) *SynthesisHandle {
	if req.SpeechID == "" {
		req.SpeechID = uuid.NewString()
	}
	opts := transcription.Options{
		SpeechID:          req.SpeechID,
		Speed:             req.TranscriptionSpeed,
		SentenceTokenizer: req.SentenceTokenizer,
		WordTokenizer:     req.WordTokenizer,
		Hyphenate:         req.Hyphenate,
	}
	if !req.Transcription {
		opts.BeforeForward = transcription.Disabled
	}
	fwd := o.forwarders(opts)
	h := newHandle(req, NewFrameChannel(o.frameBuffer), fwd, o.playout)
	h.onInterrupt = func() {
		o.metrics.interrupts.Add(o.ctx, 1)
		o.log.Debug("interrupting synthesis/playout", slog.String("speech_id", req.SpeechID))
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		h.interrupted.Set()
		h.frames.Close()
		_ = fwd.Close()
		h.finish(ErrOutputClosed)
		return h
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.tasks[h] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.requests.Add(ctx, 1)
	o.metrics.active.Add(ctx, 1)
	go func() {
		defer o.wg.Done()
		err := o.run(ctx, h)

		o.mu.Lock()
		delete(o.tasks, h)
		o.mu.Unlock()
		cancel()

		o.metrics.active.Add(o.ctx, -1)
		if err != nil {
			o.metrics.failures.Add(o.ctx, 1)
			o.log.Error("synthesis failed", slog.String("speech_id", req.SpeechID), slogError(err))
		}
		h.finish(err)
	}()
	return h
}

// Active reports the number of running synthesis tasks.
func (o *Output) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// Close cancels every running task and waits for them. It returns the
// failures of those tasks other than their cancellation.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	running := make([]*SynthesisHandle, 0, len(o.tasks))
	for h, cancel := range o.tasks {
		running = append(running, h)
		cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.cancel()

	var errs []error
	for _, h := range running {
		if err := h.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

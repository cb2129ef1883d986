package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/tts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// run drives one handle to completion. The task is cancelled as soon as the
// handle is interrupted; the frame channel is closed on every return path.
func (o *Output) run(parent context.Context, h *SynthesisHandle) (err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-h.interrupted.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	kind := h.req.TTSSource.Kind()
	ctx, span := o.tracer.Start(ctx, "speech.synthesize", trace.WithAttributes(
		attribute.String("speech.id", h.req.SpeechID),
		attribute.String("speech.source", kind.String()),
	))
	defer span.End()

	defer h.frames.Close()
	// Pending markers fire before the channel closes so a playout that drains
	// the channel never waits on the forwarder.
	defer h.marks.finish()

	if kind == SourceStream {
		err = o.synthesizeStream(ctx, h)
	} else {
		err = o.synthesizeText(ctx, h)
	}
	if err != nil && (ctx.Err() != nil || h.interrupted.IsSet()) {
		span.SetAttributes(attribute.Bool("speech.interrupted", h.interrupted.IsSet()))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// synthesizeText synthesizes a text or awaited source with one backend call.
func (o *Output) synthesizeText(ctx context.Context, h *SynthesisHandle) error {
	text, err := h.req.TTSSource.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve tts source: %w", err)
	}
	transcript, err := h.req.TranscriptSource.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolve transcript source: %w", err)
	}

	h.pushText(transcript)
	h.marks.textEnd()
	defer h.marks.audioEnd()

	start := time.Now()
	first := true
	chunks, errs := o.synth.Synthesize(ctx, tts.SynthRequest{
		SpeechID: h.req.SpeechID,
		Text:     text,
		Voice:    h.req.Voice,
	})
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if first {
				first = false
				o.firstFrame(ctx, h, start, false)
			}
			if err := h.push(ctx, chunk.Frame); err != nil {
				return err
			}
		case err, ok := <-errs:
			if ok && err != nil {
				return fmt.Errorf("%w: %w", ErrBackendSynthesis, err)
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// synthesizeStream feeds fragments into a backend session. The audio and
// transcript readers start with the first fragment and are cancelled and
// awaited before the session is closed.
func (o *Output) synthesizeStream(ctx context.Context, h *SynthesisHandle) error {
	readersCtx, cancelReaders := context.WithCancel(ctx)
	readers, rctx := errgroup.WithContext(readersCtx)

	stream, err := o.streamer.Stream(rctx, tts.SynthRequest{SpeechID: h.req.SpeechID, Voice: h.req.Voice})
	if err != nil {
		cancelReaders()
		return fmt.Errorf("%w: %w", ErrBackendSynthesis, err)
	}
	defer func() {
		cancelReaders()
		_ = readers.Wait()
		if err := stream.Close(); err != nil {
			o.log.Warn("failed to close tts stream", slog.String("speech_id", h.req.SpeechID), slogError(err))
		}
	}()

	started := false
	err = h.req.TTSSource.Each(rctx, func(fragment string) error {
		if !started {
			started = true
			start := time.Now()
			readers.Go(func() error { return o.readAudio(rctx, h, stream, start) })
			readers.Go(func() error { return o.readTranscript(rctx, h) })
		}
		return stream.PushText(fragment)
	})
	if err == nil {
		err = stream.EndInput()
	}
	if err != nil {
		cancelReaders()
		if rerr := readers.Wait(); rerr != nil && !errors.Is(rerr, context.Canceled) {
			return rerr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if serr := stream.Err(); serr != nil {
			err = serr
		}
		return fmt.Errorf("%w: %w", ErrBackendSynthesis, err)
	}
	return readers.Wait()
}

func (o *Output) readAudio(ctx context.Context, h *SynthesisHandle, stream tts.Stream, start time.Time) error {
	first := true
	for {
		select {
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if err := stream.Err(); err != nil {
					return fmt.Errorf("%w: %w", ErrBackendSynthesis, err)
				}
				h.marks.audioEnd()
				return nil
			}
			if first {
				first = false
				o.firstFrame(ctx, h, start, true)
			}
			if err := h.push(ctx, chunk.Frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Output) readTranscript(ctx context.Context, h *SynthesisHandle) error {
	err := h.req.TranscriptSource.Each(ctx, func(fragment string) error {
		h.pushText(fragment)
		return nil
	})
	if err != nil {
		return err
	}
	h.marks.textEnd()
	return nil
}

func (o *Output) firstFrame(ctx context.Context, h *SynthesisHandle, start time.Time, streamed bool) {
	elapsed := time.Since(start)
	o.metrics.firstFrame.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("streamed", streamed)))
	o.log.Debug("received first TTS frame",
		slog.String("speech_id", h.req.SpeechID),
		slog.Duration("elapsed", elapsed),
		slog.Bool("streamed", streamed),
	)
}

package tts

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/tokenize"
)

// StreamAdapter gives a batch-only synthesizer a streaming interface. Pushed
// text is buffered and split into sentences; each completed sentence is
// synthesized in order while later text keeps arriving.
type StreamAdapter struct {
	synth     Synthesizer
	sentences tokenize.SentenceTokenizer
}

func NewStreamAdapter(synth Synthesizer, sentences tokenize.SentenceTokenizer) *StreamAdapter {
	if sentences == nil {
		sentences = tokenize.NewSentenceTokenizer()
	}
	return &StreamAdapter{synth: synth, sentences: sentences}
}

// AsStreaming returns synth itself when it streams natively, or wraps it.
func AsStreaming(synth Synthesizer, sentences tokenize.SentenceTokenizer) StreamingSynthesizer {
	if s, ok := synth.(StreamingSynthesizer); ok && synth.Capabilities().Streaming {
		return s
	}
	return NewStreamAdapter(synth, sentences)
}

func (a *StreamAdapter) Capabilities() Capabilities {
	caps := a.synth.Capabilities()
	caps.Streaming = true
	return caps
}

func (a *StreamAdapter) Synthesize(ctx context.Context, req SynthRequest) (<-chan Chunk, <-chan error) {
	return a.synth.Synthesize(ctx, req)
}

func (a *StreamAdapter) Stream(ctx context.Context, req SynthRequest) (Stream, error) {
	return newTextStream(ctx, req, a.split, func(ctx context.Context, sentence string, emit func(Chunk) error) error {
		unit := req
		unit.Text = sentence
		chunks, errs := a.synth.Synthesize(ctx, unit)
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				if err := emit(chunk); err != nil {
					return err
				}
			case err, ok := <-errs:
				if ok && err != nil {
					return err
				}
				errs = nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}), nil
}

// split holds back the trailing sentence until more text or the end of input
// shows it is complete.
func (a *StreamAdapter) split(pending string, final bool) ([]string, string) {
	sentences := a.sentences.Tokenize(pending)
	if !final {
		if len(sentences) <= 1 {
			return nil, pending
		}
		sentences = sentences[:len(sentences)-1]
	}
	offset := 0
	for _, s := range sentences {
		if i := strings.Index(pending[offset:], s); i >= 0 {
			offset += i + len(s)
		}
	}
	return sentences, pending[offset:]
}

// synthesizeViaStream implements one-shot synthesis on top of a session.
func synthesizeViaStream(ctx context.Context, synth StreamingSynthesizer, req SynthRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		stream, err := synth.Stream(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		defer stream.Close()
		if err := stream.PushText(req.Text); err != nil {
			errs <- err
			return
		}
		if err := stream.EndInput(); err != nil {
			errs <- err
			return
		}
		for chunk := range stream.Chunks() {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

package playout

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/spf13/afero"
)

// BusSink publishes played frames on the bus.
type BusSink struct {
	client *bus.Client
}

func NewBusSink(client *bus.Client) *BusSink {
	return &BusSink{client: client}
}

func (s *BusSink) WriteFrame(_ context.Context, speechID string, sequence int, frame audio.Frame) error {
	return s.client.PublishJSON(protocol.SubjectTTSAudio, protocol.AudioChunk{
		SpeechID:   speechID,
		Sequence:   sequence,
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		PCM:        frame.Data,
	})
}

func (s *BusSink) Finish(_ context.Context, speechID string, interrupted bool) error {
	state := protocol.StatePlayed
	if interrupted {
		state = protocol.StateInterrupted
	}
	return s.client.PublishJSON(protocol.SubjectTTSDone, protocol.SpeechStatus{
		SpeechID:  speechID,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
}

type wavRecording struct {
	file afero.File
	enc  *wav.Encoder
}

// WavSink records every speech to <dir>/<speech_id>.wav.
type WavSink struct {
	fs  afero.Fs
	dir string

	mu         sync.Mutex
	recordings map[string]*wavRecording
}

func NewWavSink(fs afero.Fs, dir string) (*WavSink, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &WavSink{fs: fs, dir: dir, recordings: make(map[string]*wavRecording)}, nil
}

// Path returns where the recording of speechID is written.
func (s *WavSink) Path(speechID string) string {
	return filepath.Join(s.dir, safeName(speechID)+".wav")
}

func (s *WavSink) WriteFrame(_ context.Context, speechID string, _ int, frame audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recordings[speechID]
	if !ok {
		file, err := s.fs.Create(s.Path(speechID))
		if err != nil {
			return fmt.Errorf("create recording: %w", err)
		}
		rec = &wavRecording{
			file: file,
			enc:  wav.NewEncoder(file, frame.SampleRate, 16, frame.Channels, 1),
		}
		s.recordings[speechID] = rec
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: frame.Channels, SampleRate: frame.SampleRate},
		Data:           frame.Samples(),
		SourceBitDepth: 16,
	}
	if err := rec.enc.Write(buf); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	return nil
}

func (s *WavSink) Finish(_ context.Context, speechID string, _ bool) error {
	s.mu.Lock()
	rec, ok := s.recordings[speechID]
	delete(s.recordings, speechID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return errors.Join(rec.enc.Close(), rec.file.Close())
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// MultiSink fans frames out to several sinks.
type MultiSink []Sink

func (m MultiSink) WriteFrame(ctx context.Context, speechID string, sequence int, frame audio.Frame) error {
	var errs []error
	for _, sink := range m {
		if err := sink.WriteFrame(ctx, speechID, sequence, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Finish(ctx context.Context, speechID string, interrupted bool) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Finish(ctx, speechID, interrupted); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every frame.
type Discard struct{}

func (Discard) WriteFrame(context.Context, string, int, audio.Frame) error { return nil }
func (Discard) Finish(context.Context, string, bool) error                 { return nil }

package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/loqalabs/loqa-speech/internal/audio"
	"golang.org/x/sync/errgroup"
)

// KyutaiSampleRate is the fixed output rate of the kyutai TTS server.
const KyutaiSampleRate = 24000

type KyutaiOptions struct {
	URL           string
	APIKey        string
	Voice         string
	FrameDuration time.Duration
}

// KyutaiSynth streams text to a kyutai TTS server over a websocket and
// receives MessagePack encoded PCM.
type KyutaiSynth struct {
	endpoint      *url.URL
	apiKey        string
	voice         string
	frameDuration time.Duration
}

func NewKyutaiSynth(opts KyutaiOptions) (*KyutaiSynth, error) {
	endpoint, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse kyutai url: %w", err)
	}
	if endpoint.Host == "" {
		return nil, errors.New("kyutai url must include a host")
	}
	endpoint.Path = path.Join(endpoint.Path, "/api/tts_streaming")
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}
	return &KyutaiSynth{endpoint: endpoint, apiKey: opts.APIKey, voice: opts.Voice, frameDuration: opts.FrameDuration}, nil
}

func (k *KyutaiSynth) Capabilities() Capabilities {
	return Capabilities{Streaming: true, SampleRate: KyutaiSampleRate, Channels: 1}
}

func (k *KyutaiSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan Chunk, <-chan error) {
	return synthesizeViaStream(ctx, k, req)
}

func (k *KyutaiSynth) Stream(ctx context.Context, req SynthRequest) (Stream, error) {
	endpoint := *k.endpoint
	parameters := endpoint.Query()
	voice := req.Voice
	if voice == "" {
		voice = k.voice
	}
	if voice != "" {
		parameters.Set("voice", voice)
	}
	parameters.Set("format", "PcmMessagePack")
	endpoint.RawQuery = parameters.Encode()

	conn, _, err := websocket.Dial(ctx, endpoint.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"kyutai-api-key": {k.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	s := &kyutaiStream{
		conn:     conn,
		speechID: req.SpeechID,
		chunks:   make(chan Chunk),
		frames:   audio.NewByteStream(KyutaiSampleRate, 1, k.frameDuration),
	}
	var workersCtx context.Context
	workersCtx, s.cancel = context.WithCancel(ctx)
	s.workers, s.ctx = errgroup.WithContext(workersCtx)
	s.workers.Go(s.reader)
	return s, nil
}

type kyutaiStream struct {
	conn     *websocket.Conn
	speechID string
	chunks   chan Chunk
	frames   *audio.ByteStream
	sequence int

	ctx     context.Context
	cancel  context.CancelFunc
	workers *errgroup.Group

	mu        sync.Mutex
	ended     bool
	closed    bool
	err       error
	closeOnce sync.Once
}

func (s *kyutaiStream) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.ended {
		return ErrInputEnded
	}
	return s.send(appendKyutaiText(nil, text))
}

func (s *kyutaiStream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.ended {
		return nil
	}
	s.ended = true
	return s.send(appendKyutaiEos(nil))
}

func (s *kyutaiStream) send(payload []byte) error {
	if err := s.conn.Write(s.ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("failed to write message pack into the websocket connection: %w", err)
	}
	return nil
}

func (s *kyutaiStream) Chunks() <-chan Chunk { return s.chunks }

func (s *kyutaiStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *kyutaiStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.workers.Wait()
		// Cancelling the read context already tore the connection down.
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *kyutaiStream) reader() (err error) {
	defer close(s.chunks)
	defer func() {
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
	for {
		msgType, payload, err := s.conn.Read(s.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusNoStatusRcvd:
				return s.emit(s.frames.Flush())
			}
			return fmt.Errorf("read kyutai message: %w", err)
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		msg, err := decodeKyutaiMessage(payload)
		if err != nil {
			return fmt.Errorf("failed to unmarshal the message pack: %w", err)
		}
		switch msg.Type {
		case kyutaiTypeAudio:
			if err := s.emit(s.frames.Write(audio.Float32ToPCM16(msg.PCM))); err != nil {
				return err
			}
		case kyutaiTypeError:
			return fmt.Errorf("kyutai server error: %s", msg.Message)
		}
	}
}

func (s *kyutaiStream) emit(frames []audio.Frame) error {
	for _, frame := range frames {
		select {
		case s.chunks <- Chunk{SpeechID: s.speechID, Sequence: s.sequence, Frame: frame}:
			s.sequence++
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return nil
}

// Package voice exposes speech output on the bus. Requests, streamed text
// fragments and interruptions arrive as NATS messages; lifecycle updates are
// published back and recorded to the event store.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

const fragmentBuffer = 64

var (
	ErrDuplicateSpeech = errors.New("speech already active")
	ErrUnknownSpeech   = errors.New("unknown speech")
	ErrRateLimited     = errors.New("speech request rate exceeded")

	errPlayTimeout = errors.New("speech was not played in time")
)

// activeSpeech stays registered until its playout ends, or until it ends
// without being played.
type activeSpeech struct {
	handle    *speech.SynthesisHandle
	sessionID string

	played      chan struct{}
	playOnce    sync.Once
	interrupted chan struct{}
	stopOnce    sync.Once

	mu         sync.Mutex
	text       chan string
	transcript chan string
	stop       chan struct{}
	senders    sync.WaitGroup
	closed     bool
}

func newActiveSpeech(sessionID string, streaming bool) *activeSpeech {
	a := &activeSpeech{
		sessionID:   sessionID,
		played:      make(chan struct{}),
		interrupted: make(chan struct{}),
	}
	if streaming {
		a.text = make(chan string, fragmentBuffer)
		a.transcript = make(chan string, fragmentBuffer)
		a.stop = make(chan struct{})
	}
	return a
}

// sendText blocks until v is queued or the speech can no longer take input.
// mu is only held to register the sender, so closeInputs never waits on a
// full channel.
func (a *activeSpeech) sendText(ctx context.Context, v string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.senders.Add(1)
	a.mu.Unlock()
	defer a.senders.Done()

	select {
	case a.text <- v:
	case <-a.stop:
	case <-a.handle.Done():
	case <-ctx.Done():
	}
}

// offerTranscript queues v without blocking and reports whether it fit. The
// transcript is only read once audio starts, so it must not stall the caller.
func (a *activeSpeech) offerTranscript(v string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return true
	}
	select {
	case a.transcript <- v:
		return true
	default:
		return false
	}
}

func (a *activeSpeech) closeInputs() {
	a.mu.Lock()
	if a.closed || a.text == nil {
		a.closed = true
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.stop)
	a.mu.Unlock()

	a.senders.Wait()
	close(a.text)
	close(a.transcript)
}

func (a *activeSpeech) markPlayed()      { a.playOnce.Do(func() { close(a.played) }) }
func (a *activeSpeech) markInterrupted() { a.stopOnce.Do(func() { close(a.interrupted) }) }

type Service struct {
	cfg    config.OutputConfig
	bus    *bus.Client
	output *speech.Output
	store  *eventstore.Store
	limit  *rate.Limiter
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu       sync.Mutex
	speeches map[string]*activeSpeech
}

func NewService(parent context.Context, cfg config.OutputConfig, busClient *bus.Client, output *speech.Output, store *eventstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	limit := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		limit = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &Service{
		limit:    limit,
		cfg:      cfg,
		bus:      busClient,
		output:   output,
		store:    store,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "voice-service")),
		speeches: make(map[string]*activeSpeech),
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectSpeechRequest, s.handleRequest},
		{protocol.SubjectSpeechTextPrefix + ".*", s.handleFragment},
		{protocol.SubjectSpeechInterrupt, s.handleInterrupt},
		{protocol.SubjectSpeechPlay, s.handlePlay},
	}
	for _, h := range handlers {
		sub, err := conn.Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.mu.Lock()
	for _, a := range s.speeches {
		a.closeInputs()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) == 4 }

// Speak starts a speech. Streaming requests receive their text through
// PushFragment.
func (s *Service) Speak(req protocol.SpeechRequest) (*speech.SynthesisHandle, error) {
	if !s.limit.Allow() {
		return nil, ErrRateLimited
	}
	if req.SpeechID == "" {
		req.SpeechID = uuid.NewString()
	}
	transcription := s.cfg.Transcription
	if req.Transcription != nil {
		transcription = *req.Transcription
	}
	speed := s.cfg.TranscriptionSpeed
	if req.Speed > 0 {
		speed = req.Speed
	}
	autoPlay := s.cfg.AutoPlay
	if req.AutoPlay != nil {
		autoPlay = *req.AutoPlay
	}

	a := newActiveSpeech(req.SessionID, req.Streaming)
	sr := speech.Request{
		SpeechID:           req.SpeechID,
		Voice:              req.Voice,
		Transcription:      transcription,
		TranscriptionSpeed: speed,
	}
	mode := "text"
	if req.Streaming {
		mode = "stream"
		sr.TTSSource = speech.Stream(a.text)
		sr.TranscriptSource = speech.Stream(a.transcript)
	} else {
		transcript := req.Transcript
		if transcript == "" {
			transcript = req.Text
		}
		sr.TTSSource = speech.Text(req.Text)
		sr.TranscriptSource = speech.Text(transcript)
	}

	s.mu.Lock()
	if _, exists := s.speeches[req.SpeechID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSpeech, req.SpeechID)
	}
	a.handle = s.output.Synthesize(sr)
	s.speeches[req.SpeechID] = a
	s.mu.Unlock()

	if err := s.store.AppendSpeech(s.ctx, eventstore.Speech{ID: req.SpeechID, SessionID: req.SessionID, Voice: req.Voice, Mode: mode}); err != nil {
		s.logger.Warn("failed to record speech", slog.String("speech_id", req.SpeechID), slogError(err))
	}
	s.report(req.SpeechID, a.sessionID, protocol.StateAccepted, nil)

	if autoPlay {
		if err := s.play(req.SpeechID, a); err != nil {
			s.logger.Warn("failed to start playout", slog.String("speech_id", req.SpeechID), slogError(err))
		}
	}

	s.wg.Add(1)
	go s.watch(req.SpeechID, a)
	return a.handle, nil
}

// PushFragment feeds one fragment to a streaming speech.
func (s *Service) PushFragment(frag protocol.SpeechFragment) error {
	a := s.lookup(frag.SpeechID)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSpeech, frag.SpeechID)
	}
	if a.text == nil {
		return fmt.Errorf("speech %q is not streaming", frag.SpeechID)
	}
	if frag.Text != "" {
		a.sendText(s.ctx, frag.Text)
	}
	transcript := frag.Transcript
	if transcript == "" {
		transcript = frag.Text
	}
	if transcript != "" && !a.offerTranscript(transcript) {
		s.logger.Debug("transcript buffer full, dropping fragment", slog.String("speech_id", frag.SpeechID))
	}
	if frag.Final {
		a.closeInputs()
	}
	return nil
}

// Interrupt stops a speech. It reports false for unknown speeches.
func (s *Service) Interrupt(speechID, reason string) bool {
	a := s.lookup(speechID)
	if a == nil {
		return false
	}
	s.logger.Debug("interrupt requested", slog.String("speech_id", speechID), slog.String("reason", reason))
	a.handle.Interrupt()
	a.markInterrupted()
	a.closeInputs()
	return true
}

// Play starts playout of a speech accepted without auto play.
func (s *Service) Play(speechID string) error {
	a := s.lookup(speechID)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSpeech, speechID)
	}
	return s.play(speechID, a)
}

func (s *Service) play(speechID string, a *activeSpeech) error {
	if _, err := a.handle.Play(); err != nil {
		return err
	}
	s.report(speechID, a.sessionID, protocol.StatePlaying, nil)
	a.markPlayed()
	return nil
}

func (s *Service) lookup(speechID string) *activeSpeech {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speeches[speechID]
}

func (s *Service) watch(speechID string, a *activeSpeech) {
	defer s.wg.Done()
	h := a.handle
	select {
	case <-h.Done():
	case <-s.ctx.Done():
		return
	}
	a.closeInputs()

	switch {
	case h.Err() != nil:
		s.finish(speechID, a, protocol.StateFailed, h.Err())
		return
	case h.Interrupted():
		s.finish(speechID, a, protocol.StateInterrupted, nil)
		return
	}
	s.report(speechID, a.sessionID, protocol.StateSynthesized, nil)

	var expired <-chan time.Time
	if s.cfg.PlayTimeoutMS > 0 {
		timer := time.NewTimer(time.Duration(s.cfg.PlayTimeoutMS) * time.Millisecond)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-a.played:
	case <-a.interrupted:
		s.finish(speechID, a, protocol.StateInterrupted, nil)
		return
	case <-expired:
		s.logger.Debug("discarding unplayed speech", slog.String("speech_id", speechID))
		h.Interrupt()
		s.finish(speechID, a, protocol.StateInterrupted, errPlayTimeout)
		return
	case <-s.ctx.Done():
		return
	}

	ph := h.PlayoutHandle()
	select {
	case <-ph.Done():
	case <-s.ctx.Done():
		return
	}
	state := protocol.StatePlayed
	if p, ok := ph.(interface{ Interrupted() bool }); (ok && p.Interrupted()) || h.Interrupted() {
		state = protocol.StateInterrupted
	}
	s.finish(speechID, a, state, nil)
}

// finish unregisters the speech before publishing its final state, so the
// ID is free again once that state is observed.
func (s *Service) finish(speechID string, a *activeSpeech, state string, cause error) {
	s.mu.Lock()
	if s.speeches[speechID] == a {
		delete(s.speeches, speechID)
	}
	s.mu.Unlock()
	s.report(speechID, a.sessionID, state, cause)
}

func (s *Service) report(speechID, sessionID, state string, cause error) {
	status := protocol.SpeechStatus{
		SpeechID:  speechID,
		SessionID: sessionID,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		status.Error = cause.Error()
	}
	payload, err := json.Marshal(status)
	if err != nil {
		s.logger.Warn("failed to marshal speech status", slogError(err))
		return
	}
	if err := s.store.AppendEvent(context.Background(), eventstore.Event{SpeechID: speechID, Type: state, Payload: payload}); err != nil {
		s.logger.Warn("failed to record speech event", slog.String("speech_id", speechID), slogError(err))
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSpeechStatus, payload); err != nil {
		s.logger.Warn("failed to publish speech status", slog.String("speech_id", speechID), slogError(err))
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SpeechRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speech request", slogError(err))
		s.respond(msg, protocol.SpeechStatus{State: protocol.StateFailed, Error: err.Error()})
		return
	}
	h, err := s.Speak(req)
	if err != nil {
		s.logger.Warn("speech request rejected", slog.String("speech_id", req.SpeechID), slogError(err))
		s.respond(msg, protocol.SpeechStatus{SpeechID: req.SpeechID, State: protocol.StateFailed, Error: err.Error()})
		return
	}
	s.respond(msg, protocol.SpeechStatus{SpeechID: h.SpeechID(), SessionID: req.SessionID, State: protocol.StateAccepted})
}

func (s *Service) handleFragment(msg *nats.Msg) {
	var frag protocol.SpeechFragment
	if err := json.Unmarshal(msg.Data, &frag); err != nil {
		s.logger.Warn("failed to decode speech fragment", slogError(err))
		return
	}
	if frag.SpeechID == "" {
		frag.SpeechID = strings.TrimPrefix(msg.Subject, protocol.SubjectSpeechTextPrefix+".")
	}
	if err := s.PushFragment(frag); err != nil {
		s.logger.Debug("dropping speech fragment", slog.String("speech_id", frag.SpeechID), slogError(err))
	}
}

func (s *Service) handleInterrupt(msg *nats.Msg) {
	var req protocol.SpeechInterrupt
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speech interrupt", slogError(err))
		return
	}
	if !s.Interrupt(req.SpeechID, req.Reason) {
		s.logger.Debug("interrupt for unknown speech", slog.String("speech_id", req.SpeechID))
		s.respond(msg, protocol.SpeechStatus{SpeechID: req.SpeechID, State: protocol.StateFailed, Error: ErrUnknownSpeech.Error()})
		return
	}
	s.respond(msg, protocol.SpeechStatus{SpeechID: req.SpeechID, State: protocol.StateInterrupted})
}

func (s *Service) handlePlay(msg *nats.Msg) {
	var req protocol.SpeechPlay
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speech play", slogError(err))
		s.respond(msg, protocol.SpeechStatus{State: protocol.StateFailed, Error: err.Error()})
		return
	}
	if err := s.Play(req.SpeechID); err != nil {
		s.logger.Debug("play rejected", slog.String("speech_id", req.SpeechID), slogError(err))
		s.respond(msg, protocol.SpeechStatus{SpeechID: req.SpeechID, State: protocol.StateFailed, Error: err.Error()})
		return
	}
	s.respond(msg, protocol.SpeechStatus{SpeechID: req.SpeechID, State: protocol.StatePlaying})
}

func (s *Service) respond(msg *nats.Msg, status protocol.SpeechStatus) {
	if msg.Reply == "" {
		return
	}
	status.Timestamp = time.Now().UTC()
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

package tts

import (
	"context"
	"sync"
)

// splitFunc cuts buffered text into units ready for synthesis. When final is
// set every remaining unit must be returned.
type splitFunc func(pending string, final bool) (units []string, rest string)

// produceFunc synthesizes one unit, handing each chunk to emit.
type produceFunc func(ctx context.Context, unit string, emit func(Chunk) error) error

// textStream is a Stream that synthesizes pushed text unit by unit on a
// single worker goroutine, preserving push order.
type textStream struct {
	req     SynthRequest
	split   splitFunc
	produce produceFunc

	ctx    context.Context
	cancel context.CancelFunc
	input  chan string
	chunks chan Chunk
	done   chan struct{}

	mu      sync.Mutex
	pending string
	ended   bool
	closed  bool
	err     error

	closeOnce sync.Once
}

func newTextStream(parent context.Context, req SynthRequest, split splitFunc, produce produceFunc) *textStream {
	ctx, cancel := context.WithCancel(parent)
	s := &textStream{
		req:     req,
		split:   split,
		produce: produce,
		ctx:     ctx,
		cancel:  cancel,
		input:   make(chan string, 16),
		chunks:  make(chan Chunk),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *textStream) PushText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.ended {
		return ErrInputEnded
	}
	s.pending += text
	units, rest := s.split(s.pending, false)
	s.pending = rest
	return s.enqueue(units)
}

func (s *textStream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.ended {
		return nil
	}
	s.ended = true
	units, _ := s.split(s.pending, true)
	s.pending = ""
	err := s.enqueue(units)
	close(s.input)
	return err
}

// enqueue must be called with mu held.
func (s *textStream) enqueue(units []string) error {
	for _, unit := range units {
		select {
		case s.input <- unit:
		case <-s.ctx.Done():
			if s.err != nil {
				return s.err
			}
			return ErrStreamClosed
		}
	}
	return nil
}

func (s *textStream) Chunks() <-chan Chunk { return s.chunks }

func (s *textStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *textStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		<-s.done
	})
	return nil
}

func (s *textStream) run() {
	defer close(s.done)
	defer close(s.chunks)

	sequence := 0
	emit := func(chunk Chunk) error {
		chunk.SpeechID = s.req.SpeechID
		chunk.Sequence = sequence
		select {
		case s.chunks <- chunk:
			sequence++
			return nil
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	for {
		select {
		case unit, ok := <-s.input:
			if !ok {
				return
			}
			if err := s.produce(s.ctx, unit, emit); err != nil {
				s.fail(err)
				return
			}
		case <-s.ctx.Done():
			s.fail(s.ctx.Err())
			return
		}
	}
}

// fail cancels before taking mu so a PushText blocked on a full input
// queue is released.
func (s *textStream) fail(err error) {
	s.cancel()
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

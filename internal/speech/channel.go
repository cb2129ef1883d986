package speech

import (
	"context"
	"io"
	"sync"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// FrameChannel is the FIFO of audio frames between a synthesis task and its
// playout. Send never blocks. Recv drains buffered frames after Close and then
// reports io.EOF.
//
// A channel has one producer and one consumer. Closing twice panics, the same
// way closing a Go channel twice does.
type FrameChannel struct {
	capacity int

	mu     sync.Mutex
	queue  []audio.Frame
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// NewFrameChannel returns a channel holding at most capacity frames, or an
// unbounded one when capacity is zero or negative.
func NewFrameChannel(capacity int) *FrameChannel {
	if capacity < 0 {
		capacity = 0
	}
	return &FrameChannel{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *FrameChannel) Send(frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if c.capacity > 0 && len(c.queue) >= c.capacity {
		return ErrChannelFull
	}
	c.queue = append(c.queue, frame)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *FrameChannel) Recv(ctx context.Context) (audio.Frame, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			frame := c.queue[0]
			c.queue[0] = audio.Frame{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return frame, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return audio.Frame{}, io.EOF
		}
		select {
		case <-c.notify:
		case <-c.done:
		case <-ctx.Done():
			return audio.Frame{}, ctx.Err()
		}
	}
}

func (c *FrameChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		panic("speech: close of closed frame channel")
	}
	c.closed = true
	close(c.done)
}

func (c *FrameChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once the producer has closed the channel. Frames may still
// be buffered.
func (c *FrameChannel) Done() <-chan struct{} { return c.done }

// Len reports the number of buffered frames.
func (c *FrameChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

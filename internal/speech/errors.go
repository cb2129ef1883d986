package speech

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyInterrupted is returned by Play once the handle was interrupted.
	ErrAlreadyInterrupted = errors.New("synthesis was interrupted")
	// ErrAlreadyPlaying is returned by a second Play on the same handle.
	ErrAlreadyPlaying = errors.New("synthesis is already playing")
	// ErrBackendSynthesis wraps failures reported by the synthesis backend.
	ErrBackendSynthesis = errors.New("tts backend failed")
	// ErrOutputClosed is reported by handles requested after Output.Close.
	ErrOutputClosed = errors.New("speech output closed")

	// ErrChannelMisuse marks programming faults on a FrameChannel.
	ErrChannelMisuse = errors.New("frame channel misuse")
	// ErrChannelClosed is returned by Send after Close.
	ErrChannelClosed = fmt.Errorf("%w: send on closed channel", ErrChannelMisuse)
	// ErrChannelFull is returned by Send when a bounded channel has no room.
	ErrChannelFull = fmt.Errorf("%w: channel full", ErrChannelMisuse)
)

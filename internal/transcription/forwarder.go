// Package transcription forwards the text of a speech in step with its
// playout.
package transcription

import (
	"context"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/tokenize"
)

// Forwarder receives the text and audio timing of one speech and emits
// transcript segments as the audio plays.
//
// Every method is safe for concurrent use: text and audio may be pushed from
// different goroutines. Calls made after Close are no-ops, so producers that
// race with an interruption never need to coordinate with it.
type Forwarder interface {
	PushText(text string)
	MarkTextSegmentEnd()
	PushAudio(frame audio.Frame)
	MarkAudioSegmentEnd()

	// SegmentPlayoutStarted and SegmentPlayoutFinished are called by the
	// playout as the audio starts and finishes playing.
	SegmentPlayoutStarted()
	SegmentPlayoutFinished()

	Closed() bool
	Close() error
}

// Publisher delivers transcript segments.
type Publisher interface {
	PublishTranscript(ctx context.Context, seg protocol.TranscriptSegment) error
}

// BeforeForwardFunc can rewrite a segment before it is published. Returning
// false drops it.
type BeforeForwardFunc func(seg protocol.TranscriptSegment) (protocol.TranscriptSegment, bool)

// Options configure a forwarder for one speech.
type Options struct {
	SpeechID          string
	Speed             float64
	SentenceTokenizer tokenize.SentenceTokenizer
	WordTokenizer     tokenize.WordTokenizer
	Hyphenate         tokenize.HyphenateFunc
	BeforeForward     BeforeForwardFunc
}

// Disabled is a BeforeForwardFunc that drops every segment.
func Disabled(protocol.TranscriptSegment) (protocol.TranscriptSegment, bool) {
	return protocol.TranscriptSegment{}, false
}

package protocol

import "time"

// SpeechRequest asks the runtime to synthesize and play an utterance. When
// Streaming is set, Text is ignored and fragments arrive on
// SubjectSpeechTextPrefix.<speech_id>.
type SpeechRequest struct {
	SpeechID      string  `json:"speech_id,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	Text          string  `json:"text,omitempty"`
	Transcript    string  `json:"transcript,omitempty"`
	Voice         string  `json:"voice,omitempty"`
	Streaming     bool    `json:"streaming,omitempty"`
	Transcription *bool   `json:"transcription,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
	AutoPlay      *bool   `json:"auto_play,omitempty"`
}

// SpeechFragment carries one incremental piece of a streaming request.
type SpeechFragment struct {
	SpeechID   string `json:"speech_id"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Final      bool   `json:"final,omitempty"`
}

// SpeechInterrupt stops synthesis and playout of a speech.
type SpeechInterrupt struct {
	SpeechID string `json:"speech_id"`
	Reason   string `json:"reason,omitempty"`
}

// SpeechPlay starts playout of a speech accepted without auto play.
type SpeechPlay struct {
	SpeechID string `json:"speech_id"`
}

// AudioChunk is PCM16 audio played out for a speech.
type AudioChunk struct {
	SpeechID   string `json:"speech_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TranscriptSegment is the time-aligned text of what is being spoken.
type TranscriptSegment struct {
	SpeechID  string    `json:"speech_id"`
	SegmentID string    `json:"segment_id"`
	Text      string    `json:"text"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// Speech lifecycle states reported on SubjectSpeechStatus.
const (
	StateAccepted    = "accepted"
	StatePlaying     = "playing"
	StateSynthesized = "synthesized"
	StateFailed      = "failed"
	StatePlayed      = "played"
	StateInterrupted = "interrupted"
)

// SpeechStatus reports a speech lifecycle transition.
type SpeechStatus struct {
	SpeechID  string    `json:"speech_id"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSpeechRequest    = "tts.request"
	SubjectSpeechTextPrefix = "tts.text"
	SubjectSpeechInterrupt  = "tts.interrupt"
	SubjectSpeechPlay       = "tts.play"
	SubjectSpeechStatus     = "tts.status"
	SubjectTTSAudio         = "tts.audio"
	SubjectTTSDone          = "tts.done"
	SubjectTranscript       = "tts.transcript"

	SubjectNodeAnnounce        = "ctrl.node.announce"
	SubjectNodeHeartbeatPrefix = "ctrl.node.heartbeat"
)

package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// New builds the backend selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	frameDuration := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels, frameDuration, 50*time.Millisecond), nil
	case "exec":
		synth, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, frameDuration)
		if err != nil {
			return nil, err
		}
		return synth, nil
	case "kyutai":
		synth, err := NewKyutaiSynth(KyutaiOptions{
			URL:           cfg.URL,
			APIKey:        cfg.APIKey,
			Voice:         cfg.Voice,
			FrameDuration: frameDuration,
		})
		if err != nil {
			return nil, err
		}
		return synth, nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/mattn/go-shellwords"
)

// ExecSynth runs an external command per request. The command reads one JSON
// request on stdin and answers with JSON lines carrying base64 PCM16.
type ExecSynth struct {
	cmd           []string
	sampleRate    int
	channels      int
	frameDuration time.Duration
	mu            sync.Mutex
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int, frameDuration time.Duration) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &ExecSynth{cmd: args, sampleRate: sampleRate, channels: channels, frameDuration: frameDuration}, nil
}

func (e *ExecSynth) Capabilities() Capabilities {
	return Capabilities{SampleRate: e.sampleRate, Channels: e.channels}
}

func (e *ExecSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		// One subprocess at a time; local engines rarely tolerate more.
		e.mu.Lock()
		defer e.mu.Unlock()
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *ExecSynth) run(ctx context.Context, req SynthRequest, chunks chan<- Chunk) error {
	data, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	})
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		_ = cmd.Wait()
		return err
	}
	stdin.Close()

	stream := audio.NewByteStream(e.sampleRate, e.channels, e.frameDuration)
	sequence := 0
	send := func(frames []audio.Frame) error {
		for _, frame := range frames {
			select {
			case chunks <- Chunk{SpeechID: req.SpeechID, Sequence: sequence, Frame: frame}:
				sequence++
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Wait()
			return fmt.Errorf("decode tts response: %w", err)
		}
		if resp.Error != "" {
			_ = cmd.Wait()
			return fmt.Errorf("tts command: %s", resp.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			_ = cmd.Wait()
			return err
		}
		if err := send(stream.Write(pcm)); err != nil {
			_ = cmd.Wait()
			return err
		}
		if resp.Final {
			break
		}
	}
	if err := send(stream.Flush()); err != nil {
		_ = cmd.Wait()
		return err
	}
	if err := cmd.Wait(); err != nil {
		return err
	}
	return scanner.Err()
}

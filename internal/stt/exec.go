package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/mattn/go-shellwords"
)

// execRecognizer delegates recognition to an external command.
//
// Streaming: raw PCM is written to the command's stdin and one JSON object per
// line is expected on stdout: {"text": "...", "final": true}.
// One-shot: the command is invoked with --audio <file.wav> and prints a
// single {"text": "...", "confidence": 0.9} object.
type execRecognizer struct {
	cmd []string
	cfg config.RecognizerConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type execEvent struct {
	Text       string  `json:"text"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.RecognizerConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) args(cfg Config, extra ...string) []string {
	args := append([]string{}, r.cmd[1:]...)
	args = append(args, extra...)
	args = append(args, "--sample-rate", strconv.Itoa(cfg.SampleRate))
	args = append(args, "--channels", strconv.Itoa(cfg.Channels))
	if cfg.Language != "" {
		args = append(args, "--language", cfg.Language)
	}
	return args
}

func (r *execRecognizer) StartStream(ctx context.Context, cfg Config) (Stream, error) {
	if err := cfg.Format().Validate(); err != nil {
		return nil, err
	}
	extra := []string{"--stream"}
	if cfg.InterimResults {
		extra = append(extra, "--interim")
	}
	command := exec.CommandContext(ctx, r.cmd[0], r.args(cfg, extra...)...)
	s := &execStream{cmd: command}
	command.Stderr = &s.stderr

	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start recognizer command: %w", err)
	}
	s.stdin = stdin
	s.scanner = bufio.NewScanner(stdout)
	return s, nil
}

type execStream struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	stderr  bytes.Buffer
	done    bool
}

// Send reports io.EOF once the command has stopped reading, so callers stop
// sending and learn the outcome from Recv.
func (s *execStream) Send(chunk []byte) error {
	_, err := s.stdin.Write(chunk)
	if commandGone(err) {
		return io.EOF
	}
	return err
}

func (s *execStream) CloseSend() error {
	if err := s.stdin.Close(); err != nil && !commandGone(err) {
		return err
	}
	return nil
}

func commandGone(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func (s *execStream) Recv() (transcript.Event, error) {
	if s.done {
		return transcript.Event{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt execEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
			s.done = true
			return transcript.Event{}, fmt.Errorf("decode recognizer event: %w", err)
		}
		return transcript.Event{Text: evt.Text, Final: evt.Final, Confidence: evt.Confidence}, nil
	}
	s.done = true
	scanErr := s.scanner.Err()
	if err := s.cmd.Wait(); err != nil {
		return transcript.Event{}, fmt.Errorf("recognizer command failed: %w: %s", err, s.stderr.String())
	}
	if scanErr != nil {
		return transcript.Event{}, scanErr
	}
	return transcript.Event{}, io.EOF
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, cfg Config) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scribe_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, pcm, cfg.Format()); err != nil {
		return Result{}, err
	}

	command := exec.CommandContext(ctx, r.cmd[0], r.args(cfg, "--audio", file.Name())...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode recognizer response: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func (r *execRecognizer) Close() error { return nil }

package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// Config is the recognition contract shared with the backend. SampleRate must
// match what the client captured or quality silently degrades.
type Config struct {
	Language       string
	SampleRate     int
	Channels       int
	Encoding       string
	InterimResults bool
}

// Format returns the PCM format the backend will be told to expect.
func (c Config) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// StreamConfigFrom builds the streaming defaults from configuration.
func StreamConfigFrom(cfg config.RecognizerConfig) Config {
	return Config{
		Language:       cfg.Language,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		Encoding:       cfg.Encoding,
		InterimResults: cfg.InterimResults,
	}
}

// OneShotConfigFrom builds the one-shot defaults from configuration.
func OneShotConfigFrom(cfg config.RecognizerConfig) Config {
	c := StreamConfigFrom(cfg)
	c.SampleRate = cfg.OneShotSampleRate
	c.InterimResults = false
	return c
}

// Result captures one-shot recognizer output.
type Result struct {
	Text       string
	Confidence float64
}

// Stream is a single streaming recognition call. Send and CloseSend are used
// by the audio pump, Recv by the reconciler; Recv returns io.EOF when the
// backend has finished.
type Stream interface {
	Send(chunk []byte) error
	CloseSend() error
	Recv() (transcript.Event, error)
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	StartStream(ctx context.Context, cfg Config) (Stream, error)
	Transcribe(ctx context.Context, pcm []byte, cfg Config) (Result, error)
	Close() error
}

// New builds the backend selected by cfg.Mode.
func New(ctx context.Context, cfg config.RecognizerConfig, logger *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "google":
		rec, err := NewGoogleRecognizer(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unknown recognizer mode %q", cfg.Mode)
	}
}

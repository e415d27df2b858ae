package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a backend whose transcripts describe the audio it
// was sent. Each chunk yields an interim result, CloseSend yields the final.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) StartStream(ctx context.Context, cfg Config) (Stream, error) {
	if err := cfg.Format().Validate(); err != nil {
		return nil, err
	}
	return &mockStream{
		ctx:     ctx,
		interim: cfg.InterimResults,
		events:  make(chan transcript.Event, 64),
	}, nil
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, cfg Config) (Result, error) {
	if err := cfg.Format().Validate(); err != nil {
		return Result{}, err
	}
	return Result{Text: fmt.Sprintf("[final transcript length=%d]", len(pcm))}, nil
}

func (m *mockRecognizer) Close() error { return nil }

type mockStream struct {
	ctx     context.Context
	interim bool
	events  chan transcript.Event
	total   int
	once    sync.Once
}

func (s *mockStream) Send(chunk []byte) error {
	if !s.interim {
		s.total += len(chunk)
		return nil
	}
	evt := transcript.Event{}
	if len(chunk) > 0 {
		s.total += len(chunk)
		evt.Text = fmt.Sprintf("[partial transcript length=%d]", s.total)
	}
	select {
	case s.events <- evt:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *mockStream) CloseSend() error {
	var err error
	s.once.Do(func() {
		defer close(s.events)
		evt := transcript.Event{Text: fmt.Sprintf("[final transcript length=%d]", s.total), Final: true}
		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			err = s.ctx.Err()
		}
	})
	return err
}

func (s *mockStream) Recv() (transcript.Event, error) {
	select {
	case evt, ok := <-s.events:
		if !ok {
			return transcript.Event{}, io.EOF
		}
		return evt, nil
	case <-s.ctx.Done():
		return transcript.Event{}, s.ctx.Err()
	}
}

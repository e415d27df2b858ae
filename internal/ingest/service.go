// Package ingest feeds audio frames published on the bus into recognition
// sessions and broadcasts the resulting display updates.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"github.com/nats-io/nats.go"
)

const origin = "bus"

// ErrFrameOverflow fails a session whose recognizer stopped draining its
// frame buffer. Frames for other sessions keep flowing.
var ErrFrameOverflow = errors.New("audio frame buffer overflow")

type Service struct {
	recognizer config.RecognizerConfig
	capture    config.CaptureConfig
	bus        *bus.Client
	manager    *session.Manager
	logger     *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	frames    *audio.FrameSource
	cancel    context.CancelCauseFunc
	nextSeq   int
	lastFrame time.Time
	ended     bool
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, manager *session.Manager) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		recognizer: cfg.Recognizer,
		capture:    cfg.Capture,
		bus:        busClient,
		manager:    manager,
		logger:     busClient.Logger().With(slog.String("component", "ingest")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	if idle := s.idleTimeout(); idle > 0 {
		s.wg.Add(1)
		go s.reapIdle(idle)
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.mu.Lock()
	s.ready = false
	for _, state := range s.sessions {
		state.frames.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	state := s.sessions[frame.SessionID]
	switch {
	case state == nil:
		state = &sessionState{frames: audio.NewFrameSource(s.capture.FrameBuffer)}
		s.sessions[frame.SessionID] = state
		s.startSession(frame, state)
	case state.ended:
		s.mu.Unlock()
		s.logger.Debug("dropping frame for ended session", slog.String("session_id", frame.SessionID))
		return
	case frame.Sequence < state.nextSeq:
		s.mu.Unlock()
		s.logger.Warn("dropping stale audio frame",
			slog.String("session_id", frame.SessionID),
			slog.Int("sequence", frame.Sequence),
			slog.Int("expected", state.nextSeq))
		return
	}
	state.nextSeq = frame.Sequence + 1
	state.lastFrame = time.Now()
	frames := state.frames
	s.mu.Unlock()

	// The subscription serves every session, so a full buffer fails only
	// the session that owns it.
	if len(frame.PCM) > 0 {
		err := frames.TryPush(frame.PCM)
		switch {
		case errors.Is(err, audio.ErrSourceFull):
			s.logger.Warn("audio frame buffer overflow, failing session",
				slog.String("session_id", frame.SessionID),
				slog.Int("frame_buffer", s.capture.FrameBuffer))
			state.cancel(ErrFrameOverflow)
			frames.CloseWithError(ErrFrameOverflow)
			return
		case err != nil:
			s.logger.Warn("failed to queue audio frame", slog.String("session_id", frame.SessionID), slogError(err))
			return
		}
	}
	if frame.Final {
		frames.Close()
	}
}

// startSession must be called with s.mu held.
func (s *Service) startSession(first protocol.AudioFrame, state *sessionState) {
	cfg := stt.StreamConfigFrom(s.recognizer)
	if first.SampleRate > 0 {
		cfg.SampleRate = first.SampleRate
	}
	if first.Channels > 0 {
		cfg.Channels = first.Channels
	}
	if first.Language != "" {
		cfg.Language = first.Language
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	state.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		id := first.SessionID
		s.publishStatus(id, protocol.SessionStarted, nil)
		_, err := s.manager.Run(ctx, session.Capture{
			ID:     id,
			Origin: origin,
			Config: cfg,
			Source: audio.Fixed(state.frames, s.capture.ChunkSize),
			Sink:   &busSink{service: s, sessionID: id},
		})
		if err != nil && errors.Is(context.Cause(ctx), ErrFrameOverflow) {
			err = ErrFrameOverflow
		}
		if err != nil {
			s.publishStatus(id, protocol.SessionFailed, err)
		} else {
			s.publishStatus(id, protocol.SessionCompleted, nil)
		}

		s.mu.Lock()
		state.ended = true
		state.lastFrame = time.Now()
		s.mu.Unlock()
		state.frames.CloseWithError(err)
	}()
}

// reapIdle ends captures that stopped sending frames and forgets sessions that
// ended more than one idle period ago.
func (s *Service) reapIdle(idle time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, state := range s.sessions {
				if now.Sub(state.lastFrame) < idle {
					continue
				}
				if state.ended {
					delete(s.sessions, id)
					continue
				}
				s.logger.Info("ending idle capture", slog.String("session_id", id))
				state.frames.Close()
			}
			s.mu.Unlock()
		}
	}
}

func (s *Service) idleTimeout() time.Duration {
	return time.Duration(s.capture.IdleTimeoutMS) * time.Millisecond
}

func (s *Service) publishStatus(sessionID, state string, err error) {
	status := protocol.SessionStatus{
		SessionID: sessionID,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectSessionStatus, status); err != nil {
		s.logger.Warn("failed to publish session status", slogError(err))
	}
}

// busSink broadcasts display updates. Publish failures are logged so a bus
// hiccup does not abort recognition.
type busSink struct {
	service   *Service
	sessionID string
	sequence  int
}

func (b *busSink) Update(_ context.Context, u transcript.Update) error {
	subject := protocol.SubjectTranscriptPartial
	if u.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	b.sequence++
	msg := protocol.Transcript{
		SessionID:  b.sessionID,
		Sequence:   b.sequence,
		Text:       u.Text,
		Partial:    !u.Final,
		Confidence: u.Confidence,
		Timestamp:  time.Now().UTC(),
	}
	if err := b.service.bus.PublishJSON(subject, msg); err != nil {
		b.service.logger.Warn("failed to publish transcript", slog.String("session_id", b.sessionID), slogError(err))
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

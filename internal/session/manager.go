// Package session runs recognition sessions: it pumps captured audio into a
// recognizer stream and reconciles the results into display updates.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrTooManySessions = errors.New("too many active sessions")
	ErrSessionExists   = errors.New("session already active")
)

// Capture describes one capture. Source and Sink are owned by the caller.
type Capture struct {
	ID     string
	Origin string
	Config stt.Config
	Source audio.Source
	Sink   transcript.Sink
}

// Result summarizes a finished session.
type Result struct {
	SessionID string
	Events    int
	Updates   int
}

type entry struct {
	origin  string
	started time.Time
	latest  *transcript.Latest
	cancel  context.CancelFunc
}

// Manager runs sessions against a single recognizer.
type Manager struct {
	recognizer stt.Recognizer
	store      *eventstore.Store
	cfg        config.CaptureConfig
	log        *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics

	mu     sync.Mutex
	active map[string]*entry
}

// NewManager builds a Manager. store may be nil.
func NewManager(recognizer stt.Recognizer, store *eventstore.Store, cfg config.CaptureConfig, log *slog.Logger) *Manager {
	m := &Manager{
		recognizer: recognizer,
		store:      store,
		cfg:        cfg,
		log:        log.With(slog.String("component", "session-manager")),
		tracer:     otel.Tracer(instrumentationName),
		active:     make(map[string]*entry),
	}
	m.metrics = newMetrics(m, m.log)
	return m
}

// Run executes a session until the source is exhausted and the backend has
// closed its stream, the backend fails, or ctx is cancelled. A backend error
// is returned unchanged.
func (m *Manager) Run(ctx context.Context, c Capture) (Result, error) {
	if c.Source == nil || c.Sink == nil {
		return Result{}, errors.New("session requires an audio source and a display sink")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	result := Result{SessionID: c.ID}
	if err := c.Config.Format().Validate(); err != nil {
		return result, fmt.Errorf("session %s: %w", c.ID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if m.cfg.StreamTimeoutMS > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, time.Duration(m.cfg.StreamTimeoutMS)*time.Millisecond)
		defer cancelTimeout()
	}

	e, err := m.register(c, cancel)
	if err != nil {
		return result, err
	}
	defer m.unregister(c.ID)

	ctx, span := m.tracer.Start(ctx, "session.run", trace.WithAttributes(
		attribute.String("session.id", c.ID),
		attribute.String("session.origin", c.Origin),
		attribute.String("recognizer.language", c.Config.Language),
		attribute.Int("recognizer.sample_rate", c.Config.SampleRate),
	))
	defer span.End()

	log := m.log.With(slog.String("session_id", c.ID), slog.String("origin", c.Origin))
	m.metrics.started.Add(ctx, 1, withOrigin(c.Origin))
	m.begin(ctx, c)
	log.Info("session started",
		slog.String("language", c.Config.Language),
		slog.Int("sample_rate", c.Config.SampleRate))

	result.Events, result.Updates, err = m.stream(ctx, c, e.latest)

	m.finish(ctx, c, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("session failed", slog.Int("updates", result.Updates), slog.String("error", err.Error()))
		return result, err
	}
	log.Info("session completed", slog.Int("events", result.Events), slog.Int("updates", result.Updates))
	return result, nil
}

func (m *Manager) stream(ctx context.Context, c Capture, latest *transcript.Latest) (int, int, error) {
	g, gctx := errgroup.WithContext(ctx)
	stream, err := m.recognizer.StartStream(gctx, c.Config)
	if err != nil {
		return 0, 0, err
	}

	var sinks []transcript.Sink
	sinks = append(sinks, c.Sink, latest)
	if m.store != nil {
		sinks = append(sinks, m.store.Recorder(c.ID))
	}
	sink := transcript.Multi(sinks...)
	src := &countingSource{src: stream}

	pumpCtx, stopPump := context.WithCancel(gctx)
	defer stopPump()

	var updates int
	var sendErr *sendError
	g.Go(func() error {
		err := m.pump(pumpCtx, c.Source, stream)
		if errors.As(err, &sendErr) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer stopPump()
		n, err := transcript.Run(gctx, src, sink)
		updates = n
		return err
	})
	err = g.Wait()
	if err == nil && sendErr != nil {
		err = sendErr
	}

	m.metrics.events.Add(ctx, int64(src.count))
	m.metrics.updates.Add(ctx, int64(updates))
	return src.count, updates, err
}

// pump forwards chunks in capture order. It stops quietly when its context is
// cancelled, which happens once the reconciler has finished.
func (m *Manager) pump(ctx context.Context, src audio.Source, stream stt.Stream) error {
	for {
		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return stream.CloseSend()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read audio: %w", err)
		}
		if len(chunk) == 0 {
			continue
		}
		if err := stream.Send(chunk); err != nil {
			if errors.Is(err, io.EOF) {
				// The backend ended the call; Recv reports why.
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			// Half-close so the backend finishes and Recv can report its
			// own failure first.
			_ = stream.CloseSend()
			return &sendError{err: err}
		}
		m.metrics.bytes.Add(ctx, int64(len(chunk)))
	}
}

// sendError is surfaced only when the backend itself ends cleanly.
type sendError struct {
	err error
}

func (e *sendError) Error() string { return "send audio: " + e.err.Error() }

func (e *sendError) Unwrap() error { return e.err }

// Recognize runs one-shot recognition over a complete capture.
func (m *Manager) Recognize(ctx context.Context, pcm []byte, cfg stt.Config) (stt.Result, error) {
	if err := cfg.Format().Validate(); err != nil {
		return stt.Result{}, err
	}
	if err := audio.ValidatePCM(pcm); err != nil {
		return stt.Result{}, err
	}
	ctx, span := m.tracer.Start(ctx, "session.recognize", trace.WithAttributes(
		attribute.Int("audio.bytes", len(pcm)),
		attribute.Int("recognizer.sample_rate", cfg.SampleRate),
	))
	defer span.End()

	m.metrics.oneShot.Add(ctx, 1)
	res, err := m.recognizer.Transcribe(ctx, pcm, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.metrics.failed.Add(ctx, 1, withOrigin("oneshot"))
		return stt.Result{}, err
	}
	return res, nil
}

// Latest returns the string currently displayed for an active session.
func (m *Manager) Latest(sessionID string) (transcript.Update, bool) {
	m.mu.Lock()
	e, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return transcript.Update{}, false
	}
	return e.latest.Value(), true
}

// Active returns the number of sessions in progress.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Capacity returns the configured session limit.
func (m *Manager) Capacity() int {
	return m.cfg.MaxSessions
}

// Cancel aborts an active session.
func (m *Manager) Cancel(sessionID string) bool {
	m.mu.Lock()
	e, ok := m.active[sessionID]
	m.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// Shutdown cancels every active session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.active {
		e.cancel()
	}
}

func (m *Manager) register(c Capture, cancel context.CancelFunc) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[c.ID]; ok {
		return nil, ErrSessionExists
	}
	if m.cfg.MaxSessions > 0 && len(m.active) >= m.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	e := &entry{
		origin:  c.Origin,
		started: time.Now(),
		latest:  transcript.NewLatest(transcript.DefaultPlaceholder),
		cancel:  cancel,
	}
	m.active[c.ID] = e
	return e, nil
}

func (m *Manager) unregister(sessionID string) {
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()
}

func (m *Manager) begin(ctx context.Context, c Capture) {
	if m.store == nil {
		return
	}
	err := m.store.BeginSession(ctx, eventstore.Session{
		ID:         c.ID,
		Origin:     c.Origin,
		Language:   c.Config.Language,
		SampleRate: c.Config.SampleRate,
		Status:     protocol.SessionStarted,
	})
	if err != nil {
		m.log.Warn("failed to record session start", slog.String("session_id", c.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) finish(ctx context.Context, c Capture, runErr error) {
	status, msg := protocol.SessionCompleted, ""
	if runErr != nil {
		status, msg = protocol.SessionFailed, runErr.Error()
		m.metrics.failed.Add(ctx, 1, withOrigin(c.Origin))
	}
	if m.store == nil {
		return
	}
	if err := m.store.EndSession(context.WithoutCancel(ctx), c.ID, status, msg); err != nil {
		m.log.Warn("failed to record session end", slog.String("session_id", c.ID), slog.String("error", err.Error()))
	}
}

type countingSource struct {
	src   transcript.Source
	count int
}

func (c *countingSource) Recv() (transcript.Event, error) {
	evt, err := c.src.Recv()
	if err == nil {
		c.count++
	}
	return evt, err
}

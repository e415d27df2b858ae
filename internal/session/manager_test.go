package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func streamConfig() stt.Config {
	return stt.Config{Language: "en-US", SampleRate: 16000, Channels: 1, InterimResults: true}
}

type recordingSink struct {
	mu      sync.Mutex
	updates []transcript.Update
}

func (r *recordingSink) Update(_ context.Context, u transcript.Update) error {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.updates {
		out = append(out, u.Text)
	}
	return out
}

// scriptedRecognizer replays a fixed list of events once the audio has been
// fully sent, then fails with err if set.
type scriptedRecognizer struct {
	events   []transcript.Event
	err      error
	startErr error
	received bytes.Buffer
	mu       sync.Mutex
}

func (s *scriptedRecognizer) StartStream(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	if s.startErr != nil {
		return nil, s.startErr
	}
	return &scriptedStream{rec: s, ctx: ctx, closed: make(chan struct{})}, nil
}

func (s *scriptedRecognizer) Transcribe(context.Context, []byte, stt.Config) (stt.Result, error) {
	if s.err != nil {
		return stt.Result{}, s.err
	}
	return stt.Result{Text: "one shot"}, nil
}

func (s *scriptedRecognizer) Close() error { return nil }

type scriptedStream struct {
	rec    *scriptedRecognizer
	ctx    context.Context
	closed chan struct{}
	once   sync.Once
	pos    int
}

func (s *scriptedStream) Send(chunk []byte) error {
	s.rec.mu.Lock()
	s.rec.received.Write(chunk)
	s.rec.mu.Unlock()
	return nil
}

func (s *scriptedStream) CloseSend() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedStream) Recv() (transcript.Event, error) {
	select {
	case <-s.closed:
	case <-s.ctx.Done():
		return transcript.Event{}, s.ctx.Err()
	}
	if s.pos < len(s.rec.events) {
		evt := s.rec.events[s.pos]
		s.pos++
		return evt, nil
	}
	if s.rec.err != nil {
		return transcript.Event{}, s.rec.err
	}
	return transcript.Event{}, io.EOF
}

func newManager(rec stt.Recognizer, store *eventstore.Store) *Manager {
	cfg := config.Default().Capture
	return NewManager(rec, store, cfg, newLogger())
}

func TestRunReconcilesBackendEvents(t *testing.T) {
	rec := &scriptedRecognizer{events: []transcript.Event{
		{Text: "x"},
		{Text: "x y"},
		{},
		{Text: "x y z", Final: true},
	}}
	m := newManager(rec, nil)
	sink := &recordingSink{}
	pcm := bytes.Repeat([]byte{1, 2}, 5000)

	res, err := m.Run(context.Background(), Capture{
		Origin: "test",
		Config: streamConfig(),
		Source: audio.NewReaderSource(bytes.NewReader(pcm), 4096),
		Sink:   sink,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"x (Interim)", "x y (Interim)", "x y z "}
	got := sink.texts()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
	if res.Events != 4 || res.Updates != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.SessionID == "" {
		t.Fatal("expected generated session id")
	}
	if !bytes.Equal(rec.received.Bytes(), pcm) {
		t.Fatal("backend did not receive the audio in order")
	}
	if m.Active() != 0 {
		t.Fatalf("expected session unregistered, %d active", m.Active())
	}
}

func TestRunWithMockRecognizer(t *testing.T) {
	m := newManager(stt.NewMockRecognizer(), nil)
	sink := &recordingSink{}
	_, err := m.Run(context.Background(), Capture{
		Config: streamConfig(),
		Source: audio.NewReaderSource(bytes.NewReader(make([]byte, 4096*2)), 4096),
		Sink:   sink,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{
		"[partial transcript length=4096] (Interim)",
		"[partial transcript length=8192] (Interim)",
		"[final transcript length=8192] ",
	}
	if got := sink.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRunPropagatesBackendFailure(t *testing.T) {
	backendErr := errors.New("permission denied")
	rec := &scriptedRecognizer{events: []transcript.Event{{Text: "partial"}}, err: backendErr}
	m := newManager(rec, nil)
	sink := &recordingSink{}

	res, err := m.Run(context.Background(), Capture{
		Config: streamConfig(),
		Source: audio.NewReaderSource(bytes.NewReader(make([]byte, 100)), 4096),
		Sink:   sink,
	})
	if err != backendErr {
		t.Fatalf("expected backend error unchanged, got %v", err)
	}
	if res.Updates != 1 {
		t.Fatalf("expected the interim update before failure, got %d", res.Updates)
	}
}

// brokenRecognizer models a backend whose transport breaks mid-capture. Send
// fails with sendErr once sendOK chunks went through. Recv returns recvErr
// after the first chunk arrives, or once the call is half-closed when
// waitClose is set.
type brokenRecognizer struct {
	sendOK    int
	sendErr   error
	recvErr   error
	waitClose bool
}

func (b *brokenRecognizer) StartStream(ctx context.Context, _ stt.Config) (stt.Stream, error) {
	return &brokenStream{rec: b, ctx: ctx, first: make(chan struct{}), closed: make(chan struct{})}, nil
}

func (b *brokenRecognizer) Transcribe(context.Context, []byte, stt.Config) (stt.Result, error) {
	return stt.Result{}, b.recvErr
}

func (b *brokenRecognizer) Close() error { return nil }

type brokenStream struct {
	rec        *brokenRecognizer
	ctx        context.Context
	sent       int
	first      chan struct{}
	closed     chan struct{}
	firstOnce  sync.Once
	closedOnce sync.Once
}

func (s *brokenStream) Send([]byte) error {
	s.firstOnce.Do(func() { close(s.first) })
	s.sent++
	if s.sent > s.rec.sendOK {
		if errors.Is(s.rec.sendErr, io.EOF) {
			s.closedOnce.Do(func() { close(s.closed) })
		}
		return s.rec.sendErr
	}
	return nil
}

func (s *brokenStream) CloseSend() error {
	s.closedOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *brokenStream) Recv() (transcript.Event, error) {
	wait := s.first
	if s.rec.waitClose {
		wait = s.closed
	}
	select {
	case <-wait:
	case <-s.ctx.Done():
		return transcript.Event{}, s.ctx.Err()
	}
	if s.rec.recvErr != nil {
		return transcript.Event{}, s.rec.recvErr
	}
	return transcript.Event{}, io.EOF
}

func TestRunPrefersBackendFailureOverSendError(t *testing.T) {
	backendErr := errors.New("resource exhausted: quota exceeded")
	transportErr := errors.New("transport is closing")
	cases := []struct {
		name string
		rec  *brokenRecognizer
	}{
		{
			name: "recv fails while audio is still flowing",
			rec:  &brokenRecognizer{sendOK: 1, sendErr: transportErr, recvErr: backendErr},
		},
		{
			name: "send fails before the backend reports",
			rec:  &brokenRecognizer{sendErr: transportErr, recvErr: backendErr, waitClose: true},
		},
		{
			name: "send reports end of call",
			rec:  &brokenRecognizer{sendOK: 1, sendErr: io.EOF, recvErr: backendErr, waitClose: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newManager(tc.rec, nil)
			_, err := m.Run(context.Background(), Capture{
				Config: streamConfig(),
				Source: audio.NewReaderSource(bytes.NewReader(make([]byte, 1<<16)), 4096),
				Sink:   &recordingSink{},
			})
			if err != backendErr {
				t.Fatalf("expected backend error unchanged, got %v", err)
			}
		})
	}
}

func TestRunSurfacesSendErrorWhenBackendEndsCleanly(t *testing.T) {
	transportErr := errors.New("transport is closing")
	m := newManager(&brokenRecognizer{sendErr: transportErr, waitClose: true}, nil)
	_, err := m.Run(context.Background(), Capture{
		Config: streamConfig(),
		Source: audio.NewReaderSource(bytes.NewReader(make([]byte, 8192)), 4096),
		Sink:   &recordingSink{},
	})
	if !errors.Is(err, transportErr) || !strings.Contains(err.Error(), "send audio") {
		t.Fatalf("expected wrapped send error, got %v", err)
	}
}

func TestRunReportsExecBackendExit(t *testing.T) {
	rec, err := stt.NewExecRecognizer(config.RecognizerConfig{
		Command: `sh -c 'echo quota exceeded >&2; exit 3'`,
	})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	m := newManager(rec, nil)
	for i := 0; i < 5; i++ {
		_, err := m.Run(context.Background(), Capture{
			Config: streamConfig(),
			Source: audio.NewReaderSource(bytes.NewReader(make([]byte, 8<<20)), 4096),
			Sink:   &recordingSink{},
		})
		if err == nil {
			t.Fatal("expected backend failure")
		}
		if !strings.Contains(err.Error(), "quota exceeded") || strings.Contains(err.Error(), "send audio") {
			t.Fatalf("expected the command's failure, got %v", err)
		}
	}
}

func TestRunRejectsUnknownSampleRate(t *testing.T) {
	m := newManager(stt.NewMockRecognizer(), nil)
	cfg := streamConfig()
	cfg.SampleRate = 0
	_, err := m.Run(context.Background(), Capture{
		Config: cfg,
		Source: audio.NewReaderSource(bytes.NewReader(nil), 4096),
		Sink:   &recordingSink{},
	})
	if !errors.Is(err, audio.ErrSampleRateUnknown) {
		t.Fatalf("expected ErrSampleRateUnknown, got %v", err)
	}
}

func TestRunReportsSourceFailure(t *testing.T) {
	m := newManager(&scriptedRecognizer{}, nil)
	frames := audio.NewFrameSource(1)
	failure := errors.New("client went away")
	frames.CloseWithError(failure)

	_, err := m.Run(context.Background(), Capture{Config: streamConfig(), Source: frames, Sink: &recordingSink{}})
	if !errors.Is(err, failure) {
		t.Fatalf("expected source failure, got %v", err)
	}
}

func TestSessionLimitAndLatest(t *testing.T) {
	cfg := config.Default().Capture
	cfg.MaxSessions = 1
	m := NewManager(stt.NewMockRecognizer(), nil, cfg, newLogger())

	frames := audio.NewFrameSource(4)
	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background(), Capture{ID: "live", Config: streamConfig(), Source: frames, Sink: sink})
		done <- err
	}()

	if err := frames.Push(context.Background(), make([]byte, 10)); err != nil {
		t.Fatalf("push: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if u, ok := m.Latest("live"); ok && u.Text == "[partial transcript length=10] (Interim)" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for interim update")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := m.Run(context.Background(), Capture{Config: streamConfig(), Source: audio.NewFrameSource(1), Sink: sink})
	if !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}

	frames.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("live session: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live session did not finish")
	}
	if _, ok := m.Latest("live"); ok {
		t.Fatal("expected finished session to be forgotten")
	}
}

func TestCancelAbortsSession(t *testing.T) {
	m := newManager(stt.NewMockRecognizer(), nil)
	frames := audio.NewFrameSource(1)
	done := make(chan error, 1)
	go func() {
		_, err := m.Run(context.Background(), Capture{ID: "abort-me", Config: streamConfig(), Source: frames, Sink: &recordingSink{}})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !m.Cancel("abort-me") {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled session did not return")
	}
}

func TestRunRecordsHistory(t *testing.T) {
	ctx := context.Background()
	storeCfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "scribe.db"), RetentionMode: "persistent"}
	store, err := eventstore.Open(ctx, storeCfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := &scriptedRecognizer{events: []transcript.Event{{Text: "a"}, {Text: "a b", Final: true}}}
	m := newManager(rec, store)
	if _, err := m.Run(ctx, Capture{ID: "hist", Origin: "test", Config: streamConfig(), Source: audio.NewReaderSource(bytes.NewReader([]byte{0, 0}), 4096), Sink: &recordingSink{}}); err != nil {
		t.Fatalf("run: %v", err)
	}

	sess, err := store.GetSession(ctx, "hist")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != "completed" {
		t.Fatalf("expected completed session, got %q", sess.Status)
	}
	records, err := store.ListUpdates(ctx, "hist", 10)
	if err != nil {
		t.Fatalf("list updates: %v", err)
	}
	if len(records) != 2 || records[1].Text != "a b " {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestRecognizeValidatesPreconditions(t *testing.T) {
	m := newManager(stt.NewMockRecognizer(), nil)
	ctx := context.Background()
	if _, err := m.Recognize(ctx, []byte{0, 0}, stt.Config{Channels: 1}); !errors.Is(err, audio.ErrSampleRateUnknown) {
		t.Fatalf("expected ErrSampleRateUnknown, got %v", err)
	}
	if _, err := m.Recognize(ctx, []byte{0}, stt.Config{SampleRate: 44100, Channels: 1}); !errors.Is(err, audio.ErrUnalignedPCM) {
		t.Fatalf("expected ErrUnalignedPCM, got %v", err)
	}
	res, err := m.Recognize(ctx, make([]byte, 8), stt.Config{SampleRate: 44100, Channels: 1})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if res.Text != "[final transcript length=8]" {
		t.Fatalf("unexpected result %q", res.Text)
	}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"google.golang.org/grpc/status"
)

const writeWait = 5 * time.Second

// Message types exchanged on /v1/stream.
const (
	msgTranscript = "transcript"
	msgDone       = "done"
	msgError      = "error"
	msgStop       = "stop"
)

type streamMessage struct {
	Type       string  `json:"type"`
	SessionID  string  `json:"session_id,omitempty"`
	Text       string  `json:"text,omitempty"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence,omitempty"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// handleStream runs one live session per WebSocket. The client sends PCM in
// binary frames and ends the capture with a stop message or a normal close.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cfg := stt.StreamConfigFrom(s.cfg.Recognizer)
	if err := applyFormatQuery(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := cfg.Format().Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = uuid.NewString()
	}
	log := s.log.With(slog.String("session_id", id))

	frames := audio.NewFrameSource(s.cfg.Capture.FrameBuffer)
	out := &socketSink{conn: conn, sessionID: id}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readAudio(r.Context(), conn, frames, log)
	}()

	_, runErr := s.manager.Run(r.Context(), session.Capture{
		ID:     id,
		Origin: "websocket",
		Config: cfg,
		Source: audio.Fixed(frames, s.cfg.Capture.ChunkSize),
		Sink:   out,
	})
	frames.CloseWithError(runErr)

	if runErr != nil {
		msg := streamMessage{Type: msgError, SessionID: id, Message: runErr.Error()}
		if st, ok := status.FromError(runErr); ok {
			msg.Code = st.Code().String()
		}
		_ = out.write(msg)
	} else {
		_ = out.write(streamMessage{Type: msgDone, SessionID: id})
	}
	out.close()

	// Give the client a moment to answer the close frame before dropping it.
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(writeWait):
		_ = conn.Close()
		<-drained
	}
}

// readAudio forwards binary frames until the client stops or disconnects.
// It keeps draining the socket after the capture ends so the close
// handshake completes.
func (s *Server) readAudio(ctx context.Context, conn *websocket.Conn, frames *audio.FrameSource, log *slog.Logger) {
	capturing := true
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				frames.Close()
				return
			}
			frames.CloseWithError(err)
			if capturing {
				log.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}
		if !capturing {
			continue
		}
		switch kind {
		case websocket.BinaryMessage:
			if err := frames.Push(ctx, data); err != nil {
				capturing = false
			}
		case websocket.TextMessage:
			var msg streamMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("ignoring malformed control message", slog.String("error", err.Error()))
				continue
			}
			if msg.Type == msgStop {
				frames.Close()
				capturing = false
			}
		}
	}
}

// socketSink delivers display updates as transcript messages. Only the
// session goroutine writes to the connection.
type socketSink struct {
	conn      *websocket.Conn
	sessionID string
	mu        sync.Mutex
	closed    bool
}

func (s *socketSink) Update(_ context.Context, u transcript.Update) error {
	return s.write(streamMessage{
		Type:       msgTranscript,
		SessionID:  s.sessionID,
		Text:       u.Text,
		Final:      u.Final,
		Confidence: u.Confidence,
	})
}

func (s *socketSink) write(msg streamMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("websocket closed")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *socketSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

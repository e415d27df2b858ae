// Package server exposes recognition over HTTP: a WebSocket for live
// captures, a one-shot upload endpoint and session lookup.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const historyLimit = 500

// Options carries optional collaborators. Nil fields disable the matching
// endpoint or check.
type Options struct {
	Store   *eventstore.Store
	Metrics http.Handler
	Ready   func() bool
	Nodes   func() any
}

type Server struct {
	cfg      config.Config
	manager  *session.Manager
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager *session.Manager, opts Options, log *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		opts:    opts,
		log:     log.With(slog.String("component", "http")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.Capture.ChunkSize,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics)
	}
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("POST /v1/recognize", s.handleRecognize)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSession)
	if s.opts.Nodes != nil {
		mux.HandleFunc("GET /v1/nodes", s.handleNodes)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Ready == nil || s.opts.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	if s.cfg.HTTP.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxUploadBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cfg := stt.OneShotConfigFrom(s.cfg.Recognizer)
	if lang := r.URL.Query().Get("language"); lang != "" {
		cfg.Language = lang
	}
	pcm := body
	if audio.IsWAV(body) {
		var format audio.Format
		pcm, format, err = audio.DecodeWAV(bytes.NewReader(body))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		cfg.SampleRate, cfg.Channels = format.SampleRate, format.Channels
	} else if err := applyFormatQuery(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.manager.Recognize(r.Context(), pcm, cfg)
	if err != nil {
		s.log.Warn("one-shot recognition failed", slog.String("error", err.Error()))
		writeError(w, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, recognizeResponse{Transcript: res.Text, Confidence: res.Confidence})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if u, ok := s.manager.Latest(id); ok {
		writeJSON(w, http.StatusOK, sessionResponse{SessionID: id, Active: true, Text: u.Text, Final: u.Final})
		return
	}
	if s.opts.Store == nil {
		writeError(w, http.StatusNotFound, eventstore.ErrSessionNotFound)
		return
	}
	sess, err := s.opts.Store.GetSession(r.Context(), id)
	if errors.Is(err, eventstore.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	records, err := s.opts.Store.ListUpdates(r.Context(), id, historyLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := sessionResponse{
		SessionID: id,
		Status:    sess.Status,
		Error:     sess.Error,
		StartedAt: sess.CreatedAt,
		Updates:   make([]historyEntry, 0, len(records)),
	}
	if !sess.EndedAt.IsZero() {
		ended := sess.EndedAt
		resp.EndedAt = &ended
	}
	for _, rec := range records {
		resp.Updates = append(resp.Updates, historyEntry{Sequence: rec.Sequence, Text: rec.Text, Final: rec.Final, At: rec.CreatedAt})
	}
	if n := len(records); n > 0 {
		resp.Text, resp.Final = records[n-1].Text, records[n-1].Final
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Nodes())
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.HTTP.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.HTTP.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.log.Warn("rejected websocket origin", slog.String("origin", origin))
	return false
}

// applyFormatQuery reads sample_rate and channels for raw PCM bodies.
func applyFormatQuery(r *http.Request, cfg *stt.Config) error {
	q := r.URL.Query()
	if v := q.Get("sample_rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return audio.ErrSampleRateUnknown
		}
		cfg.SampleRate = rate
	}
	if v := q.Get("channels"); v != "" {
		ch, err := strconv.Atoi(v)
		if err != nil || ch <= 0 {
			return audio.ErrChannelsUnknown
		}
		cfg.Channels = ch
	}
	if v := q.Get("language"); v != "" {
		cfg.Language = v
	}
	return nil
}

// httpStatus maps session and backend errors to a response code. Backend
// errors carry a gRPC status when they come from a cloud recognizer.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, audio.ErrSampleRateUnknown),
		errors.Is(err, audio.ErrChannelsUnknown),
		errors.Is(err, audio.ErrUnalignedPCM),
		errors.Is(err, audio.ErrNotWAV):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict
	}
	st, ok := status.FromError(err)
	if !ok {
		return http.StatusBadGateway
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled:
		return 499
	default:
		return http.StatusBadGateway
	}
}

type recognizeResponse struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence,omitempty"`
}

type historyEntry struct {
	Sequence int       `json:"sequence"`
	Text     string    `json:"text"`
	Final    bool      `json:"final"`
	At       time.Time `json:"at"`
}

type sessionResponse struct {
	SessionID string         `json:"session_id"`
	Active    bool           `json:"active"`
	Text      string         `json:"text"`
	Final     bool           `json:"final"`
	Status    string         `json:"status,omitempty"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"started_at,omitzero"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Updates   []historyEntry `json:"updates,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

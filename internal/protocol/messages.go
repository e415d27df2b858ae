package protocol

import "time"

// AudioFrame carries PCM captured by an edge device for one session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language,omitempty"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript is a display update broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SessionStatus reports session lifecycle transitions.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeAnnouncement advertises a transcription node.
type NodeAnnouncement struct {
	NodeID         string    `json:"node_id"`
	Backend        string    `json:"backend"`
	Language       string    `json:"language"`
	SampleRate     int       `json:"sample_rate"`
	ActiveSessions int       `json:"active_sessions"`
	MaxSessions    int       `json:"max_sessions"`
	Timestamp      time.Time `json:"timestamp"`
}

const (
	SessionStarted   = "started"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionStatus     = "stt.session.status"
	SubjectNodeAnnounce      = "ctrl.node.announce"
	SubjectNodeHeartbeat     = "ctrl.node.heartbeat"
)

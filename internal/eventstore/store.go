package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	_ "modernc.org/sqlite"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is the stored summary of one recognition session.
type Session struct {
	ID         string
	Origin     string
	Language   string
	SampleRate int
	Status     string
	Error      string
	CreatedAt  time.Time
	EndedAt    time.Time
}

// Record is one display update as it was delivered.
type Record struct {
	ID        int64
	SessionID string
	Sequence  int
	Text      string
	Final     bool
	CreatedAt time.Time
}

// Store wraps a SQLite-backed transcript history.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral mode no
// database is opened and every write is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    origin TEXT,
    language TEXT,
    sample_rate INTEGER,
    status TEXT NOT NULL,
    error TEXT,
    created_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS updates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    text TEXT NOT NULL,
    final INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_updates_session_seq ON updates(session_id, seq);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) enabled() bool {
	return s.cfg.RetentionMode != "ephemeral" && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginSession records a session as started.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, origin, language, sample_rate, status, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET origin=excluded.origin, language=excluded.language,
		 sample_rate=excluded.sample_rate, status=excluded.status`,
		sess.ID, sess.Origin, sess.Language, sess.SampleRate, sess.Status, s.clock().UTC())
	return err
}

// EndSession stores the terminal status of a session.
func (s *Store) EndSession(ctx context.Context, sessionID, status, errMsg string) error {
	if !s.enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, error = ?, ended_at = ? WHERE session_id = ?`,
		status, errMsg, s.clock().UTC(), sessionID)
	return err
}

// GetSession loads a session summary.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if !s.enabled() {
		return Session{}, ErrSessionNotFound
	}
	var (
		sess    Session
		errMsg  sql.NullString
		endedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, origin, language, sample_rate, status, error, created_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &sess.Origin, &sess.Language, &sess.SampleRate, &sess.Status, &errMsg, &sess.CreatedAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.Error = errMsg.String
	if endedAt.Valid {
		sess.EndedAt = endedAt.Time
	}
	return sess, nil
}

// AppendUpdate writes a display update. Session retention keeps only final
// updates; persistent retention keeps interim updates as well.
func (s *Store) AppendUpdate(ctx context.Context, sessionID string, seq int, u transcript.Update) error {
	if !s.enabled() {
		return nil
	}
	if s.cfg.RetentionMode == "session" && !u.Final {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO updates(session_id, seq, text, final, created_at) VALUES(?, ?, ?, ?, ?)`,
		sessionID, seq, u.Text, u.Final, s.clock().UTC())
	return err
}

// ListUpdates retrieves up to limit updates for a session in delivery order.
func (s *Store) ListUpdates(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, text, final, created_at
		 FROM updates WHERE session_id = ? ORDER BY seq ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Sequence, &r.Text, &r.Final, &r.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM updates WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Recorder returns a sink that appends every update of one session.
func (s *Store) Recorder(sessionID string) transcript.Sink {
	return &recorder{store: s, sessionID: sessionID}
}

type recorder struct {
	store     *Store
	sessionID string
	seq       int
}

func (r *recorder) Update(ctx context.Context, u transcript.Update) error {
	r.seq++
	if err := r.store.AppendUpdate(ctx, r.sessionID, r.seq, u); err != nil {
		r.store.log.Warn("failed to record transcript update",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()))
	}
	return nil
}

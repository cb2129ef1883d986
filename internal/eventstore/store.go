package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps order correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Speech is the header row of one synthesis request.
type Speech struct {
	ID        string
	SessionID string
	Voice     string
	Mode      string
	CreatedAt time.Time
}

// Event represents a recorded step in the life of a speech.
type Event struct {
	ID        int64
	SpeechID  string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed speech timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
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
CREATE TABLE IF NOT EXISTS speeches (
    speech_id TEXT PRIMARY KEY,
    session_id TEXT,
    voice TEXT,
    mode TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    speech_id TEXT NOT NULL,
    trace_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at TEXT NOT NULL,
    FOREIGN KEY(speech_id) REFERENCES speeches(speech_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_speech_created ON events(speech_id, created_at);
CREATE INDEX IF NOT EXISTS idx_speeches_session ON speeches(session_id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether events are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// AppendSpeech records a speech header. Repeated calls update it.
func (s *Store) AppendSpeech(ctx context.Context, sp Speech) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speeches(speech_id, session_id, voice, mode, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(speech_id) DO UPDATE SET session_id=excluded.session_id, voice=excluded.voice, mode=excluded.mode`,
		sp.ID, sp.SessionID, sp.Voice, sp.Mode, s.now())
	return err
}

// AppendEvent writes an event for a recorded speech.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(speech_id, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SpeechID, evt.TraceID, evt.Type, evt.Payload, created)
	return err
}

// GetSpeech returns the header of a speech, or sql.ErrNoRows.
func (s *Store) GetSpeech(ctx context.Context, speechID string) (Speech, error) {
	if !s.Enabled() {
		return Speech{}, sql.ErrNoRows
	}
	var (
		sp      Speech
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT speech_id, session_id, voice, mode, created_at FROM speeches WHERE speech_id = ?`, speechID).
		Scan(&sp.ID, &sp.SessionID, &sp.Voice, &sp.Mode, &created)
	if err != nil {
		return Speech{}, err
	}
	if ts, err := time.Parse(timeLayout, created); err == nil {
		sp.CreatedAt = ts
	}
	return sp, nil
}

// ListSpeechEvents retrieves up to limit events for a speech ordered ascending by time.
func (s *Store) ListSpeechEvents(ctx context.Context, speechID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, speech_id, trace_id, event_type, payload, created_at
		 FROM events WHERE speech_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, speechID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.SpeechID, &e.TraceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and on a schedule).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
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
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().Format(timeLayout)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM speeches WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSpeeches > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM speeches WHERE speech_id IN (
			SELECT speech_id FROM speeches ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSpeeches)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

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

	"github.com/loqalabs/loqa-translator/internal/config"
	_ "modernc.org/sqlite"
)

// Event kinds recorded for a room.
const (
	KindUserMessage        = "user_message"
	KindAssistantReply     = "assistant_reply"
	KindSynthesisFailure   = "synthesis_failure"
	KindUtteranceCancelled = "utterance_cancelled"
)

// Event is one entry of a room's conversation journal.
type Event struct {
	ID          int64
	Room        string
	UtteranceID string
	Kind        string
	Role        string
	Content     string
	CreatedAt   time.Time
}

// Store journals room conversations in SQLite so chat context survives
// restarts.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
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
CREATE TABLE IF NOT EXISTS rooms (
    room TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    last_active_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    room TEXT NOT NULL,
    utterance_id TEXT,
    kind TEXT NOT NULL,
    role TEXT,
    content TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(room) REFERENCES rooms(room) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_room_created ON events(room, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init event store schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.db == nil || s.cfg.RetentionMode == "ephemeral"
}

// EnsureRoom creates the room row or bumps its activity time.
func (s *Store) EnsureRoom(ctx context.Context, room string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(room, created_at, last_active_at) VALUES(?, ?, ?)
		 ON CONFLICT(room) DO UPDATE SET last_active_at=excluded.last_active_at`,
		room, now, now)
	return err
}

// Append writes an event, creating the room row when needed.
func (s *Store) Append(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.Room == "" {
		return errors.New("event room must not be empty")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	if err := s.EnsureRoom(ctx, evt.Room); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(room, utterance_id, kind, role, content, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		evt.Room, evt.UtteranceID, evt.Kind, evt.Role, evt.Content, evt.CreatedAt.UTC().UnixNano())
	return err
}

// ListRoomEvents returns up to limit events for a room in chronological order.
func (s *Store) ListRoomEvents(ctx context.Context, room string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT id, room, utterance_id, kind, role, content, created_at
		 FROM events WHERE room = ? ORDER BY created_at ASC, id ASC LIMIT ?`, room, limit)
}

// History returns the last limit user and assistant turns of a room, oldest
// first.
func (s *Store) History(ctx context.Context, room string, limit int) ([]Event, error) {
	if s.disabled() || limit <= 0 {
		return nil, nil
	}
	events, err := s.query(ctx,
		`SELECT id, room, utterance_id, kind, role, content, created_at
		 FROM events WHERE room = ? AND kind IN (?, ?)
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		room, KindUserMessage, KindAssistantReply, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			utterance sql.NullString
			role      sql.NullString
			content   sql.NullString
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.Room, &utterance, &e.Kind, &role, &content, &created); err != nil {
			return nil, err
		}
		e.UtteranceID = utterance.String
		e.Role = role.String
		e.Content = content.String
		e.CreatedAt = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE last_active_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxRooms > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM rooms WHERE room IN (
			SELECT room FROM rooms ORDER BY last_active_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRooms); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

// Package eventstore journals IPC connections and broadcast utterances in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
	_ "modernc.org/sqlite"
)

// Retention modes.
const (
	ModeEphemeral  = "ephemeral"
	ModeSession    = "session"
	ModePersistent = "persistent"
)

// Event is one entry in a connection's timeline.
type Event struct {
	ID           int64     `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Type         string    `json:"type"`
	Payload      []byte    `json:"payload,omitempty"`
	Privacy      string    `json:"privacy"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the journal. In ephemeral mode it has no database and every
// method is a no-op.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
    connection_id TEXT PRIMARY KEY,
    remote TEXT,
    privacy_scope TEXT,
    opened_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS connection_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    connection_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    privacy_scope TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(connection_id) REFERENCES connections(connection_id) ON DELETE CASCADE
)`,
	`CREATE INDEX IF NOT EXISTS idx_connection_events ON connection_events(connection_id, id)`,
	`CREATE TABLE IF NOT EXISTS utterances (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sequence INTEGER NOT NULL,
    utterance_id TEXT NOT NULL,
    source TEXT,
    status TEXT NOT NULL,
    text TEXT,
    language TEXT,
    emotion TEXT,
    audio_ref TEXT,
    duration_ms INTEGER,
    error TEXT,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_utterances_created ON utterances(created_at)`,
}

// Open creates the journal, applies the schema and prunes expired rows.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	s := &Store{cfg: cfg, log: log, clock: time.Now}
	if cfg.RetentionMode == ModeEphemeral {
		log.Info("event store disabled", slog.String("retention_mode", cfg.RetentionMode))
		return s, nil
	}

	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) enabled() bool { return s.db != nil }

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Close releases the database.
func (s *Store) Close() error {
	if !s.enabled() {
		return nil
	}
	return s.db.Close()
}

func (s *Store) openConnection(ctx context.Context, id, remote string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections(connection_id, remote, privacy_scope, opened_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(connection_id) DO UPDATE SET remote=excluded.remote`,
		id, remote, s.cfg.RetentionMode, s.clock().UTC())
	return err
}

func (s *Store) appendEvent(ctx context.Context, id, eventType string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events(connection_id, event_type, payload, privacy_scope, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		id, eventType, payload, s.cfg.RetentionMode, s.clock().UTC())
	return err
}

// ConnectionEvents returns up to limit timeline entries for a connection, oldest first.
func (s *Store) ConnectionEvents(ctx context.Context, id string, limit int) ([]Event, error) {
	if !s.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, connection_id, event_type, payload, privacy_scope, created_at
		 FROM connection_events WHERE connection_id = ? ORDER BY id ASC LIMIT ?`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.Type, &e.Payload, &e.Privacy, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune drops rows older than retention_days and connections beyond
// max_sessions, newest kept. Session mode also drops the utterance journal
// past the age limit; persistent mode keeps utterances.
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

	if days := s.cfg.RetentionDays; days > 0 {
		cutoff := s.clock().Add(-time.Duration(days) * 24 * time.Hour).UTC()
		stmts := []string{
			`DELETE FROM connection_events WHERE created_at < ?`,
			`DELETE FROM connections WHERE opened_at < ?`,
		}
		if s.cfg.RetentionMode == ModeSession {
			stmts = append(stmts, `DELETE FROM utterances WHERE created_at < ?`)
		}
		for _, stmt := range stmts {
			if _, err = tx.ExecContext(ctx, stmt, cutoff); err != nil {
				return err
			}
		}
	}
	if max := s.cfg.MaxSessions; max > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM connections WHERE connection_id IN (
			SELECT connection_id FROM connections ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, max); err != nil {
			return err
		}
	}
	return tx.Commit()
}

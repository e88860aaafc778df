// Package auditstore provides persistent storage for annotation edit
// history using SQLite.
package auditstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Actions recorded in the journal.
const (
	ActionReclassify  = "reclassify"
	ActionDeleteClass = "delete_class"
)

// Event is one recorded annotation edit.
type Event struct {
	ID        int64     `json:"id"`
	Slide     string    `json:"slide"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Target    string    `json:"target,omitempty"`
	EntityID  int64     `json:"entity_id,omitempty"`
	FromClass string    `json:"from_class,omitempty"`
	ToClass   string    `json:"to_class,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store provides persistent storage for edit events using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-backed audit store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS edit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slide TEXT NOT NULL,
		session_id TEXT NOT NULL,
		action TEXT NOT NULL,
		target TEXT DEFAULT '',
		entity_id INTEGER DEFAULT -1,
		from_class TEXT DEFAULT '',
		to_class TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_edit_events_slide ON edit_events(slide);
	CREATE INDEX IF NOT EXISTS idx_edit_events_created ON edit_events(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one event. CreatedAt defaults to now when zero.
func (s *Store) Record(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO edit_events (slide, session_id, action, target, entity_id, from_class, to_class, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ev.Slide,
		ev.SessionID,
		ev.Action,
		ev.Target,
		ev.EntityID,
		ev.FromClass,
		ev.ToClass,
		createdAt.Format(time.RFC3339),
	)
	return err
}

// History returns the most recent events for a slide, newest first.
func (s *Store) History(slide string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT id, slide, session_id, action, target, entity_id, from_class, to_class, created_at
		FROM edit_events
		WHERE slide = ?
		ORDER BY id DESC
		LIMIT ?
	`, slide, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Slide, &ev.SessionID, &ev.Action, &ev.Target,
			&ev.EntityID, &ev.FromClass, &ev.ToClass, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			ev.CreatedAt = ts
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events older than the retention window.
func (s *Store) Prune(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM edit_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

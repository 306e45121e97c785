// Package store persists the role-play domain in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/roleplay/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		title TEXT NOT NULL,
		background TEXT NOT NULL DEFAULT '',
		personality TEXT NOT NULL DEFAULT '',
		concerns TEXT NOT NULL DEFAULT '[]',
		required_questions TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS scenarios (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		persona_id TEXT NOT NULL,
		is_practice INTEGER NOT NULL DEFAULT 0,
		max_turns INTEGER NOT NULL DEFAULT 15,
		max_scores TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (persona_id) REFERENCES personas(id)
	);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		instructions TEXT NOT NULL DEFAULT '',
		scenario_id TEXT NOT NULL,
		due_date DATETIME,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (scenario_id) REFERENCES scenarios(id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		assignment_id TEXT,
		persona_name TEXT NOT NULL,
		persona_title TEXT NOT NULL,
		context TEXT NOT NULL,
		mode TEXT NOT NULL,
		turn_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'in_progress',
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		last_activity INTEGER NOT NULL,
		FOREIGN KEY (student_id) REFERENCES students(id),
		FOREIGN KEY (scenario_id) REFERENCES scenarios(id),
		FOREIGN KEY (assignment_id) REFERENCES assignments(id)
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_attempts ON conversations(assignment_id, student_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity ON conversations(status, last_activity);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS grades (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL UNIQUE,
		criteria TEXT NOT NULL,
		total_score REAL NOT NULL,
		max_score REAL NOT NULL,
		strengths TEXT NOT NULL DEFAULT '[]',
		areas_for_improvement TEXT NOT NULL DEFAULT '[]',
		overall_feedback TEXT NOT NULL DEFAULT '',
		graded_by TEXT NOT NULL,
		ai_confidence REAL,
		graded_at DATETIME NOT NULL,
		instructor_override INTEGER NOT NULL DEFAULT 0,
		override_reason TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);

	CREATE TABLE IF NOT EXISTS grade_revisions (
		conversation_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		snapshot TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, revision),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// notFound maps sql.ErrNoRows to model.ErrNotFound and leaves every other
// error untouched.
func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotFound(kind, id)
	}
	return err
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrTaskNotFound = errors.New("task not found")

// Store persists device heartbeats and queued tasks for the coordinator.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps pragmas in effect and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS device_heartbeats (
			device_ip TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			device_info_json TEXT NOT NULL DEFAULT '{}',
			last_seen_utc TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS device_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_ip TEXT NOT NULL,
			task_type TEXT NOT NULL,
			file_url TEXT NOT NULL DEFAULT '',
			file_name TEXT NOT NULL DEFAULT '',
			payload_json TEXT,
			status TEXT NOT NULL,
			error_text TEXT,
			created_utc TEXT NOT NULL,
			updated_utc TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_device_tasks_pending ON device_tasks(device_ip, status, created_utc);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}

// timeLayout is RFC 3339 with fixed-width nanoseconds so stored timestamps
// sort correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Package history keeps a queryable log of yard operations in a local
// SQLite database. Recording is best-effort from the callers' side: an
// unavailable history database never blocks a lifecycle operation.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// Entry is one recorded operation.
type Entry struct {
	Seq    int64     `json:"seq"`
	Time   time.Time `json:"time"`
	Op     string    `json:"op"` // "new", "stop", "start", "rm", "fetch", "sync", "gc"
	RunID  string    `json:"run"`
	Detail string    `json:"detail,omitempty"`
}

// Store appends and queries operation entries.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ops (
			seq    INTEGER PRIMARY KEY,
			ts     TEXT NOT NULL,
			op     TEXT NOT NULL,
			run_id TEXT NOT NULL,
			detail TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_ops_run ON ops(run_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one operation.
func (s *Store) Record(op, runID, detail string) error {
	_, err := s.db.Exec(`
		INSERT INTO ops (ts, op, run_id, detail) VALUES (?, ?, ?, ?)
	`, time.Now().UTC().Format(time.RFC3339Nano), op, runID, detail)
	if err != nil {
		return fmt.Errorf("recording %s: %w", op, err)
	}
	return nil
}

// Recent returns the latest entries, newest first. A non-empty runID
// restricts the result to that run; limit <= 0 means 50.
func (s *Store) Recent(runID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if runID != "" {
		rows, err = s.db.Query(`
			SELECT seq, ts, op, run_id, detail FROM ops
			WHERE run_id = ? ORDER BY seq DESC LIMIT ?
		`, runID, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT seq, ts, op, run_id, detail FROM ops
			ORDER BY seq DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.Seq, &ts, &e.Op, &e.RunID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

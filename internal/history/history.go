// Package history persists a local record of past update sessions, so
// CheckForUpdate can short-circuit when nothing changed and a CLI/daemon
// front-end has something to show for "last checked"/"last updated".
// A single append-only sqlite table in WAL mode is all this needs.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"appimageupdate/internal/config"
)

// Store is the local session-history database.
type Store struct {
	db *sql.DB
}

// Outcome enumerates how a session ended.
type Outcome string

const (
	OutcomeFinished Outcome = "finished"
	OutcomeFailed   Outcome = "failed"
	OutcomeCanceled Outcome = "canceled"
)

// Record is one completed or failed update session.
type Record struct {
	ID              int64
	TargetFilename  string
	OldSHA1         string
	NewSHA1         string
	StartedAt       time.Time
	FinishedAt      time.Time
	Outcome         Outcome
	BytesDownloaded int64
	ErrorMessage    string
}

// Open opens or creates the history database in the platform data
// directory.
func Open() (*Store, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return nil, fmt.Errorf("history: data directory: %w", err)
	}
	return OpenPath(filepath.Join(dataDir, "history.db"))
}

// OpenPath opens a history database at a specific path.
func OpenPath(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("history: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_filename TEXT NOT NULL,
		old_sha1 TEXT,
		new_sha1 TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		outcome TEXT NOT NULL,
		bytes_downloaded INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions(target_filename, finished_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record inserts a completed or failed session. It is best-effort
// bookkeeping: a failure here never changes the outcome of the session
// it is recording.
func (s *Store) Record(r Record) error {
	query := `INSERT INTO sessions (target_filename, old_sha1, new_sha1, started_at, finished_at, outcome, bytes_downloaded, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, r.TargetFilename, r.OldSHA1, r.NewSHA1, r.StartedAt, r.FinishedAt, string(r.Outcome), r.BytesDownloaded, r.ErrorMessage)
	return err
}

// Last returns the most recent session recorded for targetFilename.
func (s *Store) Last(targetFilename string) (Record, bool, error) {
	query := `SELECT id, target_filename, old_sha1, new_sha1, started_at, finished_at, outcome, bytes_downloaded, error_message
			  FROM sessions WHERE target_filename = ? ORDER BY finished_at DESC LIMIT 1`

	var r Record
	var oldSHA1, newSHA1, errMsg sql.NullString
	var finishedAt sql.NullTime
	var outcome string

	err := s.db.QueryRow(query, targetFilename).Scan(
		&r.ID, &r.TargetFilename, &oldSHA1, &newSHA1, &r.StartedAt, &finishedAt, &outcome, &r.BytesDownloaded, &errMsg,
	)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	r.OldSHA1 = oldSHA1.String
	r.NewSHA1 = newSHA1.String
	r.ErrorMessage = errMsg.String
	r.Outcome = Outcome(outcome)
	if finishedAt.Valid {
		r.FinishedAt = finishedAt.Time
	}
	return r, true, nil
}

// Recent returns up to limit sessions, most recent first, for a CLI
// "activity" view.
func (s *Store) Recent(limit int) ([]Record, error) {
	query := `SELECT id, target_filename, old_sha1, new_sha1, started_at, finished_at, outcome, bytes_downloaded, error_message
			  FROM sessions ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var oldSHA1, newSHA1, errMsg sql.NullString
		var finishedAt sql.NullTime
		var outcome string

		if err := rows.Scan(&r.ID, &r.TargetFilename, &oldSHA1, &newSHA1, &r.StartedAt, &finishedAt, &outcome, &r.BytesDownloaded, &errMsg); err != nil {
			return nil, err
		}
		r.OldSHA1 = oldSHA1.String
		r.NewSHA1 = newSHA1.String
		r.ErrorMessage = errMsg.String
		r.Outcome = Outcome(outcome)
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

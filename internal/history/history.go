// Package history keeps a SQLite ledger of finished merge jobs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/gwlsn/foldermerge/internal/jobs"
)

// Run is one finished job.
type Run struct {
	JobID      string
	Folder     string
	OutputPath string
	Status     jobs.Status
	Message    string
	Elapsed    time.Duration
	FinishedAt time.Time
}

// Store records runs in a SQLite database.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id      TEXT NOT NULL,
			folder      TEXT NOT NULL,
			output_path TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			message     TEXT NOT NULL DEFAULT '',
			elapsed_ms  INTEGER NOT NULL DEFAULT 0,
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_folder ON runs(folder);
		CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup history: %w", err)
	}

	return &Store{
		db:  db,
		log: logger.With().Str("component", "history").Logger(),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run.
func (s *Store) Record(ctx context.Context, r Run) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (job_id, folder, output_path, status, message, elapsed_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.JobID, r.Folder, r.OutputPath, string(r.Status), r.Message, r.Elapsed.Milliseconds(), r.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	return s.query(ctx, `
		SELECT job_id, folder, output_path, status, message, elapsed_ms, finished_at
		FROM runs ORDER BY finished_at DESC, id DESC LIMIT ?
	`, limit)
}

// ForFolder returns up to limit runs for folder, newest first.
func (s *Store) ForFolder(ctx context.Context, folder string, limit int) ([]Run, error) {
	return s.query(ctx, `
		SELECT job_id, folder, output_path, status, message, elapsed_ms, finished_at
		FROM runs WHERE folder = ? ORDER BY finished_at DESC, id DESC LIMIT ?
	`, filepath.Clean(folder), limit)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			status     string
			elapsedMS  int64
			finishedMS int64
		)
		if err := rows.Scan(&r.JobID, &r.Folder, &r.OutputPath, &status, &r.Message, &elapsedMS, &finishedMS); err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		r.Status = jobs.Status(status)
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		r.FinishedAt = time.UnixMilli(finishedMS)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Follow records every terminal event from events until the channel closes.
func (s *Store) Follow(events <-chan jobs.Event) {
	for e := range events {
		if e.Type != jobs.EventTerminal {
			continue
		}
		run := Run{
			JobID:      e.JobID,
			Folder:     e.Folder,
			OutputPath: e.Path,
			Status:     e.Status,
			Message:    e.Message,
			Elapsed:    e.Elapsed,
			FinishedAt: e.Timestamp,
		}
		if err := s.Record(context.Background(), run); err != nil {
			s.log.Warn().Err(err).Str("job_id", e.JobID).Msg("Failed to record run")
		}
	}
}

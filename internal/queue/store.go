// Package queue implements the durable per-recorder FIFO job queue: a
// single shared relational store backing put/get/task_done and the
// completed/failed/purge/stats auxiliary operations every DR Worker uses.
package queue

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store owns the single shared database handle used by every DR Worker.
// Per spec.md §9 ("shared queue-store connection via class-level counter"),
// there is exactly one owner — the Supervisor — so no reference counting
// is needed; workers are simply handed the same *Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, matching
// the teacher's pragma discipline: a single writer connection, WAL journal
// mode, and a 5-second busy timeout so concurrent worker transactions
// contend safely instead of failing outright.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS jobs (
	rowid       INTEGER PRIMARY KEY AUTOINCREMENT,
	queue_name  TEXT NOT NULL,
	command_id  TEXT NOT NULL,
	source_host TEXT NOT NULL,
	source_path TEXT NOT NULL,
	dest_host   TEXT NOT NULL,
	dest_path   TEXT NOT NULL,
	filesize    INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_try    REAL NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'pending',
	fail_reason TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue_name, status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`)
	if err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

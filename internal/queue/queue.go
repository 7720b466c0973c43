package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Status is the closed set of states a queue row may be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is the immutable descriptor of a single transfer or delete. A
// retried attempt is a new value with Tries incremented and LastTry
// updated; the original is never mutated in place.
type Job struct {
	ID         string
	SourceHost string
	SourcePath string
	DestHost   string
	DestPath   string
	FileSize   int64
	Tries      int
	LastTry    float64 // unix seconds
}

// Handle is a queue row currently checked out by a worker (status
// 'processing'); TaskDone must be called exactly once to release it.
type Handle struct {
	RowID int64
	Job   Job
}

// FailedEntry is a row recorded via AddFailed.
type FailedEntry struct {
	Job    Job
	Reason string
}

// Put appends job as a new pending row for queueName.
func (s *Store) Put(ctx context.Context, queueName string, job Job, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(queue_name, command_id, source_host, source_path, dest_host, dest_path, filesize, retry_count, last_try, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)
`, queueName, job.ID, job.SourceHost, job.SourcePath, job.DestHost, job.DestPath, job.FileSize, job.Tries, job.LastTry, createdAt)
	if err != nil {
		return fmt.Errorf("queue: put: %w", err)
	}
	return nil
}

// Get pops the oldest pending row for queueName and marks it processing.
// Because each queue has exactly one owning worker (the DR Worker
// discipline), ORDER BY rowid already gives exactly-once FIFO hand-off
// without needing a separate in-memory queue structure.
func (s *Store) Get(ctx context.Context, queueName string) (Handle, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Handle{}, false, fmt.Errorf("queue: get: begin: %w", err)
	}
	defer tx.Rollback()

	var h Handle
	row := tx.QueryRowContext(ctx, `
SELECT rowid, command_id, source_host, source_path, dest_host, dest_path, filesize, retry_count, last_try
FROM jobs
WHERE queue_name=? AND status='pending'
ORDER BY rowid ASC
LIMIT 1
`, queueName)
	if err := row.Scan(&h.RowID, &h.Job.ID, &h.Job.SourceHost, &h.Job.SourcePath, &h.Job.DestHost, &h.Job.DestPath, &h.Job.FileSize, &h.Job.Tries, &h.Job.LastTry); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Handle{}, false, nil
		}
		return Handle{}, false, fmt.Errorf("queue: get: scan: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='processing' WHERE rowid=?`, h.RowID); err != nil {
		return Handle{}, false, fmt.Errorf("queue: get: mark processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Handle{}, false, fmt.Errorf("queue: get: commit: %w", err)
	}
	return h, true, nil
}

// TaskDone deletes the processing row for rowID. Idempotent if no such row
// exists (already removed by a prior call).
func (s *Store) TaskDone(ctx context.Context, rowID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE rowid=? AND status='processing'`, rowID)
	if err != nil {
		return fmt.Errorf("queue: task_done: %w", err)
	}
	return nil
}

// AddCompleted appends a completed row, independent of the pending set.
func (s *Store) AddCompleted(ctx context.Context, queueName string, job Job, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(queue_name, command_id, source_host, source_path, dest_host, dest_path, filesize, retry_count, last_try, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'completed', ?)
`, queueName, job.ID, job.SourceHost, job.SourcePath, job.DestHost, job.DestPath, job.FileSize, job.Tries, job.LastTry, createdAt)
	if err != nil {
		return fmt.Errorf("queue: add_completed: %w", err)
	}
	return nil
}

// AddFailed appends a failed row with its terminal reason.
func (s *Store) AddFailed(ctx context.Context, queueName string, job Job, reason string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(queue_name, command_id, source_host, source_path, dest_host, dest_path, filesize, retry_count, last_try, status, fail_reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'failed', ?, ?)
`, queueName, job.ID, job.SourceHost, job.SourcePath, job.DestHost, job.DestPath, job.FileSize, job.Tries, job.LastTry, reason, createdAt)
	if err != nil {
		return fmt.Errorf("queue: add_failed: %w", err)
	}
	return nil
}

// GetCompleted returns completed rows for queueName, ordered by path for
// stable iteration.
func (s *Store) GetCompleted(ctx context.Context, queueName string) ([]Job, error) {
	return s.queryByStatus(ctx, queueName, StatusCompleted)
}

// GetFailed returns failed rows for queueName with their recorded reason.
func (s *Store) GetFailed(ctx context.Context, queueName string) ([]FailedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT command_id, source_host, source_path, dest_host, dest_path, filesize, retry_count, last_try, fail_reason
FROM jobs WHERE queue_name=? AND status='failed'
ORDER BY source_path ASC
`, queueName)
	if err != nil {
		return nil, fmt.Errorf("queue: get_failed: %w", err)
	}
	defer rows.Close()

	var out []FailedEntry
	for rows.Next() {
		var e FailedEntry
		if err := rows.Scan(&e.Job.ID, &e.Job.SourceHost, &e.Job.SourcePath, &e.Job.DestHost, &e.Job.DestPath, &e.Job.FileSize, &e.Job.Tries, &e.Job.LastTry, &e.Reason); err != nil {
			return nil, fmt.Errorf("queue: get_failed: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) queryByStatus(ctx context.Context, queueName string, status Status) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT command_id, source_host, source_path, dest_host, dest_path, filesize, retry_count, last_try
FROM jobs WHERE queue_name=? AND status=?
ORDER BY source_path ASC
`, queueName, string(status))
	if err != nil {
		return nil, fmt.Errorf("queue: query %s: %w", status, err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.SourceHost, &j.SourcePath, &j.DestHost, &j.DestPath, &j.FileSize, &j.Tries, &j.LastTry); err != nil {
			return nil, fmt.Errorf("queue: query %s: scan: %w", status, err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// PurgeCompleted deletes all completed rows for queueName.
func (s *Store) PurgeCompleted(ctx context.Context, queueName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue_name=? AND status='completed'`, queueName)
	if err != nil {
		return fmt.Errorf("queue: purge_completed: %w", err)
	}
	return nil
}

// PurgeFailed deletes all failed rows for queueName.
func (s *Store) PurgeFailed(ctx context.Context, queueName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue_name=? AND status='failed'`, queueName)
	if err != nil {
		return fmt.Errorf("queue: purge_failed: %w", err)
	}
	return nil
}

// RestorePending implements the §4.1 restart-recovery contract: every row
// left 'processing' at crash time is reset to 'pending', and the full
// pending set (in original insertion order) is returned.
func (s *Store) RestorePending(ctx context.Context, queueName string) ([]Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: restore_pending: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='pending' WHERE queue_name=? AND status='processing'`, queueName); err != nil {
		return nil, fmt.Errorf("queue: restore_pending: reset: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
SELECT command_id, source_host, source_path, dest_host, dest_path, filesize, retry_count, last_try
FROM jobs WHERE queue_name=? AND status='pending'
ORDER BY rowid ASC
`, queueName)
	if err != nil {
		return nil, fmt.Errorf("queue: restore_pending: query: %w", err)
	}
	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.SourceHost, &j.SourcePath, &j.DestHost, &j.DestPath, &j.FileSize, &j.Tries, &j.LastTry); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: restore_pending: scan: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: restore_pending: commit: %w", err)
	}
	return out, nil
}

// Stats returns a count per status for queueName.
func (s *Store) Stats(ctx context.Context, queueName string) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs WHERE queue_name=? GROUP BY status`, queueName)
	if err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{StatusPending: 0, StatusProcessing: 0, StatusCompleted: 0, StatusFailed: 0}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("queue: stats: scan: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

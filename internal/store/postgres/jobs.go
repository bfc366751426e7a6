package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"stagepool/internal/store"

	"github.com/google/uuid"
)

const jobColumns = `id, kind, status, progress, request_payload, result,
	error_kind, error_message, cancel_requested, created_at, updated_at, completed_at`

// CreateJob inserts a new pending job row.
func (s *Store) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	executor := s.getExecutor(tx)

	query := `
		INSERT INTO jobs (id, kind, status, progress, request_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`
	_, err := executor.ExecContext(ctx, query,
		job.ID,
		job.Kind,
		job.Status,
		job.Progress,
		job.RequestPayload,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJobByID returns a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE id = $1"

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs WHERE 1=1"
	args := []interface{}{}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*store.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetJobProgress marks the job running and raises progress. GREATEST
// keeps progress monotonic and the status guard keeps terminal rows
// immutable.
func (s *Store) SetJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, progress = GREATEST(progress, $2), updated_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'running')
	`, store.JobStatusRunning, progress, id)
	return err
}

// CompleteJob moves the job to completed with its result.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, progress = 100, result = $2, updated_at = NOW(), completed_at = NOW()
		WHERE id = $3 AND status IN ('pending', 'running')
	`, store.JobStatusCompleted, result, id)
	return err
}

// FailJob moves the job to failed with the error kind and message.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errKind, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, error_kind = $2, error_message = $3, updated_at = NOW(), completed_at = NOW()
		WHERE id = $4 AND status IN ('pending', 'running')
	`, store.JobStatusFailed, errKind, errMsg, id)
	return err
}

// CancelJob cancels a pending job outright or flags a running job for
// cooperative cancellation. Terminal jobs are returned unchanged.
func (s *Store) CancelJob(ctx context.Context, id uuid.UUID) (store.JobStatus, error) {
	// Pending jobs never reached a worker, cancel them directly.
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, updated_at = NOW(), completed_at = NOW()
		WHERE id = $2 AND status = 'pending'
	`, store.JobStatusCancelled, id)
	if err != nil {
		return "", err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		// Remove the queue row so no worker picks it up.
		_, err = s.db.ExecContext(ctx, "DELETE FROM job_queue WHERE job_id = $1", id)
		return store.JobStatusCancelled, err
	}

	// Running jobs are flagged; the worker observes the flag at the
	// next step boundary.
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return "", err
	}

	var status store.JobStatus
	err = s.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = $1", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return status, err
}

// IsCancelRequested reports whether cancellation was requested.
func (s *Store) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx,
		"SELECT cancel_requested FROM jobs WHERE id = $1", id).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	return flag, err
}

// MarkCancelled moves a job to cancelled.
func (s *Store) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, updated_at = NOW(), completed_at = NOW()
		WHERE id = $2 AND status IN ('pending', 'running')
	`, store.JobStatusCancelled, id)
	return err
}

// PruneTerminalJobs deletes terminal jobs older than the retention window.
func (s *Store) PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*store.Job, error) {
	var job store.Job
	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&job.Progress,
		&job.RequestPayload,
		&job.Result,
		&job.ErrorKind,
		&job.ErrorMessage,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

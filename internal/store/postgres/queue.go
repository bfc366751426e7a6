package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stagepool/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Default retry policy
const (
	MaxRetries        = 5
	VisibilityTimeout = 5 * time.Minute
)

// Enqueue adds a job to the job_queue.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	executor := s.getExecutor(tx)

	query := `
		INSERT INTO job_queue (job_id, kind, payload, visible_after)
		SELECT $1, kind, $2, $3
		FROM jobs
		WHERE id = $1
		RETURNING id
	`

	var id int64
	err := executor.QueryRowContext(ctx, query, jobID, payload, visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	return id, nil
}

// DequeueBatch claims up to 'limit' available jobs atomically using
// SELECT ... FOR UPDATE SKIP LOCKED. Returns nil slice if no jobs are
// available.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, job_id, kind, attempt, payload
		FROM job_queue
		WHERE visible_after <= NOW()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}
	defer rows.Close()

	var items []store.QueueItem
	var queueIDs []int64
	var jobIDs []uuid.UUID

	for rows.Next() {
		var queueID int64
		var item store.QueueItem
		if err := rows.Scan(&queueID, &item.JobID, &item.Kind, &item.Attempt, &item.Payload); err != nil {
			return nil, fmt.Errorf("batch dequeue scan failed: %w", err)
		}
		items = append(items, item)
		queueIDs = append(queueIDs, queueID)
		jobIDs = append(jobIDs, item.JobID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch dequeue rows error: %w", err)
	}

	// Empty queue
	if len(items) == 0 {
		return nil, nil
	}

	// Bulk update visibility timeout and attempt counter for all claimed jobs
	_, err = tx.ExecContext(ctx, `
		UPDATE job_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'),
		    attempt = attempt + 1
		WHERE id = ANY($2)
	`, VisibilityTimeout.Seconds(), pq.Array(queueIDs))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	// Bulk update job status to running
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, updated_at = NOW()
		WHERE id = ANY($2) AND status = 'pending'
	`, store.JobStatusRunning, pq.Array(jobIDs))
	if err != nil {
		return nil, fmt.Errorf("batch status update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

// Complete removes the queue row for a job that reached a terminal status.
func (s *Store) Complete(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, "DELETE FROM job_queue WHERE job_id = $1", jobID)
	return err
}

// Fail handles a failed job with retries. Retryable failures get
// exponential backoff (10s * 2^attempt) until MaxRetries; terminal
// failures and exhausted retries remove the queue row and fail the
// job record.
func (s *Store) Fail(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, errKind, errMsg string, retryable bool) error {
	executor := s.getExecutor(tx)

	var attempt int
	err := executor.QueryRowContext(ctx,
		"SELECT attempt FROM job_queue WHERE job_id = $1", jobID).Scan(&attempt)

	isFatal := !retryable
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Job not found in queue -> treat as fatal/already gone
			isFatal = true
		} else {
			// Return actual DB error to avoid accidentally retrying
			return err
		}
	} else if attempt > MaxRetries {
		isFatal = true
	}

	if !isFatal {
		backoff := time.Duration(10*(1<<attempt)) * time.Second
		_, err = executor.ExecContext(ctx, `
			UPDATE job_queue
			SET visible_after = NOW() + ($1 * INTERVAL '1 second')
			WHERE job_id = $2
		`, backoff.Seconds(), jobID)
		return err
	}

	// permanent failure
	_, err = executor.ExecContext(ctx, "DELETE FROM job_queue WHERE job_id = $1", jobID)
	if err != nil {
		return fmt.Errorf("failed to delete failed job from queue: %w", err)
	}

	_, err = executor.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, error_kind = $2, error_message = $3, updated_at = NOW(), completed_at = NOW()
		WHERE id = $4 AND status IN ('pending', 'running')
	`, store.JobStatusFailed, errKind, errMsg, jobID)
	return err
}

// SetVisibleAfter extends the heartbeat.
func (s *Store) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, visibleAfter time.Time) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE job_queue
		SET visible_after = $1
		WHERE job_id = $2
	`, visibleAfter, jobID)
	return err
}

// Count returns the queue depth.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM job_queue").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue: %w", err)
	}
	return count, nil
}

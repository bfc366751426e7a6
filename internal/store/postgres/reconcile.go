package postgres

import (
	"context"
	"fmt"
	"time"
)

// RequeueStuckPending re-enqueues pending jobs older than grace that
// have no queue row. Submit writes the job and the queue row in one
// transaction, so a hit here means a transaction was torn apart (e.g.
// a manual queue purge) and the job would otherwise be stuck forever.
func (s *Store) RequeueStuckPending(ctx context.Context, grace time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_queue (job_id, kind, payload, visible_after)
		SELECT j.id, j.kind, j.request_payload, NOW()
		FROM jobs j
		LEFT JOIN job_queue q ON q.job_id = j.id
		WHERE j.status = 'pending'
		  AND j.created_at < NOW() - ($1 * INTERVAL '1 second')
		  AND q.id IS NULL
		ON CONFLICT (job_id) DO NOTHING
	`, grace.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stuck pending jobs: %w", err)
	}
	return res.RowsAffected()
}

// FailAbandoned terminally fails running jobs with no queue row whose
// last update is older than liveness. The queue redelivers crashed
// workers' jobs while their row exists; once the row is gone and the
// job still says running, the worker died between deleting the row
// and writing the final status.
func (s *Store) FailAbandoned(ctx context.Context, liveness time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs j
		SET status = 'failed',
		    error_kind = 'backend_transient_error',
		    error_message = 'worker lost: no progress past liveness threshold',
		    updated_at = NOW(),
		    completed_at = NOW()
		WHERE j.status = 'running'
		  AND j.updated_at < NOW() - ($1 * INTERVAL '1 second')
		  AND NOT EXISTS (SELECT 1 FROM job_queue q WHERE q.job_id = j.id)
	`, liveness.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to fail abandoned jobs: %w", err)
	}
	return res.RowsAffected()
}

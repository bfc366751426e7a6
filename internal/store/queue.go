package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue defines the interface for the durable job queue.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics
// so that multiple workers can dequeue concurrently without
// double-delivering a job inside the visibility window.
type Queue interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, tx DBTransaction, jobID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error)

	// DequeueBatch claims up to 'limit' available jobs atomically,
	// marks them running and bumps their attempt counter.
	// Returns nil slice if the queue is empty.
	DequeueBatch(ctx context.Context, limit int) ([]QueueItem, error)

	// Complete removes the queue row for a job that reached a
	// terminal status.
	Complete(ctx context.Context, tx DBTransaction, jobID uuid.UUID) error

	// Fail schedules a retry with exponential backoff, or removes the
	// queue row and fails the job terminally once retries are
	// exhausted or retryable is false.
	Fail(ctx context.Context, tx DBTransaction, jobID uuid.UUID, errKind, errMsg string, retryable bool) error

	// SetVisibleAfter extends the visibility timeout (heartbeat).
	SetVisibleAfter(ctx context.Context, tx DBTransaction, jobID uuid.UUID, visibleAfter time.Time) error

	// Count returns the queue depth, the autoscaling signal.
	Count(ctx context.Context) (int64, error)
}

// QueueItem represents a dequeued job.
type QueueItem struct {
	JobID   uuid.UUID
	Kind    JobKind
	Attempt int
	Payload json.RawMessage
}

// Reconciler detects jobs the queue lost track of. Submit couples the
// job insert and the enqueue in one transaction, so under normal
// operation these queries match nothing.
type Reconciler interface {
	// RequeueStuckPending re-enqueues pending jobs older than grace
	// that have no queue row. Returns the number re-enqueued.
	RequeueStuckPending(ctx context.Context, grace time.Duration) (int64, error)

	// FailAbandoned terminally fails running jobs whose queue row is
	// gone and whose last update is older than liveness; the owning
	// worker is presumed dead. Returns the number failed.
	FailAbandoned(ctx context.Context, liveness time.Duration) (int64, error)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job or environment does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleVersion is returned when a CAS transition lost the race:
// the environment's version no longer matches the caller's snapshot.
var ErrStaleVersion = errors.New("stale environment version")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status JobStatus
	Kind   JobKind
	Limit  int
	Offset int
}

// JobStore handles the persistence of jobs. Only the gateway creates
// rows; only the worker owning a job mutates it afterwards.
type JobStore interface {
	// CreateJob inserts a new pending job.
	CreateJob(ctx context.Context, tx DBTransaction, job *Job) error

	// GetJobByID returns a job by its ID, or ErrNotFound.
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)

	// SetJobProgress marks the job running and raises its progress.
	// Progress never decreases and terminal jobs are left untouched.
	SetJobProgress(ctx context.Context, id uuid.UUID, progress int) error

	// CompleteJob moves the job to completed with the given result.
	// A no-op if the job already reached a terminal status.
	CompleteJob(ctx context.Context, id uuid.UUID, result []byte) error

	// FailJob moves the job to failed with a machine-readable error
	// kind and message. A no-op on terminal jobs.
	FailJob(ctx context.Context, id uuid.UUID, errKind, errMsg string) error

	// CancelJob handles a cancellation request. Pending jobs move
	// straight to cancelled; running jobs get the cancel flag set for
	// the worker to observe at the next step boundary. Returns the
	// resulting status.
	CancelJob(ctx context.Context, id uuid.UUID) (JobStatus, error)

	// IsCancelRequested reports whether cancellation was requested.
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)

	// MarkCancelled moves a job to cancelled. A no-op on terminal jobs.
	MarkCancelled(ctx context.Context, id uuid.UUID) error

	// PruneTerminalJobs deletes terminal jobs older than the retention
	// window and returns the number removed.
	PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error)
}

// EnvironmentRegistry is the durable record of all environments. Pool
// state is mutated exclusively through Transition's compare-and-swap,
// which is what keeps multiple controller replicas safe.
type EnvironmentRegistry interface {
	// CreateEnvironment inserts a new environment row at version 1.
	CreateEnvironment(ctx context.Context, env *Environment) error

	// GetEnvironment returns an environment by ID, or ErrNotFound.
	GetEnvironment(ctx context.Context, id uuid.UUID) (*Environment, error)

	// ListEnvironments returns all environments, oldest first.
	ListEnvironments(ctx context.Context) ([]*Environment, error)

	// OldestWarm returns up to limit warm environments, oldest first.
	OldestWarm(ctx context.Context, limit int) ([]*Environment, error)

	// CountByState returns the number of environments per pool state.
	CountByState(ctx context.Context) (map[PoolState]int, error)

	// ExpiredServing returns serving environments whose TTL passed.
	ExpiredServing(ctx context.Context, now time.Time) ([]*Environment, error)

	// StaleClaimed returns claimed environments whose last transition
	// is older than cutoff; their claiming worker never reached the
	// serving transition.
	StaleClaimed(ctx context.Context, cutoff time.Time) ([]*Environment, error)

	// Transition performs the CAS state change: it succeeds only when
	// the stored version equals fromVersion, otherwise it returns
	// ErrStaleVersion. On success the version is incremented, owner
	// and TTL are replaced, and reset_failures is updated.
	Transition(ctx context.Context, id uuid.UUID, fromVersion int64, change StateChange) error

	// UpdateCredentials rotates the stored secrets for an environment.
	UpdateCredentials(ctx context.Context, id uuid.UUID, adminPassword, dbPassword, apiKey string) error

	// DeleteEnvironment removes the registry row after the backend
	// resources are gone. Idempotent.
	DeleteEnvironment(ctx context.Context, id uuid.UUID) error
}

// StateChange is the target of a CAS transition.
type StateChange struct {
	To            PoolState
	OwnerID       string
	TTLExpiresAt  *time.Time
	ResetFailures int
}

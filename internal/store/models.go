// Package store contains the database layer for stagepool.
package store

import (
	"time"

	"github.com/google/uuid"
)

// JobKind is the closed set of operations a job can request.
type JobKind string

const (
	JobKindClone   JobKind = "clone"
	JobKindRestore JobKind = "restore"
	JobKindDelete  JobKind = "delete"
)

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final status. Terminal jobs are
// never mutated again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is a single asynchronous provisioning request and its outcome.
type Job struct {
	ID              uuid.UUID
	Kind            JobKind
	Status          JobStatus
	Progress        int
	RequestPayload  []byte
	Result          []byte
	ErrorKind       *string
	ErrorMessage    *string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// PoolState tracks where an environment sits in its lifecycle.
type PoolState string

const (
	PoolStateWarm        PoolState = "warm"
	PoolStateClaimed     PoolState = "claimed"
	PoolStateServing     PoolState = "serving"
	PoolStateResetting   PoolState = "resetting"
	PoolStateTerminating PoolState = "terminating"
)

// Environment is one provisioned CMS instance (app container plus
// database sidecar) tracked in the registry. Version is the optimistic
// concurrency token; every pool state transition increments it.
type Environment struct {
	ID            uuid.UUID
	Name          string
	PoolState     PoolState
	OwnerID       string
	Version       int64
	Endpoint      string
	PublicURL     string
	AdminUser     string
	AdminPassword string
	DBPassword    string
	APIKey        string
	ResetFailures int
	CreatedAt     time.Time

	// StateChangedAt is when PoolState last changed. A claimed
	// environment whose claim is old beyond any provisioning run marks
	// a worker that died mid-sequence.
	StateChangedAt time.Time
	TTLExpiresAt   *time.Time
}

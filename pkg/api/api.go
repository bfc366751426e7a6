// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import (
	"encoding/json"
	"time"
)

// SubmitJobRequest is the request body for submitting a new job.
// Payload is decoded into the kind-specific payload struct below.
type SubmitJobRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitJobResponse is returned immediately after a job is accepted.
type SubmitJobResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

// ClonePayload provisions a fresh environment for a customer and,
// when Source is set, pulls a copy of the source site into it.
type ClonePayload struct {
	CustomerID string           `json:"customer_id"`
	Source     *SiteCredentials `json:"source,omitempty"`
	TTLMinutes int              `json:"ttl_minutes,omitempty"`
}

// RestorePayload pushes a staging environment's content back to a
// production site. Both sides must be reachable.
type RestorePayload struct {
	CustomerID      string          `json:"customer_id"`
	Source          SiteCredentials `json:"source"`
	Target          SiteCredentials `json:"target"`
	PreservePlugins bool            `json:"preserve_plugins"`
	PreserveThemes  bool            `json:"preserve_themes"`
	TTLMinutes      int             `json:"ttl_minutes,omitempty"`
}

// DeletePayload tears down a provisioned environment ahead of its TTL.
type DeletePayload struct {
	EnvironmentID string `json:"environment_id"`
}

// SiteCredentials identifies a CMS site plus an admin login for it.
type SiteCredentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// JobResponse is the response body for job status queries.
type JobResponse struct {
	JobID       string          `json:"job_id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *JobError       `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// JobError is the machine-readable failure attached to a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ProvisionResult is the result payload of a completed clone job.
type ProvisionResult struct {
	EnvironmentID string    `json:"environment_id"`
	Endpoint      string    `json:"endpoint"`
	PublicURL     string    `json:"public_url,omitempty"`
	AdminUser     string    `json:"admin_user"`
	AdminPassword string    `json:"admin_password"`
	ExpiresAt     time.Time `json:"expires_at"`
	WarmPool      bool      `json:"warm_pool"`
}

// RestoreResult is the result payload of a completed restore job.
type RestoreResult struct {
	Source            ProvisionResult `json:"source"`
	Target            ProvisionResult `json:"target"`
	IntegrityWarnings []string        `json:"integrity_warnings,omitempty"`
}

// ListJobsResponse is the response body for the operator job listing.
type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// EnvironmentResponse represents an environment in operator listings.
type EnvironmentResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	PoolState    string     `json:"pool_state"`
	OwnerID      string     `json:"owner_id,omitempty"`
	Endpoint     string     `json:"endpoint"`
	CreatedAt    time.Time  `json:"created_at"`
	TTLExpiresAt *time.Time `json:"ttl_expires_at,omitempty"`
}

// ListEnvironmentsResponse is the response body for GET /environments.
type ListEnvironmentsResponse struct {
	Environments []EnvironmentResponse `json:"environments"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Job kinds accepted by POST /jobs.
const (
	JobKindClone   = "clone"
	JobKindRestore = "restore"
	JobKindDelete  = "delete"
)

// TTL bounds for provisioned environments, in minutes.
const (
	TTLMinMinutes     = 5
	TTLMaxMinutes     = 120
	TTLDefaultMinutes = 30
)

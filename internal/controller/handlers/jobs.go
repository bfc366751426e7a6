package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"stagepool/internal/store"
	"stagepool/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// enqueuedPayload is what goes onto the queue: the validated request
// payload plus the submitter's trace context, so the worker span joins
// this request's trace.
type enqueuedPayload struct {
	Payload json.RawMessage        `json:"payload"`
	Trace   propagation.MapCarrier `json:"trace,omitempty"`
}

// SubmitJob handles POST /jobs.
// It validates the request, persists the job and enqueues it in one
// transaction, and answers 202 before any provisioning starts.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	kind, err := validateSubmission(req)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := &store.Job{
		ID:             uuid.New(),
		Kind:           kind,
		Status:         store.JobStatusPending,
		RequestPayload: req.Payload,
		CreatedAt:      time.Now().UTC(),
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	payload, err := json.Marshal(enqueuedPayload{Payload: req.Payload, Trace: carrier})
	if err != nil {
		h.httpError(w, "Internal error", http.StatusInternalServerError)
		return
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := h.store.CreateJob(ctx, tx, job); err != nil {
		h.httpError(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	// The job row and its queue entry commit atomically; a crash here
	// leaves either both or neither.
	if _, err := h.store.Enqueue(ctx, tx, job.ID, payload, time.Now().UTC()); err != nil {
		h.httpError(w, "Failed to enqueue job", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.SubmitJobResponse{
		JobID:     job.ID.String(),
		StatusURL: "/jobs/" + job.ID.String(),
	})
}

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetJobByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, jobResponse(job))
}

// ListJobs handles GET /jobs with optional status, kind and limit
// query parameters.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Status: store.JobStatus(r.URL.Query().Get("status")),
		Kind:   store.JobKind(r.URL.Query().Get("kind")),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}

	resp := api.ListJobsResponse{Jobs: make([]api.JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, jobResponse(job))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// CancelJob handles POST /jobs/{id}/cancel. Pending jobs cancel
// immediately; running jobs get a flag the worker observes at its next
// step boundary.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	status, err := h.store.CancelJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "Job not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusAccepted, map[string]string{"status": string(status)})
}

// validateSubmission checks the kind and its payload shape. Unknown
// kinds and malformed payloads are rejected before anything persists.
func validateSubmission(req api.SubmitJobRequest) (store.JobKind, error) {
	if len(req.Payload) == 0 {
		return "", fmt.Errorf("payload is required")
	}

	switch req.Kind {
	case api.JobKindClone:
		var p api.ClonePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return "", fmt.Errorf("malformed clone payload")
		}
		if p.CustomerID == "" {
			return "", fmt.Errorf("customer_id is required")
		}
		if err := validateTTL(p.TTLMinutes); err != nil {
			return "", err
		}
		if p.Source != nil && p.Source.URL == "" {
			return "", fmt.Errorf("source.url is required when source is set")
		}
		return store.JobKindClone, nil

	case api.JobKindRestore:
		var p api.RestorePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return "", fmt.Errorf("malformed restore payload")
		}
		if p.CustomerID == "" {
			return "", fmt.Errorf("customer_id is required")
		}
		if p.Source.URL == "" {
			return "", fmt.Errorf("source.url is required")
		}
		if err := validateTTL(p.TTLMinutes); err != nil {
			return "", err
		}
		return store.JobKindRestore, nil

	case api.JobKindDelete:
		var p api.DeletePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return "", fmt.Errorf("malformed delete payload")
		}
		if _, err := uuid.Parse(p.EnvironmentID); err != nil {
			return "", fmt.Errorf("environment_id must be a valid UUID")
		}
		return store.JobKindDelete, nil

	default:
		return "", fmt.Errorf("unknown job kind %q", req.Kind)
	}
}

func validateTTL(minutes int) error {
	if minutes == 0 {
		return nil
	}
	if minutes < api.TTLMinMinutes || minutes > api.TTLMaxMinutes {
		return fmt.Errorf("ttl_minutes must be between %d and %d", api.TTLMinMinutes, api.TTLMaxMinutes)
	}
	return nil
}

func jobResponse(job *store.Job) api.JobResponse {
	resp := api.JobResponse{
		JobID:       job.ID.String(),
		Kind:        string(job.Kind),
		Status:      string(job.Status),
		Progress:    job.Progress,
		Result:      job.Result,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.ErrorKind != nil {
		resp.Error = &api.JobError{Kind: *job.ErrorKind}
		if job.ErrorMessage != nil {
			resp.Error.Message = *job.ErrorMessage
		}
	}
	return resp
}

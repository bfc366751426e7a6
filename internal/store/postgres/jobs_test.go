package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stagepool/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func jobRows(job *store.Job) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "kind", "status", "progress", "request_payload", "result",
		"error_kind", "error_message", "cancel_requested", "created_at", "updated_at", "completed_at",
	}).AddRow(
		job.ID, job.Kind, job.Status, job.Progress, job.RequestPayload, job.Result,
		job.ErrorKind, job.ErrorMessage, job.CancelRequested, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
}

func TestCreateJob_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	job := &store.Job{
		ID:             uuid.New(),
		Kind:           store.JobKindClone,
		Status:         store.JobStatusPending,
		RequestPayload: json.RawMessage(`{"customer_id":"acme"}`),
		CreatedAt:      time.Now().UTC(),
	}

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(job.ID, job.Kind, job.Status, job.Progress, job.RequestPayload, job.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateJob(ctx, nil, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetJobByID_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	ctx := context.Background()
	job := &store.Job{
		ID:        uuid.New(),
		Kind:      store.JobKindClone,
		Status:    store.JobStatusRunning,
		Progress:  40,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mock.ExpectQuery(`SELECT (.+) FROM jobs WHERE id = \$1`).
		WithArgs(job.ID).
		WillReturnRows(jobRows(job))

	got, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJobByID failed: %v", err)
	}

	if got.ID != job.ID {
		t.Errorf("got ID %v, want %v", got.ID, job.ID)
	}
	if got.Status != store.JobStatusRunning {
		t.Errorf("got Status %v, want running", got.Status)
	}
	if got.Progress != 40 {
		t.Errorf("got Progress %d, want 40", got.Progress)
	}
}

func TestGetJobByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectQuery(`SELECT (.+) FROM jobs WHERE id = \$1`).
		WithArgs(jobID).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetJobByID(context.Background(), jobID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobs_StatusFilter(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	job := &store.Job{
		ID:        uuid.New(),
		Kind:      store.JobKindClone,
		Status:    store.JobStatusFailed,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	mock.ExpectQuery(`SELECT (.+) FROM jobs WHERE 1=1 AND status = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs(store.JobStatusFailed, 50, 0).
		WillReturnRows(jobRows(job))

	jobs, err := s.ListJobs(context.Background(), store.JobFilter{Status: store.JobStatusFailed})
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if jobs[0].Status != store.JobStatusFailed {
		t.Errorf("got status %v, want failed", jobs[0].Status)
	}
}

func TestSetJobProgress(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1, progress = GREATEST\(progress, \$2\)`).
		WithArgs(store.JobStatusRunning, 70, jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetJobProgress(context.Background(), jobID, 70); err != nil {
		t.Fatalf("SetJobProgress failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCompleteJob(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	result := []byte(`{"environment_id":"env-1"}`)

	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1, progress = 100, result = \$2`).
		WithArgs(store.JobStatusCompleted, result, jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CompleteJob(context.Background(), jobID, result); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
}

func TestFailJob(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1, error_kind = \$2, error_message = \$3`).
		WithArgs(store.JobStatusFailed, "backend_terminal_error", "quota exceeded", jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.FailJob(context.Background(), jobID, "backend_terminal_error", "quota exceeded"); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
}

func TestCancelJob_Pending(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()

	// Pending row cancels directly and its queue entry disappears.
	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1, updated_at = NOW\(\), completed_at = NOW\(\)\s+WHERE id = \$2 AND status = 'pending'`).
		WithArgs(store.JobStatusCancelled, jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM job_queue WHERE job_id = \$1`).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	status, err := s.CancelJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if status != store.JobStatusCancelled {
		t.Errorf("got status %v, want cancelled", status)
	}
}

func TestCancelJob_Running(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()

	// Not pending; the flag path runs and the current status returns.
	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1, updated_at = NOW\(\), completed_at = NOW\(\)\s+WHERE id = \$2 AND status = 'pending'`).
		WithArgs(store.JobStatusCancelled, jobID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE jobs SET cancel_requested = TRUE`).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))

	status, err := s.CancelJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	if status != store.JobStatusRunning {
		t.Errorf("got status %v, want running", status)
	}
}

func TestCancelJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()

	mock.ExpectExec(`UPDATE jobs\s+SET status = \$1`).
		WithArgs(store.JobStatusCancelled, jobID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE jobs SET cancel_requested = TRUE`).
		WithArgs(jobID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).
		WithArgs(jobID).
		WillReturnError(sql.ErrNoRows)

	_, err := s.CancelJob(context.Background(), jobID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIsCancelRequested(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	jobID := uuid.New()
	mock.ExpectQuery(`SELECT cancel_requested FROM jobs WHERE id = \$1`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	flag, err := s.IsCancelRequested(context.Background(), jobID)
	if err != nil {
		t.Fatalf("IsCancelRequested failed: %v", err)
	}
	if !flag {
		t.Error("expected cancel flag to be set")
	}
}

func TestPruneTerminalJobs(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(`DELETE FROM jobs\s+WHERE status IN \('completed', 'failed', 'cancelled'\) AND completed_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.PruneTerminalJobs(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("PruneTerminalJobs failed: %v", err)
	}
	if n != 3 {
		t.Errorf("got %d pruned, want 3", n)
	}
}

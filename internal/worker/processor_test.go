package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"stagepool/internal/backend"
	"stagepool/internal/credential"
	"stagepool/internal/fail"
	"stagepool/internal/pool"
	"stagepool/internal/store"
	"stagepool/internal/store/storetest"
	"stagepool/internal/transfer"
	"stagepool/pkg/api"

	"github.com/google/uuid"
)

// stubBackend is instantly ready and records destroys.
type stubBackend struct {
	mu        sync.Mutex
	createErr error
	created   []string
	destroyed []string
}

func (b *stubBackend) Create(ctx context.Context, spec backend.Spec) (*backend.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.created = append(b.created, spec.Name)
	return &backend.Handle{Name: spec.Name, Endpoint: "http://" + spec.Name + ".internal"}, nil
}

func (b *stubBackend) WaitReady(ctx context.Context, h *backend.Handle, timeout time.Duration) error {
	return nil
}

func (b *stubBackend) Reset(ctx context.Context, h *backend.Handle, ownerID string) error {
	return nil
}

func (b *stubBackend) Configure(ctx context.Context, h *backend.Handle, routing backend.Routing, ttl time.Time) error {
	if routing.PublicHost != "" {
		h.PublicURL = "https://" + routing.PublicHost
	}
	return nil
}

func (b *stubBackend) Rotate(ctx context.Context, h *backend.Handle, creds backend.Credentials) error {
	return nil
}

func (b *stubBackend) Destroy(ctx context.Context, h *backend.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = append(b.destroyed, h.Name)
	return nil
}

type testEnv struct {
	jobs     *storetest.Jobs
	queue    *storetest.Queue
	registry *storetest.Registry
	backend  *stubBackend
	proc     *Processor
}

func newTestProcessor(t *testing.T, acquirer credential.Acquirer) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	te := &testEnv{
		jobs:     storetest.NewJobs(),
		queue:    storetest.NewQueue(),
		registry: storetest.NewRegistry(),
		backend:  &stubBackend{},
	}
	poolCtl := pool.New(te.registry, te.backend, pool.Policy{}, logger)
	te.proc = NewProcessor(te.jobs, te.queue, te.registry, poolCtl, te.backend,
		transfer.New(10*time.Second), acquirer,
		ProcessorConfig{PublicDomain: "clones.example.com"}, logger)
	return te
}

func (te *testEnv) addWarmEnv(t *testing.T, name, endpoint string) *store.Environment {
	t.Helper()
	env := &store.Environment{
		ID:        uuid.New(),
		Name:      name,
		PoolState: store.PoolStateWarm,
		Endpoint:  endpoint,
		AdminUser: "admin",
		APIKey:    "sp_envkey",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := te.registry.CreateEnvironment(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	return env
}

func (te *testEnv) addJob(t *testing.T, kind store.JobKind, payload interface{}) store.QueueItem {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	job := &store.Job{
		ID:             uuid.New(),
		Kind:           kind,
		Status:         store.JobStatusPending,
		RequestPayload: raw,
		CreatedAt:      time.Now().UTC(),
	}
	if err := te.jobs.CreateJob(context.Background(), nil, job); err != nil {
		t.Fatal(err)
	}
	return store.QueueItem{JobID: job.ID, Kind: kind, Attempt: 1, Payload: raw}
}

func (te *testEnv) lastCall(t *testing.T) storetest.QueueCall {
	t.Helper()
	if len(te.queue.Calls) == 0 {
		t.Fatal("expected a queue call")
	}
	return te.queue.Calls[len(te.queue.Calls)-1]
}

// transferService serves the export and import endpoints of a fake
// content transfer plugin.
func transferService(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transfer/export":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":     true,
				"archive_url": "http://" + r.Host + "/archives/export.tar.gz",
			})
		case "/transfer/import":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":            true,
				"integrity_warnings": []string{"media paths rewritten"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestProcess_CloneFromWarmPool(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	env := te.addWarmEnv(t, "stage-warm1", "http://stage-warm1.internal")
	item := te.addJob(t, store.JobKindClone, api.ClonePayload{CustomerID: "acme", TTLMinutes: 45})

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected clone to succeed, got %v", err)
	}

	job, err := te.jobs.GetJobByID(context.Background(), item.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("expected progress 100, got %d", job.Progress)
	}

	var result api.ProvisionResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.WarmPool {
		t.Error("expected warm pool hit recorded in result")
	}
	if result.PublicURL != "https://stage-warm1.clones.example.com" {
		t.Errorf("unexpected public URL %q", result.PublicURL)
	}

	got, err := te.registry.GetEnvironment(context.Background(), env.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.PoolState != store.PoolStateServing {
		t.Errorf("expected serving state, got %s", got.PoolState)
	}
	if got.TTLExpiresAt == nil {
		t.Fatal("expected TTL stamped on serving environment")
	}
	remaining := time.Until(*got.TTLExpiresAt)
	if remaining < 44*time.Minute || remaining > 46*time.Minute {
		t.Errorf("expected ~45m TTL, got %s", remaining)
	}

	if call := te.lastCall(t); call.Op != "complete" {
		t.Errorf("expected queue complete, got %+v", call)
	}
}

func TestProcess_CloneColdFallback(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	item := te.addJob(t, store.JobKindClone, api.ClonePayload{CustomerID: "acme"})

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected cold clone to succeed, got %v", err)
	}

	if len(te.backend.created) != 1 {
		t.Fatalf("expected one cold create, got %d", len(te.backend.created))
	}

	job, _ := te.jobs.GetJobByID(context.Background(), item.JobID)
	var result api.ProvisionResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.WarmPool {
		t.Error("expected cold provision recorded in result")
	}

	counts, _ := te.registry.CountByState(context.Background())
	if counts[store.PoolStateServing] != 1 {
		t.Errorf("expected one serving environment, got %v", counts)
	}
}

func TestProcess_CloneSeedsFromSource(t *testing.T) {
	server := transferService(t)
	defer server.Close()

	te := newTestProcessor(t, credential.Static("sp_master"))
	te.addWarmEnv(t, "stage-seed", server.URL)
	item := te.addJob(t, store.JobKindClone, api.ClonePayload{
		CustomerID: "acme",
		Source: &api.SiteCredentials{
			URL:      server.URL,
			Username: "operator",
			Password: "hunter2",
		},
	})

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected seeded clone to succeed, got %v", err)
	}

	job, _ := te.jobs.GetJobByID(context.Background(), item.JobID)
	if job.Status != store.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s (%v)", job.Status, job.ErrorMessage)
	}
}

func TestProcess_Restore(t *testing.T) {
	server := transferService(t)
	defer server.Close()

	te := newTestProcessor(t, credential.Static("sp_master"))
	te.addWarmEnv(t, "stage-src", server.URL)
	te.addWarmEnv(t, "stage-dst", server.URL)
	item := te.addJob(t, store.JobKindRestore, api.RestorePayload{
		CustomerID: "acme",
		Source: api.SiteCredentials{
			URL:      server.URL,
			Username: "operator",
			Password: "hunter2",
		},
		PreservePlugins: true,
	})

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected restore to succeed, got %v", err)
	}

	job, _ := te.jobs.GetJobByID(context.Background(), item.JobID)
	if job.Status != store.JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", job.Status)
	}

	var result api.RestoreResult
	if err := json.Unmarshal(job.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.Source.EnvironmentID == result.Target.EnvironmentID {
		t.Error("expected distinct source and target environments")
	}
	if len(result.IntegrityWarnings) != 1 {
		t.Errorf("expected integrity warnings surfaced, got %v", result.IntegrityWarnings)
	}

	counts, _ := te.registry.CountByState(context.Background())
	if counts[store.PoolStateServing] != 2 {
		t.Errorf("expected two serving environments, got %v", counts)
	}
}

func TestProcess_Delete(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	env := te.addWarmEnv(t, "stage-gone", "http://stage-gone.internal")
	item := te.addJob(t, store.JobKindDelete, api.DeletePayload{EnvironmentID: env.ID.String()})

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected delete to succeed, got %v", err)
	}

	if _, err := te.registry.GetEnvironment(context.Background(), env.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected environment removed, got %v", err)
	}
	if len(te.backend.destroyed) != 1 {
		t.Errorf("expected backend destroy, got %v", te.backend.destroyed)
	}

	job, _ := te.jobs.GetJobByID(context.Background(), item.JobID)
	if job.Status != store.JobStatusCompleted {
		t.Errorf("expected completed job, got %s", job.Status)
	}
}

func TestProcess_DeleteUnknownEnvironment(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	item := te.addJob(t, store.JobKindDelete, api.DeletePayload{EnvironmentID: uuid.New().String()})

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected failure to be recorded, not returned, got %v", err)
	}

	call := te.lastCall(t)
	if call.Op != "fail" {
		t.Fatalf("expected queue fail, got %+v", call)
	}
	if call.ErrKind != string(fail.KindValidation) {
		t.Errorf("expected validation failure, got %s", call.ErrKind)
	}
	if call.Retryable {
		t.Error("expected validation failure to not be retryable")
	}
}

func TestProcess_ValidationFailure(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	item := te.addJob(t, store.JobKindClone, api.ClonePayload{TTLMinutes: 30})

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected failure to be recorded, not returned, got %v", err)
	}

	call := te.lastCall(t)
	if call.Op != "fail" || call.ErrKind != string(fail.KindValidation) || call.Retryable {
		t.Errorf("expected non-retryable validation fail, got %+v", call)
	}
}

func TestProcess_BackendErrorIsRetryable(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	te.backend.createErr = errors.New("api timeout")
	item := te.addJob(t, store.JobKindClone, api.ClonePayload{CustomerID: "acme"})

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected failure to be recorded, not returned, got %v", err)
	}

	call := te.lastCall(t)
	if call.Op != "fail" {
		t.Fatalf("expected queue fail, got %+v", call)
	}
	if call.ErrKind != string(fail.KindBackendTransient) {
		t.Errorf("expected transient backend failure, got %s", call.ErrKind)
	}
	if !call.Retryable {
		t.Error("expected transient failure to be retryable")
	}
}

func TestProcess_CancellationAtStepBoundary(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	te.addWarmEnv(t, "stage-cancel", "http://stage-cancel.internal")
	item := te.addJob(t, store.JobKindClone, api.ClonePayload{CustomerID: "acme"})

	// A running job gets the cancel flag; the worker observes it at the
	// first step boundary.
	if err := te.jobs.SetJobProgress(context.Background(), item.JobID, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := te.jobs.CancelJob(context.Background(), item.JobID); err != nil {
		t.Fatal(err)
	}

	if err := te.proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected cancellation to be handled, got %v", err)
	}

	job, err := te.jobs.GetJobByID(context.Background(), item.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobStatusCancelled {
		t.Errorf("expected cancelled job, got %s", job.Status)
	}
	if call := te.lastCall(t); call.Op != "complete" {
		t.Errorf("expected queue row removed on cancellation, got %+v", call)
	}
}

func TestProcess_CancellationDiscardsClaimedEnvironment(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	env := te.addWarmEnv(t, "stage-halfway", "http://stage-halfway.internal")
	item := te.addJob(t, store.JobKindClone, api.ClonePayload{CustomerID: "acme"})

	// The flag flips after the first step passed, so the claim goes
	// through and the next boundary aborts.
	cancelAfterFirstStep := &cancellingJobs{Jobs: te.jobs, cancelAfter: 1, jobID: item.JobID}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poolCtl := pool.New(te.registry, te.backend, pool.Policy{}, logger)
	proc := NewProcessor(cancelAfterFirstStep, te.queue, te.registry, poolCtl, te.backend,
		transfer.New(10*time.Second), credential.Static("sp_master"),
		ProcessorConfig{}, logger)

	if err := proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected cancellation to be handled, got %v", err)
	}

	if _, err := te.registry.GetEnvironment(context.Background(), env.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("expected claimed environment destroyed on cancellation")
	}
	if len(te.backend.destroyed) != 1 {
		t.Errorf("expected backend destroy, got %v", te.backend.destroyed)
	}
}

func TestProcess_ProgressErrorDiscardsClaimedEnvironment(t *testing.T) {
	te := newTestProcessor(t, credential.Static("sp_master"))
	env := te.addWarmEnv(t, "stage-orphan", "http://stage-orphan.internal")
	item := te.addJob(t, store.JobKindClone, api.ClonePayload{CustomerID: "acme"})

	// The progress write right after the claim fails, so the worker is
	// holding a claimed environment when the job unwinds.
	brokenJobs := &failingProgressJobs{Jobs: te.jobs, failAt: 40}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poolCtl := pool.New(te.registry, te.backend, pool.Policy{}, logger)
	proc := NewProcessor(brokenJobs, te.queue, te.registry, poolCtl, te.backend,
		transfer.New(10*time.Second), credential.Static("sp_master"),
		ProcessorConfig{}, logger)

	if err := proc.Process(context.Background(), item); err != nil {
		t.Fatalf("expected failure to be recorded, not returned, got %v", err)
	}

	if _, err := te.registry.GetEnvironment(context.Background(), env.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("expected claimed environment destroyed after progress failure")
	}
	if len(te.backend.destroyed) != 1 {
		t.Errorf("expected backend destroy, got %v", te.backend.destroyed)
	}
	if call := te.lastCall(t); call.Op != "fail" {
		t.Errorf("expected queue fail, got %+v", call)
	}
}

// failingProgressJobs fails the progress write at one specific value.
type failingProgressJobs struct {
	*storetest.Jobs
	failAt int
}

func (f *failingProgressJobs) SetJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress == f.failAt {
		return errors.New("connection reset by peer")
	}
	return f.Jobs.SetJobProgress(ctx, id, progress)
}

// cancellingJobs reports cancellation after a number of checks, to hit
// a specific step boundary.
type cancellingJobs struct {
	*storetest.Jobs
	jobID       uuid.UUID
	checks      int
	cancelAfter int
}

func (c *cancellingJobs) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	if id == c.jobID {
		c.checks++
		if c.checks > c.cancelAfter {
			return true, nil
		}
	}
	return false, nil
}

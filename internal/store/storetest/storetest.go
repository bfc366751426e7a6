// Package storetest provides in-memory implementations of the store
// interfaces for tests that exercise concurrency and state machine
// behavior without a database.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"stagepool/internal/store"

	"github.com/google/uuid"
)

// Registry is a thread-safe in-memory EnvironmentRegistry. Its
// Transition honors the same compare-and-swap contract as the
// postgres implementation, so races between concurrent claimers
// behave the way they do in production.
type Registry struct {
	mu   sync.Mutex
	envs map[uuid.UUID]*store.Environment
}

var _ store.EnvironmentRegistry = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{envs: make(map[uuid.UUID]*store.Environment)}
}

func (r *Registry) CreateEnvironment(ctx context.Context, env *store.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *env
	cp.Version = 1
	if cp.StateChangedAt.IsZero() {
		cp.StateChangedAt = time.Now().UTC()
	}
	r.envs[env.ID] = &cp
	env.Version = 1
	return nil
}

func (r *Registry) GetEnvironment(ctx context.Context, id uuid.UUID) (*store.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	env, ok := r.envs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *env
	return &cp, nil
}

func (r *Registry) ListEnvironments(ctx context.Context) ([]*store.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(func(*store.Environment) bool { return true }), nil
}

func (r *Registry) OldestWarm(ctx context.Context, limit int) ([]*store.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	warm := r.snapshot(func(env *store.Environment) bool {
		return env.PoolState == store.PoolStateWarm
	})
	if len(warm) > limit {
		warm = warm[:limit]
	}
	return warm, nil
}

func (r *Registry) CountByState(ctx context.Context) (map[store.PoolState]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[store.PoolState]int)
	for _, env := range r.envs {
		counts[env.PoolState]++
	}
	return counts, nil
}

func (r *Registry) ExpiredServing(ctx context.Context, now time.Time) ([]*store.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshot(func(env *store.Environment) bool {
		return env.PoolState == store.PoolStateServing &&
			env.TTLExpiresAt != nil && env.TTLExpiresAt.Before(now)
	}), nil
}

func (r *Registry) StaleClaimed(ctx context.Context, cutoff time.Time) ([]*store.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshot(func(env *store.Environment) bool {
		return env.PoolState == store.PoolStateClaimed &&
			env.StateChangedAt.Before(cutoff)
	}), nil
}

func (r *Registry) Transition(ctx context.Context, id uuid.UUID, fromVersion int64, change store.StateChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	env, ok := r.envs[id]
	if !ok || env.Version != fromVersion {
		return store.ErrStaleVersion
	}
	env.PoolState = change.To
	env.OwnerID = change.OwnerID
	env.TTLExpiresAt = change.TTLExpiresAt
	env.ResetFailures = change.ResetFailures
	env.StateChangedAt = time.Now().UTC()
	env.Version++
	return nil
}

func (r *Registry) UpdateCredentials(ctx context.Context, id uuid.UUID, adminPassword, dbPassword, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	env, ok := r.envs[id]
	if !ok {
		return store.ErrNotFound
	}
	env.AdminPassword = adminPassword
	env.DBPassword = dbPassword
	env.APIKey = apiKey
	return nil
}

func (r *Registry) DeleteEnvironment(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.envs, id)
	return nil
}

// snapshot returns copies matching the filter, oldest first. Callers
// must hold the lock.
func (r *Registry) snapshot(match func(*store.Environment) bool) []*store.Environment {
	var out []*store.Environment
	for _, env := range r.envs {
		if match(env) {
			cp := *env
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Jobs is a thread-safe in-memory JobStore.
type Jobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*store.Job
}

var _ store.JobStore = (*Jobs)(nil)

// NewJobs creates an empty Jobs store.
func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[uuid.UUID]*store.Job)}
}

func (s *Jobs) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Jobs) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Jobs) ListJobs(ctx context.Context, filter store.JobFilter) ([]*store.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*store.Job
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Jobs) SetJobProgress(ctx context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return nil
	}
	job.Status = store.JobStatusRunning
	if progress > job.Progress {
		job.Progress = progress
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Jobs) CompleteJob(ctx context.Context, id uuid.UUID, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = store.JobStatusCompleted
	job.Progress = 100
	job.Result = json.RawMessage(result)
	job.CompletedAt = &now
	return nil
}

func (s *Jobs) FailJob(ctx context.Context, id uuid.UUID, errKind, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = store.JobStatusFailed
	job.ErrorKind = &errKind
	job.ErrorMessage = &errMsg
	job.CompletedAt = &now
	return nil
}

func (s *Jobs) CancelJob(ctx context.Context, id uuid.UUID) (store.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return "", store.ErrNotFound
	}
	if job.Status == store.JobStatusPending {
		job.Status = store.JobStatusCancelled
		return job.Status, nil
	}
	job.CancelRequested = true
	return job.Status, nil
}

func (s *Jobs) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return job.CancelRequested, nil
}

func (s *Jobs) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	job.Status = store.JobStatusCancelled
	job.CompletedAt = &now
	return nil
}

func (s *Jobs) PruneTerminalJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// QueueCall records one mutation on the Queue.
type QueueCall struct {
	Op        string
	JobID     uuid.UUID
	ErrKind   string
	Retryable bool
}

// Queue is an in-memory store.Queue that records completion and
// failure calls for assertion.
type Queue struct {
	mu    sync.Mutex
	items []store.QueueItem
	Calls []QueueCall
}

var _ store.Queue = (*Queue)(nil)

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push makes an item available to DequeueBatch.
func (q *Queue) Push(item store.QueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *Queue) Enqueue(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, store.QueueItem{JobID: jobID, Payload: payload})
	return int64(len(q.items)), nil
}

func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit > len(q.items) {
		limit = len(q.items)
	}
	batch := q.items[:limit]
	q.items = q.items[limit:]
	return batch, nil
}

func (q *Queue) Complete(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Calls = append(q.Calls, QueueCall{Op: "complete", JobID: jobID})
	return nil
}

func (q *Queue) Fail(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, errKind, errMsg string, retryable bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Calls = append(q.Calls, QueueCall{Op: "fail", JobID: jobID, ErrKind: errKind, Retryable: retryable})
	return nil
}

func (q *Queue) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID, visibleAfter time.Time) error {
	return nil
}

func (q *Queue) Count(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

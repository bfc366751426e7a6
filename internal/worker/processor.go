package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"stagepool/internal/auth"
	"stagepool/internal/backend"
	"stagepool/internal/credential"
	"stagepool/internal/fail"
	"stagepool/internal/logger"
	"stagepool/internal/pool"
	"stagepool/internal/store"
	"stagepool/internal/transfer"
	"stagepool/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// errCancelled aborts the state machine between steps. Never recorded
// on the job as a failure.
var errCancelled = errors.New("job cancelled")

// ProcessorConfig holds the provisioning knobs.
type ProcessorConfig struct {
	// PublicDomain is the parent domain environments are exposed
	// under, e.g. "clones.example.com".
	PublicDomain string

	// CreateTimeout bounds cold provisioning (backend create + ready).
	CreateTimeout time.Duration
}

// Processor drives the provisioning state machine for dequeued jobs.
type Processor struct {
	jobs     store.JobStore
	queue    store.Queue
	registry store.EnvironmentRegistry
	pool     *pool.Controller
	backend  backend.Backend
	transfer *transfer.Client
	acquirer credential.Acquirer
	config   ProcessorConfig
	logger   *slog.Logger

	coldProvisions metric.Int64Counter
	warmHits       metric.Int64Counter
}

// Compile-time check.
var _ Handler = (*Processor)(nil)

// NewProcessor creates a Processor.
func NewProcessor(
	jobs store.JobStore,
	queue store.Queue,
	registry store.EnvironmentRegistry,
	p *pool.Controller,
	b backend.Backend,
	t *transfer.Client,
	acquirer credential.Acquirer,
	config ProcessorConfig,
	logger *slog.Logger,
) *Processor {
	if config.CreateTimeout <= 0 {
		config.CreateTimeout = 5 * time.Minute
	}

	proc := &Processor{
		jobs:     jobs,
		queue:    queue,
		registry: registry,
		pool:     p,
		backend:  b,
		transfer: t,
		acquirer: acquirer,
		config:   config,
		logger:   logger,
	}

	meter := otel.Meter("stagepool/worker")
	var err error
	proc.coldProvisions, err = meter.Int64Counter("stagepool.worker.cold_provisions",
		metric.WithDescription("Provision jobs that fell back to cold provisioning"))
	if err != nil {
		logger.Warn("failed to create cold provisions counter", "error", err)
	}
	proc.warmHits, err = meter.Int64Counter("stagepool.worker.warm_hits",
		metric.WithDescription("Provision jobs served from the warm pool"))
	if err != nil {
		logger.Warn("failed to create warm hits counter", "error", err)
	}

	return proc
}

// Process runs one job to a terminal outcome. The returned error is
// for logging only; job-visible failures are recorded on the job row.
func (p *Processor) Process(ctx context.Context, item store.QueueItem) error {
	var err error
	switch item.Kind {
	case store.JobKindClone:
		err = p.processClone(ctx, item)
	case store.JobKindRestore:
		err = p.processRestore(ctx, item)
	case store.JobKindDelete:
		err = p.processDelete(ctx, item)
	default:
		err = fail.Newf(fail.KindValidation, "unknown job kind %q", item.Kind)
	}

	if err != nil {
		if errors.Is(err, errCancelled) {
			if merr := p.jobs.MarkCancelled(ctx, item.JobID); merr != nil {
				return merr
			}
			return p.queue.Complete(ctx, nil, item.JobID)
		}
		return p.failJob(ctx, item.JobID, err)
	}
	return p.queue.Complete(ctx, nil, item.JobID)
}

func (p *Processor) processClone(ctx context.Context, item store.QueueItem) error {
	var payload api.ClonePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fail.Newf(fail.KindValidation, "malformed clone payload: %v", err)
	}
	if payload.CustomerID == "" {
		return fail.Newf(fail.KindValidation, "customer_id is required")
	}

	if err := p.step(ctx, item.JobID, 10); err != nil {
		return err
	}

	ttl := expiryFor(payload.TTLMinutes)
	env, fromPool, err := p.acquireEnvironment(ctx, item.JobID, payload.CustomerID, ttl, cloneProgress)
	if err != nil {
		return err
	}

	// Pull a copy of the source site into the fresh environment.
	if payload.Source != nil {
		if err := p.step(ctx, item.JobID, 95); err != nil {
			p.discard(ctx, env)
			return err
		}
		if err := p.seedFromSite(ctx, *payload.Source, env); err != nil {
			p.discard(ctx, env)
			return err
		}
	}

	result := provisionResult(env, fromPool)
	resultJSON, err := json.Marshal(result)
	if err != nil {
		p.discard(ctx, env)
		return err
	}
	return p.jobs.CompleteJob(ctx, item.JobID, resultJSON)
}

func (p *Processor) processRestore(ctx context.Context, item store.QueueItem) error {
	var payload api.RestorePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fail.Newf(fail.KindValidation, "malformed restore payload: %v", err)
	}
	if payload.CustomerID == "" {
		return fail.Newf(fail.KindValidation, "customer_id is required")
	}
	if payload.Source.URL == "" {
		return fail.Newf(fail.KindValidation, "source site is required")
	}

	if err := p.step(ctx, item.JobID, 10); err != nil {
		return err
	}

	ttl := expiryFor(payload.TTLMinutes)

	// Restore coordinates two environments: the source is seeded from
	// the external site, the target receives the filtered copy.
	srcEnv, srcPool, err := p.acquireEnvironment(ctx, item.JobID, payload.CustomerID+"-src", ttl, restoreSourceProgress)
	if err != nil {
		return err
	}
	dstEnv, dstPool, err := p.acquireEnvironment(ctx, item.JobID, payload.CustomerID, ttl, restoreTargetProgress)
	if err != nil {
		p.discard(ctx, srcEnv)
		return err
	}
	discardBoth := func() {
		p.discard(ctx, srcEnv)
		p.discard(ctx, dstEnv)
	}

	if err := p.step(ctx, item.JobID, 75); err != nil {
		discardBoth()
		return err
	}
	if err := p.seedFromSite(ctx, payload.Source, srcEnv); err != nil {
		discardBoth()
		return err
	}

	if err := p.step(ctx, item.JobID, 90); err != nil {
		discardBoth()
		return err
	}
	archiveURL, err := p.transfer.Export(ctx, srcEnv.Endpoint, srcEnv.APIKey)
	if err != nil {
		discardBoth()
		return err
	}
	report, err := p.transfer.Import(ctx, dstEnv.Endpoint, dstEnv.APIKey, archiveURL, transfer.PreserveFlags{
		Plugins: payload.PreservePlugins,
		Themes:  payload.PreserveThemes,
	})
	if err != nil {
		discardBoth()
		return err
	}

	result := api.RestoreResult{
		Source:            provisionResult(srcEnv, srcPool),
		Target:            provisionResult(dstEnv, dstPool),
		IntegrityWarnings: report.IntegrityWarnings,
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		discardBoth()
		return err
	}
	return p.jobs.CompleteJob(ctx, item.JobID, resultJSON)
}

func (p *Processor) processDelete(ctx context.Context, item store.QueueItem) error {
	var payload api.DeletePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return fail.Newf(fail.KindValidation, "malformed delete payload: %v", err)
	}
	envID, err := uuid.Parse(payload.EnvironmentID)
	if err != nil {
		return fail.Newf(fail.KindValidation, "invalid environment_id: %v", err)
	}

	if err := p.step(ctx, item.JobID, 10); err != nil {
		return err
	}

	env, err := p.registry.GetEnvironment(ctx, envID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fail.Newf(fail.KindValidation, "environment %s not found", envID)
		}
		return err
	}

	if err := p.step(ctx, item.JobID, 50); err != nil {
		return err
	}
	if err := p.pool.Terminate(ctx, env); err != nil {
		return err
	}

	resultJSON, _ := json.Marshal(map[string]interface{}{
		"environment_id": env.ID.String(),
		"deleted":        true,
	})
	return p.jobs.CompleteJob(ctx, item.JobID, resultJSON)
}

// progressPlan maps the shared provisioning steps onto job progress
// values; restore runs the plan twice at different offsets.
type progressPlan struct {
	claimed    int
	coldCreate int
	coldReady  int
	reset      int
	configured int
}

var (
	cloneProgress         = progressPlan{claimed: 40, coldCreate: 20, coldReady: 60, reset: 70, configured: 90}
	restoreSourceProgress = progressPlan{claimed: 25, coldCreate: 15, coldReady: 30, reset: 35, configured: 40}
	restoreTargetProgress = progressPlan{claimed: 50, coldCreate: 45, coldReady: 55, reset: 60, configured: 70}
)

// acquireEnvironment runs the claim-or-cold steps: warm claim when
// possible, otherwise cold create, then reset, configure and the CAS
// to serving. On any failure the environment is destroyed, never
// returned to the pool.
func (p *Processor) acquireEnvironment(ctx context.Context, jobID uuid.UUID, ownerID string, ttl time.Time, plan progressPlan) (*store.Environment, bool, error) {
	env, err := p.pool.Claim(ctx, ownerID)
	fromPool := err == nil
	switch {
	case fromPool:
		if p.warmHits != nil {
			p.warmHits.Add(ctx, 1)
		}
		if err := p.step(ctx, jobID, plan.claimed); err != nil {
			p.discard(ctx, env)
			return nil, false, err
		}
	case errors.Is(err, pool.ErrNoWarmEnvironment):
		if p.coldProvisions != nil {
			p.coldProvisions.Add(ctx, 1)
		}
		env, err = p.coldProvision(ctx, jobID, ownerID, plan)
		if err != nil {
			return nil, false, err
		}
	default:
		return nil, false, err
	}

	handle := &backend.Handle{Name: env.Name, Endpoint: env.Endpoint}

	// Reset reinitializes identity and database for the new owner; on
	// a freshly created environment this is an idempotent no-op.
	if err := p.backend.Reset(ctx, handle, ownerID); err != nil {
		p.discard(ctx, env)
		return nil, false, err
	}
	if err := p.step(ctx, jobID, plan.reset); err != nil {
		p.discard(ctx, env)
		return nil, false, err
	}

	routing := backend.Routing{}
	if p.config.PublicDomain != "" {
		routing.PublicHost = env.Name + "." + p.config.PublicDomain
	}
	if err := p.backend.Configure(ctx, handle, routing, ttl); err != nil {
		p.discard(ctx, env)
		return nil, false, err
	}
	env.PublicURL = handle.PublicURL

	// Serving is the leased state: the TTL starts ticking here.
	err = p.registry.Transition(ctx, env.ID, env.Version, store.StateChange{
		To:           store.PoolStateServing,
		OwnerID:      ownerID,
		TTLExpiresAt: &ttl,
	})
	if err != nil {
		p.discard(ctx, env)
		return nil, false, err
	}
	env.PoolState = store.PoolStateServing
	env.Version++
	env.TTLExpiresAt = &ttl

	if err := p.step(ctx, jobID, plan.configured); err != nil {
		p.discard(ctx, env)
		return nil, false, err
	}
	return env, fromPool, nil
}

// coldProvision creates an environment from scratch when the pool is
// empty.
func (p *Processor) coldProvision(ctx context.Context, jobID uuid.UUID, ownerID string, plan progressPlan) (*store.Environment, error) {
	name := "stage-" + uuid.New().String()[:8]
	spec := backend.Spec{
		Name:          name,
		AdminPassword: auth.NewSecret(32),
		DBPassword:    auth.NewSecret(32),
	}

	createCtx, cancel := context.WithTimeout(ctx, p.config.CreateTimeout)
	defer cancel()

	handle, err := p.backend.Create(createCtx, spec)
	if err != nil {
		return nil, err
	}
	if err := p.step(ctx, jobID, plan.coldCreate); err != nil {
		p.destroyHandle(ctx, handle)
		return nil, err
	}

	if err := p.backend.WaitReady(createCtx, handle, p.config.CreateTimeout); err != nil {
		p.destroyHandle(ctx, handle)
		return nil, err
	}

	env := &store.Environment{
		ID:            uuid.New(),
		Name:          name,
		PoolState:     store.PoolStateClaimed,
		OwnerID:       ownerID,
		Endpoint:      handle.Endpoint,
		AdminUser:     "admin",
		AdminPassword: spec.AdminPassword,
		DBPassword:    spec.DBPassword,
		APIKey:        auth.NewAPIKey(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := p.registry.CreateEnvironment(ctx, env); err != nil {
		p.destroyHandle(ctx, handle)
		return nil, err
	}

	if err := p.step(ctx, jobID, plan.coldReady); err != nil {
		p.discard(ctx, env)
		return nil, err
	}

	p.logger.Info("cold provisioned environment", "environment", name, "owner", ownerID)
	return env, nil
}

// seedFromSite copies the external site's content into env: acquire
// an API key for the site, export its archive, import it.
func (p *Processor) seedFromSite(ctx context.Context, site api.SiteCredentials, env *store.Environment) error {
	apiKey, err := p.acquirer.Acquire(ctx, site.URL, site.Username, site.Password)
	if err != nil {
		return err
	}
	archiveURL, err := p.transfer.Export(ctx, site.URL, apiKey)
	if err != nil {
		return err
	}
	_, err = p.transfer.Import(ctx, env.Endpoint, env.APIKey, archiveURL, transfer.PreserveFlags{})
	return err
}

// step advances progress and observes the cooperative cancellation
// flag at the state machine boundary. Callers holding an environment
// must discard it on any step error; a partially configured
// environment must not re-enter circulation.
func (p *Processor) step(ctx context.Context, jobID uuid.UUID, progress int) error {
	cancelled, err := p.jobs.IsCancelRequested(ctx, jobID)
	if err != nil {
		return err
	}
	if cancelled {
		return errCancelled
	}
	return p.jobs.SetJobProgress(ctx, jobID, progress)
}

// discard destroys an environment that must not go back to the pool.
func (p *Processor) discard(ctx context.Context, env *store.Environment) {
	if env == nil {
		return
	}
	if err := p.pool.Terminate(ctx, env); err != nil {
		p.logger.Error("failed to destroy environment after failure",
			"environment", env.Name, "error", err)
	}
}

func (p *Processor) destroyHandle(ctx context.Context, h *backend.Handle) {
	if err := p.backend.Destroy(ctx, h); err != nil {
		p.logger.Error("failed to destroy unregistered environment",
			"environment", h.Name, "error", err)
	}
}

// failJob records a classified failure, leaving the retry decision to
// the queue.
func (p *Processor) failJob(ctx context.Context, jobID uuid.UUID, jobErr error) error {
	kind := fail.Classify(jobErr)
	retryable := fail.Retryable(jobErr)
	logger.FromContext(ctx, p.logger).Warn("job failed",
		"job_id", jobID, "kind", kind, "retryable", retryable, "error", jobErr)
	return p.queue.Fail(ctx, nil, jobID, string(kind), jobErr.Error(), retryable)
}

func provisionResult(env *store.Environment, fromPool bool) api.ProvisionResult {
	var expires time.Time
	if env.TTLExpiresAt != nil {
		expires = *env.TTLExpiresAt
	}
	return api.ProvisionResult{
		EnvironmentID: env.ID.String(),
		Endpoint:      env.Endpoint,
		PublicURL:     env.PublicURL,
		AdminUser:     env.AdminUser,
		AdminPassword: env.AdminPassword,
		ExpiresAt:     expires,
		WarmPool:      fromPool,
	}
}

func expiryFor(ttlMinutes int) time.Time {
	if ttlMinutes < api.TTLMinMinutes || ttlMinutes > api.TTLMaxMinutes {
		ttlMinutes = api.TTLDefaultMinutes
	}
	return time.Now().UTC().Add(time.Duration(ttlMinutes) * time.Minute)
}

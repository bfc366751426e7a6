// Package pool contains the warm pool controller. It keeps a
// configured number of fully initialized environments on standby so
// most provisioning requests skip the multi-minute cold start, and it
// owns the reset-and-return path that recycles environments between
// tenants.
//
// Every pool state mutation goes through the registry's CAS
// transition, so the controller is safe to run as multiple replicas.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"stagepool/internal/auth"
	"stagepool/internal/backend"
	"stagepool/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrNoWarmEnvironment is returned by Claim when every warm candidate
// was taken by a concurrent claimer or the pool is empty. The caller
// falls back to cold provisioning.
var ErrNoWarmEnvironment = errors.New("no warm environment available")

// claimScanLimit bounds how many warm candidates one Claim call races
// for before giving up.
const claimScanLimit = 5

// Policy is the pool sizing and recycling configuration.
type Policy struct {
	MinWarm           int
	MaxWarm           int
	Interval          time.Duration
	CreateTimeout     time.Duration
	ClaimResetTimeout time.Duration
	MaxResetFailures  int
}

func (p Policy) withDefaults() Policy {
	if p.MinWarm <= 0 {
		p.MinWarm = 1
	}
	if p.MaxWarm < p.MinWarm {
		p.MaxWarm = p.MinWarm + 1
	}
	if p.Interval <= 0 {
		p.Interval = 30 * time.Second
	}
	if p.CreateTimeout <= 0 {
		p.CreateTimeout = 3 * time.Minute
	}
	if p.ClaimResetTimeout <= 0 {
		p.ClaimResetTimeout = 60 * time.Second
	}
	if p.MaxResetFailures <= 0 {
		p.MaxResetFailures = 3
	}
	return p
}

// Controller maintains the warm pool and arbitrates claims.
type Controller struct {
	registry store.EnvironmentRegistry
	backend  backend.Backend
	policy   Policy
	logger   *slog.Logger

	// Creates dispatched but not yet registered; keeps one slow
	// backend create from triggering a duplicate on the next tick.
	inflightCreates atomic.Int64

	claims         metric.Int64Counter
	claimConflicts metric.Int64Counter
	resets         metric.Int64Counter
	resetFailures  metric.Int64Counter
	destroys       metric.Int64Counter
	createDuration metric.Float64Histogram
}

// New creates a Controller.
func New(registry store.EnvironmentRegistry, b backend.Backend, policy Policy, logger *slog.Logger) *Controller {
	c := &Controller{
		registry: registry,
		backend:  b,
		policy:   policy.withDefaults(),
		logger:   logger,
	}

	meter := otel.Meter("stagepool/pool")
	var err error
	c.claims, err = meter.Int64Counter("stagepool.pool.claims",
		metric.WithDescription("Successful warm pool claims"))
	if err != nil {
		logger.Warn("failed to create claims counter", "error", err)
	}
	c.claimConflicts, err = meter.Int64Counter("stagepool.pool.claim_conflicts",
		metric.WithDescription("Claim attempts that lost the CAS race"))
	if err != nil {
		logger.Warn("failed to create claim conflicts counter", "error", err)
	}
	c.resets, err = meter.Int64Counter("stagepool.pool.resets",
		metric.WithDescription("Environments reset and returned to the pool"))
	if err != nil {
		logger.Warn("failed to create resets counter", "error", err)
	}
	c.resetFailures, err = meter.Int64Counter("stagepool.pool.reset_failures",
		metric.WithDescription("Reset attempts that failed"))
	if err != nil {
		logger.Warn("failed to create reset failures counter", "error", err)
	}
	c.destroys, err = meter.Int64Counter("stagepool.pool.destroys",
		metric.WithDescription("Environments destroyed"))
	if err != nil {
		logger.Warn("failed to create destroys counter", "error", err)
	}
	c.createDuration, err = meter.Float64Histogram("stagepool.pool.create_duration",
		metric.WithDescription("Time to create and ready a warm environment"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create duration histogram", "error", err)
	}

	return c
}

// Claim atomically hands the oldest available warm environment to
// customerID. It never blocks on backend I/O: candidates lost to a
// concurrent claimer are skipped via CAS and the call returns
// ErrNoWarmEnvironment when none are left.
func (c *Controller) Claim(ctx context.Context, customerID string) (*store.Environment, error) {
	candidates, err := c.registry.OldestWarm(ctx, claimScanLimit)
	if err != nil {
		return nil, fmt.Errorf("warm candidate scan failed: %w", err)
	}

	for _, env := range candidates {
		err := c.registry.Transition(ctx, env.ID, env.Version, store.StateChange{
			To:            store.PoolStateClaimed,
			OwnerID:       customerID,
			ResetFailures: env.ResetFailures,
		})
		if errors.Is(err, store.ErrStaleVersion) {
			// Another claimer won this candidate; try the next oldest.
			c.add(ctx, c.claimConflicts, 1)
			continue
		}
		if err != nil {
			return nil, err
		}

		env.PoolState = store.PoolStateClaimed
		env.OwnerID = customerID
		env.Version++

		// Fresh secrets for the new owner.
		if err := c.rotateCredentials(ctx, env); err != nil {
			c.logger.Warn("credential rotation failed", "environment", env.Name, "error", err)
		}

		c.add(ctx, c.claims, 1)
		c.logger.Info("claimed warm environment", "environment", env.Name, "owner", customerID)
		return env, nil
	}

	return nil, ErrNoWarmEnvironment
}

// Return recycles a serving environment whose lease ended: reset,
// rotate credentials, CAS back to warm. Reset failures are retried up
// to the policy threshold; after that the environment is destroyed
// rather than risk leaking a tenant's state to the next claim.
func (c *Controller) Return(ctx context.Context, env *store.Environment) error {
	// The lease ends here: resetting and warm environments carry no
	// owner.
	err := c.registry.Transition(ctx, env.ID, env.Version, store.StateChange{
		To:            store.PoolStateResetting,
		ResetFailures: env.ResetFailures,
	})
	if errors.Is(err, store.ErrStaleVersion) {
		// Someone else is already handling this environment.
		return nil
	}
	if err != nil {
		return err
	}
	version := env.Version + 1

	handle := &backend.Handle{Name: env.Name, Endpoint: env.Endpoint}
	failures := env.ResetFailures

	for failures < c.policy.MaxResetFailures {
		resetCtx, cancel := context.WithTimeout(ctx, c.policy.ClaimResetTimeout)
		err := c.backend.Reset(resetCtx, handle, "")
		cancel()
		if err == nil {
			if err := c.rotateCredentials(ctx, env); err != nil {
				c.logger.Warn("credential rotation failed", "environment", env.Name, "error", err)
			}
			if err := c.registry.Transition(ctx, env.ID, version, store.StateChange{
				To: store.PoolStateWarm,
			}); err != nil {
				return err
			}
			c.add(ctx, c.resets, 1)
			c.logger.Info("environment returned to warm pool", "environment", env.Name)
			return nil
		}

		failures++
		c.add(ctx, c.resetFailures, 1)
		c.logger.Warn("environment reset failed",
			"environment", env.Name, "failures", failures, "error", err)
	}

	// A partially reset environment must never serve another tenant.
	if err := c.registry.Transition(ctx, env.ID, version, store.StateChange{
		To:            store.PoolStateTerminating,
		ResetFailures: failures,
	}); err != nil {
		return err
	}
	return c.destroy(ctx, env)
}

// Terminate removes an environment from circulation entirely: CAS to
// terminating, destroy the backend resources, delete the registry
// row. Used by the worker on failures and delete jobs.
func (c *Controller) Terminate(ctx context.Context, env *store.Environment) error {
	err := c.registry.Transition(ctx, env.ID, env.Version, store.StateChange{
		To:            store.PoolStateTerminating,
		ResetFailures: env.ResetFailures,
	})
	if err != nil && !errors.Is(err, store.ErrStaleVersion) {
		return err
	}
	return c.destroy(ctx, env)
}

// Run is the maintenance loop: replenish below MinWarm, trim above
// MaxWarm. Creates run in goroutines so one slow backend call never
// blocks the next tick.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("warm pool controller starting",
		"min_warm", c.policy.MinWarm, "max_warm", c.policy.MaxWarm, "interval", c.policy.Interval)

	ticker := time.NewTicker(c.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.maintain(ctx); err != nil {
				c.logger.Error("pool maintenance error", "error", err)
			}
		}
	}
}

func (c *Controller) maintain(ctx context.Context) error {
	counts, err := c.registry.CountByState(ctx)
	if err != nil {
		return fmt.Errorf("pool count failed: %w", err)
	}

	warm := counts[store.PoolStateWarm]
	pending := int(c.inflightCreates.Load())

	if warm+pending < c.policy.MinWarm {
		missing := c.policy.MinWarm - warm - pending
		for i := 0; i < missing; i++ {
			c.inflightCreates.Add(1)
			go func() {
				defer c.inflightCreates.Add(-1)
				if err := c.createWarm(ctx); err != nil {
					c.logger.Error("warm replenishment failed", "error", err)
				}
			}()
		}
		return nil
	}

	if warm > c.policy.MaxWarm {
		return c.trimExcess(ctx, warm-c.policy.MaxWarm)
	}
	return nil
}

// createWarm provisions one environment and registers it warm. Not
// tied to any job, so replenishment never blocks a caller.
func (c *Controller) createWarm(ctx context.Context) error {
	name := "stage-" + uuid.New().String()[:8]
	spec := backend.Spec{
		Name:          name,
		AdminPassword: auth.NewSecret(32),
		DBPassword:    auth.NewSecret(32),
	}

	start := time.Now()
	createCtx, cancel := context.WithTimeout(ctx, c.policy.CreateTimeout)
	defer cancel()

	handle, err := c.backend.Create(createCtx, spec)
	if err != nil {
		return fmt.Errorf("backend create failed: %w", err)
	}

	if err := c.backend.WaitReady(createCtx, handle, c.policy.CreateTimeout); err != nil {
		// Never register an environment that did not come up clean.
		if derr := c.backend.Destroy(ctx, handle); derr != nil {
			c.logger.Warn("cleanup of unready environment failed", "environment", name, "error", derr)
		}
		return fmt.Errorf("environment %s never became ready: %w", name, err)
	}

	env := &store.Environment{
		ID:            uuid.New(),
		Name:          name,
		PoolState:     store.PoolStateWarm,
		Endpoint:      handle.Endpoint,
		AdminUser:     "admin",
		AdminPassword: spec.AdminPassword,
		DBPassword:    spec.DBPassword,
		APIKey:        auth.NewAPIKey(),
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.registry.CreateEnvironment(ctx, env); err != nil {
		if derr := c.backend.Destroy(ctx, handle); derr != nil {
			c.logger.Warn("cleanup of unregistered environment failed", "environment", name, "error", derr)
		}
		return fmt.Errorf("failed to register environment %s: %w", name, err)
	}

	if c.createDuration != nil {
		c.createDuration.Record(ctx, time.Since(start).Seconds())
	}
	c.logger.Info("warm environment created", "environment", name, "took", time.Since(start))
	return nil
}

func (c *Controller) trimExcess(ctx context.Context, excess int) error {
	envs, err := c.registry.OldestWarm(ctx, excess)
	if err != nil {
		return err
	}
	for _, env := range envs {
		err := c.registry.Transition(ctx, env.ID, env.Version, store.StateChange{
			To: store.PoolStateTerminating,
		})
		if errors.Is(err, store.ErrStaleVersion) {
			// Claimed out from under us; that reduces the excess too.
			continue
		}
		if err != nil {
			return err
		}
		if err := c.destroy(ctx, env); err != nil {
			return err
		}
		c.logger.Info("trimmed excess warm environment", "environment", env.Name)
	}
	return nil
}

func (c *Controller) destroy(ctx context.Context, env *store.Environment) error {
	handle := &backend.Handle{Name: env.Name, Endpoint: env.Endpoint}
	if err := c.backend.Destroy(ctx, handle); err != nil {
		return fmt.Errorf("backend destroy of %s failed: %w", env.Name, err)
	}
	if err := c.registry.DeleteEnvironment(ctx, env.ID); err != nil {
		return fmt.Errorf("registry delete of %s failed: %w", env.Name, err)
	}
	c.add(ctx, c.destroys, 1)
	return nil
}

// rotateCredentials installs fresh secrets on the backend first and
// records them in the registry only after the backend accepted them,
// so the registry never advertises credentials the environment does
// not hold.
func (c *Controller) rotateCredentials(ctx context.Context, env *store.Environment) error {
	creds := backend.Credentials{
		AdminPassword: auth.NewSecret(32),
		DBPassword:    auth.NewSecret(32),
		APIKey:        auth.NewAPIKey(),
	}
	handle := &backend.Handle{Name: env.Name, Endpoint: env.Endpoint}
	if err := c.backend.Rotate(ctx, handle, creds); err != nil {
		return err
	}
	if err := c.registry.UpdateCredentials(ctx, env.ID, creds.AdminPassword, creds.DBPassword, creds.APIKey); err != nil {
		return err
	}
	env.AdminPassword = creds.AdminPassword
	env.DBPassword = creds.DBPassword
	env.APIKey = creds.APIKey
	return nil
}

func (c *Controller) add(ctx context.Context, counter metric.Int64Counter, n int64) {
	if counter != nil {
		counter.Add(ctx, n)
	}
}

// Package reclaimer contains the TTL sweep. It is the safety net that
// reclaims serving environments whose lease expired regardless of
// whether the owner ever submitted a delete job.
package reclaimer

import (
	"context"
	"log/slog"
	"time"

	"stagepool/internal/pool"
	"stagepool/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Config tunes the sweep.
type Config struct {
	// Interval between sweeps; trades reclamation latency for scan cost.
	Interval time.Duration

	// JobRetention is how long terminal job rows are kept for status
	// polls before being pruned.
	JobRetention time.Duration

	// ClaimedGrace is how long an environment may sit in claimed
	// before it is treated as abandoned by a dead worker. Must exceed
	// the longest provisioning run.
	ClaimedGrace time.Duration
}

// Reclaimer periodically returns expired environments to the pool and
// prunes old terminal jobs.
type Reclaimer struct {
	registry store.EnvironmentRegistry
	jobs     store.JobStore
	pool     *pool.Controller
	config   Config
	logger   *slog.Logger

	reclaimed metric.Int64Counter
}

// New creates a Reclaimer.
func New(registry store.EnvironmentRegistry, jobs store.JobStore, p *pool.Controller, cfg Config, logger *slog.Logger) *Reclaimer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 24 * time.Hour
	}
	if cfg.ClaimedGrace <= 0 {
		cfg.ClaimedGrace = 30 * time.Minute
	}

	r := &Reclaimer{
		registry: registry,
		jobs:     jobs,
		pool:     p,
		config:   cfg,
		logger:   logger,
	}

	var err error
	r.reclaimed, err = otel.Meter("stagepool/reclaimer").Int64Counter(
		"stagepool.reclaimer.reclaimed",
		metric.WithDescription("Expired environments swept back to the pool or destroyed"))
	if err != nil {
		logger.Warn("failed to create reclaimed counter", "error", err)
	}

	return r
}

// Run blocks until the context is cancelled, sweeping on the
// configured interval.
func (r *Reclaimer) Run(ctx context.Context) error {
	r.logger.Info("ttl reclaimer starting", "interval", r.config.Interval)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Info("reclaimed expired environments", "count", n)
			}
			r.pruneJobs(ctx)
		}
	}
}

// Sweep reclaims every serving environment whose TTL passed, destroys
// claimed environments abandoned by dead workers, and returns how many
// were handled. Safe to re-run: an environment already mid-transition
// loses the CAS inside the pool and is skipped.
func (r *Reclaimer) Sweep(ctx context.Context) int {
	now := time.Now().UTC()
	reclaimed := 0

	expired, err := r.registry.ExpiredServing(ctx, now)
	if err != nil {
		r.logger.Error("expired environment scan failed", "error", err)
		return 0
	}
	for _, env := range expired {
		if err := r.pool.Return(ctx, env); err != nil {
			r.logger.Error("failed to reclaim environment",
				"environment", env.Name, "error", err)
			continue
		}
		reclaimed++
	}

	// A claim this old means the provisioning worker died between the
	// claim and the serving transition. Reset state is unknown, so the
	// environment is destroyed rather than returned warm.
	stale, err := r.registry.StaleClaimed(ctx, now.Add(-r.config.ClaimedGrace))
	if err != nil {
		r.logger.Error("stale claim scan failed", "error", err)
	}
	for _, env := range stale {
		if err := r.pool.Terminate(ctx, env); err != nil {
			r.logger.Error("failed to destroy abandoned environment",
				"environment", env.Name, "error", err)
			continue
		}
		r.logger.Warn("destroyed abandoned claimed environment",
			"environment", env.Name, "owner", env.OwnerID)
		reclaimed++
	}

	if reclaimed > 0 && r.reclaimed != nil {
		r.reclaimed.Add(ctx, int64(reclaimed))
	}
	return reclaimed
}

func (r *Reclaimer) pruneJobs(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.config.JobRetention)
	n, err := r.jobs.PruneTerminalJobs(ctx, cutoff)
	if err != nil {
		r.logger.Error("job pruning failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned terminal jobs", "count", n)
	}
}

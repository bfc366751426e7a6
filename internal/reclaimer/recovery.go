package reclaimer

import (
	"context"
	"log/slog"
	"time"

	"stagepool/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RecoveryConfig tunes the job recovery pass.
type RecoveryConfig struct {
	Interval time.Duration

	// Grace is how long a pending job may sit without a queue row
	// before it is re-enqueued.
	Grace time.Duration

	// Liveness is how long a running job's queue visibility may be
	// expired before the job is failed as abandoned.
	Liveness time.Duration
}

// Recovery periodically re-enqueues pending jobs the queue lost track
// of and terminally fails running jobs whose worker disappeared with
// no retries left.
type Recovery struct {
	rec    store.Reconciler
	config RecoveryConfig
	logger *slog.Logger

	requeued  metric.Int64Counter
	abandoned metric.Int64Counter
}

// NewRecovery creates a Recovery.
func NewRecovery(rec store.Reconciler, cfg RecoveryConfig, logger *slog.Logger) *Recovery {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.Liveness <= 0 {
		cfg.Liveness = 10 * time.Minute
	}

	r := &Recovery{
		rec:    rec,
		config: cfg,
		logger: logger,
	}

	meter := otel.Meter("stagepool/reclaimer")
	var err error
	r.requeued, err = meter.Int64Counter(
		"stagepool.recovery.requeued",
		metric.WithDescription("Pending jobs re-enqueued after losing their queue row"))
	if err != nil {
		logger.Warn("failed to create requeued counter", "error", err)
	}
	r.abandoned, err = meter.Int64Counter(
		"stagepool.recovery.abandoned",
		metric.WithDescription("Running jobs failed because their worker never came back"))
	if err != nil {
		logger.Warn("failed to create abandoned counter", "error", err)
	}

	return r
}

// Run blocks until the context is cancelled, running a recovery pass
// on the configured interval.
func (r *Recovery) Run(ctx context.Context) error {
	r.logger.Info("job recovery starting",
		"interval", r.config.Interval,
		"grace", r.config.Grace,
		"liveness", r.config.Liveness)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Pass(ctx)
		}
	}
}

// Pass runs one recovery sweep. Each query guards on job status, so
// overlapping passes and a concurrent worker are safe.
func (r *Recovery) Pass(ctx context.Context) {
	requeued, err := r.rec.RequeueStuckPending(ctx, r.config.Grace)
	if err != nil {
		r.logger.Error("requeue of stuck pending jobs failed", "error", err)
	} else if requeued > 0 {
		r.logger.Warn("re-enqueued stuck pending jobs", "count", requeued)
		if r.requeued != nil {
			r.requeued.Add(ctx, requeued)
		}
	}

	abandoned, err := r.rec.FailAbandoned(ctx, r.config.Liveness)
	if err != nil {
		r.logger.Error("abandoned job scan failed", "error", err)
	} else if abandoned > 0 {
		r.logger.Warn("failed abandoned jobs", "count", abandoned)
		if r.abandoned != nil {
			r.abandoned.Add(ctx, abandoned)
		}
	}
}

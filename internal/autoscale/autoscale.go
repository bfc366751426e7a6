// Package autoscale exports the gauges an external autoscaler watches:
// queue depth and pool occupancy. The process only measures, it never
// scales anything itself.
package autoscale

import (
	"context"
	"log/slog"

	"stagepool/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Register wires the observable gauges to the store. The callback runs
// on every metrics collection, so readings are as fresh as the scrape.
func Register(queue store.Queue, registry store.EnvironmentRegistry, logger *slog.Logger) error {
	meter := otel.Meter("stagepool/autoscale")

	queueDepth, err := meter.Int64ObservableGauge("stagepool.queue.depth",
		metric.WithDescription("Jobs currently visible or in flight on the queue"))
	if err != nil {
		return err
	}
	poolGauge, err := meter.Int64ObservableGauge("stagepool.pool.environments",
		metric.WithDescription("Environments per pool state"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		depth, err := queue.Count(ctx)
		if err != nil {
			logger.Warn("failed to read queue depth", "error", err)
		} else {
			o.ObserveInt64(queueDepth, depth)
		}

		counts, err := registry.CountByState(ctx)
		if err != nil {
			logger.Warn("failed to read pool counts", "error", err)
			return nil
		}
		for _, state := range []store.PoolState{
			store.PoolStateWarm,
			store.PoolStateClaimed,
			store.PoolStateServing,
			store.PoolStateResetting,
			store.PoolStateTerminating,
		} {
			o.ObserveInt64(poolGauge, int64(counts[state]),
				metric.WithAttributes(attribute.String("pool_state", string(state))))
		}
		return nil
	}, queueDepth, poolGauge)
	return err
}

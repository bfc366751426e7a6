// Package worker contains the agent that pulls jobs from the durable
// queue and drives the provisioning state machine.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"stagepool/internal/logger"
	"stagepool/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                  string
	Concurrency         int
	PollInterval        time.Duration
	MaxBackoff          time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval   time.Duration // Interval between visibility extensions (default: 1m)
	VisibilityExtension time.Duration // How long each heartbeat extends visibility (default: 5m)
}

// Handler processes one dequeued job.
type Handler interface {
	Process(ctx context.Context, item store.QueueItem) error
}

// Agent is the main worker agent that runs the pull-loop.
type Agent struct {
	queue   store.Queue
	handler Handler
	config  AgentConfig
	logger  *slog.Logger
	done    chan struct{}
}

// queuePayload wraps the request payload with the submitter's trace
// context so worker spans join the submission trace.
type queuePayload struct {
	Payload json.RawMessage        `json:"payload"`
	Trace   propagation.MapCarrier `json:"trace,omitempty"`
}

// New creates a new worker agent.
func New(q store.Queue, handler Handler, config AgentConfig, logger *slog.Logger) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 1 * time.Minute
	}
	if config.VisibilityExtension <= 0 {
		config.VisibilityExtension = 5 * time.Minute
	}

	return &Agent{
		queue:   q,
		handler: handler,
		config:  config,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops dequeuing new work and allows in-flight jobs to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "id", a.config.ID, "concurrency", a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	// Initial poll
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running jobs to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			items, err := a.queue.DequeueBatch(ctx, availableSlots)
			if err != nil {
				a.logger.Error("dequeue failed", "error", err)
				continue
			}

			if len(items) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			// Found work - reset backoff to minimum
			currentBackoff = a.config.PollInterval

			a.logger.Info("claimed jobs", "count", len(items))

			for _, item := range items {
				// Acquire semaphore slot
				sem <- struct{}{}

				wg.Add(1)
				go func(item store.QueueItem) {
					defer wg.Done()
					defer func() {
						<-sem
						// Slot freed - trigger immediate re-poll
						triggerPoll()
					}()
					a.processItem(ctx, item)
				}(item)
			}

			// If there are still slots available, poll again immediately
			if len(items) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processItem runs one dequeued job under a heartbeat and a tracing span.
func (a *Agent) processItem(ctx context.Context, item store.QueueItem) {
	traceCtx := ctx
	var wrapper queuePayload
	if err := json.Unmarshal(item.Payload, &wrapper); err == nil && wrapper.Payload != nil {
		item.Payload = wrapper.Payload
		if wrapper.Trace != nil {
			traceCtx = otel.GetTextMapPropagator().Extract(ctx, wrapper.Trace)
		}
	}

	tracer := otel.Tracer("stagepool/worker")
	spanCtx, span := tracer.Start(traceCtx, "process_job",
		trace.WithAttributes(
			attribute.String("job.id", item.JobID.String()),
			attribute.String("job.kind", string(item.Kind)),
			attribute.Int("job.attempt", item.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// Heartbeat keeps the visibility window ahead of slow backend
	// calls so another worker does not re-claim the job mid-flight.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, item.JobID)

	jobCtx := logger.WithJobID(spanCtx, item.JobID.String())
	if err := a.handler.Process(jobCtx, item); err != nil {
		span.RecordError(err)
		logger.FromContext(jobCtx, a.logger).Error("job processing failed", "error", err)
	}
}

// runHeartbeat refreshes the visibility timeout periodically while a
// job is executing.
func (a *Agent) runHeartbeat(ctx context.Context, jobID uuid.UUID) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			visibleAfter := time.Now().Add(a.config.VisibilityExtension)
			if err := a.queue.SetVisibleAfter(context.Background(), nil, jobID, visibleAfter); err != nil {
				a.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

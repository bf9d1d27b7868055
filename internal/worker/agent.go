// Package worker contains the worker-side pull loop that executes tasks.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"askanna/internal/dispatch"
	"askanna/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Task instruments bind to the global meter provider once it is installed.
var (
	meter           = otel.Meter("askanna-worker")
	tasksHandled, _ = meter.Int64Counter("askanna.tasks.handled",
		metric.WithDescription("Tasks handled by this worker, by name and outcome"))
	taskDuration, _ = meter.Float64Histogram("askanna.task.duration",
		metric.WithDescription("Task handler duration"), metric.WithUnit("s"))
)

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                  string
	Concurrency         int
	Queues              []string      // Queues consumed (default: all)
	PollInterval        time.Duration // Minimum delay between polls (default: 1s)
	MaxBackoff          time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval   time.Duration // Interval between heartbeat calls (default: 2m)
	VisibilityExtension time.Duration // How long to extend visibility on heartbeat (default: 5m)
}

// Agent is the main worker agent that runs the pull-loop for task execution.
type Agent struct {
	queue    store.Queue
	registry *dispatch.Registry
	config   AgentConfig
	done     chan struct{}
}

// New creates a new worker agent.
func New(q store.Queue, registry *dispatch.Registry, config AgentConfig) *Agent {
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
		config.HeartbeatInterval = 2 * time.Minute
	}

	if config.VisibilityExtension <= 0 {
		config.VisibilityExtension = 5 * time.Minute
	}

	return &Agent{
		queue:    q,
		registry: registry,
		config:   config,
		done:     make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops dequeuing new work and allows in-flight tasks to finish.
// Tasks run on a context detached from ctx so a drain does not abort them.
func (a *Agent) Run(ctx context.Context) error {
	log.Printf("Agent %s starting with concurrency %d on queues %v", a.config.ID, a.config.Concurrency, a.config.Queues)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	// Helper to trigger immediate non-blocking re-poll
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	taskCtx := context.WithoutCancel(ctx)

	// Initial poll
	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			log.Println("Context cancelled, waiting for running tasks to finish...")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			// Timer-based poll (with backoff)
			triggerPoll()

		case <-pollNow:
			// Count available slots
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			// Batch dequeue up to available slots
			items, err := a.queue.DequeueBatch(ctx, a.config.Queues, availableSlots)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("DequeueBatch error: %v", err)
				}
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

			log.Printf("Claimed %d tasks", len(items))

			// Dispatch each task to a worker goroutine
			for _, item := range items {
				// Acquire semaphore slot
				sem <- struct{}{}

				wg.Add(1)
				go func(item store.QueueItem) {
					defer wg.Done()
					defer func() {
						<-sem
						// Signal that a slot is now available - trigger immediate re-poll
						triggerPoll()
					}()
					a.processItem(taskCtx, item)
				}(item)
			}

			// If we got tasks and there are still slots available, poll again immediately
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

// processItem runs a single task that has already been dequeued.
func (a *Agent) processItem(ctx context.Context, item store.QueueItem) {
	traceCtx, kwargs := dispatch.Decode(ctx, item.Kwargs)

	tracer := otel.Tracer("worker-agent")
	spanCtx, span := tracer.Start(traceCtx, item.Name,
		trace.WithAttributes(
			attribute.Int64("task.id", item.ID),
			attribute.String("task.name", item.Name),
			attribute.String("task.queue", item.Queue),
			attribute.Int("task.attempt", item.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// Start heartbeat to refresh visibility timeout during execution
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, item.ID)

	started := time.Now()
	err := a.registry.Handle(spanCtx, item.Name, kwargs)
	cancelHeartbeat()

	outcome := "completed"
	switch {
	case errors.Is(err, dispatch.ErrUnknownTask):
		outcome = "unknown"
	case err != nil:
		outcome = "failed"
	}
	attrs := metric.WithAttributes(attribute.String("task.name", item.Name), attribute.String("outcome", outcome))
	tasksHandled.Add(context.Background(), 1, attrs)
	taskDuration.Record(context.Background(), time.Since(started).Seconds(), attrs)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Printf("Task %s (%d, attempt %d) failed after %v: %v", item.Name, item.ID, item.Attempt, time.Since(started), err)
		if ferr := a.queue.Fail(context.Background(), nil, item.ID, err.Error()); ferr != nil {
			log.Printf("Failed to record failure of task %d: %v", item.ID, ferr)
		}
		return
	}

	if cerr := a.queue.Complete(context.Background(), nil, item.ID); cerr != nil {
		log.Printf("Failed to complete task %d: %v", item.ID, cerr)
	}
}

// runHeartbeat refreshes the visibility timeout periodically while a task is executing.
// This prevents long-running runs from being picked up by another worker.
func (a *Agent) runHeartbeat(ctx context.Context, id int64) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Extend visibility timeout
			visibleAfter := time.Now().Add(a.config.VisibilityExtension)
			if err := a.queue.SetVisibleAfter(context.Background(), nil, id, visibleAfter); err != nil {
				log.Printf("Heartbeat failed for task %d: %v", id, err)
			}
		}
	}
}

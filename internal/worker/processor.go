// Package worker drives task execution: it leases deliveries from the
// broker, runs the registered handler under the task class's time limit
// and retry policy, and records the outcome on the durable job ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"spotify-insights/internal/config"
	"spotify-insights/internal/models"
	"spotify-insights/internal/queue"
	"spotify-insights/internal/store"
	"spotify-insights/internal/telemetry"
)

// Handler executes one task attempt. The returned payload becomes the
// job's result on success.
type Handler func(ctx context.Context, job models.JobRecord) (map[string]any, error)

// RetryPolicy bounds retries per task class.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	Exponential    bool
}

// TaskDef binds a task type to its queue, policy, and handler. The
// registry is assembled once at process start.
type TaskDef struct {
	Type      string
	Queue     string
	Retry     RetryPolicy
	TimeLimit time.Duration
	Handler   Handler
}

// Registry is the immutable task-type table a processor executes from.
type Registry struct {
	defs map[string]TaskDef
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]TaskDef)}
}

// Register binds a definition. Registering a duplicate type or a nil
// handler is a programming error.
func (r *Registry) Register(def TaskDef) {
	if def.Type == "" || def.Handler == nil {
		panic(fmt.Sprintf("invalid task definition %q", def.Type))
	}
	if _, dup := r.defs[def.Type]; dup {
		panic(fmt.Sprintf("duplicate task definition %q", def.Type))
	}
	r.defs[def.Type] = def
}

// Lookup resolves a task type.
func (r *Registry) Lookup(taskType string) (TaskDef, bool) {
	def, ok := r.defs[taskType]
	return def, ok
}

// QueueFor returns the queue a task type routes to, defaulting to the
// maintenance queue for unknown types.
func (r *Registry) QueueFor(taskType string) string {
	if def, ok := r.defs[taskType]; ok {
		return def.Queue
	}
	return models.QueueMaintenance
}

// JobStore is the slice of the store the processor touches.
type JobStore interface {
	GetJobByTaskID(ctx context.Context, taskID string) (models.JobRecord, error)
	MarkJobRunning(ctx context.Context, id uuid.UUID, attempts int) error
	MarkJobSuccess(ctx context.Context, id uuid.UUID, result map[string]any) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	RequeueJobForRetry(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error
	ReconcileRunningJob(ctx context.Context, taskID string) error
}

var _ JobStore = (*store.Store)(nil)

// Processor is the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	jobs     JobStore
	registry *Registry
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, jobs JobStore, registry *Registry) *Processor {
	return &Processor{cfg: cfg, queue: q, jobs: jobs, registry: registry}
}

// Run polls for work until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		_, _ = p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize))

		// Lease expiry means a worker died mid-attempt. The delivery goes
		// back to ready and the stuck running row back to pending, so the
		// redelivery is not mistaken for a concurrent execution.
		if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			for _, taskID := range reclaimed {
				if err := p.jobs.ReconcileRunningJob(ctx, taskID); err != nil {
					log.Printf("reconcile reclaimed task %s: %v", taskID, err)
				}
			}
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		taskID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || taskID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.processDelivery(ctx, taskID)
	}
}

// processDelivery executes one leased delivery end to end. The ack only
// happens after a terminal outcome or retry schedule is durably
// recorded; an infrastructure failure before that leaves the lease to
// expire and the broker to redeliver.
func (p *Processor) processDelivery(ctx context.Context, taskID string) {
	job, err := p.jobs.GetJobByTaskID(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			// A delivery with no ledger row has nothing to execute.
			log.Printf("dropping task %s: no job record", taskID)
			_ = p.queue.Ack(ctx, taskID)
		}
		return
	}
	if job.Terminal() {
		// Redelivery of an already-settled attempt. Converge silently.
		_ = p.queue.Ack(ctx, taskID)
		return
	}

	def, ok := p.registry.Lookup(job.Type)
	if !ok {
		_ = p.jobs.MarkJobFailed(ctx, job.ID, fmt.Sprintf("no task registered for type %q", job.Type))
		_ = p.queue.Ack(ctx, taskID)
		telemetry.TaskFailed.WithLabelValues(job.Type).Inc()
		return
	}

	attempts := job.Attempts + 1
	if err := p.jobs.MarkJobRunning(ctx, job.ID, attempts); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			// Another worker holds the row; this delivery is stale.
			_ = p.queue.Ack(ctx, taskID)
		}
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	result, runErr := p.runHandler(ctx, def, job)

	if runErr == nil {
		if err := p.jobs.MarkJobSuccess(ctx, job.ID, result); err != nil {
			log.Printf("mark job %s success: %v", job.ID, err)
			return // unacked: the redelivery finds a running row and reconciles
		}
		_ = p.queue.Ack(ctx, taskID)
		telemetry.TaskSuccess.WithLabelValues(job.Type).Inc()
		return
	}

	if !IsPermanent(runErr) && attempts <= def.Retry.MaxRetries {
		nextRun := time.Now().Add(backoffFor(def.Retry, attempts))
		if err := p.jobs.RequeueJobForRetry(ctx, job.ID, attempts, runErr.Error()); err != nil {
			log.Printf("requeue job %s: %v", job.ID, err)
			return
		}
		_ = p.queue.Schedule(ctx, taskID, def.Queue, nextRun)
		_ = p.queue.Ack(ctx, taskID)
		telemetry.TaskRetried.WithLabelValues(job.Type).Inc()
		log.Printf("task %s (%s) attempt %d failed, retry at %s: %v",
			taskID, job.Type, attempts, nextRun.UTC().Format(time.RFC3339), runErr)
		return
	}

	if err := p.jobs.MarkJobFailed(ctx, job.ID, runErr.Error()); err != nil {
		log.Printf("mark job %s failed: %v", job.ID, err)
		return
	}
	_ = p.queue.Ack(ctx, taskID)
	telemetry.TaskFailed.WithLabelValues(job.Type).Inc()
	if !IsPermanent(runErr) {
		// Retry budget exhausted on a transient fault: park for inspection.
		_ = p.queue.DLQPush(ctx, taskID)
		telemetry.TaskDeadLetter.Inc()
	}
	log.Printf("task %s (%s) failed terminally after %d attempts: %v", taskID, job.Type, attempts, runErr)
}

// runHandler executes the handler under the task's hard time limit,
// converting panics into failures so a bad payload cannot kill the loop.
func (p *Processor) runHandler(ctx context.Context, def TaskDef, job models.JobRecord) (result map[string]any, err error) {
	limit := def.TimeLimit
	if limit <= 0 {
		limit = p.cfg.TaskTimeLimit
	}
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return def.Handler(runCtx, job)
}

// backoffFor computes the retry delay for the attempt just failed.
// Exponential policies double per attempt with jitter in the upper half.
func backoffFor(policy RetryPolicy, attempt int) time.Duration {
	base := policy.InitialBackoff
	if base <= 0 {
		base = time.Second
	}
	if !policy.Exponential {
		return base
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if wait > 30*time.Minute {
		wait = 30 * time.Minute
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

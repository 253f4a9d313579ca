package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"spotify-insights/internal/config"
	"spotify-insights/internal/models"
	"spotify-insights/internal/queue"
	"spotify-insights/internal/store"
)

// memJobs is an in-memory JobStore mirroring the SQL transition guards.
type memJobs struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*models.JobRecord
	byTask map[string]uuid.UUID
}

func newMemJobs() *memJobs {
	return &memJobs{byID: make(map[uuid.UUID]*models.JobRecord), byTask: make(map[string]uuid.UUID)}
}

func (m *memJobs) add(taskType, taskID string, params map[string]any) *models.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := &models.JobRecord{
		ID:     uuid.New(),
		Type:   taskType,
		TaskID: &taskID,
		Status: models.StatusPending,
		Params: params,
	}
	m.byID[job.ID] = job
	m.byTask[taskID] = job.ID
	return job
}

func (m *memJobs) GetJobByTaskID(_ context.Context, taskID string) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTask[taskID]
	if !ok {
		return models.JobRecord{}, store.ErrJobNotFound
	}
	return *m.byID[id], nil
}

func (m *memJobs) MarkJobRunning(_ context.Context, id uuid.UUID, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byID[id]
	if !ok || job.Status != models.StatusPending {
		return store.ErrJobNotFound
	}
	job.Status = models.StatusRunning
	job.Attempts = attempts
	return nil
}

func (m *memJobs) MarkJobSuccess(_ context.Context, id uuid.UUID, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.byID[id]
	if job.Status != models.StatusRunning {
		return errors.New("not running")
	}
	job.Status = models.StatusSuccess
	job.Result = result
	return nil
}

func (m *memJobs) MarkJobFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.byID[id]
	if job.Terminal() {
		return nil
	}
	job.Status = models.StatusFailed
	job.ErrorMessage = &errMsg
	return nil
}

func (m *memJobs) RequeueJobForRetry(_ context.Context, id uuid.UUID, attempts int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := m.byID[id]
	if job.Status != models.StatusRunning {
		return errors.New("not running")
	}
	job.Status = models.StatusPending
	job.Attempts = attempts
	job.ErrorMessage = &errMsg
	return nil
}

func (m *memJobs) ReconcileRunningJob(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byTask[taskID]; ok && m.byID[id].Status == models.StatusRunning {
		m.byID[id].Status = models.StatusPending
	}
	return nil
}

func (m *memJobs) get(id uuid.UUID) models.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.byID[id]
}

func testSetup(t *testing.T) (config.Config, *queue.RedisQueue, *memJobs, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		Queues:             []string{models.QueueSpotify, models.QueueInsights, models.QueueMaintenance},
		VisibilityTimeout:  30 * time.Second,
		WorkerPollInterval: 10 * time.Millisecond,
		ScheduledBatchSize: 100,
		TaskTimeLimit:      time.Second,
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cfg, queue.NewRedisQueueWithClient(client, cfg), newMemJobs(), mr
}

func TestProcessSuccessLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg, q, jobs, _ := testSetup(t)

	registry := NewRegistry()
	registry.Register(TaskDef{
		Type: "noop", Queue: models.QueueSpotify,
		Retry: RetryPolicy{MaxRetries: 3, InitialBackoff: time.Minute},
		Handler: func(ctx context.Context, job models.JobRecord) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	})
	p := NewProcessor(cfg, q, jobs, registry)

	job := jobs.add("noop", "t1", nil)
	if err := q.Enqueue(ctx, "t1", models.QueueSpotify, time.Now()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	taskID, err := q.DequeueWithLease(ctx)
	if err != nil || taskID != "t1" {
		t.Fatalf("dequeue got %q err=%v", taskID, err)
	}
	p.processDelivery(ctx, taskID)

	got := jobs.get(job.ID)
	if got.Status != models.StatusSuccess {
		t.Fatalf("status = %s, want success", got.Status)
	}
	if got.Result["ok"] != true {
		t.Fatalf("result not recorded: %+v", got.Result)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	// The delivery must be acked out of in-flight.
	if reclaimed, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); len(reclaimed) != 0 {
		t.Fatalf("expected empty in-flight set, got %v", reclaimed)
	}
}

func TestProcessTransientErrorSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	cfg, q, jobs, mr := testSetup(t)

	calls := 0
	registry := NewRegistry()
	registry.Register(TaskDef{
		Type: "flaky", Queue: models.QueueSpotify,
		Retry: RetryPolicy{MaxRetries: 3, InitialBackoff: 50 * time.Millisecond, Exponential: true},
		Handler: func(ctx context.Context, job models.JobRecord) (map[string]any, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("spotify 503")
			}
			return map[string]any{"ok": true}, nil
		},
	})
	p := NewProcessor(cfg, q, jobs, registry)

	job := jobs.add("flaky", "t1", nil)
	_ = q.Enqueue(ctx, "t1", models.QueueSpotify, time.Now())

	taskID, _ := q.DequeueWithLease(ctx)
	p.processDelivery(ctx, taskID)

	got := jobs.get(job.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status after transient failure = %s, want pending", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "spotify 503" {
		t.Fatalf("error message not preserved: %+v", got.ErrorMessage)
	}

	// The retry sits in the scheduled set until its backoff elapses.
	if id, _ := q.DequeueWithLease(ctx); id != "" {
		t.Fatalf("retry should not be ready yet, got %q", id)
	}
	mr.FastForward(time.Minute)
	if _, err := q.PromoteScheduled(ctx, time.Now().Add(time.Minute), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	taskID, _ = q.DequeueWithLease(ctx)
	if taskID != "t1" {
		t.Fatalf("expected redelivery of t1, got %q", taskID)
	}
	p.processDelivery(ctx, taskID)

	if got := jobs.get(job.ID); got.Status != models.StatusSuccess || got.Attempts != 2 {
		t.Fatalf("after retry: status=%s attempts=%d", got.Status, got.Attempts)
	}
}

func TestProcessPermanentErrorFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	cfg, q, jobs, _ := testSetup(t)

	registry := NewRegistry()
	registry.Register(TaskDef{
		Type: "broken", Queue: models.QueueSpotify,
		Retry: RetryPolicy{MaxRetries: 3, InitialBackoff: time.Minute},
		Handler: func(ctx context.Context, job models.JobRecord) (map[string]any, error) {
			return nil, Permanent(errors.New("snapshot not found"))
		},
	})
	p := NewProcessor(cfg, q, jobs, registry)

	job := jobs.add("broken", "t1", nil)
	_ = q.Enqueue(ctx, "t1", models.QueueSpotify, time.Now())

	taskID, _ := q.DequeueWithLease(ctx)
	p.processDelivery(ctx, taskID)

	got := jobs.get(job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("permanent error must not retry, attempts = %d", got.Attempts)
	}
	// Permanent config faults are not dead-lettered.
	if items, _ := q.DLQPeek(ctx, 10); len(items) != 0 {
		t.Fatalf("unexpected DLQ items %v", items)
	}
}

func TestProcessExhaustedRetriesDeadLetters(t *testing.T) {
	ctx := context.Background()
	cfg, q, jobs, _ := testSetup(t)

	registry := NewRegistry()
	registry.Register(TaskDef{
		Type: "alwaysdown", Queue: models.QueueSpotify,
		Retry: RetryPolicy{MaxRetries: 1, InitialBackoff: time.Millisecond},
		Handler: func(ctx context.Context, job models.JobRecord) (map[string]any, error) {
			return nil, errors.New("still down")
		},
	})
	p := NewProcessor(cfg, q, jobs, registry)

	job := jobs.add("alwaysdown", "t1", nil)
	_ = q.Enqueue(ctx, "t1", models.QueueSpotify, time.Now())

	for i := 0; i < 2; i++ {
		_, _ = q.PromoteScheduled(ctx, time.Now().Add(time.Hour), 10)
		taskID, _ := q.DequeueWithLease(ctx)
		if taskID == "" {
			t.Fatalf("iteration %d: no delivery", i)
		}
		p.processDelivery(ctx, taskID)
	}

	got := jobs.get(job.ID)
	if got.Status != models.StatusFailed || got.Attempts != 2 {
		t.Fatalf("status=%s attempts=%d, want failed after 2 attempts", got.Status, got.Attempts)
	}
	items, _ := q.DLQPeek(ctx, 10)
	if len(items) != 1 || items[0] != "t1" {
		t.Fatalf("DLQ = %v, want [t1]", items)
	}
}

func TestTerminalRedeliveryConverges(t *testing.T) {
	ctx := context.Background()
	cfg, q, jobs, _ := testSetup(t)

	registry := NewRegistry()
	registry.Register(TaskDef{
		Type: "noop", Queue: models.QueueSpotify,
		Retry: RetryPolicy{MaxRetries: 1, InitialBackoff: time.Minute},
		Handler: func(ctx context.Context, job models.JobRecord) (map[string]any, error) {
			t.Fatalf("handler must not run for terminal job")
			return nil, nil
		},
	})
	p := NewProcessor(cfg, q, jobs, registry)

	job := jobs.add("noop", "t1", nil)
	jobs.mu.Lock()
	jobs.byID[job.ID].Status = models.StatusSuccess
	jobs.mu.Unlock()

	_ = q.Enqueue(ctx, "t1", models.QueueSpotify, time.Now())
	taskID, _ := q.DequeueWithLease(ctx)
	p.processDelivery(ctx, taskID)

	if got := jobs.get(job.ID); got.Status != models.StatusSuccess {
		t.Fatalf("terminal row must not change, got %s", got.Status)
	}
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	cfg, q, jobs, _ := testSetup(t)

	registry := NewRegistry()
	registry.Register(TaskDef{
		Type: "panicky", Queue: models.QueueSpotify,
		Retry: RetryPolicy{MaxRetries: 0, InitialBackoff: time.Minute},
		Handler: func(ctx context.Context, job models.JobRecord) (map[string]any, error) {
			panic("nil map write")
		},
	})
	p := NewProcessor(cfg, q, jobs, registry)

	job := jobs.add("panicky", "t1", nil)
	_ = q.Enqueue(ctx, "t1", models.QueueSpotify, time.Now())
	taskID, _ := q.DequeueWithLease(ctx)
	p.processDelivery(ctx, taskID)

	got := jobs.get(job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestBackoffFor(t *testing.T) {
	fixed := RetryPolicy{MaxRetries: 1, InitialBackoff: 5 * time.Minute}
	if got := backoffFor(fixed, 1); got != 5*time.Minute {
		t.Fatalf("fixed policy backoff = %s", got)
	}

	exp := RetryPolicy{MaxRetries: 3, InitialBackoff: time.Minute, Exponential: true}
	for attempt := 1; attempt <= 3; attempt++ {
		full := time.Duration(float64(time.Minute) * float64(int(1)<<(attempt-1)))
		got := backoffFor(exp, attempt)
		if got < full/2 || got > full {
			t.Fatalf("attempt %d: backoff %s outside [%s, %s]", attempt, got, full/2, full)
		}
	}
}

func TestUnregisteredTypeFailsJob(t *testing.T) {
	ctx := context.Background()
	cfg, q, jobs, _ := testSetup(t)
	p := NewProcessor(cfg, q, jobs, NewRegistry())

	job := jobs.add("mystery", "t1", nil)
	_ = q.Enqueue(ctx, "t1", models.QueueSpotify, time.Now())
	taskID, _ := q.DequeueWithLease(ctx)
	p.processDelivery(ctx, taskID)

	if got := jobs.get(job.ID); got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

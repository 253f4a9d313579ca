// Package dispatch creates job records and hands their deliveries to
// the broker. Every asynchronous execution enters the system through a
// dispatcher: the ledger row exists before the first delivery does.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"spotify-insights/internal/models"
	"spotify-insights/internal/store"
	"spotify-insights/internal/telemetry"
)

// taskQueues routes each task class to its queue.
var taskQueues = map[string]string{
	models.TaskIngestListening: models.QueueSpotify,
	models.TaskRefreshToken:    models.QueueSpotify,
	models.TaskGenerateInsight: models.QueueInsights,
	models.TaskRefreshExpiring: models.QueueMaintenance,
	models.TaskIngestAllUsers:  models.QueueMaintenance,
	models.TaskWeeklyInsights:  models.QueueMaintenance,
	models.TaskCleanupRecords:  models.QueueMaintenance,
	models.TaskPlatformStats:   models.QueueMaintenance,
	models.TaskMonthlyTrends:   models.QueueMaintenance,
}

// QueueForTask resolves a task type's queue, defaulting to maintenance.
func QueueForTask(taskType string) string {
	if q, ok := taskQueues[taskType]; ok {
		return q
	}
	return models.QueueMaintenance
}

// JobCreator is the slice of the store the dispatcher writes through.
type JobCreator interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.JobRecord, error)
}

var _ JobCreator = (*store.Store)(nil)

// Broker is the enqueue surface of the task queue.
type Broker interface {
	Enqueue(ctx context.Context, taskID, queue string, runAt time.Time) error
}

// Dispatcher pairs the durable job ledger with the Redis broker.
type Dispatcher struct {
	jobs   JobCreator
	broker Broker
}

func New(jobs JobCreator, broker Broker) *Dispatcher {
	return &Dispatcher{jobs: jobs, broker: broker}
}

// Dispatch creates a pending job record and enqueues its delivery. The
// task id in the broker and the ledger row reference each other.
func (d *Dispatcher) Dispatch(ctx context.Context, taskType string, userID *uuid.UUID, params map[string]any) (models.JobRecord, error) {
	taskID := uuid.NewString()
	job, err := d.jobs.CreateJob(ctx, store.CreateJobParams{
		Type:   taskType,
		TaskID: taskID,
		UserID: userID,
		Params: params,
	})
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("create job record: %w", err)
	}
	if err := d.broker.Enqueue(ctx, taskID, QueueForTask(taskType), time.Now()); err != nil {
		return models.JobRecord{}, fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(taskType).Inc()
	return job, nil
}

// EnqueueIngestion queues one user's listening-data ingestion.
func (d *Dispatcher) EnqueueIngestion(ctx context.Context, userID uuid.UUID, tr models.TimeRange) (models.JobRecord, error) {
	return d.Dispatch(ctx, models.TaskIngestListening, &userID, map[string]any{
		"user_id":    userID.String(),
		"time_range": string(tr),
	})
}

// EnqueueInsight queues insight generation against a snapshot.
func (d *Dispatcher) EnqueueInsight(ctx context.Context, snapshotID uuid.UUID, kind models.InsightKind, tone string) (models.JobRecord, error) {
	return d.Dispatch(ctx, models.TaskGenerateInsight, nil, map[string]any{
		"snapshot_id": snapshotID.String(),
		"kind":        string(kind),
		"tone":        tone,
	})
}

// EnqueueTokenRefresh queues an on-demand credential refresh.
func (d *Dispatcher) EnqueueTokenRefresh(ctx context.Context, userID uuid.UUID) (models.JobRecord, error) {
	return d.Dispatch(ctx, models.TaskRefreshToken, &userID, map[string]any{
		"user_id": userID.String(),
	})
}

// EnqueueSweep queues one of the periodic maintenance task types.
func (d *Dispatcher) EnqueueSweep(ctx context.Context, taskType string) (models.JobRecord, error) {
	return d.Dispatch(ctx, taskType, nil, map[string]any{})
}

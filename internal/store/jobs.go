package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"spotify-insights/internal/models"
)

// ErrJobNotFound is returned when no job row matches the lookup.
var ErrJobNotFound = errors.New("job not found")

// CreateJobParams collects inputs required to insert a pending job record.
type CreateJobParams struct {
	Type   string
	TaskID string
	UserID *uuid.UUID
	Params map[string]any
}

// CreateJob inserts a job record in the pending state. The status
// transitions that follow are owned by the execution framework.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.JobRecord, error) {
	if p.Params == nil {
		p.Params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("marshal params: %w", err)
	}

	id := uuid.New()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, task_id, user_id, status, params, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
	`, id, p.Type, emptyToNil(p.TaskID), p.UserID, models.StatusPending, paramsJSON, now)
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("insert job: %w", err)
	}

	return models.JobRecord{
		ID:        id,
		Type:      p.Type,
		TaskID:    emptyToNil(p.TaskID),
		UserID:    p.UserID,
		Status:    models.StatusPending,
		Params:    p.Params,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

const jobColumns = `id, job_type, task_id, user_id, status, params, result, error_message, attempts, started_at, completed_at, created_at, updated_at`

// GetJob fetches a job record by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetJobByTaskID fetches a job record by its external task-queue id.
func (s *Store) GetJobByTaskID(ctx context.Context, taskID string) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id = $1`, taskID)
	return scanJob(row)
}

func scanJob(row pgx.Row) (models.JobRecord, error) {
	var (
		job        models.JobRecord
		taskID     pgtype.Text
		userID     *uuid.UUID
		paramsJSON []byte
		resultJSON []byte
		errMsg     pgtype.Text
		startedAt  pgtype.Timestamptz
		doneAt     pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.Type, &taskID, &userID, &job.Status, &paramsJSON, &resultJSON,
		&errMsg, &job.Attempts, &startedAt, &doneAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, ErrJobNotFound
	}
	if err != nil {
		return models.JobRecord{}, fmt.Errorf("scan job: %w", err)
	}

	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.JobRecord{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.TaskID = textPtr(taskID)
	job.UserID = userID
	job.ErrorMessage = textPtr(errMsg)
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if doneAt.Valid {
		job.CompletedAt = &doneAt.Time
	}
	return job, nil
}

// MarkJobRunning transitions pending -> running exactly once, stamping
// started_at. A row already past pending is left untouched.
func (s *Store) MarkJobRunning(ctx context.Context, id uuid.UUID, attempts int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusRunning, attempts, models.StatusPending)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not in pending state", id)
	}
	return nil
}

// MarkJobSuccess transitions running -> success with a result payload.
// Terminal rows are never overwritten.
func (s *Store) MarkJobSuccess(ctx context.Context, id uuid.UUID, result map[string]any) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, error_message = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusSuccess, resultJSON, models.StatusRunning)
	return err
}

// MarkJobFailed transitions running -> failed, recording the error text.
func (s *Store) MarkJobFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, error_message = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, models.StatusFailed, errMsg, models.StatusSuccess, models.StatusFailed)
	return err
}

// RequeueJobForRetry moves a running job back to pending between retry
// attempts, preserving the error text for inspection.
func (s *Store) RequeueJobForRetry(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, error_message = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusPending, attempts, errMsg, models.StatusRunning)
	return err
}

// ReconcileRunningJob resets a reclaimed (lease-expired) running job back
// to pending so its redelivery can execute it again.
func (s *Store) ReconcileRunningJob(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE task_id = $1 AND status = $3
	`, taskID, models.StatusPending, models.StatusRunning)
	return err
}

// DeleteTerminalJobsBefore removes success/failed job records created
// before the cutoff. Returns the number of rows deleted.
func (s *Store) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE created_at < $1 AND status IN ($2, $3)
	`, cutoff, models.StatusSuccess, models.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

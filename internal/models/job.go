package models

import (
	"time"

	"github.com/google/uuid"
)

// Job record lifecycle states persisted in Postgres. The only legal
// sequences are pending -> running -> success and
// pending -> running -> failed; terminal rows are never resurrected.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Task types known to the execution framework.
const (
	TaskIngestListening = "ingest_listening_data"
	TaskGenerateInsight = "generate_insight"
	TaskRefreshToken    = "refresh_token"
	TaskRefreshExpiring = "refresh_expiring_tokens"
	TaskIngestAllUsers  = "ingest_all_users"
	TaskWeeklyInsights  = "generate_weekly_insights"
	TaskCleanupRecords  = "cleanup_old_records"
	TaskPlatformStats   = "update_platform_statistics"
	TaskMonthlyTrends   = "generate_monthly_trends"
)

// Named queues. Each task class is bound to exactly one queue so that
// external-API-bound, LLM-bound, and maintenance workloads scale
// independently.
const (
	QueueSpotify     = "spotify"
	QueueInsights    = "insights"
	QueueMaintenance = "scheduled"
)

// JobRecord is the durable ledger row for one asynchronous task invocation.
type JobRecord struct {
	ID           uuid.UUID      `json:"id"`
	Type         string         `json:"type"`
	TaskID       *string        `json:"task_id,omitempty"`
	UserID       *uuid.UUID     `json:"user_id,omitempty"`
	Status       string         `json:"status"`
	Params       map[string]any `json:"params"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the record reached a final state.
func (j JobRecord) Terminal() bool {
	return j.Status == StatusSuccess || j.Status == StatusFailed
}

// SweepSummary is the result payload shape shared by all fan-out sweeps.
type SweepSummary struct {
	TotalCandidates int `json:"total_candidates"`
	Queued          int `json:"queued"`
	Failed          int `json:"failed"`
}

// Payload converts the summary to a job result payload.
func (s SweepSummary) Payload() map[string]any {
	return map[string]any{
		"total_candidates": s.TotalCandidates,
		"queued":           s.Queued,
		"failed":           s.Failed,
	}
}

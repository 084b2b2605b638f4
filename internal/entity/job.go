package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is one durable unit of asynchronous work created from a platform event.
// Rows are never deleted by this service; the admin dashboard reads them for audit.
type Job struct {
	ID               uuid.UUID       `json:"id"`
	QueueName        string          `json:"queue_name"`
	Name             string          `json:"name"`
	Status           JobStatus       `json:"status"`
	Priority         int             `json:"priority"`
	Attempts         int             `json:"attempts"`
	MaxAttempts      int             `json:"max_attempts"`
	Data             json.RawMessage `json:"data"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *string         `json:"error,omitempty"`
	ParentJobID      *uuid.UUID      `json:"parent_job_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
	ProcessingTimeMs *int64          `json:"processing_time_ms,omitempty"`
	WorkerInstance   *string         `json:"worker_instance,omitempty"`
}

package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-ingest-service/internal/entity"
)

var ErrNotFound = errors.New("not found")

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

type CreateJobParams struct {
	QueueName   string
	Name        string
	Priority    int
	MaxAttempts int
	Data        json.RawMessage
	ParentJobID *uuid.UUID
}

func (r *JobRepository) Create(ctx context.Context, p CreateJobParams) (uuid.UUID, error) {
	if len(p.Data) == 0 {
		p.Data = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO jobs (queue_name, job_name, status, priority, attempts, max_attempts, data, parent_job_id)
VALUES ($1, $2, 'pending', $3, 0, $4, $5, $6)
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q, p.QueueName, p.Name, p.Priority, p.MaxAttempts, p.Data, p.ParentJobID).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `
SELECT id, queue_name, job_name, status, priority, attempts, max_attempts,
       data, result, error, parent_job_id,
       created_at, updated_at, started_at, completed_at, failed_at,
       processing_time_ms, worker_instance
FROM jobs
WHERE id = $1;
`

	var (
		job         entity.Job
		statusText  string
		dataBytes   []byte
		resultBytes []byte
	)

	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&job.ID,
		&job.QueueName,
		&job.Name,
		&statusText,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&dataBytes,
		&resultBytes, // NULL => nil
		&job.Error,   // NULL => nil
		&job.ParentJobID,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.FailedAt,
		&job.ProcessingTimeMs,
		&job.WorkerInstance,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job.Status = entity.JobStatus(statusText)
	job.Data = json.RawMessage(dataBytes)
	if resultBytes != nil {
		job.Result = json.RawMessage(resultBytes)
	}

	return &job, nil
}

// MarkActive records a delivery attempt: pending/failed -> active.
func (r *JobRepository) MarkActive(ctx context.Context, id uuid.UUID, workerInstance string, attempt int) error {
	const q = `
UPDATE jobs
SET status='active', attempts=$2, worker_instance=$3, started_at=now(), updated_at=now()
WHERE id=$1;
`
	tag, err := r.pool.Exec(ctx, q, id, attempt, workerInstance)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, processingTimeMs int64) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	const q = `
UPDATE jobs
SET status='completed', result=$2, error=NULL, processing_time_ms=$3,
    completed_at=now(), updated_at=now()
WHERE id=$1;
`
	tag, err := r.pool.Exec(ctx, q, id, result, processingTimeMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, errText string, processingTimeMs int64) error {
	const q = `
UPDATE jobs
SET status='failed', error=$2, processing_time_ms=$3, failed_at=now(), updated_at=now()
WHERE id=$1;
`
	tag, err := r.pool.Exec(ctx, q, id, errText, processingTimeMs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingOlderThan returns pending jobs past a grace period. The
// reconciler re-enqueues the ones the broker has no state for (crash
// between insert and enqueue); the rest are just backlogged.
func (r *JobRepository) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*entity.Job, error) {
	const q = `
SELECT id, queue_name, priority, max_attempts
FROM jobs
WHERE status='pending' AND created_at < now() - $1::interval
ORDER BY created_at ASC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, age.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		var j entity.Job
		if err := rows.Scan(&j.ID, &j.QueueName, &j.Priority, &j.MaxAttempts); err != nil {
			return nil, err
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

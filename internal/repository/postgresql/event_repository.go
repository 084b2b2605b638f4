package postgresql

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

type CreateEventParams struct {
	EventType  string
	EventID    *string
	ReplyToken *string
	UserID     *string
	GroupID    *string
	RoomID     *string
	EventData  json.RawMessage
	WebhookID  string
	JobID      *uuid.UUID
}

func (r *EventRepository) Create(ctx context.Context, p CreateEventParams) (int64, error) {
	if len(p.EventData) == 0 {
		p.EventData = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO events (event_type, event_id, reply_token, user_id, group_id, room_id,
                    event_data, webhook_id, processed, job_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, $9)
RETURNING id;
`
	var id int64
	if err := r.pool.QueryRow(ctx, q,
		p.EventType, p.EventID, p.ReplyToken, p.UserID, p.GroupID, p.RoomID,
		p.EventData, p.WebhookID, p.JobID,
	).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// LinkJob back-references the Job created for this event. An event
// references at most one job.
func (r *EventRepository) LinkJob(ctx context.Context, id int64, jobID uuid.UUID) error {
	const q = `UPDATE events SET job_id=$2 WHERE id=$1;`

	tag, err := r.pool.Exec(ctx, q, id, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *EventRepository) MarkProcessingStarted(ctx context.Context, id int64) error {
	const q = `UPDATE events SET processing_started_at=now() WHERE id=$1;`

	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkProcessed closes out the event. procErr is nil on success; a
// non-nil value records the terminal handler error.
func (r *EventRepository) MarkProcessed(ctx context.Context, id int64, procErr *string) error {
	const q = `
UPDATE events
SET processed=true, processing_completed_at=now(), processing_error=$2
WHERE id=$1;
`
	tag, err := r.pool.Exec(ctx, q, id, procErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordProcessingError notes a failed (but retryable) attempt without
// marking the event processed.
func (r *EventRepository) RecordProcessingError(ctx context.Context, id int64, procErr string) error {
	const q = `UPDATE events SET processing_error=$2 WHERE id=$1;`

	tag, err := r.pool.Exec(ctx, q, id, procErr)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

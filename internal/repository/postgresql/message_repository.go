package postgresql

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

type CreateMessageParams struct {
	MessageID   string
	MessageType string
	Content     json.RawMessage
	UserID      *string
	EventID     *int64
	ReplyToken  *string
	SentAt      *time.Time
}

// Create inserts the message row. message_id is unique and platform
// redeliveries are expected, so a duplicate is a silent no-op; the bool
// reports whether a new row was written.
func (r *MessageRepository) Create(ctx context.Context, p CreateMessageParams) (bool, error) {
	if len(p.Content) == 0 {
		p.Content = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO messages (message_id, message_type, content, user_id, event_id, reply_token, responded, sent_at)
VALUES ($1, $2, $3, $4, $5, $6, false, $7)
ON CONFLICT (message_id) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, q,
		p.MessageID, p.MessageType, p.Content, p.UserID, p.EventID, p.ReplyToken, p.SentAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *MessageRepository) MarkResponded(ctx context.Context, messageID, responseType string, responseJobID uuid.UUID) error {
	const q = `
UPDATE messages
SET responded=true, response_type=$2, response_job_id=$3
WHERE message_id=$1;
`
	tag, err := r.pool.Exec(ctx, q, messageID, responseType, responseJobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

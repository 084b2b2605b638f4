package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chat-ingest-service/internal/broker"
	"chat-ingest-service/internal/entity"
	"chat-ingest-service/internal/repository/postgresql"
)

// Ports over the Postgres repositories and the Redis broker. Fakes in
// tests implement these.
type JobStore interface {
	Create(ctx context.Context, p postgresql.CreateJobParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type EventStore interface {
	Create(ctx context.Context, p postgresql.CreateEventParams) (int64, error)
	LinkJob(ctx context.Context, id int64, jobID uuid.UUID) error
}

type MessageStore interface {
	Create(ctx context.Context, p postgresql.CreateMessageParams) (bool, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p broker.EnqueueParams) error
}

// JobPayload is what the worker receives: the raw platform event plus the
// event row to close out when processing finishes.
type JobPayload struct {
	EventRowID int64           `json:"event_row_id"`
	WebhookID  string          `json:"webhook_id"`
	Event      json.RawMessage `json:"event"`
}

type IngestService struct {
	jobs        JobStore
	events      EventStore
	messages    MessageStore
	queue       Enqueuer
	maxAttempts int
	log         *zap.Logger
}

func NewIngestService(jobs JobStore, events EventStore, messages MessageStore, queue Enqueuer, maxAttempts int, log *zap.Logger) *IngestService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &IngestService{
		jobs:        jobs,
		events:      events,
		messages:    messages,
		queue:       queue,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

type IngestResult struct {
	JobID     uuid.UUID
	Queue     string
	Duplicate bool
}

// IngestEvent turns one parsed platform event into durable work: event row,
// job row (linked), message row for message events, then broker enqueue.
// Always enqueue, never process inline — the request handler only persists.
func (s *IngestService) IngestEvent(ctx context.Context, webhookID string, raw json.RawMessage, ev *entity.PlatformEvent) (IngestResult, error) {
	route := RouteEvent(ev.Kind())

	eventRowID, err := s.events.Create(ctx, postgresql.CreateEventParams{
		EventType:  ev.Type,
		EventID:    optional(ev.EventID),
		ReplyToken: optional(ev.ReplyToken),
		UserID:     optional(ev.Source.UserID),
		GroupID:    optional(ev.Source.GroupID),
		RoomID:     optional(ev.Source.RoomID),
		EventData:  raw,
		WebhookID:  webhookID,
	})
	if err != nil {
		return IngestResult{}, errors.Wrap(err, "create event row")
	}

	payload, err := json.Marshal(JobPayload{
		EventRowID: eventRowID,
		WebhookID:  webhookID,
		Event:      raw,
	})
	if err != nil {
		return IngestResult{}, errors.Wrap(err, "marshal job payload")
	}

	jobID, err := s.jobs.Create(ctx, postgresql.CreateJobParams{
		QueueName:   route.Queue,
		Name:        route.JobName,
		Priority:    route.Priority,
		MaxAttempts: s.maxAttempts,
		Data:        payload,
	})
	if err != nil {
		return IngestResult{}, errors.Wrap(err, "create job row")
	}

	if err := s.events.LinkJob(ctx, eventRowID, jobID); err != nil {
		return IngestResult{}, errors.Wrap(err, "link event to job")
	}

	res := IngestResult{JobID: jobID, Queue: route.Queue}

	if ev.Kind() == entity.KindMessage && ev.Message != nil {
		content, _ := json.Marshal(ev.Message)
		inserted, err := s.messages.Create(ctx, postgresql.CreateMessageParams{
			MessageID:   ev.Message.ID,
			MessageType: ev.Message.Type,
			Content:     content,
			UserID:      optional(ev.Source.UserID),
			EventID:     &eventRowID,
			ReplyToken:  optional(ev.ReplyToken),
			SentAt:      timePtr(ev.SentAt()),
		})
		if err != nil {
			return IngestResult{}, errors.Wrap(err, "create message row")
		}
		res.Duplicate = !inserted
		if res.Duplicate {
			s.log.Info("duplicate message redelivery",
				zap.String("message_id", ev.Message.ID),
				zap.String("webhook_id", webhookID))
		}
	}

	if err := s.queue.Enqueue(ctx, broker.EnqueueParams{
		JobID:       jobID.String(),
		Queue:       route.Queue,
		Priority:    route.Priority,
		MaxAttempts: s.maxAttempts,
	}); err != nil {
		// Job row stays pending; the reconciler re-enqueues it.
		return IngestResult{}, errors.Wrap(err, "enqueue")
	}

	return res, nil
}

func (s *IngestService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.jobs.GetByID(ctx, id)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

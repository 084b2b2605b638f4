package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-ingest-service/internal/broker"
	"chat-ingest-service/internal/entity"
	"chat-ingest-service/internal/metrics"
	"chat-ingest-service/internal/service"
)

type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	MarkActive(ctx context.Context, id uuid.UUID, workerInstance string, attempt int) error
	MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, processingTimeMs int64) error
	MarkFailed(ctx context.Context, id uuid.UUID, errText string, processingTimeMs int64) error
}

type EventRepo interface {
	MarkProcessingStarted(ctx context.Context, id int64) error
	MarkProcessed(ctx context.Context, id int64, procErr *string) error
	RecordProcessingError(ctx context.Context, id int64, procErr string) error
}

type outcomeBroker interface {
	Ack(ctx context.Context, queue, jobID string) error
	Fail(ctx context.Context, queue, jobID string) (time.Duration, bool, error)
}

// Processor runs one claimed delivery through its event handler and records
// the outcome. It never decides to retry: failures go back to the broker,
// which owns the attempts/backoff policy.
type Processor struct {
	jobs     JobRepo
	events   EventRepo
	broker   outcomeBroker
	handlers *EventHandlers
	instance string
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewProcessor(jobs JobRepo, events EventRepo, b outcomeBroker, handlers *EventHandlers, instance string, log *zap.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		jobs:     jobs,
		events:   events,
		broker:   b,
		handlers: handlers,
		instance: instance,
		log:      log,
		metrics:  m,
	}
}

func (p *Processor) Process(ctx context.Context, d broker.Delivery) error {
	start := time.Now()

	id, err := uuid.Parse(d.JobID)
	if err != nil {
		// poison entry; drop it so it cannot loop forever
		p.log.Error("unparseable job id claimed", zap.String("job_id", d.JobID), zap.Error(err))
		_ = p.broker.Ack(ctx, d.Queue, d.JobID)
		return err
	}

	if err := p.jobs.MarkActive(ctx, id, p.instance, d.Attempt); err != nil {
		p.log.Error("mark active failed", zap.String("job_id", d.JobID), zap.Error(err))
		_, _, _ = p.broker.Fail(ctx, d.Queue, d.JobID)
		return err
	}

	job, err := p.jobs.GetByID(ctx, id)
	if err != nil {
		p.log.Error("load job failed", zap.String("job_id", d.JobID), zap.Error(err))
		_, _, _ = p.broker.Fail(ctx, d.Queue, d.JobID)
		return err
	}

	var payload service.JobPayload
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		return p.recordFailure(ctx, d, id, payload.EventRowID, start, err)
	}

	if payload.EventRowID != 0 {
		if err := p.events.MarkProcessingStarted(ctx, payload.EventRowID); err != nil {
			p.log.Warn("mark event processing started failed",
				zap.Int64("event_row_id", payload.EventRowID), zap.Error(err))
		}
	}

	var ev entity.PlatformEvent
	if err := json.Unmarshal(payload.Event, &ev); err != nil {
		return p.recordFailure(ctx, d, id, payload.EventRowID, start, err)
	}

	result, handlerErr := p.handlers.Handle(ctx, id, &ev)
	if handlerErr != nil {
		return p.recordFailure(ctx, d, id, payload.EventRowID, start, handlerErr)
	}

	elapsedMs := time.Since(start).Milliseconds()
	if err := p.jobs.MarkCompleted(ctx, id, result, elapsedMs); err != nil {
		p.log.Error("mark completed failed", zap.String("job_id", d.JobID), zap.Error(err))
		_, _, _ = p.broker.Fail(ctx, d.Queue, d.JobID)
		return err
	}
	if payload.EventRowID != 0 {
		if err := p.events.MarkProcessed(ctx, payload.EventRowID, nil); err != nil {
			p.log.Warn("mark event processed failed",
				zap.Int64("event_row_id", payload.EventRowID), zap.Error(err))
		}
	}
	if err := p.broker.Ack(ctx, d.Queue, d.JobID); err != nil {
		p.log.Warn("ack failed", zap.String("job_id", d.JobID), zap.Error(err))
	}

	p.metrics.IncJobsCompleted()
	p.log.Info("job completed",
		zap.String("job_id", d.JobID),
		zap.String("queue", d.Queue),
		zap.String("job_name", job.Name),
		zap.Int("attempt", d.Attempt),
		zap.Int64("duration_ms", elapsedMs))
	return nil
}

func (p *Processor) recordFailure(ctx context.Context, d broker.Delivery, id uuid.UUID, eventRowID int64, start time.Time, cause error) error {
	elapsedMs := time.Since(start).Milliseconds()
	errText := cause.Error()

	if err := p.jobs.MarkFailed(ctx, id, errText, elapsedMs); err != nil {
		p.log.Error("mark failed failed", zap.String("job_id", d.JobID), zap.Error(err))
	}

	retryIn, terminal, bErr := p.broker.Fail(ctx, d.Queue, d.JobID)
	if bErr != nil {
		p.log.Error("broker fail failed", zap.String("job_id", d.JobID), zap.Error(bErr))
	}

	if eventRowID != 0 {
		if terminal {
			if err := p.events.MarkProcessed(ctx, eventRowID, &errText); err != nil {
				p.log.Warn("mark event processed failed", zap.Int64("event_row_id", eventRowID), zap.Error(err))
			}
		} else {
			if err := p.events.RecordProcessingError(ctx, eventRowID, errText); err != nil {
				p.log.Warn("record event error failed", zap.Int64("event_row_id", eventRowID), zap.Error(err))
			}
		}
	}

	if terminal {
		p.metrics.IncJobsFailed()
		p.log.Error("job failed terminally",
			zap.String("job_id", d.JobID),
			zap.String("queue", d.Queue),
			zap.Int("attempt", d.Attempt),
			zap.Int64("duration_ms", elapsedMs),
			zap.String("error", errText))
	} else {
		p.log.Warn("job attempt failed, redelivery scheduled",
			zap.String("job_id", d.JobID),
			zap.String("queue", d.Queue),
			zap.Int("attempt", d.Attempt),
			zap.Duration("retry_in", retryIn),
			zap.String("error", errText))
	}
	return cause
}

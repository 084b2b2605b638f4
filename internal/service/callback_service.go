package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-ingest-service/internal/notify"
)

type JobFinalizer interface {
	MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, processingTimeMs int64) error
	MarkFailed(ctx context.Context, id uuid.UUID, errText string, processingTimeMs int64) error
}

// CallbackService handles asynchronous completion notices from the
// document-processing service: it records the outcome on the originating
// Job row, then hands off to the notification dispatcher.
type CallbackService struct {
	jobs       JobFinalizer
	dispatcher *notify.Dispatcher
	log        *zap.Logger
}

func NewCallbackService(jobs JobFinalizer, dispatcher *notify.Dispatcher, log *zap.Logger) *CallbackService {
	return &CallbackService{jobs: jobs, dispatcher: dispatcher, log: log}
}

// Process records the callback outcome and notifies the user. Job-store
// failures are logged and do not block notification; notification itself
// is best-effort inside the dispatcher.
func (s *CallbackService) Process(ctx context.Context, cb *notify.Callback) {
	s.trackJob(ctx, cb)
	s.dispatcher.Dispatch(ctx, cb)
}

func (s *CallbackService) trackJob(ctx context.Context, cb *notify.Callback) {
	id, err := uuid.Parse(cb.JobID)
	if err != nil {
		// processing-service id that never mapped to a local job
		s.log.Debug("callback job id is not a local job id", zap.String("job_id", cb.JobID))
		return
	}

	processingMs := int64(cb.ProcessingTime * 1000)

	switch cb.Event {
	case notify.EventJobCompleted:
		result, mErr := json.Marshal(cb.Result)
		if mErr != nil {
			result = json.RawMessage(`{}`)
		}
		if err := s.jobs.MarkCompleted(ctx, id, result, processingMs); err != nil {
			s.log.Warn("record callback completion failed", zap.String("job_id", cb.JobID), zap.Error(err))
		}
	case notify.EventJobFailed:
		errText := cb.Error
		if errText == "" {
			errText = "processing failed at stage " + cb.Stage
		}
		if err := s.jobs.MarkFailed(ctx, id, errText, processingMs); err != nil {
			s.log.Warn("record callback failure failed", zap.String("job_id", cb.JobID), zap.Error(err))
		}
	}
}

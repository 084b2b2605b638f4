package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-ingest-service/internal/entity"
	"chat-ingest-service/internal/metrics"
	"chat-ingest-service/internal/notify"
	"chat-ingest-service/internal/service"
	"chat-ingest-service/internal/signature"
)

const maxBodyBytes = 1 << 20

type Ingestor interface {
	IngestEvent(ctx context.Context, webhookID string, raw json.RawMessage, ev *entity.PlatformEvent) (service.IngestResult, error)
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type CallbackProcessor interface {
	Process(ctx context.Context, cb *notify.Callback)
}

type Handler struct {
	ingest   Ingestor
	callback CallbackProcessor

	channelSecret  string
	callbackSecret string
	strict         bool

	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewHandler(ingest Ingestor, callback CallbackProcessor, channelSecret, callbackSecret string, strict bool, log *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		ingest:         ingest,
		callback:       callback,
		channelSecret:  channelSecret,
		callbackSecret: callbackSecret,
		strict:         strict,
		log:            log,
		metrics:        m,
	}
}

type webhookBatch struct {
	Destination string            `json:"destination"`
	Events      []json.RawMessage `json:"events"`
}

// PostWebhook godoc
// @Summary Platform webhook ingestion
// @Description Verifies the signature, persists each event as a job, and enqueues it. Per-event failures are isolated: one bad event never fails the batch.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Platform-Signature header string true "base64 HMAC-SHA256 over the raw body"
// @Success 200 {object} map[string]bool
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Router /webhook [post]
func (h *Handler) PostWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "cannot read body")
		return
	}

	sig := r.Header.Get("X-Platform-Signature")
	if !signature.ValidPlatformSignature(h.channelSecret, body, sig) {
		if h.strict {
			writeErr(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		h.log.Warn("invalid platform signature, continuing (non-strict)",
			zap.Bool("header_present", sig != ""))
	}

	var batch webhookBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if batch.Events == nil {
		writeErr(w, http.StatusBadRequest, "missing events")
		return
	}

	webhookID := uuid.NewString()
	for i, raw := range batch.Events {
		var ev entity.PlatformEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			h.metrics.IncEventsFailed()
			h.log.Warn("unparseable event in batch",
				zap.String("webhook_id", webhookID), zap.Int("index", i), zap.Error(err))
			continue
		}

		res, err := h.ingest.IngestEvent(r.Context(), webhookID, raw, &ev)
		if err != nil {
			// isolated: siblings in the batch still go through
			h.metrics.IncEventsFailed()
			h.log.Error("event ingestion failed",
				zap.String("webhook_id", webhookID),
				zap.String("event_type", ev.Type),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}

		h.metrics.IncEventsIngested()
		h.log.Info("event enqueued",
			zap.String("webhook_id", webhookID),
			zap.String("event_type", ev.Type),
			zap.String("queue", res.Queue),
			zap.String("job_id", res.JobID.String()),
			zap.Bool("duplicate", res.Duplicate))
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// PostProcessingCallback godoc
// @Summary Processing-result callback
// @Description Receives job.completed / job.failed notices from the document-processing service and notifies the originating user.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Signature header string true "sha256=<hex HMAC over sorted-key JSON>"
// @Success 200 {object} map[string]string
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Router /webhooks/ocr [post]
func (h *Handler) PostProcessingCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "cannot read body")
		return
	}

	sig := r.Header.Get("X-Webhook-Signature")
	if !signature.ValidCallbackSignature(h.callbackSecret, body, sig) {
		if h.strict {
			writeErr(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		h.log.Warn("invalid callback signature, continuing (non-strict)",
			zap.Bool("header_present", sig != ""))
	}

	var cb notify.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if cb.JobID == "" || cb.UserID == "" || cb.Event == "" {
		writeErr(w, http.StatusBadRequest, "missing required fields: job_id, user_id, event")
		return
	}

	h.callback.Process(r.Context(), &cb)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ok",
		"processed_at": time.Now().UTC().Format(time.RFC3339),
	})
}

type jobResp struct {
	ID               string           `json:"id"`
	QueueName        string           `json:"queue_name"`
	Name             string           `json:"name"`
	Status           entity.JobStatus `json:"status"`
	Priority         int              `json:"priority"`
	Attempts         int              `json:"attempts"`
	MaxAttempts      int              `json:"max_attempts"`
	Error            *string          `json:"error,omitempty"`
	ProcessingTimeMs *int64           `json:"processing_time_ms,omitempty"`
	WorkerInstance   *string          `json:"worker_instance,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	j, err := h.ingest.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, jobResp{
		ID:               j.ID.String(),
		QueueName:        j.QueueName,
		Name:             j.Name,
		Status:           j.Status,
		Priority:         j.Priority,
		Attempts:         j.Attempts,
		MaxAttempts:      j.MaxAttempts,
		Error:            j.Error,
		ProcessingTimeMs: j.ProcessingTimeMs,
		WorkerInstance:   j.WorkerInstance,
		CreatedAt:        j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        j.UpdatedAt.Format(time.RFC3339),
	})
}

// GetJobResult godoc
// @Summary Get job result
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	j, err := h.ingest.GetJob(r.Context(), id)
	if err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	if j.Status != entity.StatusCompleted {
		writeErr(w, http.StatusConflict, "job not completed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(j.Result)
}

// GetHealth reports liveness plus the process-local counters.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"metrics": h.metrics.Snapshot(),
	})
}

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"response encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(buf)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Error: msg})
}

// Package notify turns processing-result callbacks into user-facing chat
// messages. Everything here is best-effort: a send failure is logged and
// counted, one generic fallback is attempted, and nothing escalates into a
// job state change.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chat-ingest-service/internal/metrics"
	"chat-ingest-service/internal/platform"
)

// HighConfidenceThreshold is the inclusive lower bound for sending the
// extraction result directly instead of a review request.
const HighConfidenceThreshold = 0.8

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Callback is the payload posted by the document-processing service.
type Callback struct {
	Event          string  `json:"event"`
	JobID          string  `json:"job_id"`
	UserID         string  `json:"user_id"`
	MessageID      string  `json:"message_id,omitempty"`
	Timestamp      string  `json:"timestamp,omitempty"`
	ProcessingTime float64 `json:"processing_time,omitempty"`
	Result         *Result `json:"result,omitempty"`
	Error          string  `json:"error,omitempty"`
	Stage          string  `json:"stage,omitempty"`
}

// Result is the extraction outcome for a completed job.
type Result struct {
	Vendor          string  `json:"vendor"`
	Amount          float64 `json:"amount"`
	Date            string  `json:"date"`
	InvoiceNumber   string  `json:"invoice_number"`
	ConfidenceScore float64 `json:"confidence_score"`
	InvoiceSummary  string  `json:"invoice_summary,omitempty"`
}

type Dispatcher struct {
	messenger     platform.Messenger
	reviewBaseURL string
	log           *zap.Logger
	metrics       *metrics.Metrics
}

func NewDispatcher(messenger platform.Messenger, reviewBaseURL string, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		messenger:     messenger,
		reviewBaseURL: reviewBaseURL,
		log:           log,
		metrics:       m,
	}
}

// Dispatch sends the notification for one callback. Fire-and-forget: send
// errors never propagate to the HTTP response or the job tables.
func (d *Dispatcher) Dispatch(ctx context.Context, cb *Callback) {
	text := d.composeText(cb)

	if err := d.messenger.Push(ctx, cb.UserID, text); err != nil {
		d.metrics.IncNotificationsFailed()
		d.log.Warn("notification send failed",
			zap.String("job_id", cb.JobID),
			zap.String("user_id", cb.UserID),
			zap.Error(err))

		if fbErr := d.messenger.Push(ctx, cb.UserID, genericFallbackText); fbErr != nil {
			d.log.Warn("fallback notification failed",
				zap.String("job_id", cb.JobID),
				zap.Error(fbErr))
			return
		}
		d.metrics.IncNotificationFallbacks()
		return
	}
	d.metrics.IncNotificationsSent()
}

func (d *Dispatcher) composeText(cb *Callback) string {
	if cb.Event == EventJobCompleted {
		if cb.Result != nil && cb.Result.ConfidenceScore >= HighConfidenceThreshold {
			return formatResultText(cb.Result)
		}
		return formatReviewText(cb.Result, d.ReviewLink(cb.JobID))
	}
	return formatFailureText(cb.Stage)
}

// ReviewLink is the deep link included in low-confidence notifications.
func (d *Dispatcher) ReviewLink(jobID string) string {
	return d.reviewBaseURL + "/review/" + jobID
}

func formatResultText(r *Result) string {
	summary := r.InvoiceSummary
	if summary == "" {
		summary = fmt.Sprintf("%s - %.2f", r.Vendor, r.Amount)
	}
	return fmt.Sprintf(
		"Your document has been processed.\n%s\nDate: %s\nInvoice no: %s\nConfidence: %.0f%%",
		summary, r.Date, r.InvoiceNumber, r.ConfidenceScore*100,
	)
}

func formatReviewText(r *Result, link string) string {
	header := "Your document was processed but needs review."
	if r != nil {
		header = fmt.Sprintf(
			"Your document was processed but needs review (confidence %.0f%%).\nPreliminary result: %s, %.2f on %s.",
			r.ConfidenceScore*100, r.Vendor, r.Amount, r.Date,
		)
	}
	return header + "\nPlease verify here: " + link
}

const genericFallbackText = "We could not process your document. Please try again."

// formatFailureText maps a pipeline stage to user-facing guidance. Stages
// come from the processing service's job metadata.
func formatFailureText(stage string) string {
	switch stage {
	case "downloading", "download":
		return "We couldn't download your image. Please send it again."
	case "document_classification", "classification":
		return "We couldn't find a document in your image. Please retake the photo with the whole document visible."
	case "preprocessing":
		return "We couldn't prepare your image for reading. A clearer, well-lit photo usually helps."
	case "ocr_extraction", "extraction":
		return "We couldn't read the text in your document. Please try a sharper photo."
	default:
		return genericFallbackText
	}
}

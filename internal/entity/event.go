package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of platform event types this service routes.
// Anything the platform adds later parses as KindUnknown and flows through
// the default queue instead of being dropped.
type EventKind string

const (
	KindMessage  EventKind = "message"
	KindFollow   EventKind = "follow"
	KindUnfollow EventKind = "unfollow"
	KindJoin     EventKind = "join"
	KindLeave    EventKind = "leave"
	KindPostback EventKind = "postback"
	KindUnknown  EventKind = "unknown"
)

func ParseEventKind(s string) EventKind {
	switch EventKind(s) {
	case KindMessage, KindFollow, KindUnfollow, KindJoin, KindLeave, KindPostback:
		return EventKind(s)
	default:
		return KindUnknown
	}
}

// EventSource identifies where a platform event came from. Which fields are
// set depends on the source type (user / group / room).
type EventSource struct {
	Type    string `json:"type"`
	UserID  string `json:"userId,omitempty"`
	GroupID string `json:"groupId,omitempty"`
	RoomID  string `json:"roomId,omitempty"`
}

// MessageContent is the message body attached to a message event.
type MessageContent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// PostbackContent carries the postback data string from interactive elements.
type PostbackContent struct {
	Data string `json:"data"`
}

// PlatformEvent is one parsed event out of a webhook batch.
type PlatformEvent struct {
	Type       string           `json:"type"`
	EventID    string           `json:"webhookEventId,omitempty"`
	Timestamp  int64            `json:"timestamp,omitempty"` // ms since epoch, platform clock
	ReplyToken string           `json:"replyToken,omitempty"`
	Source     EventSource      `json:"source"`
	Message    *MessageContent  `json:"message,omitempty"`
	Postback   *PostbackContent `json:"postback,omitempty"`
}

func (e *PlatformEvent) Kind() EventKind { return ParseEventKind(e.Type) }

// SentAt converts the platform millisecond timestamp, zero time if absent.
func (e *PlatformEvent) SentAt() time.Time {
	if e.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.Timestamp).UTC()
}

// InboundEvent is the persisted record of one raw platform event.
type InboundEvent struct {
	ID                    int64           `json:"id"`
	EventType             string          `json:"event_type"`
	EventID               *string         `json:"event_id,omitempty"`
	ReplyToken            *string         `json:"reply_token,omitempty"`
	UserID                *string         `json:"user_id,omitempty"`
	GroupID               *string         `json:"group_id,omitempty"`
	RoomID                *string         `json:"room_id,omitempty"`
	EventData             json.RawMessage `json:"event_data"`
	WebhookID             string          `json:"webhook_id"`
	Processed             bool            `json:"processed"`
	ProcessingStartedAt   *time.Time      `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time      `json:"processing_completed_at,omitempty"`
	ProcessingError       *string         `json:"processing_error,omitempty"`
	JobID                 *uuid.UUID      `json:"job_id,omitempty"`
	ReceivedAt            time.Time       `json:"received_at"`
}

// Message is the specialized record kept for message-type events.
// MessageID is the platform id and is unique: redeliveries are no-ops.
type Message struct {
	ID            int64           `json:"id"`
	MessageID     string          `json:"message_id"`
	MessageType   string          `json:"message_type"`
	Content       json.RawMessage `json:"content"`
	UserID        *string         `json:"user_id,omitempty"`
	EventID       *int64          `json:"event_id,omitempty"`
	ReplyToken    *string         `json:"reply_token,omitempty"`
	Responded     bool            `json:"responded"`
	ResponseType  *string         `json:"response_type,omitempty"`
	ResponseJobID *uuid.UUID      `json:"response_job_id,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
}

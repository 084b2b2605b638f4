package worker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chat-ingest-service/internal/entity"
	"chat-ingest-service/internal/platform"
)

type MessageRepo interface {
	MarkResponded(ctx context.Context, messageID, responseType string, responseJobID uuid.UUID) error
}

// EventHandlers are the thin per-event-type dispatch targets. They read
// the event, talk to the messaging client, and report success/failure up
// to the processor. Redeliveries happen (at-least-once), so every handler
// is safe to run twice.
type EventHandlers struct {
	messenger platform.Messenger
	messages  MessageRepo
	log       *zap.Logger
}

func NewEventHandlers(messenger platform.Messenger, messages MessageRepo, log *zap.Logger) *EventHandlers {
	return &EventHandlers{messenger: messenger, messages: messages, log: log}
}

// Handle dispatches on the event kind. The switch is exhaustive over
// entity.EventKind; a new kind must be given a branch here.
func (h *EventHandlers) Handle(ctx context.Context, jobID uuid.UUID, ev *entity.PlatformEvent) (json.RawMessage, error) {
	switch ev.Kind() {
	case entity.KindMessage:
		return h.handleMessage(ctx, jobID, ev)
	case entity.KindFollow:
		return h.handleFollow(ctx, ev)
	case entity.KindUnfollow:
		return recorded("unfollow"), nil
	case entity.KindJoin:
		return h.handleJoin(ctx, ev)
	case entity.KindLeave:
		return recorded("leave"), nil
	case entity.KindPostback:
		return h.handlePostback(ev)
	case entity.KindUnknown:
		return recorded("unknown"), nil
	}
	return recorded("unknown"), nil
}

func (h *EventHandlers) handleMessage(ctx context.Context, jobID uuid.UUID, ev *entity.PlatformEvent) (json.RawMessage, error) {
	if ev.Message == nil {
		return nil, errors.New("message event without message body")
	}

	ack := "Got it! We'll get back to you shortly."
	if ev.Message.Type == "image" {
		ack = "Document received. We're processing it and will send the result here."
	}

	if err := h.respond(ctx, ev, ack); err != nil {
		return nil, errors.Wrap(err, "send acknowledgement")
	}

	if err := h.messages.MarkResponded(ctx, ev.Message.ID, "ack", jobID); err != nil {
		// the reply went out; a duplicate redelivery will no-op on its row
		h.log.Warn("mark message responded failed",
			zap.String("message_id", ev.Message.ID), zap.Error(err))
	}

	return json.RawMessage(`{"action":"acknowledged"}`), nil
}

func (h *EventHandlers) handleFollow(ctx context.Context, ev *entity.PlatformEvent) (json.RawMessage, error) {
	if ev.Source.UserID == "" {
		return nil, errors.New("follow event without user id")
	}
	welcome := "Thanks for adding us! Send a photo of an invoice and we'll extract it for you."
	if err := h.respond(ctx, ev, welcome); err != nil {
		return nil, errors.Wrap(err, "send welcome")
	}
	return json.RawMessage(`{"action":"welcomed"}`), nil
}

func (h *EventHandlers) handleJoin(ctx context.Context, ev *entity.PlatformEvent) (json.RawMessage, error) {
	target := ev.Source.GroupID
	if target == "" {
		target = ev.Source.RoomID
	}
	if target == "" {
		return nil, errors.New("join event without group or room id")
	}
	greeting := "Hello! Send an invoice photo here whenever you need it digitized."
	if err := h.messenger.Push(ctx, target, greeting); err != nil {
		return nil, errors.Wrap(err, "send group greeting")
	}
	return json.RawMessage(`{"action":"greeted"}`), nil
}

func (h *EventHandlers) handlePostback(ev *entity.PlatformEvent) (json.RawMessage, error) {
	if ev.Postback == nil {
		return recorded("postback"), nil
	}
	out, err := json.Marshal(map[string]string{"action": "recorded", "data": ev.Postback.Data})
	if err != nil {
		return recorded("postback"), nil
	}
	return out, nil
}

// respond prefers the single-use reply token; if it is absent or already
// consumed (redelivered job), falls back to a push.
func (h *EventHandlers) respond(ctx context.Context, ev *entity.PlatformEvent, text string) error {
	if ev.ReplyToken != "" {
		err := h.messenger.Reply(ctx, ev.ReplyToken, text)
		if err == nil {
			return nil
		}
		h.log.Debug("reply failed, falling back to push",
			zap.String("reply_token", ev.ReplyToken), zap.Error(err))
	}
	if ev.Source.UserID == "" {
		return errors.New("no reply token and no user id to push to")
	}
	return h.messenger.Push(ctx, ev.Source.UserID, text)
}

func recorded(kind string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"action": "recorded", "event": kind})
	return out
}

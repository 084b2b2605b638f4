package worker_test

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-ingest-service/internal/entity"
	"chat-ingest-service/internal/worker"
)

func TestHandle_ImageMessageGetsProcessingAck(t *testing.T) {
	msgr := &okMessenger{}
	h := worker.NewEventHandlers(msgr, &fakeMsgRepo{}, zap.NewNop())

	ev := &entity.PlatformEvent{
		Type:       "message",
		ReplyToken: "rt-1",
		Source:     entity.EventSource{Type: "user", UserID: "U1"},
		Message:    &entity.MessageContent{ID: "m1", Type: "image"},
	}
	if _, err := h.Handle(context.Background(), uuid.New(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(msgr.replies) != 1 || !strings.Contains(msgr.replies[0], "processing") {
		t.Fatalf("expected processing ack reply, got %v", msgr.replies)
	}
}

func TestHandle_MessageWithoutBodyFails(t *testing.T) {
	h := worker.NewEventHandlers(&okMessenger{}, &fakeMsgRepo{}, zap.NewNop())

	ev := &entity.PlatformEvent{Type: "message", Source: entity.EventSource{UserID: "U1"}}
	if _, err := h.Handle(context.Background(), uuid.New(), ev); err == nil {
		t.Fatal("expected error for message event without body")
	}
}

func TestHandle_FollowSendsWelcome(t *testing.T) {
	msgr := &okMessenger{}
	h := worker.NewEventHandlers(msgr, &fakeMsgRepo{}, zap.NewNop())

	ev := &entity.PlatformEvent{Type: "follow", Source: entity.EventSource{Type: "user", UserID: "U2"}}
	out, err := h.Handle(context.Background(), uuid.New(), ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(msgr.pushes) != 1 {
		t.Fatalf("expected welcome push, got %v", msgr.pushes)
	}
	if !strings.Contains(string(out), "welcomed") {
		t.Fatalf("unexpected result: %s", out)
	}
}

func TestHandle_JoinPushesToGroup(t *testing.T) {
	msgr := &okMessenger{}
	h := worker.NewEventHandlers(msgr, &fakeMsgRepo{}, zap.NewNop())

	ev := &entity.PlatformEvent{Type: "join", Source: entity.EventSource{Type: "group", GroupID: "G1"}}
	if _, err := h.Handle(context.Background(), uuid.New(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(msgr.pushes) != 1 {
		t.Fatal("expected group greeting push")
	}
}

func TestHandle_RecordOnlyKinds(t *testing.T) {
	msgr := &okMessenger{}
	h := worker.NewEventHandlers(msgr, &fakeMsgRepo{}, zap.NewNop())

	for _, typ := range []string{"unfollow", "leave", "somethingnew"} {
		ev := &entity.PlatformEvent{Type: typ, Source: entity.EventSource{UserID: "U1"}}
		out, err := h.Handle(context.Background(), uuid.New(), ev)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if !strings.Contains(string(out), "recorded") {
			t.Fatalf("%s: unexpected result %s", typ, out)
		}
	}
	if len(msgr.pushes)+len(msgr.replies) != 0 {
		t.Fatal("record-only kinds must not message anyone")
	}
}

func TestHandle_ReplyFailureFallsBackToPush(t *testing.T) {
	msgr := &replyFailsMessenger{}
	h := worker.NewEventHandlers(msgr, &fakeMsgRepo{}, zap.NewNop())

	ev := &entity.PlatformEvent{
		Type:       "message",
		ReplyToken: "rt-consumed",
		Source:     entity.EventSource{Type: "user", UserID: "U1"},
		Message:    &entity.MessageContent{ID: "m9", Type: "text", Text: "hi"},
	}
	if _, err := h.Handle(context.Background(), uuid.New(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if msgr.pushes != 1 {
		t.Fatal("expected push fallback after reply failure")
	}
}

type replyFailsMessenger struct{ pushes int }

func (m *replyFailsMessenger) Reply(ctx context.Context, replyToken, text string) error {
	return context.DeadlineExceeded
}

func (m *replyFailsMessenger) Push(ctx context.Context, to, text string) error {
	m.pushes++
	return nil
}

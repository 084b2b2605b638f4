package service_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chat-ingest-service/internal/broker"
	"chat-ingest-service/internal/entity"
	"chat-ingest-service/internal/repository/postgresql"
	"chat-ingest-service/internal/service"
)

// ---- fakes ----

type fakeJobs struct {
	createCalled int
	lastParams   postgresql.CreateJobParams
	createID     uuid.UUID
	createErr    error
}

func (r *fakeJobs) Create(ctx context.Context, p postgresql.CreateJobParams) (uuid.UUID, error) {
	r.createCalled++
	r.lastParams = p
	if r.createErr != nil {
		return uuid.Nil, r.createErr
	}
	return r.createID, nil
}

func (r *fakeJobs) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return nil, postgresql.ErrNotFound
}

type fakeEvents struct {
	created []postgresql.CreateEventParams
	linked  map[int64]uuid.UUID
	nextID  int64
}

func (r *fakeEvents) Create(ctx context.Context, p postgresql.CreateEventParams) (int64, error) {
	r.created = append(r.created, p)
	r.nextID++
	return r.nextID, nil
}

func (r *fakeEvents) LinkJob(ctx context.Context, id int64, jobID uuid.UUID) error {
	if r.linked == nil {
		r.linked = map[int64]uuid.UUID{}
	}
	r.linked[id] = jobID
	return nil
}

type fakeMessages struct {
	created   []postgresql.CreateMessageParams
	seen      map[string]bool
	createErr error
}

func (r *fakeMessages) Create(ctx context.Context, p postgresql.CreateMessageParams) (bool, error) {
	if r.createErr != nil {
		return false, r.createErr
	}
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if r.seen[p.MessageID] {
		return false, nil // unique constraint: duplicate is a no-op
	}
	r.seen[p.MessageID] = true
	r.created = append(r.created, p)
	return true, nil
}

type fakeEnqueuer struct {
	enqueued   []broker.EnqueueParams
	enqueueErr error
}

func (q *fakeEnqueuer) Enqueue(ctx context.Context, p broker.EnqueueParams) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, p)
	return nil
}

// ---- helpers ----

func messageEvent(msgID, userID, text string) (*entity.PlatformEvent, json.RawMessage) {
	ev := &entity.PlatformEvent{
		Type:       "message",
		EventID:    "we-1",
		Timestamp:  1722500000000,
		ReplyToken: "rt-1",
		Source:     entity.EventSource{Type: "user", UserID: userID},
		Message:    &entity.MessageContent{ID: msgID, Type: "text", Text: text},
	}
	raw, _ := json.Marshal(ev)
	return ev, raw
}

func newIngest(jobs *fakeJobs, events *fakeEvents, msgs *fakeMessages, q *fakeEnqueuer) *service.IngestService {
	return service.NewIngestService(jobs, events, msgs, q, 3, zap.NewNop())
}

// ---- tests ----

func TestIngestEvent_MessageCreatesJobEventMessageAndEnqueues(t *testing.T) {
	id := uuid.MustParse("66666666-6666-6666-6666-666666666666")
	jobs := &fakeJobs{createID: id}
	events := &fakeEvents{}
	msgs := &fakeMessages{}
	q := &fakeEnqueuer{}
	svc := newIngest(jobs, events, msgs, q)

	ev, raw := messageEvent("m1", "U1", "hello")
	res, err := svc.IngestEvent(context.Background(), "wh-1", raw, ev)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if res.JobID != id || res.Queue != service.QueueMessage {
		t.Fatalf("unexpected result: %+v", res)
	}
	if jobs.lastParams.QueueName != service.QueueMessage || jobs.lastParams.Priority != broker.PriorityHigh {
		t.Fatalf("job params: %+v", jobs.lastParams)
	}
	if jobs.lastParams.MaxAttempts != 3 {
		t.Fatalf("default max attempts: %d", jobs.lastParams.MaxAttempts)
	}
	if len(events.created) != 1 || events.created[0].WebhookID != "wh-1" {
		t.Fatalf("event rows: %+v", events.created)
	}
	if events.linked[1] != id {
		t.Fatal("event row not linked to job")
	}
	if len(msgs.created) != 1 || msgs.created[0].MessageID != "m1" {
		t.Fatalf("message rows: %+v", msgs.created)
	}
	if len(q.enqueued) != 1 || q.enqueued[0].Queue != service.QueueMessage || q.enqueued[0].JobID != id.String() {
		t.Fatalf("enqueued: %+v", q.enqueued)
	}

	// job payload round-trips the raw event and event row id
	var payload service.JobPayload
	if err := json.Unmarshal(jobs.lastParams.Data, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.EventRowID != 1 || payload.WebhookID != "wh-1" {
		t.Fatalf("payload: %+v", payload)
	}
}

func TestIngestEvent_DuplicateMessageIsIdempotent(t *testing.T) {
	jobs := &fakeJobs{createID: uuid.New()}
	events := &fakeEvents{}
	msgs := &fakeMessages{}
	q := &fakeEnqueuer{}
	svc := newIngest(jobs, events, msgs, q)

	ev, raw := messageEvent("m1", "U1", "hello")
	if _, err := svc.IngestEvent(context.Background(), "wh-1", raw, ev); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	res, err := svc.IngestEvent(context.Background(), "wh-2", raw, ev)
	if err != nil {
		t.Fatalf("redelivery ingest: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("redelivered message must be flagged duplicate")
	}
	if len(msgs.created) != 1 {
		t.Fatalf("exactly one message row expected, got %d", len(msgs.created))
	}
}

func TestIngestEvent_NonMessageSkipsMessageRow(t *testing.T) {
	jobs := &fakeJobs{createID: uuid.New()}
	events := &fakeEvents{}
	msgs := &fakeMessages{}
	q := &fakeEnqueuer{}
	svc := newIngest(jobs, events, msgs, q)

	ev := &entity.PlatformEvent{Type: "follow", Source: entity.EventSource{Type: "user", UserID: "U2"}}
	raw, _ := json.Marshal(ev)

	res, err := svc.IngestEvent(context.Background(), "wh-1", raw, ev)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Queue != service.QueueFollow {
		t.Fatalf("queue: %s", res.Queue)
	}
	if len(msgs.created) != 0 {
		t.Fatal("follow event must not create a message row")
	}
}

func TestIngestEvent_EnqueueFailureSurfacesAndLeavesJobPending(t *testing.T) {
	jobs := &fakeJobs{createID: uuid.New()}
	events := &fakeEvents{}
	msgs := &fakeMessages{}
	q := &fakeEnqueuer{enqueueErr: errors.New("redis down")}
	svc := newIngest(jobs, events, msgs, q)

	ev, raw := messageEvent("m1", "U1", "hello")
	if _, err := svc.IngestEvent(context.Background(), "wh-1", raw, ev); err == nil {
		t.Fatal("expected enqueue error")
	}
	// rows stay for the reconciler; no enqueue happened
	if jobs.createCalled != 1 || len(events.created) != 1 {
		t.Fatal("rows must be persisted before the enqueue attempt")
	}
	if len(q.enqueued) != 0 {
		t.Fatal("nothing should be enqueued")
	}
}

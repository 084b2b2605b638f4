package notify_test

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"chat-ingest-service/internal/metrics"
	"chat-ingest-service/internal/notify"
)

type fakeMessenger struct {
	pushed   []string
	pushTo   []string
	pushErrs []error // consumed in order, nil slice means all succeed
}

func (m *fakeMessenger) Reply(ctx context.Context, replyToken, text string) error { return nil }

func (m *fakeMessenger) Push(ctx context.Context, to, text string) error {
	m.pushTo = append(m.pushTo, to)
	m.pushed = append(m.pushed, text)
	if len(m.pushErrs) > 0 {
		err := m.pushErrs[0]
		m.pushErrs = m.pushErrs[1:]
		return err
	}
	return nil
}

func newDispatcher(m *fakeMessenger) (*notify.Dispatcher, *metrics.Metrics) {
	counters := &metrics.Metrics{}
	return notify.NewDispatcher(m, "https://review.example", zap.NewNop(), counters), counters
}

func completedCallback(confidence float64) *notify.Callback {
	return &notify.Callback{
		Event:  notify.EventJobCompleted,
		JobID:  "job-1",
		UserID: "U1",
		Result: &notify.Result{
			Vendor:          "ACME Ltd",
			Amount:          120.50,
			Date:            "2026-08-01",
			InvoiceNumber:   "INV-42",
			ConfidenceScore: confidence,
		},
	}
}

func TestDispatch_HighConfidenceSendsDirectResult(t *testing.T) {
	m := &fakeMessenger{}
	d, counters := newDispatcher(m)

	// 0.8 exactly is the inclusive lower bound of the direct-result branch.
	d.Dispatch(context.Background(), completedCallback(0.8))

	if len(m.pushed) != 1 {
		t.Fatalf("expected 1 push, got %d", len(m.pushed))
	}
	if strings.Contains(m.pushed[0], "review") {
		t.Fatalf("0.8 must take the direct-result branch, got: %s", m.pushed[0])
	}
	if !strings.Contains(m.pushed[0], "ACME Ltd") {
		t.Fatalf("result text missing vendor: %s", m.pushed[0])
	}
	if counters.Snapshot().NotificationsSent != 1 {
		t.Fatal("sent counter not incremented")
	}
}

func TestDispatch_LowConfidenceSendsReviewLink(t *testing.T) {
	m := &fakeMessenger{}
	d, _ := newDispatcher(m)

	d.Dispatch(context.Background(), completedCallback(0.7999))

	if len(m.pushed) != 1 {
		t.Fatalf("expected 1 push, got %d", len(m.pushed))
	}
	if !strings.Contains(m.pushed[0], "https://review.example/review/job-1") {
		t.Fatalf("review text missing deep link: %s", m.pushed[0])
	}
	if !strings.Contains(m.pushed[0], "Preliminary result") {
		t.Fatalf("review text missing preliminary result: %s", m.pushed[0])
	}
}

func TestDispatch_FailureStageGuidance(t *testing.T) {
	cases := []struct {
		stage string
		want  string
	}{
		{"downloading", "download"},
		{"document_classification", "find a document"},
		{"preprocessing", "prepare your image"},
		{"ocr_extraction", "read the text"},
		{"something_else", "could not process"},
		{"", "could not process"},
	}

	for _, c := range cases {
		m := &fakeMessenger{}
		d, _ := newDispatcher(m)

		d.Dispatch(context.Background(), &notify.Callback{
			Event:  notify.EventJobFailed,
			JobID:  "job-1",
			UserID: "U1",
			Error:  "boom",
			Stage:  c.stage,
		})

		if len(m.pushed) != 1 {
			t.Fatalf("stage %q: expected 1 push, got %d", c.stage, len(m.pushed))
		}
		if !strings.Contains(strings.ToLower(m.pushed[0]), c.want) {
			t.Fatalf("stage %q: expected text containing %q, got: %s", c.stage, c.want, m.pushed[0])
		}
	}
}

func TestDispatch_SendFailureTriggersOneFallback(t *testing.T) {
	m := &fakeMessenger{pushErrs: []error{errors.New("platform down"), nil}}
	d, counters := newDispatcher(m)

	d.Dispatch(context.Background(), completedCallback(0.9))

	if len(m.pushed) != 2 {
		t.Fatalf("expected primary + fallback pushes, got %d", len(m.pushed))
	}
	snap := counters.Snapshot()
	if snap.NotificationsFailed != 1 || snap.NotificationFallbacks != 1 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestDispatch_FallbackFailureIsSwallowed(t *testing.T) {
	m := &fakeMessenger{pushErrs: []error{errors.New("down"), errors.New("still down")}}
	d, counters := newDispatcher(m)

	// must not panic or retry further
	d.Dispatch(context.Background(), completedCallback(0.9))

	if len(m.pushed) != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", len(m.pushed))
	}
	if counters.Snapshot().NotificationFallbacks != 0 {
		t.Fatal("failed fallback must not count as delivered")
	}
}

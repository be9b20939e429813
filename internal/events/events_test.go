package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"telemetry-core/internal/eventbus"
	"telemetry-core/internal/models"
)

type fakeSubs struct {
	subs []models.WebhookSubscription
}

func (f *fakeSubs) ActiveSubscriptionsForEvent(ctx context.Context, projectID, eventType string) ([]models.WebhookSubscription, error) {
	var out []models.WebhookSubscription
	for _, s := range f.subs {
		if s.ProjectID != projectID {
			continue
		}
		for _, et := range s.EventTypes {
			if et == eventType {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

type fakeEnqueuer struct {
	calls []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, subscriptionID, projectID, eventType, targetURL, secret string, body json.RawMessage, dedupKey string) (*models.WebhookDelivery, error) {
	f.calls = append(f.calls, dedupKey)
	return &models.WebhookDelivery{ID: "delivery-1", DedupKey: dedupKey}, nil
}

func TestHandleFansOutToMatchingSubscriptionsOnly(t *testing.T) {
	subs := &fakeSubs{subs: []models.WebhookSubscription{
		{ID: "sub-1", ProjectID: "proj-1", TargetURL: "https://a.example", EventTypes: []string{"run.started"}},
		{ID: "sub-2", ProjectID: "proj-1", TargetURL: "https://b.example", EventTypes: []string{"profile.published"}},
		{ID: "sub-3", ProjectID: "proj-2", TargetURL: "https://c.example", EventTypes: []string{"run.started"}},
	}}
	enqueuer := &fakeEnqueuer{}
	e := NewEmitter(subs, enqueuer, nil)

	err := e.handle(context.Background(), eventbus.Event{
		Type: "run.started", ProjectID: "proj-1", OccurredAt: time.Now(), Payload: map[string]string{"run_id": "run-1"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(enqueuer.calls) != 1 {
		t.Fatalf("expected exactly 1 enqueue call, got %d", len(enqueuer.calls))
	}
}

func TestHandleComputesStableDedupKeyPerSubscription(t *testing.T) {
	subs := &fakeSubs{subs: []models.WebhookSubscription{
		{ID: "sub-1", ProjectID: "proj-1", TargetURL: "https://a.example", EventTypes: []string{"run.started"}},
	}}
	enqueuer := &fakeEnqueuer{}
	e := NewEmitter(subs, enqueuer, nil)

	evt := eventbus.Event{Type: "run.started", ProjectID: "proj-1", OccurredAt: time.Unix(0, 0).UTC(), Payload: map[string]string{"run_id": "run-1"}}
	if err := e.handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := e.handle(context.Background(), evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if enqueuer.calls[0] != enqueuer.calls[1] {
		t.Errorf("expected identical dedup key for identical event, got %q and %q", enqueuer.calls[0], enqueuer.calls[1])
	}
}

func TestShortHashIsDeterministicAndTruncated(t *testing.T) {
	h1 := ShortHash([]byte("payload"))
	h2 := ShortHash([]byte("payload"))
	if h1 != h2 {
		t.Errorf("expected deterministic hash, got %q and %q", h1, h2)
	}
	if len(h1) != 16 {
		t.Errorf("expected 16-char short hash, got %d chars", len(h1))
	}
}

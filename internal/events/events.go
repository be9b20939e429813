// Package events is the thin layer invoked after successful domain
// mutations that fans them out to webhook deliveries: it resolves
// affected subscriptions, builds the wire envelope, computes a
// dedup key, and enqueues. It never delivers HTTP itself; that is
// internal/webhook's job.
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-core/internal/eventbus"
	"telemetry-core/internal/models"
)

// SubscriptionLookup resolves active subscriptions interested in an
// event type within a project.
type SubscriptionLookup interface {
	ActiveSubscriptionsForEvent(ctx context.Context, projectID, eventType string) ([]models.WebhookSubscription, error)
}

// DeliveryEnqueuer creates (or, on dedup-key conflict, returns the
// pre-existing) delivery row.
type DeliveryEnqueuer interface {
	Enqueue(ctx context.Context, subscriptionID, projectID, eventType, targetURL, secret string, body json.RawMessage, dedupKey string) (*models.WebhookDelivery, error)
}

type envelope struct {
	EventType  string      `json:"event_type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// Emitter subscribes to the eventbus and turns each domain event into
// zero or more webhook-delivery enqueues.
type Emitter struct {
	subs      SubscriptionLookup
	deliveries DeliveryEnqueuer
	log       *logrus.Entry
}

func NewEmitter(subs SubscriptionLookup, deliveries DeliveryEnqueuer, log *logrus.Entry) *Emitter {
	return &Emitter{subs: subs, deliveries: deliveries, log: log}
}

// Run subscribes ch to bus for every eventType in types and processes
// events until ctx is cancelled. Intended to be started once per
// process in its own goroutine.
func (e *Emitter) Run(ctx context.Context, bus *eventbus.Bus, types []string) {
	ch := make(chan eventbus.Event, 256)
	for _, t := range types {
		bus.Subscribe(t, ch)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if err := e.handle(ctx, evt); err != nil && e.log != nil {
				e.log.WithError(err).WithField("event_type", evt.Type).Error("failed to fan out event to webhook subscriptions")
			}
		}
	}
}

func (e *Emitter) handle(ctx context.Context, evt eventbus.Event) error {
	subs, err := e.subs.ActiveSubscriptionsForEvent(ctx, evt.ProjectID, evt.Type)
	if err != nil {
		return fmt.Errorf("lookup subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	body, err := json.Marshal(envelope{EventType: evt.Type, OccurredAt: evt.OccurredAt, Payload: evt.Payload})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	hash := ShortHash(payload)

	for _, sub := range subs {
		dedupKey := fmt.Sprintf("%s:%s:%s", sub.ID, evt.Type, hash)
		if _, err := e.deliveries.Enqueue(ctx, sub.ID, sub.ProjectID, evt.Type, sub.TargetURL, sub.Secret, body, dedupKey); err != nil {
			return fmt.Errorf("enqueue delivery for subscription %s: %w", sub.ID, err)
		}
	}
	return nil
}

// ShortHash is the short_hash(payload) the spec's dedup_key formula
// calls for: a truncated hex SHA-256, long enough to avoid accidental
// collisions within one subscription's event stream without bloating
// the dedup_key column.
func ShortHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

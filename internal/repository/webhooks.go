package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/models"
)

type WebhookStore struct {
	repo *Repository
}

func NewWebhookStore(repo *Repository) *WebhookStore {
	return &WebhookStore{repo: repo}
}

func (w *WebhookStore) CreateSubscription(ctx context.Context, projectID, targetURL string, eventTypes []string, secret string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := w.repo.Pool.QueryRow(ctx,
		`INSERT INTO webhook.subscriptions (project_id, target_url, event_types, secret, active)
		 VALUES ($1, $2, $3, $4, true)
		 RETURNING id, project_id, target_url, event_types, secret, active, created_at, updated_at`,
		projectID, targetURL, eventTypes, secret,
	).Scan(&sub.ID, &sub.ProjectID, &sub.TargetURL, &sub.EventTypes, &sub.Secret, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (w *WebhookStore) GetSubscription(ctx context.Context, subID string) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := w.repo.Pool.QueryRow(ctx,
		`SELECT id, project_id, target_url, event_types, secret, active, created_at, updated_at
		 FROM webhook.subscriptions WHERE id = $1`, subID,
	).Scan(&sub.ID, &sub.ProjectID, &sub.TargetURL, &sub.EventTypes, &sub.Secret, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("webhook subscription %s not found", subID)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ActiveSubscriptionsForEvent returns the active subscriptions in a
// project whose event_types include eventType, the set the event
// router fans a domain event out to.
func (w *WebhookStore) ActiveSubscriptionsForEvent(ctx context.Context, projectID, eventType string) ([]models.WebhookSubscription, error) {
	rows, err := w.repo.Pool.Query(ctx,
		`SELECT id, project_id, target_url, event_types, secret, active, created_at, updated_at
		 FROM webhook.subscriptions
		 WHERE project_id = $1 AND active AND $2 = ANY(event_types)`, projectID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookSubscription
	for rows.Next() {
		var sub models.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.ProjectID, &sub.TargetURL, &sub.EventTypes, &sub.Secret, &sub.Active, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (w *WebhookStore) SetSubscriptionActive(ctx context.Context, subID string, active bool) error {
	_, err := w.repo.Pool.Exec(ctx,
		`UPDATE webhook.subscriptions SET active = $2, updated_at = now() WHERE id = $1`, subID, active)
	return err
}

// Enqueue inserts a delivery row, relying on the unique index on
// dedup_key to make re-enqueueing the same (subscription, event,
// payload) tuple a no-op: ON CONFLICT DO NOTHING, then a follow-up
// select for the row id either way, so callers always get a
// delivery back regardless of whether this call created it.
func (w *WebhookStore) Enqueue(ctx context.Context, subscriptionID, projectID, eventType, targetURL, secret string, body json.RawMessage, dedupKey string) (*models.WebhookDelivery, error) {
	_, err := w.repo.Pool.Exec(ctx,
		`INSERT INTO webhook.deliveries
		   (subscription_id, project_id, event_type, target_url, secret, request_body, status, dedup_key)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		 ON CONFLICT (dedup_key) DO NOTHING`,
		subscriptionID, projectID, eventType, targetURL, secret, body, dedupKey,
	)
	if err != nil {
		return nil, err
	}
	return w.getByDedupKey(ctx, dedupKey)
}

func (w *WebhookStore) getByDedupKey(ctx context.Context, dedupKey string) (*models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	err := w.repo.Pool.QueryRow(ctx,
		`SELECT id, subscription_id, project_id, event_type, target_url, secret, request_body, status,
		        attempt_count, last_error, next_attempt_at, locked_at, dedup_key, created_at
		 FROM webhook.deliveries WHERE dedup_key = $1`, dedupKey,
	).Scan(&d.ID, &d.SubscriptionID, &d.ProjectID, &d.EventType, &d.TargetURL, &d.Secret, &d.RequestBody, &d.Status,
		&d.AttemptCount, &d.LastError, &d.NextAttemptAt, &d.LockedAt, &d.DedupKey, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ClaimDuePending claims up to limit deliveries that are pending and
// due, marking them in_progress and bumping attempt_count, via a
// FOR UPDATE SKIP LOCKED subselect so multiple delivery workers never
// race on the same row.
func (w *WebhookStore) ClaimDuePending(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	rows, err := w.repo.Pool.Query(ctx,
		`UPDATE webhook.deliveries
		 SET status = 'in_progress', locked_at = now(), attempt_count = attempt_count + 1
		 WHERE id IN (
		     SELECT id FROM webhook.deliveries
		     WHERE status = 'pending' AND next_attempt_at <= now()
		     ORDER BY next_attempt_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT $1
		 )
		 RETURNING id, subscription_id, project_id, event_type, target_url, secret, request_body, status,
		           attempt_count, last_error, next_attempt_at, locked_at, dedup_key, created_at`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.ProjectID, &d.EventType, &d.TargetURL, &d.Secret, &d.RequestBody, &d.Status,
			&d.AttemptCount, &d.LastError, &d.NextAttemptAt, &d.LockedAt, &d.DedupKey, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (w *WebhookStore) MarkSucceeded(ctx context.Context, deliveryID string) error {
	_, err := w.repo.Pool.Exec(ctx,
		`UPDATE webhook.deliveries SET status = 'succeeded', locked_at = NULL WHERE id = $1`, deliveryID)
	return err
}

// MarkFailedAttempt records a failed delivery attempt, moving the
// row back to pending with nextAttempt (the caller's backoff
// calculation) unless attemptCount has hit maxAttempts, in which case
// the delivery becomes terminally failed.
func (w *WebhookStore) MarkFailedAttempt(ctx context.Context, deliveryID string, lastError string, attemptCount, maxAttempts int, nextAttempt time.Time) error {
	if attemptCount >= maxAttempts {
		_, err := w.repo.Pool.Exec(ctx,
			`UPDATE webhook.deliveries SET status = 'failed', last_error = $2, locked_at = NULL WHERE id = $1`,
			deliveryID, lastError)
		return err
	}
	_, err := w.repo.Pool.Exec(ctx,
		`UPDATE webhook.deliveries
		 SET status = 'pending', last_error = $2, next_attempt_at = $3, locked_at = NULL
		 WHERE id = $1`, deliveryID, lastError, nextAttempt)
	return err
}

// Retry re-arms a terminally failed (or stuck) delivery for another
// attempt immediately, the explicit operator-triggered retry API.
func (w *WebhookStore) Retry(ctx context.Context, deliveryID string) error {
	_, err := w.repo.Pool.Exec(ctx,
		`UPDATE webhook.deliveries
		 SET status = 'pending', next_attempt_at = now(), locked_at = NULL
		 WHERE id = $1 AND status IN ('failed', 'in_progress')`, deliveryID)
	return err
}

// SweepStaleLeases returns in_progress deliveries back to pending
// when locked_at is older than staleAfter — the automatic recovery
// the webhook queue gets that the backfill task queue deliberately
// does not, per the spec's differing crash-recovery postures for the
// two queues.
func (w *WebhookStore) SweepStaleLeases(ctx context.Context, staleAfter time.Duration) (int64, error) {
	tag, err := w.repo.Pool.Exec(ctx,
		`UPDATE webhook.deliveries
		 SET status = 'pending', locked_at = NULL
		 WHERE status = 'in_progress' AND locked_at < now() - $1::interval`,
		staleAfter.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (w *WebhookStore) ListDeliveries(ctx context.Context, subscriptionID string, limit, offset int) ([]models.WebhookDelivery, int64, error) {
	rows, err := w.repo.Pool.Query(ctx,
		`SELECT id, subscription_id, project_id, event_type, target_url, secret, request_body, status,
		        attempt_count, last_error, next_attempt_at, locked_at, dedup_key, created_at,
		        count(*) OVER() AS total_count
		 FROM webhook.deliveries
		 WHERE subscription_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, subscriptionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.WebhookDelivery
	var total int64
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.ProjectID, &d.EventType, &d.TargetURL, &d.Secret, &d.RequestBody, &d.Status,
			&d.AttemptCount, &d.LastError, &d.NextAttemptAt, &d.LockedAt, &d.DedupKey, &d.CreatedAt, &total); err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/models"
)

type BackfillStore struct {
	repo *Repository
}

func NewBackfillStore(repo *Repository) *BackfillStore {
	return &BackfillStore{repo: repo}
}

func (b *BackfillStore) Create(ctx context.Context, sensorID, projectID, profileID string) (*models.BackfillTask, error) {
	var t models.BackfillTask
	err := b.repo.Pool.QueryRow(ctx,
		`INSERT INTO core.conversion_backfill_tasks (sensor_id, project_id, conversion_profile_id, status)
		 VALUES ($1, $2, $3, 'pending')
		 RETURNING id, sensor_id, project_id, conversion_profile_id, status, total_records, processed_records,
		           error_message, created_at, started_at, completed_at`,
		sensorID, projectID, profileID,
	).Scan(&t.ID, &t.SensorID, &t.ProjectID, &t.ConversionProfileID, &t.Status, &t.TotalRecords, &t.ProcessedRecords,
		&t.ErrorMessage, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *BackfillStore) Get(ctx context.Context, taskID string) (*models.BackfillTask, error) {
	var t models.BackfillTask
	err := b.repo.Pool.QueryRow(ctx,
		`SELECT id, sensor_id, project_id, conversion_profile_id, status, total_records, processed_records,
		        error_message, created_at, started_at, completed_at
		 FROM core.conversion_backfill_tasks WHERE id = $1`, taskID,
	).Scan(&t.ID, &t.SensorID, &t.ProjectID, &t.ConversionProfileID, &t.Status, &t.TotalRecords, &t.ProcessedRecords,
		&t.ErrorMessage, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("backfill task %s not found", taskID)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ClaimPending atomically claims the oldest pending task and marks
// it running, the Go equivalent of backfill_tasks.py's claim_pending:
// an UPDATE whose WHERE clause subselects one row FOR UPDATE SKIP
// LOCKED, so concurrent worker instances never double-claim.
func (b *BackfillStore) ClaimPending(ctx context.Context) (*models.BackfillTask, error) {
	var t models.BackfillTask
	err := b.repo.Pool.QueryRow(ctx,
		`UPDATE core.conversion_backfill_tasks
		 SET status = 'running', started_at = now()
		 WHERE id = (
		     SELECT id FROM core.conversion_backfill_tasks
		     WHERE status = 'pending'
		     ORDER BY created_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING id, sensor_id, project_id, conversion_profile_id, status, total_records, processed_records,
		           error_message, created_at, started_at, completed_at`,
	).Scan(&t.ID, &t.SensorID, &t.ProjectID, &t.ConversionProfileID, &t.Status, &t.TotalRecords, &t.ProcessedRecords,
		&t.ErrorMessage, &t.CreatedAt, &t.StartedAt, &t.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *BackfillStore) SetTotal(ctx context.Context, taskID string, total int64) error {
	_, err := b.repo.Pool.Exec(ctx,
		`UPDATE core.conversion_backfill_tasks SET total_records = $2 WHERE id = $1`, taskID, total)
	return err
}

func (b *BackfillStore) UpdateProgress(ctx context.Context, taskID string, processed int64) error {
	_, err := b.repo.Pool.Exec(ctx,
		`UPDATE core.conversion_backfill_tasks SET processed_records = $2 WHERE id = $1`, taskID, processed)
	return err
}

func (b *BackfillStore) MarkCompleted(ctx context.Context, taskID string) error {
	_, err := b.repo.Pool.Exec(ctx,
		`UPDATE core.conversion_backfill_tasks SET status = 'completed', completed_at = now() WHERE id = $1`, taskID)
	return err
}

// MarkFailed truncates the error message to 500 characters, matching
// conversion_backfill.py's str(exc)[:500].
func (b *BackfillStore) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	_, err := b.repo.Pool.Exec(ctx,
		`UPDATE core.conversion_backfill_tasks SET status = 'failed', error_message = $2, completed_at = now()
		 WHERE id = $1`, taskID, errMsg)
	return err
}

// Reset is the explicit operator recovery path for a task stuck in
// "running" after a worker crash: no automatic sweep exists, per the
// spec's crash-recovery design (unlike the webhook delivery queue,
// which does sweep stale leases).
func (b *BackfillStore) Reset(ctx context.Context, taskID string) error {
	_, err := b.repo.Pool.Exec(ctx,
		`UPDATE core.conversion_backfill_tasks
		 SET status = 'pending', started_at = NULL, processed_records = 0, error_message = NULL
		 WHERE id = $1 AND status IN ('running', 'failed')`, taskID)
	return err
}

func (b *BackfillStore) ListBySensor(ctx context.Context, sensorID string, limit, offset int) ([]models.BackfillTask, int64, error) {
	rows, err := b.repo.Pool.Query(ctx,
		`SELECT id, sensor_id, project_id, conversion_profile_id, status, total_records, processed_records,
		        error_message, created_at, started_at, completed_at, count(*) OVER() AS total_count
		 FROM core.conversion_backfill_tasks
		 WHERE sensor_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, sensorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.BackfillTask
	var total int64
	for rows.Next() {
		var t models.BackfillTask
		if err := rows.Scan(&t.ID, &t.SensorID, &t.ProjectID, &t.ConversionProfileID, &t.Status, &t.TotalRecords,
			&t.ProcessedRecords, &t.ErrorMessage, &t.CreatedAt, &t.StartedAt, &t.CompletedAt, &total); err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

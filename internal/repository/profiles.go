package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/models"
)

type ProfileStore struct {
	repo *Repository
}

func NewProfileStore(repo *Repository) *ProfileStore {
	return &ProfileStore{repo: repo}
}

// CreateDraft inserts a new profile version for a sensor. version is
// caller-supplied (max existing version + 1) rather than derived here
// so callers can hold the sensor row lock across the read-increment.
func (p *ProfileStore) CreateDraft(ctx context.Context, sensorID string, version int, kind models.ProfileKind, payload json.RawMessage) (*models.ConversionProfile, error) {
	var prof models.ConversionProfile
	err := p.repo.Pool.QueryRow(ctx,
		`INSERT INTO core.conversion_profiles (sensor_id, version, kind, payload, status)
		 VALUES ($1, $2, $3, $4, 'draft')
		 RETURNING id, sensor_id, version, kind, payload, status, valid_from, valid_to, created_at`,
		sensorID, version, kind, payload,
	).Scan(&prof.ID, &prof.SensorID, &prof.Version, &prof.Kind, &prof.Payload, &prof.Status, &prof.ValidFrom, &prof.ValidTo, &prof.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

func (p *ProfileStore) NextVersion(ctx context.Context, sensorID string) (int, error) {
	var max *int
	err := p.repo.Pool.QueryRow(ctx,
		`SELECT max(version) FROM core.conversion_profiles WHERE sensor_id = $1`, sensorID,
	).Scan(&max)
	if err != nil {
		return 0, err
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

func (p *ProfileStore) Get(ctx context.Context, profileID string) (*models.ConversionProfile, error) {
	var prof models.ConversionProfile
	err := p.repo.Pool.QueryRow(ctx,
		`SELECT id, sensor_id, version, kind, payload, status, valid_from, valid_to, created_at
		 FROM core.conversion_profiles WHERE id = $1`, profileID,
	).Scan(&prof.ID, &prof.SensorID, &prof.Version, &prof.Kind, &prof.Payload, &prof.Status, &prof.ValidFrom, &prof.ValidTo, &prof.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("conversion profile %s not found", profileID)
	}
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

// GetActiveBySensor is the loader backing the profile cache: the
// single profile currently in "active" status for a sensor, or
// apperr.NotFound if the sensor has never published one (ingest then
// falls back to raw_only per spec).
func (p *ProfileStore) GetActiveBySensor(ctx context.Context, sensorID string) (*models.ConversionProfile, error) {
	var prof models.ConversionProfile
	err := p.repo.Pool.QueryRow(ctx,
		`SELECT id, sensor_id, version, kind, payload, status, valid_from, valid_to, created_at
		 FROM core.conversion_profiles WHERE sensor_id = $1 AND status = 'active'`, sensorID,
	).Scan(&prof.ID, &prof.SensorID, &prof.Version, &prof.Kind, &prof.Payload, &prof.Status, &prof.ValidFrom, &prof.ValidTo, &prof.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("sensor %s has no active conversion profile", sensorID)
	}
	if err != nil {
		return nil, err
	}
	return &prof, nil
}

// Publish retires whatever profile is currently active for the
// sensor (if any) and promotes profileID to active, inside one
// transaction so the partial unique index on (sensor_id) WHERE
// status='active' is never violated mid-flight. Also stamps the
// sensor's active_profile_id in the same transaction.
func (p *ProfileStore) Publish(ctx context.Context, profileID string) (*models.ConversionProfile, error) {
	tx, err := p.repo.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var sensorID string
	var status models.ProfileStatus
	if err := tx.QueryRow(ctx,
		`SELECT sensor_id, status FROM core.conversion_profiles WHERE id = $1 FOR UPDATE`, profileID,
	).Scan(&sensorID, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFoundf("conversion profile %s not found", profileID)
		}
		return nil, err
	}
	if status != models.ProfileDraft {
		return nil, apperr.New(apperr.Conflict, "only a draft profile can be published")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE core.conversion_profiles SET status = 'retired', valid_to = now()
		 WHERE sensor_id = $1 AND status = 'active'`, sensorID,
	); err != nil {
		return nil, err
	}

	var prof models.ConversionProfile
	if err := tx.QueryRow(ctx,
		`UPDATE core.conversion_profiles SET status = 'active', valid_from = now()
		 WHERE id = $1
		 RETURNING id, sensor_id, version, kind, payload, status, valid_from, valid_to, created_at`,
		profileID,
	).Scan(&prof.ID, &prof.SensorID, &prof.Version, &prof.Kind, &prof.Payload, &prof.Status, &prof.ValidFrom, &prof.ValidTo, &prof.CreatedAt); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE core.sensors SET active_profile_id = $2, updated_at = now() WHERE id = $1`,
		sensorID, profileID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &prof, nil
}

func (p *ProfileStore) ListBySensor(ctx context.Context, sensorID string) ([]models.ConversionProfile, error) {
	rows, err := p.repo.Pool.Query(ctx,
		`SELECT id, sensor_id, version, kind, payload, status, valid_from, valid_to, created_at
		 FROM core.conversion_profiles WHERE sensor_id = $1 ORDER BY version DESC`, sensorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConversionProfile
	for rows.Next() {
		var prof models.ConversionProfile
		if err := rows.Scan(&prof.ID, &prof.SensorID, &prof.Version, &prof.Kind, &prof.Payload, &prof.Status, &prof.ValidFrom, &prof.ValidTo, &prof.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, prof)
	}
	return out, rows.Err()
}

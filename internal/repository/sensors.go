package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/models"
)

type SensorStore struct {
	repo *Repository
}

func NewSensorStore(repo *Repository) *SensorStore {
	return &SensorStore{repo: repo}
}

// GetByTokenHash is the lookup used by ingest authentication: token ->
// sha256 hash -> sensor row.
func (s *SensorStore) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Sensor, error) {
	var sn models.Sensor
	err := s.repo.Pool.QueryRow(ctx,
		`SELECT id, project_id, name, token_hash, token_preview, active_profile_id, status, created_at, updated_at
		 FROM core.sensors WHERE token_hash = $1`, tokenHash,
	).Scan(&sn.ID, &sn.ProjectID, &sn.Name, &sn.TokenHash, &sn.TokenPreview, &sn.ActiveProfileID, &sn.Status, &sn.CreatedAt, &sn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.Unauthorized, "unknown sensor token")
	}
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *SensorStore) GetByID(ctx context.Context, sensorID string) (*models.Sensor, error) {
	var sn models.Sensor
	err := s.repo.Pool.QueryRow(ctx,
		`SELECT id, project_id, name, token_hash, token_preview, active_profile_id, status, created_at, updated_at
		 FROM core.sensors WHERE id = $1`, sensorID,
	).Scan(&sn.ID, &sn.ProjectID, &sn.Name, &sn.TokenHash, &sn.TokenPreview, &sn.ActiveProfileID, &sn.Status, &sn.CreatedAt, &sn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("sensor %s not found", sensorID)
	}
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

// IsMemberOfProject mirrors the dual-source membership check: a
// sensor belongs to projectID if that is its primary project OR it
// has a sensor_projects row for it. sensors.project_id remains
// authoritative even for deployments that never backfilled
// sensor_projects.
func (s *SensorStore) IsMemberOfProject(ctx context.Context, sensorID, projectID string) (bool, error) {
	var ok bool
	err := s.repo.Pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1
			FROM core.sensors s
			LEFT JOIN core.sensor_projects sp
			  ON s.id = sp.sensor_id AND sp.project_id = $2
			WHERE s.id = $1 AND (s.project_id = $2 OR sp.project_id = $2)
		)`, sensorID, projectID,
	).Scan(&ok)
	return ok, err
}

func (s *SensorStore) SetActiveProfile(ctx context.Context, sensorID, profileID string) error {
	_, err := s.repo.Pool.Exec(ctx,
		`UPDATE core.sensors SET active_profile_id = $2, updated_at = now() WHERE id = $1`,
		sensorID, profileID)
	return err
}

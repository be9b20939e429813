package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"telemetry-core/internal/models"
)

type TelemetryStore struct {
	repo *Repository
}

func NewTelemetryStore(repo *Repository) *TelemetryStore {
	return &TelemetryStore{repo: repo}
}

// InsertBatch bulk-inserts a converted ingest batch via pgx's
// CopyFrom, giving the whole-batch atomicity the ingest pipeline
// needs (step 6 of the ingest sequence: the batch commits or rolls
// back as a unit).
func (t *TelemetryStore) InsertBatch(ctx context.Context, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(records))
	for i, r := range records {
		rows[i] = []interface{}{
			r.SensorID, r.Timestamp, r.Signal, r.RawValue, r.PhysicalValue,
			string(r.ConversionStatus), r.ConversionProfileID, r.CaptureSessionID, r.Meta,
		}
	}
	_, err := t.repo.Pool.CopyFrom(ctx,
		pgx.Identifier{"telemetry", "telemetry_records"},
		[]string{"sensor_id", "timestamp", "signal", "raw_value", "physical_value",
			"conversion_status", "conversion_profile_id", "capture_session_id", "meta"},
		pgx.CopyFromRows(rows),
	)
	return err
}

// CountPendingForProfile mirrors conversion_backfill.py's count
// predicate: a record needs (re)conversion if it was not converted
// under the task's target profile, or previously failed / was never
// attempted.
func (t *TelemetryStore) CountPendingForProfile(ctx context.Context, sensorID, profileID string) (int64, error) {
	var n int64
	err := t.repo.Pool.QueryRow(ctx,
		`SELECT count(*) FROM telemetry.telemetry_records
		 WHERE sensor_id = $1
		   AND (conversion_profile_id IS DISTINCT FROM $2
		        OR conversion_status IN ('raw_only', 'conversion_failed'))`,
		sensorID, profileID,
	).Scan(&n)
	return n, err
}

// TelemetryCursor is the keyset-pagination position (timestamp, id)
// used by the backfill scan; the zero value starts from the
// beginning.
type TelemetryCursor struct {
	Timestamp time.Time
	ID        int64
}

// ScanPendingPage returns up to pageSize records needing conversion
// under profileID, strictly after cursor in (timestamp, id) order,
// matching the BATCH_SIZE=1000 keyset page in conversion_backfill.py.
func (t *TelemetryStore) ScanPendingPage(ctx context.Context, sensorID, profileID string, cursor TelemetryCursor, pageSize int) ([]models.TelemetryRecord, error) {
	rows, err := t.repo.Pool.Query(ctx,
		`SELECT id, sensor_id, "timestamp", signal, raw_value, physical_value,
		        conversion_status, conversion_profile_id, capture_session_id, meta
		 FROM telemetry.telemetry_records
		 WHERE sensor_id = $1
		   AND (conversion_profile_id IS DISTINCT FROM $2
		        OR conversion_status IN ('raw_only', 'conversion_failed'))
		   AND ("timestamp", id) > ($3, $4)
		 ORDER BY "timestamp", id
		 LIMIT $5`,
		sensorID, profileID, cursor.Timestamp, cursor.ID, pageSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TelemetryRecord
	for rows.Next() {
		var r models.TelemetryRecord
		if err := rows.Scan(&r.ID, &r.SensorID, &r.Timestamp, &r.Signal, &r.RawValue, &r.PhysicalValue,
			&r.ConversionStatus, &r.ConversionProfileID, &r.CaptureSessionID, &r.Meta); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApplyConversions writes back the physical value, status and
// profile id for a page of records the backfill worker just
// converted. One statement per row inside the caller's transaction,
// mirroring conversion_backfill.py's executemany.
func (t *TelemetryStore) ApplyConversions(ctx context.Context, tx pgx.Tx, records []models.TelemetryRecord) error {
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`UPDATE telemetry.telemetry_records
			 SET physical_value = $1, conversion_status = $2, conversion_profile_id = $3
			 WHERE sensor_id = $4 AND "timestamp" = $5 AND id = $6`,
			r.PhysicalValue, string(r.ConversionStatus), r.ConversionProfileID,
			r.SensorID, r.Timestamp, r.ID,
		)
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for range records {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelemetryStore) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return t.repo.Pool.Begin(ctx)
}

// ApplyConversionsPage is the transaction-owning convenience wrapper
// around ApplyConversions: the whole page commits or rolls back
// together, matching the spec's "all updates in a page commit
// together" requirement.
func (t *TelemetryStore) ApplyConversionsPage(ctx context.Context, records []models.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := t.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := t.ApplyConversions(ctx, tx, records); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RefreshOneMinuteRollup re-populates the telemetry_1m materialized
// view. Called on a ticker by cmd/server since this schema targets
// plain Postgres rather than a continuous-aggregate extension.
func (t *TelemetryStore) RefreshOneMinuteRollup(ctx context.Context) error {
	_, err := t.repo.Pool.Exec(ctx, `REFRESH MATERIALIZED VIEW telemetry.telemetry_1m`)
	return err
}

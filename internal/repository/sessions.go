package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/models"
)

type SessionStore struct {
	repo *Repository
}

func NewSessionStore(repo *Repository) *SessionStore {
	return &SessionStore{repo: repo}
}

// Create inserts the session row and its "created" audit event in the
// same transaction (mirroring market_prices.go's transactional write
// pattern) so a capture session never exists without its creation
// event, and vice versa.
func (s *SessionStore) Create(ctx context.Context, runID, projectID string, ordinal int, initiatedBy string) (*models.CaptureSession, error) {
	tx, err := s.repo.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var cs models.CaptureSession
	if err := tx.QueryRow(ctx,
		`INSERT INTO core.capture_sessions (run_id, project_id, ordinal_number, status, initiated_by)
		 VALUES ($1, $2, $3, 'draft', $4)
		 RETURNING id, run_id, project_id, ordinal_number, status, started_at, stopped_at, initiated_by, created_at`,
		runID, projectID, ordinal, initiatedBy,
	).Scan(&cs.ID, &cs.RunID, &cs.ProjectID, &cs.OrdinalNumber, &cs.Status, &cs.StartedAt, &cs.StoppedAt, &cs.InitiatedBy, &cs.CreatedAt); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO core.capture_session_events (capture_session_id, event_type, actor_id, actor_role)
		 VALUES ($1, 'created', $2, 'owner')`, cs.ID, initiatedBy,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.CaptureSession, error) {
	var cs models.CaptureSession
	err := s.repo.Pool.QueryRow(ctx,
		`SELECT id, run_id, project_id, ordinal_number, status, started_at, stopped_at, initiated_by, created_at
		 FROM core.capture_sessions WHERE id = $1`, sessionID,
	).Scan(&cs.ID, &cs.RunID, &cs.ProjectID, &cs.OrdinalNumber, &cs.Status, &cs.StartedAt, &cs.StoppedAt, &cs.InitiatedBy, &cs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFoundf("capture session %s not found", sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// TransitionStatus moves a session to a new status and records the
// transition as an event, refusing to move a session out of a
// terminal status.
func (s *SessionStore) TransitionStatus(ctx context.Context, sessionID string, newStatus models.CaptureSessionStatus, actorID, actorRole string, payload json.RawMessage) (*models.CaptureSession, error) {
	tx, err := s.repo.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var current models.CaptureSessionStatus
	if err := tx.QueryRow(ctx,
		`SELECT status FROM core.capture_sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFoundf("capture session %s not found", sessionID)
		}
		return nil, err
	}
	if current.IsTerminal() {
		return nil, apperr.New(apperr.Conflict, "capture session is already in a terminal state")
	}

	var startedAtClause string
	var stoppedAtClause string
	if newStatus == models.SessionRunning {
		startedAtClause = ", started_at = now()"
	}
	if newStatus.IsTerminal() {
		stoppedAtClause = ", stopped_at = now()"
	}

	var cs models.CaptureSession
	if err := tx.QueryRow(ctx,
		`UPDATE core.capture_sessions SET status = $2`+startedAtClause+stoppedAtClause+`
		 WHERE id = $1
		 RETURNING id, run_id, project_id, ordinal_number, status, started_at, stopped_at, initiated_by, created_at`,
		sessionID, newStatus,
	).Scan(&cs.ID, &cs.RunID, &cs.ProjectID, &cs.OrdinalNumber, &cs.Status, &cs.StartedAt, &cs.StoppedAt, &cs.InitiatedBy, &cs.CreatedAt); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO core.capture_session_events (capture_session_id, event_type, actor_id, actor_role, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, "status:"+string(newStatus), actorID, actorRole, payload,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &cs, nil
}

// ListEvents returns a page of a session's audit log, oldest first,
// using COUNT(*) OVER() for the total rather than a second query —
// the window-function pagination pattern market_prices.go uses for
// its listing endpoint.
func (s *SessionStore) ListEvents(ctx context.Context, sessionID string, limit, offset int) ([]models.CaptureSessionEvent, int64, error) {
	rows, err := s.repo.Pool.Query(ctx,
		`SELECT id, capture_session_id, event_type, actor_id, actor_role, payload, created_at,
		        count(*) OVER() AS total_count
		 FROM core.capture_session_events
		 WHERE capture_session_id = $1
		 ORDER BY created_at, id
		 LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.CaptureSessionEvent
	var total int64
	for rows.Next() {
		var e models.CaptureSessionEvent
		if err := rows.Scan(&e.ID, &e.CaptureSessionID, &e.EventType, &e.ActorID, &e.ActorRole, &e.Payload, &e.CreatedAt, &total); err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// Package models holds the plain domain structs persisted by the
// repository layer. They carry json tags for API responses; none of
// them touch the database driver directly.
package models

import (
	"encoding/json"
	"time"
)

type SensorStatus string

const (
	SensorActive   SensorStatus = "active"
	SensorInactive SensorStatus = "inactive"
)

// Sensor is a telemetry source attached primarily to one project, with
// optional additional project memberships via sensor_projects.
type Sensor struct {
	ID              string       `json:"id"`
	ProjectID       string       `json:"project_id"`
	Name            string       `json:"name"`
	TokenHash       string       `json:"-"`
	TokenPreview    string       `json:"token_preview"`
	ActiveProfileID *string      `json:"active_profile_id,omitempty"`
	Status          SensorStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

type ProfileKind string

const (
	ProfileLinear      ProfileKind = "linear"
	ProfilePolynomial  ProfileKind = "polynomial"
	ProfileLookupTable ProfileKind = "lookup_table"
)

type ProfileStatus string

const (
	ProfileDraft   ProfileStatus = "draft"
	ProfileActive  ProfileStatus = "active"
	ProfileRetired ProfileStatus = "retired"
)

// ConversionProfile is immutable once published: Payload is never
// rewritten after Status leaves "draft".
type ConversionProfile struct {
	ID        string          `json:"id"`
	SensorID  string          `json:"sensor_id"`
	Version   int             `json:"version"`
	Kind      ProfileKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    ProfileStatus   `json:"status"`
	ValidFrom *time.Time      `json:"valid_from,omitempty"`
	ValidTo   *time.Time      `json:"valid_to,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type ExperimentStatus string

const (
	ExperimentDraft     ExperimentStatus = "draft"
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentSucceeded ExperimentStatus = "succeeded"
	ExperimentFailed    ExperimentStatus = "failed"
	ExperimentArchived  ExperimentStatus = "archived"
)

type Experiment struct {
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id"`
	OwnerID   string           `json:"owner_id"`
	Name      string           `json:"name"`
	Tags      []string         `json:"tags,omitempty"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
	Status    ExperimentStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type RunStatus string

const (
	RunDraft     RunStatus = "draft"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type Run struct {
	ID           string          `json:"id"`
	ExperimentID string          `json:"experiment_id"`
	Params       json.RawMessage `json:"params,omitempty"`
	GitSHA       string          `json:"git_sha,omitempty"`
	Env          string          `json:"env,omitempty"`
	Status       RunStatus       `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	StoppedAt    *time.Time      `json:"stopped_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type CaptureSessionStatus string

const (
	SessionDraft       CaptureSessionStatus = "draft"
	SessionRunning     CaptureSessionStatus = "running"
	SessionSucceeded   CaptureSessionStatus = "succeeded"
	SessionFailed      CaptureSessionStatus = "failed"
	SessionBackfilling CaptureSessionStatus = "backfilling"
)

// IsTerminal reports whether the session status admits no further
// transitions via the normal lifecycle operations.
func (s CaptureSessionStatus) IsTerminal() bool {
	return s == SessionSucceeded || s == SessionFailed
}

type CaptureSession struct {
	ID            string               `json:"id"`
	RunID         string               `json:"run_id"`
	ProjectID     string               `json:"project_id"`
	OrdinalNumber int                  `json:"ordinal_number"`
	Status        CaptureSessionStatus `json:"status"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	StoppedAt     *time.Time           `json:"stopped_at,omitempty"`
	InitiatedBy   string               `json:"initiated_by"`
	CreatedAt     time.Time            `json:"created_at"`
}

type CaptureSessionEvent struct {
	ID               string          `json:"id"`
	CaptureSessionID string          `json:"capture_session_id"`
	EventType        string          `json:"event_type"`
	ActorID          string          `json:"actor_id"`
	ActorRole        string          `json:"actor_role"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type ConversionStatus string

const (
	ConversionConverted ConversionStatus = "converted"
	ConversionRawOnly   ConversionStatus = "raw_only"
	ConversionFailed    ConversionStatus = "conversion_failed"
)

// TelemetryRecord is append-only except for the three fields the
// backfill worker is permitted to rewrite: PhysicalValue,
// ConversionStatus, ConversionProfileID.
type TelemetryRecord struct {
	ID                  int64            `json:"id"`
	SensorID            string           `json:"sensor_id"`
	Timestamp           time.Time        `json:"timestamp"`
	Signal              string           `json:"signal"`
	RawValue            float64          `json:"raw_value"`
	PhysicalValue       *float64         `json:"physical_value,omitempty"`
	ConversionStatus    ConversionStatus `json:"conversion_status"`
	ConversionProfileID *string          `json:"conversion_profile_id,omitempty"`
	CaptureSessionID    *string          `json:"capture_session_id,omitempty"`
	Meta                json.RawMessage  `json:"meta,omitempty"`
}

type BackfillStatus string

const (
	BackfillPending   BackfillStatus = "pending"
	BackfillRunning   BackfillStatus = "running"
	BackfillCompleted BackfillStatus = "completed"
	BackfillFailed    BackfillStatus = "failed"
)

type BackfillTask struct {
	ID                  string         `json:"id"`
	SensorID            string         `json:"sensor_id"`
	ProjectID           string         `json:"project_id"`
	ConversionProfileID string         `json:"conversion_profile_id"`
	Status              BackfillStatus `json:"status"`
	TotalRecords        int64          `json:"total_records"`
	ProcessedRecords    int64          `json:"processed_records"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	StartedAt           *time.Time     `json:"started_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
}

type WebhookSubscription struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	TargetURL  string    `json:"target_url"`
	EventTypes []string  `json:"event_types"`
	Secret     string    `json:"-"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryInProgress DeliveryStatus = "in_progress"
	DeliverySucceeded  DeliveryStatus = "succeeded"
	DeliveryFailed     DeliveryStatus = "failed"
)

type WebhookDelivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	ProjectID      string          `json:"project_id"`
	EventType      string          `json:"event_type"`
	TargetURL      string          `json:"target_url"`
	Secret         string          `json:"-"`
	RequestBody    json.RawMessage `json:"request_body"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	DedupKey       string          `json:"dedup_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Package ingest implements the authenticated batched telemetry write
// path: sensor token authentication, run/session scope validation,
// per-reading conversion via the profile cache, and a single
// all-or-nothing bulk insert.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/conversion"
	"telemetry-core/internal/models"
	"telemetry-core/internal/observability"
	"telemetry-core/internal/profilecache"
	"telemetry-core/internal/ratelimit"
)

const MaxBatchSize = 10000

// Reading is one sample in an ingest batch, prior to conversion.
type Reading struct {
	Timestamp time.Time
	Signal    string
	RawValue  float64
	Meta      json.RawMessage
}

// Batch is the public ingest(token, body) request payload: all
// readings target one sensor, with optional run/session scoping and
// batch-level meta that individual readings may override.
type Batch struct {
	SensorID        string
	RunID           string
	CaptureSessionID string
	Meta            json.RawMessage
	Readings        []Reading
}

type Result struct {
	Accepted int
}

type RunLookup interface {
	GetStatus(ctx context.Context, runID string) (models.RunStatus, error)
}

type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*models.CaptureSession, error)
}

// SensorLookup is the subset of *repository.SensorStore the ingest
// service needs, narrowed to an interface so the service is testable
// without a database.
type SensorLookup interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.Sensor, error)
}

// BatchInserter is the subset of *repository.TelemetryStore the
// ingest service needs.
type BatchInserter interface {
	InsertBatch(ctx context.Context, records []models.TelemetryRecord) error
}

type Service struct {
	sensors   SensorLookup
	sessions  SessionLookup
	runs      RunLookup
	telemetry BatchInserter
	cache     *profilecache.Cache
	limiter   *ratelimit.Limiter
	metrics   *observability.Metrics
	log       *logrus.Entry
}

func NewService(sensors SensorLookup, sessions SessionLookup, runs RunLookup, telemetry BatchInserter, cache *profilecache.Cache, log *logrus.Entry) *Service {
	return &Service{sensors: sensors, sessions: sessions, runs: runs, telemetry: telemetry, cache: cache, log: log}
}

// WithRateLimiter attaches a per-sensor rate limiter. Left unset, the
// service applies no throttling, matching the config default of 0
// ("unlimited") unless INGEST_RATE_LIMIT_PER_SEC configures one.
func (s *Service) WithRateLimiter(limiter *ratelimit.Limiter) *Service {
	s.limiter = limiter
	return s
}

// WithMetrics attaches the Prometheus bundle Ingest records latency
// and accept/reject counts against. Left unset, Ingest runs unmetered.
func (s *Service) WithMetrics(metrics *observability.Metrics) *Service {
	s.metrics = metrics
	return s
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Ingest runs the six-step ingest sequence from authentication
// through bulk insert. The batch commits or is rejected as a whole;
// there is no partial acceptance.
func (s *Service) Ingest(ctx context.Context, token string, batch Batch) (result *Result, err error) {
	if s.metrics != nil {
		start := time.Now()
		defer func() {
			s.metrics.IngestLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				s.metrics.IngestRejected.WithLabelValues(string(apperr.CodeOf(err))).Inc()
			} else {
				s.metrics.IngestAccepted.Add(float64(result.Accepted))
			}
		}()
	}

	if len(batch.Readings) == 0 {
		return nil, apperr.New(apperr.Validation, "batch must contain at least one reading")
	}
	if len(batch.Readings) > MaxBatchSize {
		return nil, apperr.Validationf("batch of %d readings exceeds max of %d", len(batch.Readings), MaxBatchSize)
	}

	// 1. Authenticate.
	sensor, err := s.sensors.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if sensor.ID != batch.SensorID && batch.SensorID != "" {
		return nil, apperr.New(apperr.Unauthorized, "token does not match requested sensor")
	}
	sensorID := sensor.ID

	if s.limiter != nil && !s.limiter.AllowN(sensorID, len(batch.Readings)) {
		return nil, apperr.New(apperr.RateLimited, "sensor ingest rate limit exceeded")
	}

	// 2. Scope validation.
	if err := s.validateScope(ctx, batch); err != nil {
		return nil, err
	}

	// 3. Resolve active profile.
	entry, err := s.cache.Get(ctx, sensorID)
	if err != nil {
		if apperr.CodeOf(err) != apperr.NotFound {
			return nil, err
		}
		entry = nil
	}

	var captureSessionID *string
	if batch.CaptureSessionID != "" {
		captureSessionID = &batch.CaptureSessionID
	}

	records := make([]models.TelemetryRecord, 0, len(batch.Readings))
	for _, reading := range batch.Readings {
		// 4. Convert.
		var physical *float64
		status := models.ConversionRawOnly
		var profileID *string
		if entry != nil && entry.Profile != nil {
			if v, ok := conversion.Apply(entry.Profile, reading.RawValue); ok {
				physical = &v
				status = models.ConversionConverted
			} else {
				status = models.ConversionFailed
			}
			profileID = &entry.ProfileID
		}

		// 5. Merge meta: reading overrides batch, __system preserved.
		meta, err := mergeMeta(batch.Meta, reading.Meta)
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, "invalid reading meta", err)
		}

		records = append(records, models.TelemetryRecord{
			SensorID:            sensorID,
			Timestamp:           reading.Timestamp,
			Signal:              reading.Signal,
			RawValue:            reading.RawValue,
			PhysicalValue:       physical,
			ConversionStatus:    status,
			ConversionProfileID: profileID,
			CaptureSessionID:    captureSessionID,
			Meta:                meta,
		})
	}

	// 6. Bulk insert, whole batch or nothing.
	if err := s.telemetry.InsertBatch(ctx, records); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "failed to persist ingest batch", err)
	}

	return &Result{Accepted: len(records)}, nil
}

func (s *Service) validateScope(ctx context.Context, batch Batch) error {
	if batch.CaptureSessionID != "" {
		session, err := s.sessions.Get(ctx, batch.CaptureSessionID)
		if err != nil {
			return err
		}
		if batch.RunID != "" && session.RunID != batch.RunID {
			return apperr.ScopeMismatchf("capture session %s does not belong to run %s", batch.CaptureSessionID, batch.RunID)
		}
		if session.Status != models.SessionRunning && session.Status != models.SessionDraft {
			return apperr.ScopeMismatchf("capture session %s is not accepting telemetry (status=%s)", batch.CaptureSessionID, session.Status)
		}
		return nil
	}
	if batch.RunID != "" {
		status, err := s.runs.GetStatus(ctx, batch.RunID)
		if err != nil {
			return err
		}
		if status == models.RunSucceeded || status == models.RunFailed {
			return apperr.ScopeMismatchf("run %s is terminal", batch.RunID)
		}
	}
	return nil
}

// mergeMeta overlays reading meta on top of batch meta, except the
// reserved "__system" key, which is always taken from whichever side
// set it last in the merge order batch -> reading but never merged
// key-by-key with the other side's __system contents: the spec treats
// __system as a single opaque, caller-owned block.
func mergeMeta(batchMeta, readingMeta json.RawMessage) (json.RawMessage, error) {
	if len(batchMeta) == 0 {
		return readingMeta, nil
	}
	if len(readingMeta) == 0 {
		return batchMeta, nil
	}

	var base map[string]json.RawMessage
	if err := json.Unmarshal(batchMeta, &base); err != nil {
		return nil, fmt.Errorf("batch meta: %w", err)
	}
	var overlay map[string]json.RawMessage
	if err := json.Unmarshal(readingMeta, &overlay); err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	if base == nil {
		base = make(map[string]json.RawMessage)
	}

	systemBlock, readingHasSystem := overlay["__system"]
	for k, v := range overlay {
		if k == "__system" {
			continue
		}
		base[k] = v
	}
	if readingHasSystem {
		base["__system"] = systemBlock
	}

	return json.Marshal(base)
}

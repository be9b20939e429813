// Package backfill implements the conversion backfill worker: a
// tick-driven loop that claims one pending task, counts the work,
// walks it in keyset-paginated pages, recomputes each reading with
// the current profile, and commits pages transactionally. Grounded on
// this codebase's tick-driven background-worker loop shape together
// with conversion_backfill.py's claim/count/page protocol.
package backfill

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-core/internal/conversion"
	"telemetry-core/internal/eventbus"
	"telemetry-core/internal/models"
	"telemetry-core/internal/observability"
	"telemetry-core/internal/repository"
)

const PageSize = 1000

type TaskStore interface {
	ClaimPending(ctx context.Context) (*models.BackfillTask, error)
	SetTotal(ctx context.Context, taskID string, total int64) error
	UpdateProgress(ctx context.Context, taskID string, processed int64) error
	MarkCompleted(ctx context.Context, taskID string) error
	MarkFailed(ctx context.Context, taskID string, errMsg string) error
}

type ProfileStore interface {
	Get(ctx context.Context, profileID string) (*models.ConversionProfile, error)
}

type TelemetryStore interface {
	CountPendingForProfile(ctx context.Context, sensorID, profileID string) (int64, error)
	ScanPendingPage(ctx context.Context, sensorID, profileID string, cursor repository.TelemetryCursor, pageSize int) ([]models.TelemetryRecord, error)
	ApplyConversionsPage(ctx context.Context, records []models.TelemetryRecord) error
}

type Worker struct {
	tasks     TaskStore
	profiles  ProfileStore
	telemetry TelemetryStore
	bus       *eventbus.Bus
	metrics   *observability.Metrics
	tick      time.Duration
	pageSize  int
	log       *logrus.Entry
}

func NewWorker(tasks TaskStore, profiles ProfileStore, telemetry TelemetryStore, tick time.Duration, log *logrus.Entry) *Worker {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Worker{tasks: tasks, profiles: profiles, telemetry: telemetry, tick: tick, pageSize: PageSize, log: log}
}

// WithBus attaches the event bus backfill.completed is published on.
// Left nil, process runs exactly as before minus the publish — this
// keeps the worker's unit tests free of eventbus setup.
func (w *Worker) WithBus(bus *eventbus.Bus) *Worker {
	w.bus = bus
	return w
}

// WithMetrics attaches the Prometheus bundle backfill progress is
// reported against, gauged per sensor so an operator can see which
// sensor's backfill is furthest along.
func (w *Worker) WithMetrics(metrics *observability.Metrics) *Worker {
	w.metrics = metrics
	return w
}

// Run polls for a claimable task every tick until ctx is cancelled.
// Each process may run this loop; the skip-locked claim ensures only
// one of them wins any given task.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	task, err := w.tasks.ClaimPending(ctx)
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).Error("claim_pending failed")
		}
		return
	}
	if task == nil {
		return
	}
	if w.log != nil {
		w.log.WithField("task_id", task.ID).Info("claimed backfill task")
	}
	if err := w.process(ctx, task); err != nil {
		if markErr := w.tasks.MarkFailed(ctx, task.ID, err.Error()); markErr != nil && w.log != nil {
			w.log.WithError(markErr).WithField("task_id", task.ID).Error("failed to record backfill task failure")
		}
		if w.log != nil {
			w.log.WithError(err).WithField("task_id", task.ID).Error("backfill task failed")
		}
	}
}

func (w *Worker) process(ctx context.Context, task *models.BackfillTask) error {
	profile, err := w.profiles.Get(ctx, task.ConversionProfileID)
	if err != nil {
		return err
	}
	parsed, parseErr := conversion.Parse(profile.Kind, profile.Payload)

	total, err := w.telemetry.CountPendingForProfile(ctx, task.SensorID, task.ConversionProfileID)
	if err != nil {
		return err
	}
	if err := w.tasks.SetTotal(ctx, task.ID, total); err != nil {
		return err
	}

	var cursor repository.TelemetryCursor
	var processed int64
	for {
		page, err := w.telemetry.ScanPendingPage(ctx, task.SensorID, task.ConversionProfileID, cursor, w.pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			if parseErr != nil {
				page[i].PhysicalValue = nil
				page[i].ConversionStatus = models.ConversionFailed
			} else if v, ok := conversion.Apply(parsed, page[i].RawValue); ok {
				page[i].PhysicalValue = &v
				page[i].ConversionStatus = models.ConversionConverted
			} else {
				page[i].PhysicalValue = nil
				page[i].ConversionStatus = models.ConversionFailed
			}
			page[i].ConversionProfileID = &task.ConversionProfileID
		}

		if err := w.telemetry.ApplyConversionsPage(ctx, page); err != nil {
			return err
		}

		processed += int64(len(page))
		if err := w.tasks.UpdateProgress(ctx, task.ID, processed); err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.BackfillProgress.WithLabelValues(task.SensorID).Set(float64(processed))
		}

		last := page[len(page)-1]
		cursor = repository.TelemetryCursor{Timestamp: last.Timestamp, ID: last.ID}

		if len(page) < w.pageSize || processed >= total {
			break
		}
	}

	if err := w.tasks.MarkCompleted(ctx, task.ID); err != nil {
		return err
	}
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: "backfill.completed", ProjectID: task.ProjectID, OccurredAt: time.Now(), Payload: task})
	}
	return nil
}

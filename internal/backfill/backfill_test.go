package backfill

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"telemetry-core/internal/conversion"
	"telemetry-core/internal/models"
	"telemetry-core/internal/repository"
)

type fakeTasks struct {
	claimed     []*models.BackfillTask
	totals      map[string]int64
	progress    map[string]int64
	completed   []string
	failed      map[string]string
}

func (f *fakeTasks) ClaimPending(ctx context.Context) (*models.BackfillTask, error) {
	if len(f.claimed) == 0 {
		return nil, nil
	}
	t := f.claimed[0]
	f.claimed = f.claimed[1:]
	return t, nil
}

func (f *fakeTasks) SetTotal(ctx context.Context, taskID string, total int64) error {
	if f.totals == nil {
		f.totals = map[string]int64{}
	}
	f.totals[taskID] = total
	return nil
}

func (f *fakeTasks) UpdateProgress(ctx context.Context, taskID string, processed int64) error {
	if f.progress == nil {
		f.progress = map[string]int64{}
	}
	f.progress[taskID] = processed
	return nil
}

func (f *fakeTasks) MarkCompleted(ctx context.Context, taskID string) error {
	f.completed = append(f.completed, taskID)
	return nil
}

func (f *fakeTasks) MarkFailed(ctx context.Context, taskID string, errMsg string) error {
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[taskID] = errMsg
	return nil
}

type fakeProfiles struct {
	profiles map[string]*models.ConversionProfile
}

func (f *fakeProfiles) Get(ctx context.Context, profileID string) (*models.ConversionProfile, error) {
	return f.profiles[profileID], nil
}

type fakeTelemetry struct {
	pending []models.TelemetryRecord
	applied []models.TelemetryRecord
}

func (f *fakeTelemetry) CountPendingForProfile(ctx context.Context, sensorID, profileID string) (int64, error) {
	return int64(len(f.pending)), nil
}

func (f *fakeTelemetry) ScanPendingPage(ctx context.Context, sensorID, profileID string, cursor repository.TelemetryCursor, pageSize int) ([]models.TelemetryRecord, error) {
	var page []models.TelemetryRecord
	for _, r := range f.pending {
		if r.Timestamp.After(cursor.Timestamp) || (r.Timestamp.Equal(cursor.Timestamp) && r.ID > cursor.ID) {
			page = append(page, r)
			if len(page) >= pageSize {
				break
			}
		}
	}
	return page, nil
}

func (f *fakeTelemetry) ApplyConversionsPage(ctx context.Context, records []models.TelemetryRecord) error {
	f.applied = append(f.applied, records...)
	return nil
}

func TestWorkerProcessesTaskToCompletion(t *testing.T) {
	profileID := "profile-1"
	profile := &models.ConversionProfile{ID: profileID, Kind: conversion.Linear, Payload: json.RawMessage(`{"a":2,"b":0}`)}
	base := time.Now()
	pending := []models.TelemetryRecord{
		{ID: 1, SensorID: "sensor-1", Timestamp: base, RawValue: 1},
		{ID: 2, SensorID: "sensor-1", Timestamp: base.Add(time.Second), RawValue: 2},
	}
	tasks := &fakeTasks{claimed: []*models.BackfillTask{{ID: "task-1", SensorID: "sensor-1", ConversionProfileID: profileID}}}
	profiles := &fakeProfiles{profiles: map[string]*models.ConversionProfile{profileID: profile}}
	telemetry := &fakeTelemetry{pending: pending}

	w := NewWorker(tasks, profiles, telemetry, time.Second, nil)
	w.pageSize = 10
	w.runOnce(context.Background())

	if len(tasks.completed) != 1 || tasks.completed[0] != "task-1" {
		t.Fatalf("expected task-1 marked completed, got %v", tasks.completed)
	}
	if tasks.totals["task-1"] != 2 {
		t.Errorf("expected total 2, got %d", tasks.totals["task-1"])
	}
	if len(telemetry.applied) != 2 {
		t.Fatalf("expected 2 records applied, got %d", len(telemetry.applied))
	}
	for _, r := range telemetry.applied {
		if r.ConversionStatus != models.ConversionConverted || r.PhysicalValue == nil {
			t.Errorf("expected converted record with physical value, got %+v", r)
		}
	}
}

func TestWorkerMarksConversionFailedOnMalformedProfile(t *testing.T) {
	profileID := "profile-bad"
	profile := &models.ConversionProfile{ID: profileID, Kind: conversion.Linear, Payload: json.RawMessage(`{}`)}
	pending := []models.TelemetryRecord{{ID: 1, SensorID: "sensor-1", Timestamp: time.Now(), RawValue: 1}}
	tasks := &fakeTasks{claimed: []*models.BackfillTask{{ID: "task-1", SensorID: "sensor-1", ConversionProfileID: profileID}}}
	profiles := &fakeProfiles{profiles: map[string]*models.ConversionProfile{profileID: profile}}
	telemetry := &fakeTelemetry{pending: pending}

	w := NewWorker(tasks, profiles, telemetry, time.Second, nil)
	w.pageSize = 10
	w.runOnce(context.Background())

	if len(telemetry.applied) != 1 || telemetry.applied[0].ConversionStatus != models.ConversionFailed {
		t.Fatalf("expected conversion_failed record, got %+v", telemetry.applied)
	}
	if len(tasks.completed) != 1 {
		t.Errorf("a malformed profile is not a worker crash; task should still complete, got completed=%v failed=%v", tasks.completed, tasks.failed)
	}
}

func TestWorkerNoopWhenQueueEmpty(t *testing.T) {
	tasks := &fakeTasks{}
	w := NewWorker(tasks, &fakeProfiles{}, &fakeTelemetry{}, time.Second, nil)
	w.runOnce(context.Background())
	if len(tasks.completed) != 0 {
		t.Error("expected no task completion when queue is empty")
	}
}

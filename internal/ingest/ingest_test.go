package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"telemetry-core/internal/apperr"
	"telemetry-core/internal/conversion"
	"telemetry-core/internal/models"
	"telemetry-core/internal/profilecache"
)

type fakeSensors struct {
	byHash map[string]*models.Sensor
}

func (f *fakeSensors) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Sensor, error) {
	sn, ok := f.byHash[tokenHash]
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "unknown token")
	}
	return sn, nil
}

type fakeSessions struct {
	sessions map[string]*models.CaptureSession
}

func (f *fakeSessions) Get(ctx context.Context, sessionID string) (*models.CaptureSession, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFoundf("session %s not found", sessionID)
	}
	return s, nil
}

type fakeRuns struct {
	status map[string]models.RunStatus
}

func (f *fakeRuns) GetStatus(ctx context.Context, runID string) (models.RunStatus, error) {
	st, ok := f.status[runID]
	if !ok {
		return "", apperr.NotFoundf("run %s not found", runID)
	}
	return st, nil
}

type fakeInserter struct {
	inserted []models.TelemetryRecord
}

func (f *fakeInserter) InsertBatch(ctx context.Context, records []models.TelemetryRecord) error {
	f.inserted = append(f.inserted, records...)
	return nil
}

func newTestService(t *testing.T, sensor *models.Sensor, profile *profilecache.Entry) (*Service, *fakeInserter) {
	t.Helper()
	sensors := &fakeSensors{byHash: map[string]*models.Sensor{HashToken("valid-token"): sensor}}
	sessions := &fakeSessions{sessions: map[string]*models.CaptureSession{
		"sess-running": {ID: "sess-running", RunID: "run-1", Status: models.SessionRunning},
		"sess-failed":  {ID: "sess-failed", RunID: "run-1", Status: models.SessionFailed},
	}}
	runs := &fakeRuns{status: map[string]models.RunStatus{
		"run-1": models.RunRunning,
		"run-2": models.RunSucceeded,
	}}
	inserter := &fakeInserter{}
	cache := profilecache.New(func(ctx context.Context, sensorID string) (*profilecache.Entry, error) {
		if profile == nil {
			return nil, apperr.NotFoundf("no active profile")
		}
		return profile, nil
	}, time.Minute, nil)
	return NewService(sensors, sessions, runs, inserter, cache, nil), inserter
}

func TestIngestAcceptsBatchWithoutProfile(t *testing.T) {
	sensor := &models.Sensor{ID: "sensor-1"}
	svc, inserter := newTestService(t, sensor, nil)

	result, err := svc.Ingest(context.Background(), "valid-token", Batch{
		SensorID: "sensor-1",
		Readings: []Reading{{Timestamp: time.Now(), Signal: "temp", RawValue: 21.5}},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", result.Accepted)
	}
	if inserter.inserted[0].ConversionStatus != models.ConversionRawOnly {
		t.Errorf("expected raw_only without an active profile, got %s", inserter.inserted[0].ConversionStatus)
	}
}

func TestIngestConvertsWithActiveProfile(t *testing.T) {
	sensor := &models.Sensor{ID: "sensor-1"}
	profile, err := conversion.Parse(conversion.Linear, json.RawMessage(`{"a":2,"b":1}`))
	if err != nil {
		t.Fatalf("parse profile: %v", err)
	}
	svc, inserter := newTestService(t, sensor, &profilecache.Entry{ProfileID: "profile-1", Kind: conversion.Linear, Profile: profile})

	_, err = svc.Ingest(context.Background(), "valid-token", Batch{
		SensorID: "sensor-1",
		Readings: []Reading{{Timestamp: time.Now(), Signal: "temp", RawValue: 10}},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rec := inserter.inserted[0]
	if rec.ConversionStatus != models.ConversionConverted {
		t.Fatalf("expected converted status, got %s", rec.ConversionStatus)
	}
	if rec.PhysicalValue == nil || *rec.PhysicalValue != 21 {
		t.Errorf("expected physical value 21, got %v", rec.PhysicalValue)
	}
}

func TestIngestRejectsBadToken(t *testing.T) {
	sensor := &models.Sensor{ID: "sensor-1"}
	svc, _ := newTestService(t, sensor, nil)

	_, err := svc.Ingest(context.Background(), "wrong-token", Batch{
		SensorID: "sensor-1",
		Readings: []Reading{{Timestamp: time.Now(), Signal: "temp", RawValue: 1}},
	})
	if apperr.CodeOf(err) != apperr.Unauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestIngestScopeMismatchSessionWrongRun(t *testing.T) {
	sensor := &models.Sensor{ID: "sensor-1"}
	svc, _ := newTestService(t, sensor, nil)

	_, err := svc.Ingest(context.Background(), "valid-token", Batch{
		SensorID:         "sensor-1",
		RunID:            "run-2",
		CaptureSessionID: "sess-running",
		Readings:         []Reading{{Timestamp: time.Now(), Signal: "temp", RawValue: 1}},
	})
	if apperr.CodeOf(err) != apperr.ScopeMismatch {
		t.Fatalf("expected scope_mismatch, got %v", err)
	}
}

func TestIngestScopeMismatchTerminalSession(t *testing.T) {
	sensor := &models.Sensor{ID: "sensor-1"}
	svc, _ := newTestService(t, sensor, nil)

	_, err := svc.Ingest(context.Background(), "valid-token", Batch{
		SensorID:         "sensor-1",
		CaptureSessionID: "sess-failed",
		Readings:         []Reading{{Timestamp: time.Now(), Signal: "temp", RawValue: 1}},
	})
	if apperr.CodeOf(err) != apperr.ScopeMismatch {
		t.Fatalf("expected scope_mismatch for terminal session, got %v", err)
	}
}

func TestIngestRejectsOversizedBatch(t *testing.T) {
	sensor := &models.Sensor{ID: "sensor-1"}
	svc, _ := newTestService(t, sensor, nil)

	readings := make([]Reading, MaxBatchSize+1)
	for i := range readings {
		readings[i] = Reading{Timestamp: time.Now(), Signal: "temp", RawValue: 1}
	}
	_, err := svc.Ingest(context.Background(), "valid-token", Batch{SensorID: "sensor-1", Readings: readings})
	if apperr.CodeOf(err) != apperr.Validation {
		t.Fatalf("expected validation error for oversized batch, got %v", err)
	}
}

func TestMergeMetaPreservesSystemBlockAndOverridesOthers(t *testing.T) {
	batchMeta := json.RawMessage(`{"unit":"celsius","__system":{"ingested_by":"batch"}}`)
	readingMeta := json.RawMessage(`{"unit":"fahrenheit","__system":{"late":true}}`)

	merged, err := mergeMeta(batchMeta, readingMeta)
	if err != nil {
		t.Fatalf("mergeMeta: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(merged, &out); err != nil {
		t.Fatalf("unmarshal merged: %v", err)
	}
	if string(out["unit"]) != `"fahrenheit"` {
		t.Errorf("expected reading meta to override unit, got %s", out["unit"])
	}
	var sys map[string]json.RawMessage
	if err := json.Unmarshal(out["__system"], &sys); err != nil {
		t.Fatalf("unmarshal __system: %v", err)
	}
	if string(sys["late"]) != "true" {
		t.Errorf("expected __system.late=true from reading meta, got %v", sys)
	}
}

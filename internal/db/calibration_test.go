package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
)

func TestCalibrationRecorder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	run := pipeline.CalibrationRun{
		ID:        "run-1",
		Anchor:    2,
		Config:    calibration.DefaultConfig(200),
		StartedAt: start,
	}
	if err := db.StartCalibration(ctx, run); err != nil {
		t.Fatalf("StartCalibration: %v", err)
	}

	rec, err := db.CalibrationRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("CalibrationRun: %v", err)
	}
	if rec.Status != calibration.StatusMeasuring || rec.FinalDelay != nil || rec.FinishedAt != nil {
		t.Errorf("open run = %+v", rec)
	}
	if rec.Config.MeasureTime != calibration.DefaultMeasureTime || rec.Target != 200 {
		t.Errorf("config not stored: %+v", rec.Config)
	}

	entries := []calibration.HistoryEntry{
		{Iteration: 1, Delay: 16405, Mean: 210, Error: 10, Samples: 30, Step: 100, Time: start.Add(10 * time.Second)},
		{Iteration: 2, Delay: 16415, Mean: 201, Error: 1, Samples: 29, Step: 50, Time: start.Add(20 * time.Second)},
	}
	for _, e := range entries {
		if err := db.RecordIteration(ctx, run.ID, e); err != nil {
			t.Fatalf("RecordIteration: %v", err)
		}
	}
	if err := db.RecordIteration(ctx, run.ID, entries[0]); err == nil {
		t.Error("duplicate iteration should be rejected")
	}

	if err := db.FinishCalibration(ctx, run.ID, calibration.StatusConverged, 16415, ""); err != nil {
		t.Fatalf("FinishCalibration: %v", err)
	}

	rec, err = db.CalibrationRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("CalibrationRun: %v", err)
	}
	if rec.Status != calibration.StatusConverged || rec.FinalDelay == nil || *rec.FinalDelay != 16415 || rec.FinishedAt == nil {
		t.Errorf("finished run = %+v", rec)
	}

	history, err := db.CalibrationIterations(ctx, run.ID)
	if err != nil {
		t.Fatalf("CalibrationIterations: %v", err)
	}
	if len(history) != 2 || history[1].Delay != 16415 || !history[0].Time.Equal(entries[0].Time) {
		t.Errorf("history = %+v", history)
	}
}

func TestCalibrationRuns_NewestFirst(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	for i, id := range []string{"a", "b", "c"} {
		run := pipeline.CalibrationRun{ID: id, Anchor: 2, Config: calibration.DefaultConfig(100), StartedAt: start.Add(time.Duration(i) * time.Minute)}
		if err := db.StartCalibration(ctx, run); err != nil {
			t.Fatalf("StartCalibration %s: %v", id, err)
		}
	}
	if err := db.FinishCalibration(ctx, "a", calibration.StatusAborted, 16405, "budget exhausted"); err != nil {
		t.Fatalf("FinishCalibration: %v", err)
	}

	runs, err := db.CalibrationRuns(ctx, 2)
	if err != nil {
		t.Fatalf("CalibrationRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("runs = %+v", runs)
	}

	all, _ := db.CalibrationRuns(ctx, 10)
	if got := all[2]; got.Status != calibration.StatusAborted || got.Reason != "budget exhausted" {
		t.Errorf("aborted run = %+v", got)
	}
}

func TestCalibrationRun_NotFound(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.CalibrationRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("CalibrationRun(missing) = %v", err)
	}
	if err := db.FinishCalibration(ctx, "missing", calibration.StatusConverged, 1, ""); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("FinishCalibration(missing) = %v", err)
	}
	if err := db.RecordIteration(ctx, "missing", calibration.HistoryEntry{Iteration: 1}); err == nil {
		t.Error("iteration for an unknown run should violate the foreign key")
	}
}

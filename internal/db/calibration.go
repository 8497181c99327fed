package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// ErrRunNotFound is returned for an unknown calibration run id.
var ErrRunNotFound = errors.New("calibration run not found")

var _ pipeline.CalibrationRecorder = (*DB)(nil)

// CalibrationRunRecord is a stored calibration run.
type CalibrationRunRecord struct {
	ID         string             `json:"id"`
	Anchor     ranging.AnchorID   `json:"anchor"`
	Target     float64            `json:"target_cm"`
	Config     calibration.Config `json:"config"`
	Status     calibration.Status `json:"status"`
	FinalDelay *int               `json:"final_delay,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// StartCalibration stores a new run in the MEASURING state.
func (db *DB) StartCalibration(ctx context.Context, run pipeline.CalibrationRun) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO calibration_runs (run_id, anchor_id, target_cm, config_json, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, int64(run.Anchor), run.Config.Target, string(cfg), string(calibration.StatusMeasuring), run.StartedAt.UnixNano())
	return err
}

// RecordIteration stores one completed measurement window.
func (db *DB) RecordIteration(ctx context.Context, runID string, e calibration.HistoryEntry) error {
	_, err := db.ExecContext(ctx, `INSERT INTO calibration_iterations (run_id, iteration, delay, mean_cm, error_cm, samples, step, measured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Iteration, e.Delay, e.Mean, e.Error, e.Samples, e.Step, e.Time.UnixNano())
	return err
}

// FinishCalibration stores the outcome of a run.
func (db *DB) FinishCalibration(ctx context.Context, runID string, status calibration.Status, delay int, reason string) error {
	res, err := db.ExecContext(ctx, `UPDATE calibration_runs SET status = ?, final_delay = ?, reason = ?, finished_at = ? WHERE run_id = ?`,
		string(status), delay, reason, time.Now().UnixNano(), runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, anchor_id, target_cm, config_json, status, final_delay, reason, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (CalibrationRunRecord, error) {
	var (
		r        CalibrationRunRecord
		anchor   int64
		cfg      string
		status   string
		delay    sql.NullInt64
		reason   sql.NullString
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&r.ID, &anchor, &r.Target, &cfg, &status, &delay, &reason, &started, &finished); err != nil {
		return r, err
	}
	r.Anchor = ranging.AnchorID(anchor)
	r.Status = calibration.Status(status)
	r.Reason = reason.String
	r.StartedAt = time.Unix(0, started)
	if delay.Valid {
		d := int(delay.Int64)
		r.FinalDelay = &d
	}
	if finished.Valid {
		t := time.Unix(0, finished.Int64)
		r.FinishedAt = &t
	}
	if err := json.Unmarshal([]byte(cfg), &r.Config); err != nil {
		return r, fmt.Errorf("decode config of run %s: %w", r.ID, err)
	}
	return r, nil
}

// CalibrationRun returns one stored run.
func (db *DB) CalibrationRun(ctx context.Context, runID string) (CalibrationRunRecord, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM calibration_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// CalibrationRuns returns up to limit runs, newest first.
func (db *DB) CalibrationRuns(ctx context.Context, limit int) ([]CalibrationRunRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM calibration_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalibrationRunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CalibrationIterations returns the history of a run in iteration order.
func (db *DB) CalibrationIterations(ctx context.Context, runID string) ([]calibration.HistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT iteration, delay, mean_cm, error_cm, samples, step, measured_at
		FROM calibration_iterations WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calibration.HistoryEntry
	for rows.Next() {
		var (
			e     calibration.HistoryEntry
			nanos int64
		)
		if err := rows.Scan(&e.Iteration, &e.Delay, &e.Mean, &e.Error, &e.Samples, &e.Step, &nanos); err != nil {
			return nil, err
		}
		e.Time = time.Unix(0, nanos)
		out = append(out, e)
	}
	return out, rows.Err()
}

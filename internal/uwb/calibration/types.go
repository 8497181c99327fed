package calibration

import (
	"errors"
	"fmt"
	"time"
)

// Status is the controller state.
type Status string

const (
	StatusMeasuring Status = "MEASURING"
	StatusAdjusting Status = "ADJUSTING"
	StatusConverged Status = "CONVERGED"
	StatusAborted   Status = "ABORTED"
)

// Done reports whether s is terminal.
func (s Status) Done() bool {
	return s == StatusConverged || s == StatusAborted
}

const (
	// DefaultInitialDelay is the factory antenna delay of the modules.
	DefaultInitialDelay = 0x4015
	// DefaultMaxDelay is the largest value the delay register accepts.
	DefaultMaxDelay    = 0xFFFF
	DefaultMaxStep     = 100
	DefaultMinStep     = 1
	DefaultTolerance   = 5.0
	DefaultMeasureTime = 10 * time.Second
	// DefaultSlope fits a model where distance grows with the delay. Real
	// modules go the other way; see config.DefaultCalibrationSlope.
	DefaultSlope      = 1.0
	DefaultIterations = 20
)

// ErrAborted is wrapped by every AbortError.
var ErrAborted = errors.New("calibration aborted")

// AbortError reports why a run gave up, with the full history for diagnosis.
type AbortError struct {
	Reason  string
	History []HistoryEntry
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("calibration aborted after %d iterations: %s", len(e.History), e.Reason)
}

func (e *AbortError) Unwrap() error { return ErrAborted }

// HistoryEntry records one completed measurement window.
type HistoryEntry struct {
	Iteration int       `json:"iteration"`
	Delay     int       `json:"delay"`
	Mean      float64   `json:"mean_cm"`
	Error     float64   `json:"error_cm"`
	Samples   int       `json:"samples"`
	Step      int       `json:"step"`
	Time      time.Time `json:"time"`
}

// Decision is what Advance asks the caller to do next.
type Decision struct {
	Status Status `json:"status"`
	// Delay is the value to apply when Status is ADJUSTING, and the final
	// value to persist when Status is CONVERGED.
	Delay int `json:"delay"`
	Delta int `json:"delta"`
	// Entry is set when a measurement window completed on this call.
	Entry *HistoryEntry `json:"entry,omitempty"`
}

// State is a point-in-time view of a controller.
type State struct {
	Status    Status         `json:"status"`
	Delay     int            `json:"delay"`
	Step      int            `json:"step"`
	Iteration int            `json:"iteration"`
	Target    float64        `json:"target_cm"`
	Pending   int            `json:"pending_samples"`
	StartedAt time.Time      `json:"started_at"`
	History   []HistoryEntry `json:"history"`
}

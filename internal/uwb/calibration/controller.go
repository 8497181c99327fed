package calibration

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Config parameterises one calibration run.
type Config struct {
	// Target is the true distance between the pair, in cm.
	Target    float64
	Tolerance float64

	// A window completes once MeasureTime has elapsed and at least
	// MinSamples samples have arrived. With MeasureTime zero the window is
	// sample-count driven only.
	MeasureTime time.Duration
	MinSamples  int

	// MaxIterations and MaxDuration bound the run. Zero disables a bound,
	// but at least one of them should be set.
	MaxIterations int
	MaxDuration   time.Duration

	InitialDelay int
	MaxDelay     int
	// MaxStep is the initial bound on |delta|. With Decay it halves after
	// every non-converged window, down to MinStep.
	MaxStep int
	MinStep int
	Decay   bool

	// Slope is the expected change in measured distance (cm) per unit of
	// delay. The sign decides the correction direction.
	Slope float64
}

// DefaultConfig returns the defaults for a run towards target cm.
func DefaultConfig(target float64) Config {
	return Config{
		Target:        target,
		Tolerance:     DefaultTolerance,
		MeasureTime:   DefaultMeasureTime,
		MinSamples:    1,
		MaxIterations: DefaultIterations,
		InitialDelay:  DefaultInitialDelay,
		MaxDelay:      DefaultMaxDelay,
		MaxStep:       DefaultMaxStep,
		MinStep:       DefaultMinStep,
		Decay:         true,
		Slope:         DefaultSlope,
	}
}

// Validate checks the configuration for values the controller cannot run
// with.
func (c Config) Validate() error {
	if c.Target <= 0 {
		return fmt.Errorf("target must be positive, got %v", c.Target)
	}
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %v", c.Tolerance)
	}
	if c.MaxDelay <= 0 {
		return fmt.Errorf("max delay must be positive, got %d", c.MaxDelay)
	}
	if c.InitialDelay < 0 || c.InitialDelay > c.MaxDelay {
		return fmt.Errorf("initial delay %d outside 0..%d", c.InitialDelay, c.MaxDelay)
	}
	if c.MinStep < 1 {
		return fmt.Errorf("min step must be at least 1, got %d", c.MinStep)
	}
	if c.MaxStep < c.MinStep {
		return fmt.Errorf("max step %d below min step %d", c.MaxStep, c.MinStep)
	}
	if c.Slope == 0 || math.IsNaN(c.Slope) || math.IsInf(c.Slope, 0) {
		return fmt.Errorf("slope must be a non-zero finite number, got %v", c.Slope)
	}
	if c.MeasureTime <= 0 && c.MinSamples <= 0 {
		return fmt.Errorf("either measure time or min samples must be set")
	}
	if c.MaxIterations < 0 || c.MaxDuration < 0 {
		return fmt.Errorf("iteration and duration budgets must be non-negative")
	}
	return nil
}

// Controller is a proportional controller with a bounded, optionally
// decaying, step. It is safe for concurrent use.
type Controller struct {
	cfg Config

	mu          sync.Mutex
	status      Status
	delay       int
	step        int
	started     time.Time
	windowStart time.Time
	samples     []float64
	history     []HistoryEntry
	abort       *AbortError
}

// New returns a controller in MEASURING with the configured initial delay.
func New(cfg Config, now time.Time) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:         cfg,
		status:      StatusMeasuring,
		delay:       cfg.InitialDelay,
		step:        cfg.MaxStep,
		started:     now,
		windowStart: now,
	}, nil
}

// AddSample records a distance for the current window. Samples arriving
// outside MEASURING were taken with a stale delay and are discarded; the
// return value reports whether the sample was kept.
func (c *Controller) AddSample(distance float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusMeasuring {
		return false
	}
	c.samples = append(c.samples, distance)
	return true
}

// Advance evaluates the controller at time now. While the window is still
// open it returns a MEASURING decision. When the window completes it records
// a history entry and either converges, aborts or proposes a new delay. Once
// aborted, every call returns the *AbortError.
func (c *Controller) Advance(now time.Time) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.status {
	case StatusAborted:
		return Decision{Status: c.status, Delay: c.delay}, c.abort
	case StatusConverged, StatusAdjusting:
		return Decision{Status: c.status, Delay: c.delay}, nil
	}

	if c.cfg.MaxDuration > 0 && now.Sub(c.started) >= c.cfg.MaxDuration {
		return c.abortLocked(fmt.Sprintf("time budget of %v exhausted", c.cfg.MaxDuration))
	}
	if !c.windowCompleteLocked(now) {
		return Decision{Status: StatusMeasuring, Delay: c.delay}, nil
	}

	mean := stat.Mean(c.samples, nil)
	entry := HistoryEntry{
		Iteration: len(c.history) + 1,
		Delay:     c.delay,
		Mean:      mean,
		Error:     mean - c.cfg.Target,
		Samples:   len(c.samples),
		Step:      c.step,
		Time:      now,
	}
	c.history = append(c.history, entry)
	c.samples = c.samples[:0]

	if math.Abs(entry.Error) <= c.cfg.Tolerance {
		c.status = StatusConverged
		return Decision{Status: StatusConverged, Delay: c.delay, Entry: &entry}, nil
	}
	if c.cfg.MaxIterations > 0 && len(c.history) >= c.cfg.MaxIterations {
		d, err := c.abortLocked(fmt.Sprintf("no convergence within %d iterations", c.cfg.MaxIterations))
		d.Entry = &entry
		return d, err
	}

	delta := c.deltaLocked(entry.Error)
	next := min(max(c.delay+delta, 0), c.cfg.MaxDelay)
	delta = next - c.delay
	c.delay = next
	if c.cfg.Decay {
		c.step = max(c.step/2, c.cfg.MinStep)
	}
	c.status = StatusAdjusting
	return Decision{Status: StatusAdjusting, Delay: next, Delta: delta, Entry: &entry}, nil
}

// Resume reopens the measurement window after the caller applied the delay
// from an ADJUSTING decision, or the initial delay while MEASURING. Samples
// gathered so far are discarded.
func (c *Controller) Resume(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusAdjusting && c.status != StatusMeasuring {
		return
	}
	c.status = StatusMeasuring
	c.windowStart = now
	c.samples = c.samples[:0]
}

// Abort stops the run, for example when the operator cancels.
func (c *Controller) Abort(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusConverged {
		return nil
	}
	if c.status == StatusAborted {
		return c.abort
	}
	_, err := c.abortLocked(reason)
	return err
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Delay returns the current delay value.
func (c *Controller) Delay() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delay
}

// History returns a copy of the completed windows.
func (c *Controller) History() []HistoryEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.history)
}

// State returns a snapshot for reporting.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Status:    c.status,
		Delay:     c.delay,
		Step:      c.step,
		Iteration: len(c.history),
		Target:    c.cfg.Target,
		Pending:   len(c.samples),
		StartedAt: c.started,
		History:   slices.Clone(c.history),
	}
}

func (c *Controller) windowCompleteLocked(now time.Time) bool {
	need := max(c.cfg.MinSamples, 1)
	if len(c.samples) < need {
		return false
	}
	return c.cfg.MeasureTime <= 0 || now.Sub(c.windowStart) >= c.cfg.MeasureTime
}

// deltaLocked converts a distance error into a delay correction: the
// proportional estimate -error/slope, rounded, bounded by the current step and
// never smaller than MinStep in magnitude.
func (c *Controller) deltaLocked(errCm float64) int {
	raw := -errCm / c.cfg.Slope
	delta := int(math.Round(raw))
	if delta > c.step {
		delta = c.step
	} else if delta < -c.step {
		delta = -c.step
	}
	if abs(delta) < c.cfg.MinStep {
		if raw < 0 {
			delta = -c.cfg.MinStep
		} else {
			delta = c.cfg.MinStep
		}
	}
	return delta
}

func (c *Controller) abortLocked(reason string) (Decision, error) {
	c.status = StatusAborted
	c.samples = c.samples[:0]
	c.abort = &AbortError{Reason: reason, History: slices.Clone(c.history)}
	return Decision{Status: StatusAborted, Delay: c.delay}, c.abort
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/device"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// CalibrationRun identifies one calibration run for persistence.
type CalibrationRun struct {
	ID        string             `json:"id"`
	Anchor    ranging.AnchorID   `json:"anchor"`
	Config    calibration.Config `json:"config"`
	StartedAt time.Time          `json:"started_at"`
}

// CalibrationRecorder persists calibration runs. Errors are logged and do not
// stop the run.
type CalibrationRecorder interface {
	StartCalibration(ctx context.Context, run CalibrationRun) error
	RecordIteration(ctx context.Context, runID string, e calibration.HistoryEntry) error
	FinishCalibration(ctx context.Context, runID string, status calibration.Status, delay int, reason string) error
}

// CalOptions configures a CalProcessor.
type CalOptions struct {
	// Anchor is the responder whose distance to the initiator is measured.
	Anchor ranging.AnchorID
	// Antennas lists the antenna indices whose delay is written.
	Antennas []int
	// KeyTemplate formats the calibration key, see device.DefaultAntDelayKey.
	KeyTemplate string
	Recorder    CalibrationRecorder
}

// CalProcessor drives a calibration.Controller from live samples and pushes
// every new delay to all devices. The initial delay is written before the
// first window opens.
type CalProcessor struct {
	ctrl    *calibration.Controller
	opts    CalOptions
	run     CalibrationRun
	devices Devices
	started bool
	// applied is the delay last written to the devices, -1 before the first.
	applied int
	result  error
}

// NewCalProcessor returns a processor calibrating the pair formed by the
// initiator and opts.Anchor.
func NewCalProcessor(cfg calibration.Config, opts CalOptions, now time.Time) (*CalProcessor, error) {
	ctrl, err := calibration.New(cfg, now)
	if err != nil {
		return nil, err
	}
	if len(opts.Antennas) == 0 {
		opts.Antennas = []int{0, 1}
	}
	if opts.KeyTemplate == "" {
		opts.KeyTemplate = device.DefaultAntDelayKey
	}
	return &CalProcessor{
		ctrl:    ctrl,
		opts:    opts,
		applied: -1,
		run: CalibrationRun{
			ID:        uuid.NewString(),
			Anchor:    opts.Anchor,
			Config:    cfg,
			StartedAt: now,
		},
	}, nil
}

// Bind implements DeviceUser.
func (c *CalProcessor) Bind(d Devices) { c.devices = d }

// RunID returns the id under which the run is recorded.
func (c *CalProcessor) RunID() string { return c.run.ID }

// Controller exposes the underlying controller for reporting.
func (c *CalProcessor) Controller() *calibration.Controller { return c.ctrl }

// Result returns the abort error of a failed run, or nil.
func (c *CalProcessor) Result() error { return c.result }

func (c *CalProcessor) OnSample(s ranging.Sample) {
	if s.Anchor != c.opts.Anchor {
		return
	}
	if !c.ctrl.AddSample(s.Distance) {
		monitoring.Tracef("cal: dropped sample taken while adjusting")
	}
}

func (c *CalProcessor) Tick(ctx context.Context, now time.Time) error {
	if c.devices == nil {
		return errors.New("cal: no devices bound")
	}
	if !c.started {
		c.started = true
		if r := c.opts.Recorder; r != nil {
			if err := r.StartCalibration(ctx, c.run); err != nil {
				monitoring.Opsf("cal: record start: %v", err)
			}
		}
	}

	if c.applied < 0 {
		if err := c.apply(ctx, c.ctrl.Delay()); err != nil {
			monitoring.Opsf("cal: apply initial delay: %v", err)
			return nil
		}
		// samples so far were taken with whatever delay the modules held
		c.ctrl.Resume(now)
		return nil
	}

	d, err := c.ctrl.Advance(now)
	if d.Entry != nil {
		e := d.Entry
		monitoring.Diagf("cal: iteration %d delay=%d mean=%.1fcm error=%+.1fcm (%d samples)",
			e.Iteration, e.Delay, e.Mean, e.Error, e.Samples)
		if r := c.opts.Recorder; r != nil {
			if rerr := r.RecordIteration(ctx, c.run.ID, *e); rerr != nil {
				monitoring.Opsf("cal: record iteration: %v", rerr)
			}
		}
	}

	switch d.Status {
	case calibration.StatusMeasuring:
		return nil

	case calibration.StatusAdjusting:
		if err := c.apply(ctx, d.Delay); err != nil {
			// still ADJUSTING, so the next tick retries
			monitoring.Opsf("cal: apply delay %d: %v", d.Delay, err)
			return nil
		}
		c.ctrl.Resume(now)
		return nil

	case calibration.StatusConverged:
		monitoring.Diagf("cal: converged at delay %d (0x%04X)", d.Delay, d.Delay)
		if ferr := c.finish(ctx); ferr != nil {
			monitoring.Opsf("cal: save: %v", ferr)
		}
		c.record(ctx, calibration.StatusConverged, d.Delay, "")
		return ErrStop

	case calibration.StatusAborted:
		c.result = err
		c.record(ctx, calibration.StatusAborted, d.Delay, abortReason(err))
		return err
	}
	return fmt.Errorf("cal: unexpected status %q", d.Status)
}

// apply writes delay to every antenna of every device and restarts ranging.
func (c *CalProcessor) apply(ctx context.Context, delay int) error {
	if delay == c.applied {
		return nil
	}
	monitoring.Diagf("cal: applying delay %d", delay)
	for i := 0; i < c.devices.Channels(); i++ {
		steps := device.ApplyDelaySteps(c.devices.Plan(), i, uint64(delay), c.opts.Antennas, c.opts.KeyTemplate)
		if err := c.devices.Send(ctx, i, steps); err != nil {
			return err
		}
	}
	c.applied = delay
	return nil
}

// finish stops every device and saves the calibration.
func (c *CalProcessor) finish(ctx context.Context) error {
	var errs []error
	for i := 0; i < c.devices.Channels(); i++ {
		errs = append(errs, c.devices.Send(ctx, i, device.FinishSteps()))
	}
	return errors.Join(errs...)
}

func (c *CalProcessor) record(ctx context.Context, status calibration.Status, delay int, reason string) {
	if r := c.opts.Recorder; r != nil {
		if err := r.FinishCalibration(ctx, c.run.ID, status, delay, reason); err != nil {
			monitoring.Opsf("cal: record finish: %v", err)
		}
	}
}

// Finalize aborts a run that is still in progress when the pipeline stops.
func (c *CalProcessor) Finalize(ctx context.Context) error {
	if c.ctrl.Status().Done() {
		return nil
	}
	err := c.ctrl.Abort("stopped before convergence")
	c.result = err
	c.record(ctx, calibration.StatusAborted, c.ctrl.Delay(), abortReason(err))
	monitoring.Opsf("cal: %v", err)
	return nil
}

func abortReason(err error) string {
	var ae *calibration.AbortError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

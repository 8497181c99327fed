package device

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/uwb.locator/internal/timeutil"
)

// Pauses the firmware needs after a command before it accepts the next one.
const (
	DefaultPause = 100 * time.Millisecond
	StorePause   = 200 * time.Millisecond
	RestartPause = 500 * time.Millisecond
)

// Commander is a line sink to one module.
type Commander interface {
	SendCommand(command string) error
}

// Step is one command followed by a pause.
type Step struct {
	Command string
	Pause   time.Duration
}

// Run sends steps in order, waiting each step's pause on clock. It stops at
// the first write error or when ctx is done.
func Run(ctx context.Context, clock timeutil.Clock, c Commander, steps []Step) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.SendCommand(s.Command); err != nil {
			return fmt.Errorf("send %q: %w", s.Command, err)
		}
		if s.Pause <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(s.Pause):
		}
	}
	return nil
}

// Commands lists the command text of steps.
func Commands(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Command
	}
	return out
}

// StartSteps starts ranging on module i.
func StartSteps(p Plan, i int) []Step {
	return []Step{{Command: p.RoleCommand(i), Pause: RestartPause}}
}

// StopSteps stops ranging.
func StopSteps() []Step {
	return []Step{{Command: CmdStop, Pause: DefaultPause}}
}

// FinishSteps stops ranging and persists the calibration.
func FinishSteps() []Step {
	return []Step{
		{Command: CmdStop, Pause: DefaultPause},
		{Command: CmdSave, Pause: DefaultPause},
	}
}

// ApplyDelaySteps writes delay to every antenna in antennas and restarts
// ranging on module i.
func ApplyDelaySteps(p Plan, i int, delay uint64, antennas []int, keyTemplate string) []Step {
	channel := p.Channel
	if channel == 0 {
		channel = DefaultChannel
	}
	steps := []Step{{Command: CmdStop, Pause: DefaultPause}}
	for _, ant := range antennas {
		steps = append(steps, Step{
			Command: CalKey(AntDelayKey(keyTemplate, ant, channel), delay),
			Pause:   DefaultPause,
		})
	}
	return append(steps, Step{Command: p.RoleCommand(i), Pause: RestartPause})
}

// SetupSteps resets module i to factory state and stores its role so it
// starts ranging on power-up without a host.
func SetupSteps(p Plan, i int) []Step {
	return []Step{
		{Command: CmdStop, Pause: StorePause},
		{Command: CmdRestore, Pause: StorePause},
		{Command: CmdSave, Pause: StorePause},
		{Command: SetApp(p.Role(i)), Pause: StorePause},
		{Command: CmdSave, Pause: StorePause},
		{Command: p.setupCommand(i), Pause: RestartPause},
	}
}

// CalibrationFileSteps uploads entries and saves them.
func CalibrationFileSteps(entries []CalEntry) []Step {
	steps := []Step{{Command: CmdStop, Pause: StorePause}}
	for _, e := range entries {
		steps = append(steps, Step{Command: CalKey(e.Key, e.Value), Pause: DefaultPause})
	}
	return append(steps, Step{Command: CmdSave, Pause: StorePause})
}

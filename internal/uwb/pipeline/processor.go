package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/uwb.locator/internal/uwb/device"
	"github.com/banshee-data/uwb.locator/internal/uwb/multilat"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// ErrStop is returned by Processor.Tick to end the run cleanly.
var ErrStop = errors.New("pipeline: processor finished")

// Processor consumes samples on the single consumer goroutine. Implementations
// need no locking of their own for state touched only by these methods.
type Processor interface {
	// OnSample is called for every sample taken off the queue.
	OnSample(s ranging.Sample)
	// Tick is called on every consumer tick. Returning ErrStop ends the run
	// normally; any other error ends it with that error.
	Tick(ctx context.Context, now time.Time) error
	// Finalize is called once after the consumer stops, while the devices
	// are still connected.
	Finalize(ctx context.Context) error
}

// Devices is the command side of the connected modules.
type Devices interface {
	// Channels returns the number of device channels.
	Channels() int
	// Send runs steps on channel i.
	Send(ctx context.Context, i int, steps []device.Step) error
	// Plan returns the role plan the devices were started with.
	Plan() device.Plan
}

// DeviceUser is implemented by processors that send commands to the devices.
// Bind is called once before the first sample.
type DeviceUser interface {
	Bind(d Devices)
}

// Fix is a position estimate at a point in time.
type Fix struct {
	Time time.Time `json:"time"`
	multilat.Estimate
}

// EstimateSink receives every position estimate. Sinks are called on the
// consumer goroutine and should not block for long.
type EstimateSink interface {
	PublishFix(ctx context.Context, f Fix) error
}

// SampleSink persists raw samples in batches.
type SampleSink interface {
	RecordSamples(ctx context.Context, samples []ranging.Sample) error
}

// Multi fans every call out to several processors in order. Tick stops at
// the first error; Finalize runs every member.
type Multi []Processor

func (m Multi) OnSample(s ranging.Sample) {
	for _, p := range m {
		p.OnSample(s)
	}
}

func (m Multi) Tick(ctx context.Context, now time.Time) error {
	for _, p := range m {
		if err := p.Tick(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Finalize(ctx context.Context) error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Finalize(ctx))
	}
	return errors.Join(errs...)
}

// Bind forwards the devices to every member that uses them.
func (m Multi) Bind(d Devices) {
	for _, p := range m {
		if u, ok := p.(DeviceUser); ok {
			u.Bind(d)
		}
	}
}

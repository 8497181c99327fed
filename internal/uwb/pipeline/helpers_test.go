package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/uwb.locator/internal/serialmux"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
	"github.com/banshee-data/uwb.locator/internal/uwb/device"
	"github.com/banshee-data/uwb.locator/internal/uwb/notify"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

type report struct {
	anchor   uint64
	distance int
}

func frameText(reports ...report) notify.Notification {
	var b strings.Builder
	fmt.Fprintf(&b, "SESSION_INFO_NTF: {session_handle=1, sequence_number=0, n_measurements=%d\n", len(reports))
	for _, r := range reports {
		fmt.Fprintf(&b, ` [mac_address=0x%04x, status="SUCCESS", distance[cm]=%d];`+"\n", r.anchor, r.distance)
	}
	b.WriteString("}")
	return notify.Notification(b.String())
}

// fakeChannel delivers queued frames from Monitor and records commands.
type fakeChannel struct {
	frames  chan notify.Notification
	failure chan error

	mu       sync.Mutex
	handlers []serialmux.FrameHandler
	sent     []string
	closed   bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		frames:  make(chan notify.Notification, 64),
		failure: make(chan error, 1),
	}
}

func (f *fakeChannel) OnFrame(h serialmux.FrameHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
}

func (f *fakeChannel) SendCommand(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeChannel) Monitor(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-f.failure:
			return err
		case n := <-f.frames:
			f.mu.Lock()
			hs := f.handlers
			f.mu.Unlock()
			for _, h := range hs {
				h(n)
			}
		}
	}
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeChannel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func openerFor(ch *fakeChannel) Opener {
	return func(context.Context, int) (Channel, error) { return ch, nil }
}

// recorder is a Processor that remembers everything it was given.
type recorder struct {
	mu        sync.Mutex
	samples   []ranging.Sample
	ticks     int
	finalized bool
	stopAfter int
	got       chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 1024)} }

func (r *recorder) OnSample(s ranging.Sample) {
	r.mu.Lock()
	r.samples = append(r.samples, s)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) Tick(context.Context, time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
	if r.stopAfter > 0 && r.ticks >= r.stopAfter {
		return ErrStop
	}
	return nil
}

func (r *recorder) Finalize(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalized = true
	return nil
}

func (r *recorder) Samples() []ranging.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ranging.Sample(nil), r.samples...)
}

func (r *recorder) waitSamples(t *testing.T, n int) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.got:
		case <-timeout:
			t.Fatalf("timed out after %d of %d samples", i, n)
		}
	}
}

// autoAdvance moves clock forward by step every millisecond of real time
// until the test ends.
func autoAdvance(t *testing.T, clock *timeutil.MockClock, step time.Duration) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				clock.Advance(step)
			}
		}
	}()
}

// fakeDevices records the steps sent to each channel.
type fakeDevices struct {
	plan device.Plan
	fail error

	mu    sync.Mutex
	steps map[int][]string
}

func newFakeDevices(n int) *fakeDevices {
	return &fakeDevices{plan: device.Plan{Devices: n, Channel: device.Channel9}, steps: map[int][]string{}}
}

func (d *fakeDevices) Channels() int     { return d.plan.Devices }
func (d *fakeDevices) Plan() device.Plan { return d.plan }

func (d *fakeDevices) Send(_ context.Context, i int, steps []device.Step) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.steps[i] = append(d.steps[i], device.Commands(steps)...)
	return nil
}

func (d *fakeDevices) Commands(i int) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.steps[i]...)
}

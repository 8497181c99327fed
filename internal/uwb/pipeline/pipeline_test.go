package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/uwb.locator/internal/timeutil"
	"github.com/banshee-data/uwb.locator/internal/uwb/device"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

func runAsync(p *Pipeline, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func TestNew_Validation(t *testing.T) {
	store := ranging.NewStore(ranging.StoreConfig{})
	ch := newFakeChannel()

	_, err := New(Config{Store: store, Processor: newRecorder()})
	assert.Error(t, err, "no channels")
	_, err = New(Config{Openers: []Opener{openerFor(ch)}, Processor: newRecorder()})
	assert.Error(t, err, "no store")
	_, err = New(Config{Openers: []Opener{openerFor(ch)}, Store: store})
	assert.Error(t, err, "no processor")

	p, err := New(Config{Openers: []Opener{openerFor(ch), openerFor(ch)}, Store: store, Processor: newRecorder()})
	require.NoError(t, err)
	assert.Equal(t, 2, p.Channels())
	assert.Equal(t, 2, p.Plan().Devices)
}

func TestPipeline_IngestsFramesIntoStore(t *testing.T) {
	store := ranging.NewStore(ranging.StoreConfig{})
	rec := newRecorder()
	ch0, ch1 := newFakeChannel(), newFakeChannel()

	p, err := New(Config{
		Openers:   []Opener{openerFor(ch0), openerFor(ch1)},
		SkipStart: true,
		Store:     store,
		Processor: rec,
		Ignore:    []ranging.AnchorID{0x0001},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx)

	ch0.frames <- frameText(report{1, 0}, report{2, 120}, report{3, -5})
	ch1.frames <- frameText(report{4, 300})
	rec.waitSamples(t, 2)
	cancel()
	require.NoError(t, waitRun(t, done))

	s2, ok := store.Latest(0x0002)
	require.True(t, ok)
	assert.Equal(t, 120.0, s2.Distance)
	assert.Equal(t, 0, s2.Channel)

	s4, ok := store.Latest(0x0004)
	require.True(t, ok)
	assert.Equal(t, 300.0, s4.Distance)
	assert.Equal(t, 1, s4.Channel)

	_, ok = store.Latest(0x0001)
	assert.False(t, ok, "initiator address is ignored")
	_, ok = store.Latest(0x0003)
	assert.False(t, ok, "negative distances are dropped")

	st := p.Stats()
	assert.Equal(t, uint64(2), st.Frames)
	assert.Equal(t, uint64(2), st.Samples)
	assert.Equal(t, uint64(1), st.Ignored)
	assert.Equal(t, uint64(1), st.Negative)

	rec.mu.Lock()
	assert.True(t, rec.finalized)
	rec.mu.Unlock()
	assert.True(t, ch0.Closed())
	assert.True(t, ch1.Closed())
	assert.Empty(t, ch0.Sent(), "no commands when start is skipped")
}

func TestPipeline_StartsAndStopsDevices(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	autoAdvance(t, clock, 20*time.Millisecond)

	ch0, ch1 := newFakeChannel(), newFakeChannel()
	plan := device.Plan{Channel: device.Channel9}
	p, err := New(Config{
		Openers:   []Opener{openerFor(ch0), openerFor(ch1)},
		Plan:      plan,
		Store:     ranging.NewStore(ranging.StoreConfig{Clock: clock}),
		Processor: newRecorder(),
		Clock:     clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx)

	require.Eventually(t, func() bool {
		return len(ch0.Sent()) == 1 && len(ch1.Sent()) == 1
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	plan.Devices = 2
	assert.Equal(t, []string{plan.RoleCommand(0), device.CmdStop}, ch0.Sent())
	assert.Equal(t, []string{plan.RoleCommand(1), device.CmdStop}, ch1.Sent())
	assert.Equal(t, "INITF -MULTI -ADDR=1 -PADDR=[2] -CHAN=9", ch0.Sent()[0])
}

func TestPipeline_RetriesAfterFailure(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	autoAdvance(t, clock, 100*time.Millisecond)

	ch, reopened := newFakeChannel(), newFakeChannel()
	var opens atomic.Int32
	opener := func(context.Context, int) (Channel, error) {
		switch n := opens.Add(1); {
		case n <= 2:
			return nil, errors.New("no such device")
		case n == 3:
			return ch, nil
		default:
			return reopened, nil
		}
	}

	rec := newRecorder()
	p, err := New(Config{
		Openers:      []Opener{opener},
		SkipStart:    true,
		Store:        ranging.NewStore(ranging.StoreConfig{Clock: clock}),
		Processor:    rec,
		Clock:        clock,
		RetryBackoff: time.Second,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx)

	ch.frames <- frameText(report{2, 100})
	rec.waitSamples(t, 1)
	assert.Equal(t, int32(3), opens.Load())
	assert.Equal(t, uint64(2), p.Stats().Retries)

	// a read failure reconnects the same channel
	ch.failure <- errors.New("read: device disconnected")
	require.Eventually(t, func() bool { return opens.Load() == 4 }, 2*time.Second, time.Millisecond)
	assert.True(t, ch.Closed(), "failed channel is closed before reconnecting")
	reopened.frames <- frameText(report{2, 101})
	rec.waitSamples(t, 1)

	cancel()
	require.NoError(t, waitRun(t, done))
	samples := rec.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, 100.0, samples[0].Distance)
	assert.Equal(t, 101.0, samples[1].Distance)
	assert.Equal(t, uint64(3), p.Stats().Retries)
}

func TestPipeline_AllChannelsFail(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	autoAdvance(t, clock, 100*time.Millisecond)

	var opens atomic.Int32
	opener := func(context.Context, int) (Channel, error) {
		opens.Add(1)
		return nil, errors.New("permission denied")
	}
	rec := newRecorder()
	p, err := New(Config{
		Openers:      []Opener{opener},
		SkipStart:    true,
		Store:        ranging.NewStore(ranging.StoreConfig{}),
		Processor:    rec,
		Clock:        clock,
		RetryBackoff: time.Second,
		MaxRetries:   2,
	})
	require.NoError(t, err)

	err = waitRun(t, runAsync(p, context.Background()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllChannelsFailed)
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.Equal(t, int32(3), opens.Load())
	assert.True(t, rec.finalized)
}

func TestPipeline_ProcessorStops(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	autoAdvance(t, clock, 100*time.Millisecond)

	rec := newRecorder()
	rec.stopAfter = 3
	ch := newFakeChannel()
	p, err := New(Config{
		Openers:      []Opener{openerFor(ch)},
		SkipStart:    true,
		Store:        ranging.NewStore(ranging.StoreConfig{}),
		Processor:    rec,
		Clock:        clock,
		TickInterval: 500 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, waitRun(t, runAsync(p, context.Background())))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 3, rec.ticks)
	assert.True(t, rec.finalized)
	assert.True(t, ch.Closed())
}

type failingProcessor struct{ *recorder }

func (f *failingProcessor) Tick(context.Context, time.Time) error { return errors.New("sink gone") }

func TestPipeline_ProcessorError(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	autoAdvance(t, clock, 100*time.Millisecond)

	p, err := New(Config{
		Openers:   []Opener{openerFor(newFakeChannel())},
		SkipStart: true,
		Store:     ranging.NewStore(ranging.StoreConfig{}),
		Processor: &failingProcessor{recorder: newRecorder()},
		Clock:     clock,
	})
	require.NoError(t, err)

	err = waitRun(t, runAsync(p, context.Background()))
	assert.EqualError(t, err, "sink gone")
}

func TestPipeline_Duration(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	autoAdvance(t, clock, 100*time.Millisecond)

	rec := newRecorder()
	p, err := New(Config{
		Openers:   []Opener{openerFor(newFakeChannel())},
		SkipStart: true,
		Store:     ranging.NewStore(ranging.StoreConfig{}),
		Processor: rec,
		Clock:     clock,
		Duration:  2 * time.Second,
	})
	require.NoError(t, err)

	require.NoError(t, waitRun(t, runAsync(p, context.Background())))
	assert.True(t, rec.finalized)
}

func TestPipeline_SendRequiresConnection(t *testing.T) {
	p, err := New(Config{
		Openers:   []Opener{openerFor(newFakeChannel())},
		Store:     ranging.NewStore(ranging.StoreConfig{}),
		Processor: newRecorder(),
	})
	require.NoError(t, err)
	err = p.Send(context.Background(), 0, device.StopSteps())
	assert.ErrorIs(t, err, ErrTransientIO)
	assert.ErrorIs(t, p.Send(context.Background(), 5, nil), ErrTransientIO)
}

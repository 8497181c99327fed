package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/serialmux"
	"github.com/banshee-data/uwb.locator/internal/timeutil"
	"github.com/banshee-data/uwb.locator/internal/uwb/device"
	"github.com/banshee-data/uwb.locator/internal/uwb/notify"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// ErrTransientIO wraps channel open and read failures. The channel that hit
// one retries after the backoff delay.
var ErrTransientIO = errors.New("pipeline: transient device I/O failure")

// ErrAllChannelsFailed is returned by Run when every channel exhausted its
// retries.
var ErrAllChannelsFailed = errors.New("pipeline: all channels failed")

const (
	DefaultTickInterval = 500 * time.Millisecond
	DefaultRetryBackoff = time.Second
	DefaultStopTimeout  = 5 * time.Second
)

// Channel is one connected module. *serialmux.SerialMux satisfies it.
type Channel interface {
	OnFrame(serialmux.FrameHandler)
	SendCommand(command string) error
	Monitor(ctx context.Context) error
	Close() error
}

// Opener connects channel i. It is called again after every failure.
type Opener func(ctx context.Context, i int) (Channel, error)

// Config wires a Pipeline.
type Config struct {
	// Openers has one entry per device channel. Channel 0 is the initiator.
	Openers []Opener
	// Plan drives the role commands. Devices defaults to len(Openers).
	Plan device.Plan
	// SkipStart leaves the devices in whatever mode they are in, for
	// modules set up headless.
	SkipStart bool

	Store     *ranging.Store
	Processor Processor
	Clock     timeutil.Clock

	TickInterval time.Duration
	// Duration ends the run after this long. Zero runs until cancelled.
	Duration time.Duration

	RetryBackoff time.Duration
	// MaxRetries bounds consecutive failures per channel. Zero retries
	// forever.
	MaxRetries int

	QueueSize    int
	QueuePolicy  Policy
	BlockTimeout time.Duration

	// Ignore drops reports from these addresses, normally the initiator's
	// own.
	Ignore []ranging.AnchorID

	// StopTimeout bounds Finalize and the STOP sent to each device on
	// shutdown.
	StopTimeout time.Duration
}

// Stats counts pipeline activity.
type Stats struct {
	Frames   uint64     `json:"frames"`
	Samples  uint64     `json:"samples"`
	Ignored  uint64     `json:"ignored"`
	Negative uint64     `json:"negative"`
	Retries  uint64     `json:"retries"`
	Queue    QueueStats `json:"queue"`
}

// Pipeline owns the ingestion goroutines and the consumer.
type Pipeline struct {
	cfg   Config
	clock timeutil.Clock
	queue *Queue

	mu       sync.Mutex
	channels []Channel

	frames   atomic.Uint64
	samples  atomic.Uint64
	ignored  atomic.Uint64
	negative atomic.Uint64
	retries  atomic.Uint64
}

// New validates cfg and returns a pipeline ready to Run.
func New(cfg Config) (*Pipeline, error) {
	if len(cfg.Openers) == 0 {
		return nil, errors.New("pipeline: no device channels configured")
	}
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	if cfg.Processor == nil {
		return nil, errors.New("pipeline: processor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Plan.Devices == 0 {
		cfg.Plan.Devices = len(cfg.Openers)
	}
	return &Pipeline{
		cfg:      cfg,
		clock:    cfg.Clock,
		queue:    NewQueue(cfg.QueueSize, cfg.QueuePolicy, cfg.BlockTimeout),
		channels: make([]Channel, len(cfg.Openers)),
	}, nil
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:   p.frames.Load(),
		Samples:  p.samples.Load(),
		Ignored:  p.ignored.Load(),
		Negative: p.negative.Load(),
		Retries:  p.retries.Load(),
		Queue:    p.queue.Stats(),
	}
}

// Channels implements Devices.
func (p *Pipeline) Channels() int { return len(p.cfg.Openers) }

// Plan implements Devices.
func (p *Pipeline) Plan() device.Plan { return p.cfg.Plan }

// Send implements Devices. It fails if channel i is not connected.
func (p *Pipeline) Send(ctx context.Context, i int, steps []device.Step) error {
	ch := p.Channel(i)
	if ch == nil {
		return fmt.Errorf("channel %d: %w: not connected", i, ErrTransientIO)
	}
	if err := device.Run(ctx, p.clock, ch, steps); err != nil {
		return fmt.Errorf("channel %d: %w", i, err)
	}
	return nil
}

// Channel returns channel i while it is connected, or nil.
func (p *Pipeline) Channel(i int) Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.channels) {
		return nil
	}
	return p.channels[i]
}

func (p *Pipeline) setChannel(i int, ch Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[i] = ch
}

// Run starts ingestion and the consumer and blocks until ctx is done, the
// processor stops, the configured duration elapses or every channel has
// given up. It returns nil on a clean stop.
func (p *Pipeline) Run(ctx context.Context) error {
	if u, ok := p.cfg.Processor.(DeviceUser); ok {
		u.Bind(p)
	}

	// Ingestion outlives ctx until the processor has been finalized.
	ingestCtx, stopIngest := context.WithCancel(context.WithoutCancel(ctx))
	defer stopIngest()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		chanErrs []error
		alive    atomic.Int32
	)
	allDown := make(chan struct{})
	alive.Store(int32(len(p.cfg.Openers)))
	for i := range p.cfg.Openers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := p.ingest(ingestCtx, i); err != nil {
				errMu.Lock()
				chanErrs = append(chanErrs, err)
				errMu.Unlock()
			}
			if alive.Add(-1) == 0 {
				close(allDown)
			}
		}(i)
	}

	consumeErr := p.consume(ctx, allDown)
	var channelsDown bool
	select {
	case <-allDown:
		channelsDown = true
	default:
	}

	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StopTimeout)
	finErr := p.cfg.Processor.Finalize(finCtx)
	cancel()

	stopIngest()
	wg.Wait()

	if finErr != nil {
		monitoring.Opsf("finalize: %v", finErr)
	}
	if channelsDown && consumeErr == nil {
		errMu.Lock()
		defer errMu.Unlock()
		return errors.Join(append([]error{ErrAllChannelsFailed, finErr}, chanErrs...)...)
	}
	return errors.Join(consumeErr, finErr)
}

// consume is the single consumer loop.
func (p *Pipeline) consume(ctx context.Context, allDown <-chan struct{}) error {
	ticker := p.clock.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if p.cfg.Duration > 0 {
		deadline = p.clock.After(p.cfg.Duration)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-allDown:
			p.drain()
			return nil
		case <-deadline:
			monitoring.Diagf("run duration of %v reached", p.cfg.Duration)
			p.drain()
			return nil
		case s := <-p.queue.C():
			p.cfg.Processor.OnSample(s)
		case now := <-ticker.C():
			err := p.cfg.Processor.Tick(ctx, now)
			if errors.Is(err, ErrStop) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	}
}

// drain hands the processor whatever is still queued.
func (p *Pipeline) drain() {
	for {
		select {
		case s := <-p.queue.C():
			p.cfg.Processor.OnSample(s)
		default:
			return
		}
	}
}

// ingest runs channel i until ctx is done, reconnecting after failures.
func (p *Pipeline) ingest(ctx context.Context, i int) error {
	failures := 0
	for {
		err := p.session(ctx, i)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			// end of stream; the device went away
			err = fmt.Errorf("channel %d: %w: end of stream", i, ErrTransientIO)
		}
		failures++
		if p.cfg.MaxRetries > 0 && failures > p.cfg.MaxRetries {
			monitoring.Opsf("channel %d: giving up after %d failures: %v", i, failures, err)
			return err
		}
		p.retries.Add(1)
		monitoring.Opsf("channel %d: %v; retrying in %v", i, err, p.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.cfg.RetryBackoff):
		}
	}
}

// session opens channel i once and monitors it until it fails or ctx is
// done.
func (p *Pipeline) session(ctx context.Context, i int) error {
	ch, err := p.cfg.Openers[i](ctx, i)
	if err != nil {
		return fmt.Errorf("channel %d: open: %w: %v", i, ErrTransientIO, err)
	}
	ch.OnFrame(func(n notify.Notification) { p.handleFrame(ctx, i, n) })
	p.setChannel(i, ch)
	defer func() {
		p.setChannel(i, nil)
		p.shutdownChannel(ctx, i, ch)
	}()

	if !p.cfg.SkipStart {
		monitoring.Diagf("channel %d: starting with %q", i, p.cfg.Plan.RoleCommand(i))
		if err := device.Run(ctx, p.clock, ch, device.StartSteps(p.cfg.Plan, i)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("channel %d: start: %w: %v", i, ErrTransientIO, err)
		}
	}

	if err := ch.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("channel %d: %w: %v", i, ErrTransientIO, err)
	}
	return nil
}

// shutdownChannel stops ranging on the device when the pipeline is shutting
// down, then closes it.
func (p *Pipeline) shutdownChannel(ctx context.Context, i int, ch Channel) {
	if ctx.Err() != nil && !p.cfg.SkipStart {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StopTimeout)
		if err := device.Run(stopCtx, p.clock, ch, device.StopSteps()); err != nil {
			monitoring.Opsf("channel %d: stop: %v", i, err)
		}
		cancel()
	}
	if err := ch.Close(); err != nil {
		monitoring.Tracef("channel %d: close: %v", i, err)
	}
}

// handleFrame runs on the Monitor goroutine of channel i.
func (p *Pipeline) handleFrame(ctx context.Context, i int, n notify.Notification) {
	p.frames.Add(1)
	for _, r := range notify.ParseReports(n) {
		if slices.Contains(p.cfg.Ignore, r.Anchor) {
			p.ignored.Add(1)
			continue
		}
		if r.Distance < 0 {
			p.negative.Add(1)
			monitoring.Opsf("channel %d: anchor %s reported negative distance %.0f cm", i, r.Anchor, r.Distance)
			continue
		}
		s := p.cfg.Store.Add(ranging.Sample{Anchor: r.Anchor, Distance: r.Distance, Channel: i})
		p.samples.Add(1)
		monitoring.Tracef("channel %d: %s %.0f cm", i, s.Anchor, s.Distance)
		p.queue.Push(ctx, s)
	}
}

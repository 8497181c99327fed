package ranging

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/uwb.locator/internal/timeutil"
)

// StoreConfig configures a Store.
type StoreConfig struct {
	// WindowSize is the per-anchor window capacity (K).
	WindowSize int
	// MaxAge hides samples older than this from Latest and Snapshot. Zero
	// disables the freshness check.
	MaxAge time.Duration
	// Clock stamps incoming samples. Defaults to the real clock.
	Clock timeutil.Clock
}

type anchorWindow struct {
	mu sync.Mutex
	w  *Window
}

// Store is the single source of truth for recent distances per anchor.
type Store struct {
	cfg   StoreConfig
	clock timeutil.Clock
	seq   atomic.Uint64

	mu      sync.RWMutex
	windows map[AnchorID]*anchorWindow
}

// NewStore returns an empty Store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{
		cfg:     cfg,
		clock:   clock,
		windows: make(map[AnchorID]*anchorWindow),
	}
}

func (s *Store) window(id AnchorID, create bool) *anchorWindow {
	s.mu.RLock()
	aw, ok := s.windows[id]
	s.mu.RUnlock()
	if ok || !create {
		return aw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if aw, ok = s.windows[id]; ok {
		return aw
	}
	aw = &anchorWindow{w: NewWindow(s.cfg.WindowSize)}
	s.windows[id] = aw
	return aw
}

// Update appends a distance for id, evicting the oldest sample if the window
// is full. The sample is stamped with the store clock and a sequence number.
func (s *Store) Update(id AnchorID, distance float64) Sample {
	return s.Add(Sample{Anchor: id, Distance: distance})
}

// Add stores a prepared sample. Zero Seq and Time fields are filled in.
func (s *Store) Add(sample Sample) Sample {
	if sample.Seq == 0 {
		sample.Seq = s.seq.Add(1)
	}
	if sample.Time.IsZero() {
		sample.Time = s.clock.Now()
	}
	aw := s.window(sample.Anchor, true)
	aw.mu.Lock()
	aw.w.Push(sample)
	aw.mu.Unlock()
	return sample
}

func (s *Store) fresh(sample Sample, now time.Time) bool {
	return s.cfg.MaxAge <= 0 || now.Sub(sample.Time) <= s.cfg.MaxAge
}

// Latest returns the most recent fresh sample for id.
func (s *Store) Latest(id AnchorID) (Sample, bool) {
	aw := s.window(id, false)
	if aw == nil {
		return Sample{}, false
	}
	aw.mu.Lock()
	sample, ok := aw.w.Latest()
	aw.mu.Unlock()
	if !ok || !s.fresh(sample, s.clock.Now()) {
		return Sample{}, false
	}
	return sample, true
}

// Snapshot returns the latest fresh sample for each requested id. Ids without
// a fresh sample are omitted. All requested windows are locked together, in
// ascending id order, so the result never mixes states across an update.
func (s *Store) Snapshot(ids []AnchorID) map[AnchorID]Sample {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	locked := make([]*anchorWindow, 0, len(sorted))
	for _, id := range sorted {
		if aw := s.window(id, false); aw != nil {
			locked = append(locked, aw)
		}
	}
	for _, aw := range locked {
		aw.mu.Lock()
	}
	now := s.clock.Now()
	out := make(map[AnchorID]Sample, len(locked))
	for _, aw := range locked {
		if sample, ok := aw.w.Latest(); ok && s.fresh(sample, now) {
			out[sample.Anchor] = sample
		}
	}
	for i := len(locked) - 1; i >= 0; i-- {
		locked[i].mu.Unlock()
	}
	return out
}

// Window returns a copy of the samples held for id, oldest first.
func (s *Store) Window(id AnchorID) []Sample {
	aw := s.window(id, false)
	if aw == nil {
		return nil
	}
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.w.Samples()
}

// Anchors lists every anchor that has delivered at least one sample.
func (s *Store) Anchors() []AnchorID {
	s.mu.RLock()
	ids := make([]AnchorID, 0, len(s.windows))
	for id := range s.windows {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

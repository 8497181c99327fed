package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/uwb/multilat"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// Anchor is a fixed device at a known position.
type Anchor struct {
	ID       ranging.AnchorID `json:"id"`
	Position multilat.Point   `json:"position"`
	// Offset is a constant bias in cm subtracted from every distance
	// reported by this anchor.
	Offset float64 `json:"offset_cm"`
}

// TriangStats counts solve outcomes.
type TriangStats struct {
	Solved       uint64 `json:"solved"`
	Insufficient uint64 `json:"insufficient"`
	Degenerate   uint64 `json:"degenerate"`
	NoSolution   uint64 `json:"no_solution"`
	Unchanged    uint64 `json:"unchanged"`
}

// TriangProcessor solves a position from the latest distance of every known
// anchor on each tick and hands the result to its sinks.
type TriangProcessor struct {
	store   *ranging.Store
	solver  multilat.Solver
	anchors map[ranging.AnchorID]Anchor
	ids     []ranging.AnchorID
	sinks   []EstimateSink

	lastSeqs map[ranging.AnchorID]uint64
	last     *Fix
	stats    TriangStats
}

// NewTriangProcessor returns a processor for the given anchor table.
func NewTriangProcessor(store *ranging.Store, solver multilat.Solver, anchors []Anchor, sinks ...EstimateSink) (*TriangProcessor, error) {
	if store == nil {
		return nil, errors.New("triang: store is required")
	}
	if len(anchors) < 3 {
		return nil, fmt.Errorf("triang: %w: %d configured", multilat.ErrInsufficientAnchors, len(anchors))
	}
	table := make(map[ranging.AnchorID]Anchor, len(anchors))
	ids := make([]ranging.AnchorID, 0, len(anchors))
	for _, a := range anchors {
		if _, dup := table[a.ID]; dup {
			return nil, fmt.Errorf("triang: anchor %s configured twice", a.ID)
		}
		table[a.ID] = a
		ids = append(ids, a.ID)
	}
	slices.Sort(ids)
	return &TriangProcessor{
		store:   store,
		solver:  solver,
		anchors: table,
		ids:     ids,
		sinks:   sinks,
	}, nil
}

// AddSink registers another estimate sink.
func (t *TriangProcessor) AddSink(s EstimateSink) { t.sinks = append(t.sinks, s) }

// OnSample is a no-op; positions are solved from the store snapshot.
func (t *TriangProcessor) OnSample(ranging.Sample) {}

// Tick solves from a store snapshot. Ticks with no new sample since the last
// solve are skipped. Solve failures are counted and logged, never returned.
func (t *TriangProcessor) Tick(ctx context.Context, now time.Time) error {
	snap := t.store.Snapshot(t.ids)
	if !t.changed(snap) {
		t.stats.Unchanged++
		return nil
	}

	obs := make(map[ranging.AnchorID]multilat.Observation, len(snap))
	for id, s := range snap {
		a := t.anchors[id]
		obs[id] = multilat.Observation{Position: a.Position, Distance: s.Distance - a.Offset}
	}

	est, err := t.solver.Solve(obs)
	switch {
	case errors.Is(err, multilat.ErrInsufficientAnchors):
		t.stats.Insufficient++
		monitoring.Tracef("triang: %d of %d anchors fresh", len(snap), len(t.ids))
		return nil
	case errors.Is(err, multilat.ErrDegenerate):
		t.stats.Degenerate++
		monitoring.Diagf("triang: %v", err)
		return nil
	case errors.Is(err, multilat.ErrNoRealSolution):
		t.stats.NoSolution++
		monitoring.Diagf("triang: %v", err)
		return nil
	case err != nil:
		return err
	}

	t.stats.Solved++
	fix := Fix{Time: now, Estimate: est}
	t.last = &fix
	monitoring.Diagf("position %s via %s from %d anchors, residual %.1fcm", est.Point, est.Method, len(est.Anchors), est.Residual)
	for _, sink := range t.sinks {
		if err := sink.PublishFix(ctx, fix); err != nil {
			monitoring.Opsf("triang: publish: %v", err)
		}
	}
	return nil
}

// changed records the sequence numbers in snap and reports whether any
// differ from the previous tick.
func (t *TriangProcessor) changed(snap map[ranging.AnchorID]ranging.Sample) bool {
	seqs := make(map[ranging.AnchorID]uint64, len(snap))
	for id, s := range snap {
		seqs[id] = s.Seq
	}
	same := len(seqs) == len(t.lastSeqs)
	if same {
		for id, seq := range seqs {
			if t.lastSeqs[id] != seq {
				same = false
				break
			}
		}
	}
	t.lastSeqs = seqs
	return !same
}

func (t *TriangProcessor) Finalize(context.Context) error {
	monitoring.Diagf("triang: %d solved, %d insufficient, %d degenerate, %d without solution",
		t.stats.Solved, t.stats.Insufficient, t.stats.Degenerate, t.stats.NoSolution)
	return nil
}

// Last returns the most recent fix.
func (t *TriangProcessor) Last() (Fix, bool) {
	if t.last == nil {
		return Fix{}, false
	}
	return *t.last, true
}

// Stats returns the solve counters.
func (t *TriangProcessor) Stats() TriangStats { return t.stats }

// Anchors returns the anchor table ordered by id.
func (t *TriangProcessor) Anchors() []Anchor {
	out := make([]Anchor, 0, len(t.ids))
	for _, id := range t.ids {
		out = append(out, t.anchors[id])
	}
	return out
}

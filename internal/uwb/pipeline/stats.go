package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/uwb.locator/internal/monitoring"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// Summary describes the distances seen from one anchor.
type Summary struct {
	Anchor   ranging.AnchorID `json:"anchor"`
	Count    int              `json:"count"`
	Mean     float64          `json:"mean_cm"`
	StdDev   float64          `json:"stddev_cm"`
	Variance float64          `json:"variance"`
	Min      float64          `json:"min_cm"`
	Q1       float64          `json:"q1_cm"`
	Median   float64          `json:"median_cm"`
	Q3       float64          `json:"q3_cm"`
	Max      float64          `json:"max_cm"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: n=%d mean=%.2f median=%.2f var=%.2f q1=%.2f q3=%.2f",
		s.Anchor, s.Count, s.Mean, s.Median, s.Variance, s.Q1, s.Q3)
}

// Summarize computes a Summary over distances. Variance is zero for fewer
// than two values. Quartiles are linearly interpolated.
func Summarize(id ranging.AnchorID, distances []float64) Summary {
	out := Summary{Anchor: id, Count: len(distances)}
	if len(distances) == 0 {
		return out
	}
	sorted := slices.Clone(distances)
	sort.Float64s(sorted)

	out.Min, out.Max = sorted[0], sorted[len(sorted)-1]
	if len(sorted) > 1 {
		out.Mean, out.Variance = stat.MeanVariance(sorted, nil)
		out.StdDev = stat.StdDev(sorted, nil)
	} else {
		out.Mean = sorted[0]
	}
	out.Q1 = stat.Quantile(0.25, stat.LinInterp, sorted, nil)
	out.Q3 = stat.Quantile(0.75, stat.LinInterp, sorted, nil)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		out.Median = sorted[mid]
	} else {
		out.Median = (sorted[mid-1] + sorted[mid]) / 2
	}
	return out
}

// StatsProcessor accumulates every distance per anchor for the whole run and
// summarises them at the end. Samples are optionally persisted in batches.
type StatsProcessor struct {
	sink      SampleSink
	distances map[ranging.AnchorID][]float64
	pending   []ranging.Sample
	summaries []Summary
}

// NewStatsProcessor returns a StatsProcessor. sink may be nil.
func NewStatsProcessor(sink SampleSink) *StatsProcessor {
	return &StatsProcessor{
		sink:      sink,
		distances: make(map[ranging.AnchorID][]float64),
	}
}

func (p *StatsProcessor) OnSample(s ranging.Sample) {
	p.distances[s.Anchor] = append(p.distances[s.Anchor], s.Distance)
	if p.sink != nil {
		p.pending = append(p.pending, s)
	}
}

func (p *StatsProcessor) Tick(ctx context.Context, _ time.Time) error {
	p.flush(ctx)
	return nil
}

func (p *StatsProcessor) flush(ctx context.Context) {
	if p.sink == nil || len(p.pending) == 0 {
		return
	}
	if err := p.sink.RecordSamples(ctx, p.pending); err != nil {
		monitoring.Opsf("stats: failed to record %d samples: %v", len(p.pending), err)
	}
	p.pending = p.pending[:0]
}

func (p *StatsProcessor) Finalize(ctx context.Context) error {
	p.flush(ctx)
	p.summaries = p.summaries[:0]
	for _, id := range p.anchors() {
		s := Summarize(id, p.distances[id])
		p.summaries = append(p.summaries, s)
		monitoring.Diagf("stats %s", s)
	}
	if len(p.summaries) == 0 {
		monitoring.Diagf("stats: no data")
	}
	return nil
}

func (p *StatsProcessor) anchors() []ranging.AnchorID {
	ids := make([]ranging.AnchorID, 0, len(p.distances))
	for id := range p.distances {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Summaries returns the per-anchor summaries computed by Finalize, ordered
// by anchor id.
func (p *StatsProcessor) Summaries() []Summary { return slices.Clone(p.summaries) }

// Distances returns a copy of the collected distances.
func (p *StatsProcessor) Distances() map[ranging.AnchorID][]float64 {
	out := make(map[ranging.AnchorID][]float64, len(p.distances))
	for id, d := range p.distances {
		out[id] = slices.Clone(d)
	}
	return out
}

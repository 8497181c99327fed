// Package report renders run results: PNG plots of calibration history,
// position traces and distance spread, plus an HTML scatter of live fixes.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"slices"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/uwb.locator/internal/uwb/calibration"
	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
	"github.com/banshee-data/uwb.locator/internal/uwb/ranging"
)

// Default PNG size.
const (
	DefaultWidth  = 10 * vg.Inch
	DefaultHeight = 6 * vg.Inch
)

var (
	targetColor = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	bandColor   = color.RGBA{R: 200, G: 40, B: 40, A: 120}
	fixColor    = color.RGBA{R: 30, G: 100, B: 200, A: 255}
	anchorColor = color.RGBA{R: 20, G: 20, B: 20, A: 255}
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("report: no data to plot")

// CalibrationPlot shows the measured mean of every window against the target
// distance and its tolerance band.
func CalibrationPlot(history []calibration.HistoryEntry, target, tolerance float64) (*plot.Plot, error) {
	if len(history) == 0 {
		return nil, ErrNoData
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Antenna delay calibration (target %.1f cm, final delay %d)", target, history[len(history)-1].Delay)
	p.X.Label.Text = "Iteration"
	p.Y.Label.Text = "Mean distance (cm)"

	pts := make(plotter.XYs, len(history))
	for i, e := range history {
		pts[i] = plotter.XY{X: float64(e.Iteration), Y: e.Mean}
	}
	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, err
	}
	line.Color = fixColor
	line.Width = vg.Points(1)
	points.Color = fixColor
	points.Shape = draw.CircleGlyph{}
	p.Add(line, points)
	p.Legend.Add("mean", line, points)

	targetLine := plotter.NewFunction(func(float64) float64 { return target })
	targetLine.Color = targetColor
	targetLine.Width = vg.Points(1)
	p.Add(targetLine)
	p.Legend.Add("target", targetLine)

	if tolerance > 0 {
		for _, off := range []float64{-tolerance, tolerance} {
			band := plotter.NewFunction(func(float64) float64 { return target + off })
			band.Color = bandColor
			band.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
			p.Add(band)
		}
	}

	p.X.Min = 0
	p.X.Max = float64(history[len(history)-1].Iteration) + 1
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

// TracePlot draws the anchors and the path of the fixes in the x/y plane.
func TracePlot(anchors []pipeline.Anchor, fixes []pipeline.Fix) (*plot.Plot, error) {
	if len(anchors) == 0 && len(fixes) == 0 {
		return nil, ErrNoData
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Position trace (%d fixes)", len(fixes))
	p.X.Label.Text = "X (cm)"
	p.Y.Label.Text = "Y (cm)"

	if len(anchors) > 0 {
		pts := make(plotter.XYs, len(anchors))
		for i, a := range anchors {
			pts[i] = plotter.XY{X: a.Position.X, Y: a.Position.Y}
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Shape = draw.PyramidGlyph{}
		sc.GlyphStyle.Radius = vg.Points(5)
		sc.GlyphStyle.Color = anchorColor
		p.Add(sc)
		p.Legend.Add("anchors", sc)

		labels, err := plotter.NewLabels(plotter.XYLabels{XYs: pts, Labels: anchorLabels(anchors)})
		if err != nil {
			return nil, err
		}
		p.Add(labels)
	}

	if len(fixes) > 0 {
		pts := make(plotter.XYs, len(fixes))
		for i, f := range fixes {
			pts[i] = plotter.XY{X: f.Point.X, Y: f.Point.Y}
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return nil, err
		}
		line.Color = fixColor
		line.Width = vg.Points(0.5)
		points.Color = fixColor
		points.Radius = vg.Points(1.5)
		p.Add(line, points)
		p.Legend.Add("tag", line, points)
	}

	p.Legend.Top = true
	return p, nil
}

func anchorLabels(anchors []pipeline.Anchor) []string {
	out := make([]string, len(anchors))
	for i, a := range anchors {
		out[i] = a.ID.String()
	}
	return out
}

// DistanceBoxPlot draws one box per anchor, ordered by anchor id.
func DistanceBoxPlot(distances map[ranging.AnchorID][]float64) (*plot.Plot, error) {
	ids := make([]ranging.AnchorID, 0, len(distances))
	for id, d := range distances {
		if len(d) > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNoData
	}
	slices.Sort(ids)

	p := plot.New()
	p.Title.Text = "Distance per anchor"
	p.Y.Label.Text = "Distance (cm)"

	names := make([]string, len(ids))
	for i, id := range ids {
		box, err := plotter.NewBoxPlot(vg.Points(30), float64(i), plotter.Values(distances[id]))
		if err != nil {
			return nil, fmt.Errorf("anchor %s: %w", id, err)
		}
		p.Add(box)
		names[i] = id.String()
	}
	p.NominalX(names...)
	return p, nil
}

// SavePNG writes p to path at the default size.
func SavePNG(p *plot.Plot, path string) error {
	if err := p.Save(DefaultWidth, DefaultHeight, path); err != nil {
		return fmt.Errorf("save plot %s: %w", path, err)
	}
	return nil
}

// WritePNG encodes p as PNG onto w at the default size.
func WritePNG(p *plot.Plot, w io.Writer) error {
	wt, err := p.WriterTo(DefaultWidth, DefaultHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

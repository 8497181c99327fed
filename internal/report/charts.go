package report

import (
	"bytes"
	"fmt"
	"math"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/uwb.locator/internal/uwb/pipeline"
)

// FixSource supplies the fixes to chart.
type FixSource interface {
	Fixes() []pipeline.Fix
}

// PositionsChart builds a square x/y scatter of the anchors and the fixes.
func PositionsChart(anchors []pipeline.Anchor, fixes []pipeline.Fix) *charts.Scatter {
	anchorData := make([]opts.ScatterData, 0, len(anchors))
	maxAbs := 0.0
	for _, a := range anchors {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(a.Position.X), math.Abs(a.Position.Y)))
		anchorData = append(anchorData, opts.ScatterData{Name: a.ID.String(), Value: []interface{}{a.Position.X, a.Position.Y}})
	}
	fixData := make([]opts.ScatterData, 0, len(fixes))
	for _, f := range fixes {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(f.Point.X), math.Abs(f.Point.Y)))
		fixData = append(fixData, opts.ScatterData{Value: []interface{}{f.Point.X, f.Point.Y, f.Residual}})
	}

	// pad so points at the edges stay visible
	pad := maxAbs * 1.1
	if pad == 0 {
		pad = 100
	}

	subtitle := fmt.Sprintf("anchors=%d fixes=%d", len(anchors), len(fixes))
	if n := len(fixes); n > 0 {
		last := fixes[n-1]
		subtitle += fmt.Sprintf(" last=%s (%s, residual %.1f cm)", last.Point, last.Method, last.Residual)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "UWB positions", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Tag positions", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (cm)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (cm)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("anchors", anchorData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	scatter.AddSeries("fixes", fixData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	return scatter
}

// PositionsHandler serves PositionsChart as HTML.
func PositionsHandler(anchors []pipeline.Anchor, src FixSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := PositionsChart(anchors, src.Fixes()).Render(&buf); err != nil {
			http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}

// TracePNGHandler serves TracePlot as PNG.
func TracePNGHandler(anchors []pipeline.Anchor, src FixSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := TracePlot(anchors, src.Fixes())
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		var buf bytes.Buffer
		if err := WritePNG(p, &buf); err != nil {
			http.Error(w, fmt.Sprintf("failed to render plot: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	})
}

// AttachAdminRoutes mounts the positions chart and trace plot on the debug
// page.
func AttachAdminRoutes(mux *http.ServeMux, anchors []pipeline.Anchor, src FixSource) {
	debug := tsweb.Debugger(mux)
	debug.Handle("positions", "Anchors and recent tag fixes (HTML chart)", PositionsHandler(anchors, src))
	debug.Handle("positions.png", "Recent tag trace (PNG)", TracePNGHandler(anchors, src))
}

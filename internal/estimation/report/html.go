package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// AssetsHost is where the rendered page loads echarts from.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// RenderHTML writes an interactive page with the map and, when there are
// solves, the cost history.
func RenderHTML(run Run, w io.Writer) error {
	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.PageTitle = run.Title
	page.AddCharts(mapChart(run))
	if len(run.Solves) > 0 {
		page.AddCharts(costChart(run))
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	return nil
}

func mapChart(run Run) *charts.Scatter {
	frames := make([]opts.ScatterData, 0, len(run.Frames))
	for _, f := range run.Frames {
		frames = append(frames, opts.ScatterData{Value: []interface{}{f.X, f.Y}})
	}
	tracked, retired := landmarkGroups(run.Landmarks)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: run.Title, Width: "900px", Height: "900px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: run.Title, Subtitle: fmt.Sprintf("frames=%d landmarks=%d", len(run.Frames), len(run.Landmarks))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("keyframes", frames, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	if len(run.Truth) > 0 {
		scatter.AddSeries("truth", points(run.Truth), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 2}))
	}
	scatter.AddSeries("landmarks", points(tracked), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	if len(retired) > 0 {
		scatter.AddSeries("retired", points(retired), charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}))
	}
	return scatter
}

func costChart(run Run) *charts.Line {
	x := make([]int, len(run.Solves))
	initial := make([]opts.LineData, len(run.Solves))
	final := make([]opts.LineData, len(run.Solves))
	for i, r := range run.Solves {
		x[i] = i
		initial[i] = opts.LineData{Value: r.InitialCost}
		final[i] = opts.LineData{Value: r.FinalCost}
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Solver cost"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Type: "log", Name: "cost"}),
	)
	line.SetXAxis(x).
		AddSeries("initial", initial).
		AddSeries("final", final)
	return line
}

func points(ps []Point) []opts.ScatterData {
	out := make([]opts.ScatterData, 0, len(ps))
	for _, p := range ps {
		out = append(out, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
	}
	return out
}

package report

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	estimateColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	truthColor    = color.RGBA{R: 127, G: 127, B: 127, A: 255}
	trackedColor  = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	retiredColor  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// PlotTrajectory saves the estimated path, the optional truth and the
// landmarks as a PNG (or any format gonum/plot infers from path).
func PlotTrajectory(run Run, path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - trajectory", run.Title)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(run.Truth) > 1 {
		pts := make(plotter.XYs, len(run.Truth))
		for i, q := range run.Truth {
			pts[i] = plotter.XY{X: q.X, Y: q.Y}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = truthColor
		line.Width = vg.Points(1)
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("truth", line)
	}

	if len(run.Frames) > 0 {
		pts := make(plotter.XYs, len(run.Frames))
		for i, f := range run.Frames {
			pts[i] = plotter.XY{X: f.X, Y: f.Y}
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return err
		}
		line.Color = estimateColor
		line.Width = vg.Points(1.5)
		points.Color = estimateColor
		points.Shape = draw.CircleGlyph{}
		points.Radius = vg.Points(1.5)
		p.Add(line, points)
		p.Legend.Add("keyframes", line, points)
	}

	tracked, retired := landmarkGroups(run.Landmarks)
	for _, g := range []struct {
		name  string
		pts   []Point
		color color.Color
		shape draw.GlyphDrawer
	}{
		{"landmarks", tracked, trackedColor, draw.PlusGlyph{}},
		{"retired", retired, retiredColor, draw.CrossGlyph{}},
	} {
		if len(g.pts) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(g.pts))
		for i, q := range g.pts {
			xys[i] = plotter.XY{X: q.X, Y: q.Y}
		}
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return err
		}
		sc.Color = g.color
		sc.Shape = g.shape
		sc.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add(g.name, sc)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save trajectory plot: %w", err)
	}
	return nil
}

// PlotCosts saves initial and final cost per solve.
func PlotCosts(run Run, path string) error {
	if len(run.Solves) == 0 {
		return fmt.Errorf("no solves to plot")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - solver cost", run.Title)
	p.X.Label.Text = "Solve"
	p.Y.Label.Text = "Cost"

	initial := make(plotter.XYs, len(run.Solves))
	final := make(plotter.XYs, len(run.Solves))
	for i, r := range run.Solves {
		initial[i] = plotter.XY{X: float64(i), Y: r.InitialCost}
		final[i] = plotter.XY{X: float64(i), Y: r.FinalCost}
	}
	for _, s := range []struct {
		name  string
		pts   plotter.XYs
		color color.Color
	}{
		{"initial", initial, retiredColor},
		{"final", final, estimateColor},
	} {
		line, err := plotter.NewLine(s.pts)
		if err != nil {
			return err
		}
		line.Color = s.color
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}
	p.Legend.Top = true
	p.Legend.Left = false

	if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save cost plot: %w", err)
	}
	return nil
}

// Package report renders finished estimation runs: a PNG of the trajectory
// and landmarks, a PNG of solver cost, and a self-contained HTML page.
package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/solver"
	"github.com/banshee-data/pose.window/internal/estimation/storage/sqlite"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
	"github.com/banshee-data/pose.window/internal/estimation/window"
)

// Point is a world position.
type Point struct{ X, Y float64 }

// Run is everything the renderers draw.
type Run struct {
	Title     string
	Frames    []window.FrameSummary
	Landmarks []window.LandmarkSummary
	Truth     []Point // ground-truth path, optional
	Solves    []solver.Report
}

// FromStore loads a recorded run.
func FromStore(s *sqlite.Store, runID string) (Run, error) {
	meta, err := s.GetRun(runID)
	if err != nil {
		return Run{}, err
	}
	run := Run{Title: meta.Label}
	if run.Title == "" {
		run.Title = meta.SessionID
	}
	poses, err := s.Trajectory(runID)
	if err != nil {
		return Run{}, fmt.Errorf("load trajectory: %w", err)
	}
	for _, p := range poses {
		run.Frames = append(run.Frames, window.FrameSummary{
			ID: tree.ID(p.FrameID), Timestamp: p.Timestamp, X: p.X, Y: p.Y, Heading: p.Heading, Fixed: p.Fixed,
		})
	}
	if run.Landmarks, err = s.Landmarks(runID); err != nil {
		return Run{}, fmt.Errorf("load landmarks: %w", err)
	}
	solves, err := s.Solves(runID)
	if err != nil {
		return Run{}, fmt.Errorf("load solves: %w", err)
	}
	for _, r := range solves {
		run.Solves = append(run.Solves, r.Report)
	}
	return run, nil
}

// WriteAll renders every output into dir and returns the files written.
func WriteAll(run Run, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	var files []string

	traj := filepath.Join(dir, "trajectory.png")
	if err := PlotTrajectory(run, traj); err != nil {
		return files, err
	}
	files = append(files, traj)

	if len(run.Solves) > 0 {
		costs := filepath.Join(dir, "solver_cost.png")
		if err := PlotCosts(run, costs); err != nil {
			return files, err
		}
		files = append(files, costs)
	}

	html := filepath.Join(dir, "run.html")
	f, err := os.Create(html)
	if err != nil {
		return files, err
	}
	if err := RenderHTML(run, f); err != nil {
		f.Close()
		return files, err
	}
	if err := f.Close(); err != nil {
		return files, err
	}
	return append(files, html), nil
}

// landmarkGroups splits landmark positions into tracked and retired ones.
func landmarkGroups(lms []window.LandmarkSummary) (tracked, retired []Point) {
	for _, l := range lms {
		if len(l.Position) < 2 {
			continue
		}
		p := Point{l.Position[0], l.Position[1]}
		switch l.Status {
		case graph.OutOfView, graph.Old:
			retired = append(retired, p)
		default:
			tracked = append(tracked, p)
		}
	}
	return tracked, retired
}

// Package solver consumes the ordered batches a window manager produces and
// optimises the state they describe.
//
// Solver is the contract the window manager's batches are written against;
// GaussNewton is a small Levenberg-Marquardt implementation of it over
// gonum/mat that works on an arena snapshot and writes results back through
// the arena, and Runner moves that work off the driver goroutine.
package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/pose.window/internal/config"
	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
)

var (
	// ErrNotConverged is returned when the iteration limit is reached before
	// the step falls below tolerance. Improved values are still written.
	ErrNotConverged = errors.New("solver: not converged")
	// ErrSingular is returned when the damped normal equations cannot be
	// factorised.
	ErrSingular = errors.New("solver: singular system")
	// ErrUnknownParameter is returned for handles the solver never saw.
	ErrUnknownParameter = errors.New("solver: unknown parameter block")
	// ErrBusy is returned by Runner.Start while a solve is in flight.
	ErrBusy = errors.New("solver: solve in flight")
)

// Solver is the solver-facing side of an estimation session.
type Solver interface {
	AddParameterBlock(h state.Handle, b state.Block) error
	UpdateParameterBlock(h state.Handle, b state.Block) error
	RemoveParameterBlock(h state.Handle) error
	AddResidual(c *graph.Correspondence) error
	RemoveResidual(id tree.ID) error
	Solve(ctx context.Context) (Report, error)
}

// Report summarises one Solve.
type Report struct {
	Started     time.Time
	Duration    time.Duration
	Iterations  int
	InitialCost float64
	FinalCost   float64
	Converged   bool
	Parameters  int // free parameter blocks
	Residuals   int
	Applied     int // blocks written back to the arena
}

func (r Report) String() string {
	return fmt.Sprintf("iters=%d cost %.6g -> %.6g converged=%t params=%d residuals=%d applied=%d in %s",
		r.Iterations, r.InitialCost, r.FinalCost, r.Converged, r.Parameters, r.Residuals, r.Applied, r.Duration)
}

// Apply forwards a delta to s in the order the delta defines: new blocks,
// updated blocks, new residuals, removed residuals, removed blocks.
func Apply(ctx context.Context, s Solver, d graph.Delta) error {
	for _, b := range d.NewStateBlocks {
		if err := s.AddParameterBlock(b.Handle, b.Block); err != nil {
			return fmt.Errorf("add %s: %w", b.Handle, err)
		}
	}
	for _, b := range d.UpdatedStateBlocks {
		if err := s.UpdateParameterBlock(b.Handle, b.Block); err != nil {
			return fmt.Errorf("update %s: %w", b.Handle, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range d.NewCorrespondences {
		if err := s.AddResidual(c); err != nil {
			return fmt.Errorf("add residual %d: %w", c.ID(), err)
		}
	}
	for _, id := range d.RemovedCorrespondences {
		if err := s.RemoveResidual(id); err != nil {
			return fmt.Errorf("remove residual %d: %w", id, err)
		}
	}
	for _, h := range d.RemovedStateBlocks {
		if err := s.RemoveParameterBlock(h); err != nil {
			return fmt.Errorf("remove %s: %w", h, err)
		}
	}
	return nil
}

// Options tunes GaussNewton.
type Options struct {
	MaxIterations int
	Tolerance     float64       // stop when the largest step component falls below it
	Timeout       time.Duration // per Solve; zero means none
	InitialLambda float64       // Levenberg-Marquardt damping
}

// DefaultOptions returns solver options loaded from the canonical tuning
// defaults file. Panics if the file cannot be found.
func DefaultOptions() Options {
	return OptionsFromTuning(config.MustLoadDefaultConfig())
}

// OptionsFromTuning builds Options from a loaded TuningConfig.
func OptionsFromTuning(cfg *config.TuningConfig) Options {
	return Options{
		MaxIterations: cfg.GetSolverMaxIterations(),
		Tolerance:     cfg.GetSolverTolerance(),
		Timeout:       cfg.GetSolverTimeout(),
		InitialLambda: 1e-4,
	}
}

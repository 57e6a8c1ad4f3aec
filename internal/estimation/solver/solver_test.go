package solver

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/config"
	"github.com/banshee-data/pose.window/internal/estimation/constraints"
	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
	"github.com/banshee-data/pose.window/internal/timeutil"
)

func testOptions() Options {
	return Options{MaxIterations: 50, Tolerance: 1e-9, InitialLambda: 1e-4}
}

func diag2(v float64) *mat.SymDense {
	return mat.NewSymDense(2, []float64{v, 0, 0, v})
}

// twoFrames builds a fixed origin frame and a free frame with a poor prior,
// linked by odometry (1 m, 0 rad) and pinned by a fix at (1, 0).
type twoFrames struct {
	p      *graph.Problem
	f0, f1 *graph.Frame
}

func newTwoFrames(t *testing.T, m state.Manifold) twoFrames {
	t.Helper()
	p, err := graph.NewProblem(32)
	require.NoError(t, err)
	odo := &graph.Sensor{ID: "odo", Type: "odometry_2d"}
	gps := &graph.Sensor{ID: "gps", Type: "fix_2d"}
	require.NoError(t, p.InstallSensor(odo))
	require.NoError(t, p.InstallSensor(gps))

	f0, err := p.Trajectory().NewFrame(0, []float64{0, 0}, constraints.Orientation(0, m), m)
	require.NoError(t, err)
	require.NoError(t, f0.Fix())
	f1, err := p.Trajectory().NewFrame(1, []float64{0.8, 0.3}, constraints.Orientation(0.2, m), m)
	require.NoError(t, err)

	cov := diag2(0.01)
	oc, err := f1.NewCapture(odo, 1, []float64{1, 0}, cov)
	require.NoError(t, err)
	ft, err := oc.NewFeature([]float64{1, 0}, cov)
	require.NoError(t, err)
	odoRes, err := constraints.NewOdometry2D([]float64{1, 0}, cov)
	require.NoError(t, err)
	_, err = ft.NewCorrespondence(graph.ConstraintSpec{
		Type:     constraints.TypeOdometry2D,
		Blocks:   []state.Handle{f0.P, f0.O, f1.P, f1.O},
		Residual: odoRes,
	})
	require.NoError(t, err)

	gc, err := f1.NewCapture(gps, 1, []float64{1, 0}, cov)
	require.NoError(t, err)
	gft, err := gc.NewFeature([]float64{1, 0}, cov)
	require.NoError(t, err)
	fixRes, err := constraints.NewFix2D([]float64{1, 0}, cov, constraints.Pose2D{})
	require.NoError(t, err)
	_, err = gft.NewCorrespondence(graph.ConstraintSpec{
		Type:     constraints.TypeFix2D,
		Blocks:   []state.Handle{f1.P, f1.O},
		Residual: fixRes,
	})
	require.NoError(t, err)
	return twoFrames{p: p, f0: f0, f1: f1}
}

func (tf twoFrames) heading(t *testing.T, f *graph.Frame) float64 {
	t.Helper()
	o, err := tf.p.Arena().Read(f.O)
	require.NoError(t, err)
	return constraints.Heading(o)
}

// ---------------------------------------------------------------------------
// GaussNewton
// ---------------------------------------------------------------------------

func TestGaussNewtonConverges(t *testing.T) {
	t.Parallel()

	for _, m := range []state.Manifold{state.Angle, state.ComplexAngle} {
		t.Run(m.String(), func(t *testing.T) {
			t.Parallel()
			tf := newTwoFrames(t, m)
			g := NewGaussNewton(tf.p.Arena(), testOptions())
			require.NoError(t, Apply(context.Background(), g, tf.p.Drain()))
			assert.Equal(t, 4, g.Blocks())
			assert.Equal(t, 2, g.Residuals())

			rep, err := g.Solve(context.Background())
			require.NoError(t, err)
			assert.True(t, rep.Converged)
			assert.Equal(t, 2, rep.Parameters)
			assert.Equal(t, 2, rep.Applied)
			assert.Greater(t, rep.InitialCost, rep.FinalCost)
			assert.InDelta(t, 0, rep.FinalCost, 1e-10)

			p1, err := tf.p.Arena().Read(tf.f1.P)
			require.NoError(t, err)
			assert.InDelta(t, 1, p1[0], 1e-5)
			assert.InDelta(t, 0, p1[1], 1e-5)
			assert.InDelta(t, 0, tf.heading(t, tf.f1), 1e-5)

			p0, err := tf.p.Arena().Read(tf.f0.P)
			require.NoError(t, err)
			assert.Equal(t, []float64{0, 0}, p0)
		})
	}
}

func TestGaussNewtonEmptyProblem(t *testing.T) {
	t.Parallel()

	arena, err := state.NewArena(8, 0)
	require.NoError(t, err)
	rep, err := NewGaussNewton(arena, testOptions()).Solve(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	assert.Zero(t, rep.Applied)
}

func TestGaussNewtonCancelled(t *testing.T) {
	t.Parallel()

	tf := newTwoFrames(t, state.Angle)
	g := NewGaussNewton(tf.p.Arena(), testOptions())
	require.NoError(t, Apply(context.Background(), g, tf.p.Drain()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	before, err := tf.p.Arena().Read(tf.f1.P)
	require.NoError(t, err)

	rep, err := g.Solve(ctx)
	assert.ErrorIs(t, err, ErrNotConverged)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, rep.Applied)
	after, err := tf.p.Arena().Read(tf.f1.P)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGaussNewtonIterationLimit(t *testing.T) {
	t.Parallel()

	tf := newTwoFrames(t, state.Angle)
	opts := testOptions()
	opts.MaxIterations = 1
	opts.Tolerance = 0
	g := NewGaussNewton(tf.p.Arena(), opts)
	require.NoError(t, Apply(context.Background(), g, tf.p.Drain()))

	rep, err := g.Solve(context.Background())
	assert.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, 1, rep.Iterations)
	assert.Equal(t, 2, rep.Applied, "improved values are written even without convergence")
}

func TestGaussNewtonReportClock(t *testing.T) {
	t.Parallel()

	tf := newTwoFrames(t, state.Angle)
	g := NewGaussNewton(tf.p.Arena(), testOptions())
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	clock.AutoAdvance(15 * time.Millisecond)
	g.SetClock(clock)
	require.NoError(t, Apply(context.Background(), g, tf.p.Drain()))

	rep, err := g.Solve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, start, rep.Started)
	assert.Equal(t, 15*time.Millisecond, rep.Duration)
}

func TestGaussNewtonBookkeeping(t *testing.T) {
	t.Parallel()

	tf := newTwoFrames(t, state.Angle)
	g := NewGaussNewton(tf.p.Arena(), testOptions())

	corrs := tf.p.Correspondences()
	require.Len(t, corrs, 2)
	err := g.AddResidual(corrs[0])
	assert.ErrorIs(t, err, ErrUnknownParameter)

	assert.ErrorIs(t, g.RemoveParameterBlock(tf.f1.P), ErrUnknownParameter)
	assert.ErrorIs(t, g.UpdateParameterBlock(tf.f1.P, state.Block{}), ErrUnknownParameter)
	assert.NoError(t, g.RemoveResidual(tree.ID(999)))
}

func TestFixedFrameUpdateFreezesBlock(t *testing.T) {
	t.Parallel()

	tf := newTwoFrames(t, state.Angle)
	g := NewGaussNewton(tf.p.Arena(), testOptions())
	require.NoError(t, Apply(context.Background(), g, tf.p.Drain()))

	require.NoError(t, tf.f1.Fix())
	d := tf.p.Drain()
	require.NotEmpty(t, d.UpdatedStateBlocks)
	require.NoError(t, Apply(context.Background(), g, d))

	rep, err := g.Solve(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Parameters)
	assert.Zero(t, rep.Applied)
}

// ---------------------------------------------------------------------------
// Manifold retraction
// ---------------------------------------------------------------------------

func TestPlus(t *testing.T) {
	t.Parallel()

	t.Run("angle wraps", func(t *testing.T) {
		out := make([]float64, 1)
		plus(state.Angle, []float64{math.Pi - 0.1}, []float64{0.2}, out)
		assert.InDelta(t, -math.Pi+0.1, out[0], 1e-12)
	})

	t.Run("complex angle stays on the circle", func(t *testing.T) {
		out := make([]float64, 2)
		plus(state.ComplexAngle, []float64{1, 0}, []float64{math.Pi / 2}, out)
		assert.InDelta(t, 0, out[0], 1e-12)
		assert.InDelta(t, 1, out[1], 1e-12)
		assert.Equal(t, 1, tangentDim(state.ComplexAngle, 2))
	})

	t.Run("quaternion yaw", func(t *testing.T) {
		out := make([]float64, 4)
		plus(state.Quaternion, []float64{0, 0, 0, 1}, []float64{0, 0, math.Pi / 2}, out)
		assert.InDelta(t, 0, out[0], 1e-12)
		assert.InDelta(t, 0, out[1], 1e-12)
		assert.InDelta(t, math.Sin(math.Pi/4), out[2], 1e-12)
		assert.InDelta(t, math.Cos(math.Pi/4), out[3], 1e-12)
		assert.Equal(t, 3, tangentDim(state.Quaternion, 4))
	})

	t.Run("vector adds", func(t *testing.T) {
		out := make([]float64, 3)
		plus(state.Vector, []float64{1, 2, 3}, []float64{1, 1, 1}, out)
		assert.Equal(t, []float64{2, 3, 4}, out)
	})
}

// ---------------------------------------------------------------------------
// Apply ordering
// ---------------------------------------------------------------------------

type recorder struct {
	calls []string
	fail  string
}

func (r *recorder) record(op string) error {
	r.calls = append(r.calls, op)
	if op == r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) AddParameterBlock(state.Handle, state.Block) error    { return r.record("add_block") }
func (r *recorder) UpdateParameterBlock(state.Handle, state.Block) error { return r.record("update_block") }
func (r *recorder) RemoveParameterBlock(state.Handle) error              { return r.record("remove_block") }
func (r *recorder) AddResidual(*graph.Correspondence) error              { return r.record("add_residual") }
func (r *recorder) RemoveResidual(tree.ID) error                         { return r.record("remove_residual") }
func (r *recorder) Solve(context.Context) (Report, error)                { return Report{}, nil }

func TestApplyOrder(t *testing.T) {
	t.Parallel()

	d := graph.Delta{
		RemovedStateBlocks:     []state.Handle{{}},
		RemovedCorrespondences: []tree.ID{7},
		NewCorrespondences:     []*graph.Correspondence{{}},
		UpdatedStateBlocks:     []graph.BlockDelta{{}},
		NewStateBlocks:         []graph.BlockDelta{{}, {}},
	}
	r := &recorder{}
	require.NoError(t, Apply(context.Background(), r, d))
	assert.Equal(t, []string{
		"add_block", "add_block", "update_block",
		"add_residual", "remove_residual", "remove_block",
	}, r.calls)

	r = &recorder{fail: "add_residual"}
	err := Apply(context.Background(), r, d)
	require.Error(t, err)
	assert.Equal(t, []string{"add_block", "add_block", "update_block", "add_residual"}, r.calls)
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRunner(t *testing.T) {
	t.Parallel()

	tf := newTwoFrames(t, state.Angle)
	g := NewGaussNewton(tf.p.Arena(), testOptions())
	require.NoError(t, Apply(context.Background(), g, tf.p.Drain()))
	r := NewRunner(g)

	rep, ok, err := r.Poll()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, rep.Iterations)

	require.NoError(t, r.Start(context.Background()))
	assert.True(t, r.Busy())
	assert.ErrorIs(t, r.Start(context.Background()), ErrBusy)

	// The worker solves a snapshot; a write on the driver side lands first
	// and is then overwritten by the committed result.
	require.NoError(t, tf.p.Arena().Write(tf.f1.P, []float64{5, 5}))

	rep, err = r.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Busy())
	assert.True(t, rep.Converged)
	p1, err := tf.p.Arena().Read(tf.f1.P)
	require.NoError(t, err)
	assert.InDelta(t, 1, p1[0], 1e-5)
}

func TestRunnerSkipsBlocksFixedMeanwhile(t *testing.T) {
	t.Parallel()

	tf := newTwoFrames(t, state.Angle)
	g := NewGaussNewton(tf.p.Arena(), testOptions())
	require.NoError(t, Apply(context.Background(), g, tf.p.Drain()))
	r := NewRunner(g)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, tf.f1.Fix())
	rep, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Applied)
	p1, err := tf.p.Arena().Read(tf.f1.P)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.8, 0.3}, p1)
}

func TestRunnerStop(t *testing.T) {
	t.Parallel()

	tf := newTwoFrames(t, state.Angle)
	g := NewGaussNewton(tf.p.Arena(), testOptions())
	require.NoError(t, Apply(context.Background(), g, tf.p.Drain()))
	r := NewRunner(g)

	r.Stop()
	require.NoError(t, r.Start(context.Background()))
	r.Stop()
	assert.False(t, r.Busy())
	p1, err := tf.p.Arena().Read(tf.f1.P)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.8, 0.3}, p1)

	rep, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep)
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

func TestOptionsFromTuning(t *testing.T) {
	t.Parallel()

	opts := OptionsFromTuning(config.EmptyTuningConfig())
	assert.Equal(t, 20, opts.MaxIterations)
	assert.Equal(t, 1e-6, opts.Tolerance)
	assert.Equal(t, 500*time.Millisecond, opts.Timeout)
	assert.Positive(t, opts.InitialLambda)
}

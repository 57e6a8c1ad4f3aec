package constraints

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/state"
)

func diag(vals ...float64) *mat.SymDense {
	m := mat.NewSymDense(len(vals), nil)
	for i, v := range vals {
		m.SetSym(i, i, v)
	}
	return m
}

// ---------------------------------------------------------------------------
// Motion model
// ---------------------------------------------------------------------------

func TestPredictOdometry(t *testing.T) {
	t.Parallel()

	t.Run("angle encoding", func(t *testing.T) {
		t.Parallel()
		p, o := PredictOdometry([]float64{1, 2}, []float64{0}, 2, math.Pi/2)
		assert.InDelta(t, 1, p[0], 1e-12)
		assert.InDelta(t, 4, p[1], 1e-12)
		assert.InDelta(t, math.Pi/2, o[0], 1e-12)
	})

	t.Run("complex encoding matches angle encoding", func(t *testing.T) {
		t.Parallel()
		th := 0.3
		pa, oa := PredictOdometry([]float64{0, 0}, []float64{th}, 1.5, 0.2)
		pc, oc := PredictOdometry([]float64{0, 0}, []float64{math.Cos(th), math.Sin(th)}, 1.5, 0.2)
		assert.InDelta(t, pa[0], pc[0], 1e-12)
		assert.InDelta(t, pa[1], pc[1], 1e-12)
		assert.InDelta(t, oa[0], Heading(oc), 1e-12)
		assert.InDelta(t, 1, math.Hypot(oc[0], oc[1]), 1e-12)
	})
}

func TestPoseTransforms(t *testing.T) {
	t.Parallel()

	robot := Pose2D{X: 1, Y: 1, Theta: math.Pi / 2}
	x, y := robot.ToWorld(1, 0)
	assert.InDelta(t, 1, x, 1e-12)
	assert.InDelta(t, 2, y, 1e-12)

	lx, ly := robot.ToLocal(x, y)
	assert.InDelta(t, 1, lx, 1e-12)
	assert.InDelta(t, 0, ly, 1e-12)

	c := robot.Compose(Pose2D{X: 1, Theta: math.Pi})
	assert.InDelta(t, 1, c.X, 1e-12)
	assert.InDelta(t, 2, c.Y, 1e-12)
	assert.InDelta(t, -math.Pi/2, c.Theta, 1e-12)

	assert.Equal(t, []float64{1, 0}, Orientation(0, state.ComplexAngle))
	assert.Len(t, Orientation(0, state.Angle), 1)
}

// ---------------------------------------------------------------------------
// Residuals
// ---------------------------------------------------------------------------

func TestOdometryResidual(t *testing.T) {
	t.Parallel()

	r, err := NewOdometry2D([]float64{2, 0.5}, diag(0.04, 0.01))
	require.NoError(t, err)

	p2, o2 := PredictOdometry([]float64{0, 0}, []float64{0.1}, 2, 0.5)
	out := make([]float64, r.Dim())
	require.NoError(t, r.Evaluate([][]float64{{0, 0}, {0.1}, p2, o2}, out))
	assert.InDelta(t, 0, out[0], 1e-12)
	assert.InDelta(t, 0, out[1], 1e-12)

	// A 0.1 rad heading error with sigma 0.1 whitens to 1.
	o2[0] += 0.1
	require.NoError(t, r.Evaluate([][]float64{{0, 0}, {0.1}, p2, o2}, out))
	assert.InDelta(t, 1, out[1], 1e-9)

	assert.Error(t, r.Evaluate([][]float64{{0, 0}}, out))
	_, err = NewOdometry2D([]float64{1}, nil)
	assert.ErrorIs(t, err, state.ErrDimensionMismatch)
}

func TestRangeBearingResidual(t *testing.T) {
	t.Parallel()

	mount := Pose2D{X: 0.5}
	robot := Pose2D{X: 1, Y: 0, Theta: math.Pi / 2}
	probe, err := NewRangeBearing([]float64{0, 0}, nil, mount)
	require.NoError(t, err)
	rng, bearing := probe.Predict(robot, 1, 3)
	assert.InDelta(t, 2.5, rng, 1e-12)
	assert.InDelta(t, 0, bearing, 1e-12)

	r, err := NewRangeBearing([]float64{rng, bearing}, diag(0.01, 0.01), mount)
	require.NoError(t, err)
	out := make([]float64, 2)
	require.NoError(t, r.Evaluate([][]float64{{1, 0}, {math.Pi / 2}, {1, 3}}, out))
	assert.InDelta(t, 0, out[0], 1e-12)
	assert.InDelta(t, 0, out[1], 1e-12)

	// Dynamic extrinsics override the static mount.
	require.NoError(t, r.Evaluate([][]float64{{1, 0}, {math.Pi / 2}, {1, 3}, {0.5, 0}, {1, 0}}, out))
	assert.InDelta(t, 0, out[0], 1e-12)

	assert.Error(t, r.Evaluate([][]float64{{1, 0}, {0}}, out))
}

func TestFixResidual(t *testing.T) {
	t.Parallel()

	r, err := NewFix2D([]float64{1, 2}, diag(4, 4), Pose2D{X: 1})
	require.NoError(t, err)
	out := make([]float64, 2)
	require.NoError(t, r.Evaluate([][]float64{{1, 1}, {math.Pi / 2}}, out))
	assert.InDelta(t, 0, out[0], 1e-12)
	assert.InDelta(t, 0, out[1], 1e-12)

	require.NoError(t, r.Evaluate([][]float64{{3, 1}, {math.Pi / 2}}, out))
	assert.InDelta(t, 1, out[0], 1e-12)
}

func TestPixelResidual(t *testing.T) {
	t.Parallel()

	cam := Camera{Width: 640, Height: 480, Scale: 40}
	robot := Pose2D{X: 2, Y: 1, Theta: 0.4}
	u, v := cam.Project(robot, 3, 2)
	assert.True(t, cam.InView(u, v))
	x, y := cam.Unproject(robot, u, v)
	assert.InDelta(t, 3, x, 1e-9)
	assert.InDelta(t, 2, y, 1e-9)

	r, err := NewPixel([]float64{u, v}, diag(1, 1), cam)
	require.NoError(t, err)
	out := make([]float64, 2)
	require.NoError(t, r.Evaluate([][]float64{{2, 1}, {math.Cos(0.4), math.Sin(0.4)}, {3, 2}}, out))
	assert.InDelta(t, 0, out[0], 1e-9)
	assert.InDelta(t, 0, out[1], 1e-9)

	assert.False(t, cam.InView(-1, 10))
}

func TestWhitener(t *testing.T) {
	t.Parallel()

	w, err := NewWhitener(2, diag(4, 9))
	require.NoError(t, err)
	e := []float64{2, 3}
	w.Apply(e)
	assert.InDelta(t, 1, e[0], 1e-12)
	assert.InDelta(t, 1, e[1], 1e-12)

	_, err = NewWhitener(2, diag(1, -1))
	assert.ErrorIs(t, err, ErrBadCovariance)
	_, err = NewWhitener(3, diag(1, 1))
	assert.ErrorIs(t, err, ErrBadCovariance)

	id, err := NewWhitener(2, nil)
	require.NoError(t, err)
	e = []float64{5, 6}
	id.Apply(e)
	assert.Equal(t, []float64{5, 6}, e)
}

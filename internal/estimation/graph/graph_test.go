package graph

import (
	"bytes"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
)

// constResidual returns zero residuals of a fixed dimension.
type constResidual int

func (r constResidual) Dim() int { return int(r) }

func (r constResidual) Evaluate(_ [][]float64, out []float64) error {
	clear(out)
	return nil
}

type fixture struct {
	p      *Problem
	sensor *Sensor
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	p, err := NewProblem(16, WithStrict(false))
	require.NoError(t, err)
	s := &Sensor{ID: "ranger", Type: "range_bearing"}
	require.NoError(t, p.InstallSensor(s))
	return fixture{p: p, sensor: s}
}

func (f fixture) frame(t *testing.T, ts float64) *Frame {
	t.Helper()
	fr, err := f.p.Trajectory().NewFrame(ts, []float64{ts, 0}, []float64{0}, state.Angle)
	require.NoError(t, err)
	return fr
}

func (f fixture) landmark(t *testing.T, x, y float64) *Landmark {
	t.Helper()
	l, err := f.p.Map().NewLandmark(LandmarkSpec{Type: "point", SensorID: f.sensor.ID, Position: []float64{x, y}})
	require.NoError(t, err)
	return l
}

// observe hangs a capture, feature and correspondence linking fr and l.
func (f fixture) observe(t *testing.T, fr *Frame, l *Landmark) *Correspondence {
	t.Helper()
	c, err := fr.NewCapture(f.sensor, fr.Timestamp, []float64{1, 0}, nil)
	require.NoError(t, err)
	ft, err := c.NewFeature([]float64{1, 0}, mat.NewSymDense(2, []float64{1, 0, 0, 1}))
	require.NoError(t, err)
	corr, err := ft.NewCorrespondence(ConstraintSpec{
		Type:     "point",
		Blocks:   []state.Handle{fr.P, fr.O, l.P},
		Residual: constResidual(2),
		Landmark: l,
	})
	require.NoError(t, err)
	return corr
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewProblem(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	assert.True(t, strings.HasPrefix(f.p.SessionID, "ses_"))
	require.NotNil(t, f.p.Trajectory())
	require.NotNil(t, f.p.Map())
	assert.Equal(t, 3, f.p.Nodes())
	assert.Empty(t, f.p.Trajectory().Frames())

	_, err := NewProblem(0)
	assert.Error(t, err)
}

func TestTreeIntegrity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fr := f.frame(t, 0)
	l := f.landmark(t, 2, 0)
	corr := f.observe(t, fr, l)

	ft := corr.Feature()
	require.NotNil(t, ft)
	capt := ft.Capture()
	require.NotNil(t, capt)
	assert.Same(t, fr, capt.Frame())
	assert.Same(t, f.p.Trajectory(), fr.Trajectory())
	assert.Equal(t, []*Capture{capt}, fr.Captures())
	assert.Equal(t, []*Feature{ft}, capt.Features())
	assert.Equal(t, []*Correspondence{corr}, ft.Correspondences())

	assert.Equal(t, []*Correspondence{corr}, l.Constraints())
	assert.Equal(t, []*Correspondence{corr}, fr.Constraints())
	assert.Equal(t, []*Correspondence{corr}, f.p.Correspondences())

	n, ok := f.p.Lookup(corr.ID())
	require.True(t, ok)
	assert.Same(t, corr, n)
}

func TestCovarianceIsCopied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fr := f.frame(t, 0)
	cov := mat.NewSymDense(2, []float64{4, 1, 1, 9})
	c, err := fr.NewCapture(f.sensor, 0, []float64{1, 0}, cov)
	require.NoError(t, err)
	ft, err := c.NewFeature([]float64{1, 0}, cov)
	require.NoError(t, err)

	cov.SetSym(0, 0, 100)
	cov.SetSym(0, 1, -3)

	for name, got := range map[string]*mat.SymDense{"capture": c.Covariance, "feature": ft.Covariance} {
		require.NotNil(t, got, name)
		assert.NotSame(t, cov, got, name)
		assert.Equal(t, 2, got.SymmetricDim(), name)
		assert.Equal(t, 4.0, got.At(0, 0), name)
		assert.Equal(t, 1.0, got.At(1, 0), name)
		assert.Equal(t, 9.0, got.At(1, 1), name)
	}
}

func TestInvalidConstructions(t *testing.T) {
	t.Parallel()

	t.Run("unknown sensor", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fr := f.frame(t, 0)
		_, err := fr.NewCapture(&Sensor{ID: "ghost"}, 0, nil, nil)
		assert.ErrorIs(t, err, ErrSensorNotInstalled)
	})

	t.Run("non-finite frame", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.p.Trajectory().NewFrame(1, []float64{math.NaN(), 0}, []float64{0}, state.Angle)
		assert.Error(t, err)
		assert.Empty(t, f.p.Trajectory().Frames())
		assert.Equal(t, 0, f.p.Arena().Used())
	})

	t.Run("frame older than newest", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.frame(t, 0)
		f.frame(t, 5)
		used := f.p.Arena().Used()
		_, err := f.p.Trajectory().NewFrame(1, []float64{2, 0}, []float64{0}, state.Angle)
		assert.ErrorIs(t, err, ErrOutOfOrder)
		require.Len(t, f.p.Trajectory().Frames(), 2)
		assert.Equal(t, 5.0, f.p.Trajectory().LastFrame().Timestamp)
		assert.Equal(t, used, f.p.Arena().Used())

		// Equal timestamps are allowed.
		_, err = f.p.Trajectory().NewFrame(5, []float64{2, 0}, []float64{0}, state.Angle)
		assert.NoError(t, err)
	})

	t.Run("constraint on dead block", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fr := f.frame(t, 0)
		l := f.landmark(t, 1, 1)
		dead := l.P
		require.NoError(t, f.p.Map().RemoveLandmark(l))

		c, err := fr.NewCapture(f.sensor, 0, nil, nil)
		require.NoError(t, err)
		ft, err := c.NewFeature([]float64{0}, nil)
		require.NoError(t, err)
		_, err = ft.NewCorrespondence(ConstraintSpec{Blocks: []state.Handle{fr.P, dead}, Residual: constResidual(1)})
		assert.ErrorIs(t, err, ErrInvalidConstraint)
		_, err = ft.NewCorrespondence(ConstraintSpec{Blocks: []state.Handle{fr.P}})
		assert.ErrorIs(t, err, ErrInvalidConstraint)
	})

	t.Run("duplicate sensor", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		assert.Error(t, f.p.InstallSensor(&Sensor{ID: "ranger"}))
	})
}

// ---------------------------------------------------------------------------
// Destruction
// ---------------------------------------------------------------------------

func TestRemoveLandmarkCascades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fr := f.frame(t, 0)
	l := f.landmark(t, 2, 0)
	corr := f.observe(t, fr, l)
	ft := corr.Feature()
	lp := l.P

	require.NoError(t, f.p.Map().RemoveLandmark(l))

	assert.False(t, corr.Live())
	assert.Empty(t, ft.Correspondences())
	assert.Empty(t, fr.Constraints())
	assert.False(t, f.p.Arena().Live(lp))
	assert.True(t, ft.Live())
	assert.Empty(t, f.p.Map().Landmarks())
}

func TestRemoveFrameCascades(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	old := f.frame(t, 0)
	fr := f.frame(t, 1)
	l := f.landmark(t, 2, 0)
	f.observe(t, old, l)
	keep := f.observe(t, fr, l)

	before := f.p.Nodes()
	require.NoError(t, f.p.Trajectory().RemoveFrame(old))

	// frame, capture, feature, correspondence
	assert.Equal(t, before-4, f.p.Nodes())
	assert.Equal(t, []*Correspondence{keep}, l.Constraints())
	assert.Equal(t, []*Frame{fr}, f.p.Trajectory().Frames())
	assert.False(t, f.p.Arena().Live(old.P))
	assert.False(t, f.p.Arena().Live(old.O))
}

func TestRemovalOrderIsByID(t *testing.T) {
	t.Parallel()

	for round := 0; round < 10; round++ {
		f := newFixture(t)
		l := f.landmark(t, 2, 0)
		var want []tree.ID
		for i := 0; i < 8; i++ {
			want = append(want, f.observe(t, f.frame(t, float64(i)), l).ID())
		}
		f.p.Drain()

		require.NoError(t, f.p.Map().RemoveLandmark(l))
		got := f.p.Drain().RemovedCorrespondences
		require.Equal(t, want, got)
		assert.True(t, slices.IsSorted(got))
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fr := f.frame(t, 0)
	l := f.landmark(t, 2, 0)
	f.observe(t, fr, l)

	require.NoError(t, f.p.Close())
	assert.Equal(t, 0, f.p.Nodes())
	assert.Nil(t, f.p.Trajectory())
	assert.Nil(t, f.p.Map())
	assert.Empty(t, f.p.Arena().Handles())
	require.NoError(t, f.p.Close())
}

// ---------------------------------------------------------------------------
// Drain
// ---------------------------------------------------------------------------

func TestDrain(t *testing.T) {
	t.Parallel()

	t.Run("reports additions once", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fr := f.frame(t, 0)
		l := f.landmark(t, 2, 0)
		corr := f.observe(t, fr, l)

		d := f.p.Drain()
		assert.Len(t, d.NewStateBlocks, 3)
		assert.Equal(t, []*Correspondence{corr}, d.NewCorrespondences)
		assert.Empty(t, d.RemovedCorrespondences)
		assert.Equal(t, tree.Stable, fr.Lifecycle())
		assert.Equal(t, tree.Stable, corr.Lifecycle())

		assert.True(t, f.p.Drain().Empty())
	})

	t.Run("create and destroy between drains is silent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fr := f.frame(t, 0)
		f.p.Drain()

		l := f.landmark(t, 2, 0)
		f.observe(t, fr, l)
		require.NoError(t, f.p.Map().RemoveLandmark(l))

		d := f.p.Drain()
		assert.Empty(t, d.NewStateBlocks)
		assert.Empty(t, d.NewCorrespondences)
		assert.Empty(t, d.RemovedCorrespondences)
		assert.Empty(t, d.RemovedStateBlocks)
	})

	t.Run("removals after delivery", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fr := f.frame(t, 0)
		l := f.landmark(t, 2, 0)
		corr := f.observe(t, fr, l)
		f.p.Drain()

		lp := l.P
		require.NoError(t, f.p.Map().RemoveLandmark(l))
		d := f.p.Drain()
		assert.Equal(t, []tree.ID{corr.ID()}, d.RemovedCorrespondences)
		assert.Equal(t, []state.Handle{lp}, d.RemovedStateBlocks)
	})

	t.Run("fix after delivery is an update", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fr := f.frame(t, 0)
		f.p.Drain()

		require.NoError(t, fr.Fix())
		assert.Equal(t, tree.PendingUpdate, fr.Lifecycle())
		d := f.p.Drain()
		require.Len(t, d.UpdatedStateBlocks, 2)
		for _, b := range d.UpdatedStateBlocks {
			assert.Equal(t, state.Fixed, b.Status)
		}
		assert.Equal(t, tree.Stable, fr.Lifecycle())
	})

	t.Run("fix before delivery folds into the addition", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		fr := f.frame(t, 0)
		require.NoError(t, fr.Fix())
		d := f.p.Drain()
		assert.Empty(t, d.UpdatedStateBlocks)
		require.Len(t, d.NewStateBlocks, 2)
		assert.Equal(t, state.Fixed, d.NewStateBlocks[0].Status)
	})
}

// ---------------------------------------------------------------------------
// Captures, sensors, landmarks
// ---------------------------------------------------------------------------

func TestAccumulate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fr := f.frame(t, 0)
	c, err := fr.NewCapture(f.sensor, 0, []float64{0, 0}, mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1}))
	require.NoError(t, err)

	require.NoError(t, c.Accumulate([]float64{1, 0.5}, mat.NewSymDense(2, []float64{0.2, 0, 0, 0.3})))
	require.NoError(t, c.Accumulate([]float64{1, -0.25}, nil))
	assert.Equal(t, []float64{2, 0.25}, c.Data)
	assert.InDelta(t, 0.3, c.Covariance.At(0, 0), 1e-12)
	assert.InDelta(t, 0.4, c.Covariance.At(1, 1), 1e-12)

	assert.ErrorIs(t, c.Accumulate([]float64{1}, nil), state.ErrDimensionMismatch)
	assert.Same(t, c, fr.CaptureFrom("ranger"))
	assert.Nil(t, fr.CaptureFrom("gps"))
}

func TestDynamicSensor(t *testing.T) {
	t.Parallel()

	p, err := NewProblem(8)
	require.NoError(t, err)
	s := &Sensor{ID: "cam", Type: "camera", Extrinsics: []float64{0.1, 0.2, 0.3}, Dynamic: true, ComplexAngle: true}
	require.NoError(t, p.InstallSensor(s))

	require.False(t, s.P.IsZero())
	x, y, th := s.Pose()
	assert.InDelta(t, 0.1, x, 1e-12)
	assert.InDelta(t, 0.2, y, 1e-12)
	assert.InDelta(t, 0.3, th, 1e-12)

	d := p.Drain()
	assert.Len(t, d.NewStateBlocks, 2)
	assert.Equal(t, state.ComplexAngle, d.NewStateBlocks[1].Manifold)
}

func TestLandmarkStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	l := f.landmark(t, 1, 2)
	assert.Equal(t, Candidate, l.Status)
	assert.Equal(t, 1, l.Hits)

	f.p.Drain()
	require.NoError(t, l.SetStatus(LandmarkFixed))
	b, err := f.p.Arena().Describe(l.P)
	require.NoError(t, err)
	assert.Equal(t, state.Fixed, b.Status)
	assert.Len(t, f.p.Drain().UpdatedStateBlocks, 1)

	require.NoError(t, l.SetStatus(Estimated))
	b, _ = f.p.Arena().Describe(l.P)
	assert.Equal(t, state.Estimated, b.Status)

	pos, err := l.Position()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, pos)
}

func TestMovingLandmark(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fr := f.frame(t, 0)
	f.p.Drain()

	l, err := f.p.Map().NewLandmark(LandmarkSpec{
		Type:                "vehicle",
		SensorID:            f.sensor.ID,
		Position:            []float64{3, 4},
		Orientation:         []float64{0.5},
		OrientationManifold: state.Angle,
		Velocity:            []float64{1, -1},
		AngularVelocity:     []float64{0.1},
	})
	require.NoError(t, err)
	blocks := []state.Handle{l.P, l.O, l.V, l.W}
	for i, h := range blocks {
		require.False(t, h.IsZero(), "block %d", i)
	}
	v, err := f.p.Arena().Read(l.V)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1}, v)
	w, err := f.p.Arena().Read(l.W)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1}, w)
	assert.Len(t, f.p.Drain().NewStateBlocks, 4)

	require.NoError(t, l.SetStatus(LandmarkFixed))
	for i, h := range blocks {
		b, err := f.p.Arena().Describe(h)
		require.NoError(t, err)
		assert.Equal(t, state.Fixed, b.Status, "block %d", i)
	}
	assert.Len(t, f.p.Drain().UpdatedStateBlocks, 4)
	require.NoError(t, l.SetStatus(Estimated))
	b, err := f.p.Arena().Describe(l.W)
	require.NoError(t, err)
	assert.Equal(t, state.Estimated, b.Status)
	f.p.Drain()

	// A constraint on the velocity block alone still ties the landmark.
	c, err := fr.NewCapture(f.sensor, 0, []float64{1, 0}, nil)
	require.NoError(t, err)
	ft, err := c.NewFeature([]float64{1, -1}, nil)
	require.NoError(t, err)
	corr, err := ft.NewCorrespondence(ConstraintSpec{Type: "velocity", Blocks: []state.Handle{fr.P, l.V}, Residual: constResidual(2), Landmark: l})
	require.NoError(t, err)
	assert.Equal(t, []*Correspondence{corr}, l.Constraints())
	f.p.Drain()

	require.NoError(t, f.p.Map().RemoveLandmark(l))
	for i, h := range blocks {
		assert.False(t, f.p.Arena().Live(h), "block %d", i)
	}
	assert.False(t, corr.Live())
	d := f.p.Drain()
	assert.ElementsMatch(t, blocks, d.RemovedStateBlocks)
	assert.Equal(t, []tree.ID{corr.ID()}, d.RemovedCorrespondences)

	// Static landmarks leave the optional blocks unallocated.
	static := f.landmark(t, 0, 0)
	assert.True(t, static.V.IsZero())
	assert.True(t, static.W.IsZero())

	_, err = f.p.Map().NewLandmark(LandmarkSpec{Position: []float64{0, 0}, Velocity: []float64{math.Inf(1), 0}})
	assert.Error(t, err)
}

func TestParseLandmarkStatus(t *testing.T) {
	t.Parallel()

	for s := Candidate; s <= Old; s++ {
		got, err := ParseLandmarkStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseLandmarkStatus("lost")
	assert.Error(t, err)
}

func TestPrint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	fr := f.frame(t, 0)
	f.observe(t, fr, f.landmark(t, 2, 0))

	var buf bytes.Buffer
	require.NoError(t, f.p.Print(&buf))
	out := buf.String()
	assert.Contains(t, out, "Problem")
	assert.Contains(t, out, "  Trajectory")
	assert.Contains(t, out, "    Frame")
	assert.Contains(t, out, "          Correspondence")
	assert.Contains(t, out, "    Landmark")
}

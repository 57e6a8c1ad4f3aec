package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/pose.window/internal/config"
	"github.com/banshee-data/pose.window/internal/estimation/constraints"
	"github.com/banshee-data/pose.window/internal/estimation/storage/sqlite"
	"github.com/banshee-data/pose.window/internal/testutil"
	"github.com/banshee-data/pose.window/internal/version"
)

func shortWorld() worldConfig {
	wc := defaultWorldConfig()
	wc.Duration = 6
	wc.FixEvery = 2
	return wc
}

// ----------------------------------------------------------------------------
// world
// ----------------------------------------------------------------------------

func TestWorldTruth(t *testing.T) {
	t.Parallel()

	w := newWorld(defaultWorldConfig())
	p := w.truth(0)
	assert.Equal(t, constraints.Pose2D{}, p)

	// Half a lap puts the vehicle on the far side of the circle heading -x.
	half := w.truth(3.141592653589793 * w.cfg.Radius / w.cfg.Speed)
	assert.InDelta(t, 0, half.X, 1e-9)
	assert.InDelta(t, 2*w.cfg.Radius, half.Y, 1e-9)
	assert.InDelta(t, 3.141592653589793, abs(half.Theta), 1e-9)
}

func TestWorldRangeBearing(t *testing.T) {
	t.Parallel()

	wc := defaultWorldConfig()
	wc.RangeSigma, wc.BearingSigma = 0, 0
	w := newWorld(wc)
	data := w.rangeBearing(w.truth(0))
	require.Zero(t, len(data)%2)
	for i := 0; i < len(data); i += 2 {
		assert.LessOrEqual(t, data[i], wc.MaxRange)
	}
}

func TestWorldDeterministic(t *testing.T) {
	t.Parallel()

	a, b := newWorld(defaultWorldConfig()), newWorld(defaultWorldConfig())
	assert.Equal(t, a.landmarks, b.landmarks)
	oa, _ := a.odometry()
	ob, _ := b.odometry()
	testutil.AssertFloatsNear(t, oa, ob, 0)
	testutil.AssertFloatsNear(t, a.rangeBearing(a.truth(1)), b.rangeBearing(b.truth(1)), 0)
}

// ----------------------------------------------------------------------------
// simulate
// ----------------------------------------------------------------------------

func TestSimulate(t *testing.T) {
	t.Parallel()

	for _, async := range []bool{false, true} {
		name := "sync"
		if async {
			name = "async"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			sum, err := simulate(context.Background(), simOptions{
				Tuning:  config.DefaultTuningConfig(),
				World:   shortWorld(),
				DBPath:  filepath.Join(dir, "runs.db"),
				PlotDir: filepath.Join(dir, "plots"),
				Async:   async,
				Label:   name,
			})
			require.NoError(t, err)

			assert.GreaterOrEqual(t, sum.Keyframes, 40)
			assert.Positive(t, sum.Solves)
			assert.Zero(t, sum.Failed)
			assert.Less(t, sum.RMSE, 2.0)
			assert.NotEmpty(t, sum.Landmarks)
			assert.Len(t, sum.Files, 3)

			s, err := sqlite.Open(filepath.Join(dir, "runs.db"))
			require.NoError(t, err)
			defer s.Close()

			run, err := s.GetRun(sum.RunID)
			require.NoError(t, err)
			assert.Equal(t, name, run.Label)
			assert.NotNil(t, run.Finished)

			poses, err := s.Trajectory(sum.RunID)
			require.NoError(t, err)
			assert.Greater(t, len(poses), sum.Keyframes)

			solves, err := s.Solves(sum.RunID)
			require.NoError(t, err)
			assert.Len(t, solves, sum.Solves)
		})
	}
}

func TestSimulateWithoutOutputs(t *testing.T) {
	t.Parallel()

	wc := shortWorld()
	wc.FixEvery = 0
	sum, err := simulate(context.Background(), simOptions{Tuning: config.DefaultTuningConfig(), World: wc})
	require.NoError(t, err)
	assert.Empty(t, sum.RunID)
	assert.Empty(t, sum.Files)
	assert.Positive(t, sum.Keyframes)
}

func TestSimulateCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := simulate(ctx, simOptions{Tuning: config.DefaultTuningConfig(), World: shortWorld()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrintSummary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printSummary(&buf, summary{
		SessionID: "ses_1",
		Keyframes: 12,
		Landmarks: map[string]int{"old": 2, "estimated": 5},
		Files:     []string{"plots/run.html"},
	})
	out := buf.String()
	assert.Contains(t, out, "keyframes 12")
	assert.Contains(t, out, "plots/run.html")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("estimated")), bytes.Index(buf.Bytes(), []byte("old")))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestRunLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "nightly", runLabel("nightly"))
	assert.Equal(t, "windowsim "+version.Version, runLabel(""))
}

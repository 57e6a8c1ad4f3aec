package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/config"
	"github.com/banshee-data/pose.window/internal/estimation/constraints"
	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/report"
	"github.com/banshee-data/pose.window/internal/estimation/sensors"
	"github.com/banshee-data/pose.window/internal/estimation/solver"
	"github.com/banshee-data/pose.window/internal/estimation/storage/sqlite"
	"github.com/banshee-data/pose.window/internal/estimation/window"
	"github.com/banshee-data/pose.window/internal/monitoring"
)

const (
	odoID = "odo"
	rbID  = "ranger"
	fixID = "gps"
)

type simOptions struct {
	Tuning  *config.TuningConfig
	World   worldConfig
	DBPath  string // empty disables recording
	PlotDir string // empty disables plots
	Async   bool   // solve on a worker goroutine
	Label   string
}

type summary struct {
	SessionID string
	RunID     string
	Keyframes int
	Landmarks map[string]int
	Solves    int
	Failed    int
	Dropped   int
	RMSE      float64 // keyframe position error against truth, metres
	Files     []string
}

type sample struct {
	ts    float64
	odo   []float64
	cov   *mat.SymDense
	truth constraints.Pose2D
}

type record struct {
	frames    []window.FrameSummary
	landmarks []window.LandmarkSummary
	dropped   []window.Dropped
	solves    []solveResult
}

type solveResult struct {
	rep solver.Report
	err error
}

func buildRegistry(tuning *config.TuningConfig, wc worldConfig) (*sensors.Registry, error) {
	reg := sensors.NewRegistry()
	if err := reg.Register(sensors.Entry{Sensor: &graph.Sensor{ID: odoID, Type: constraints.TypeOdometry2D}, Role: sensors.RoleMotion}); err != nil {
		return nil, err
	}
	rs := &graph.Sensor{ID: rbID, Type: constraints.TypeRangeBearing}
	rb := &sensors.RangeBearing{
		Sensor:       rs,
		RangeSigma:   wc.RangeSigma,
		BearingSigma: wc.BearingSigma,
		MaxRange:     wc.MaxRange,
		GateD2:       tuning.GetGatingDistanceSquared(),
	}
	if err := reg.Register(sensors.Entry{Sensor: rs, Role: sensors.RoleLandmark, Detector: rb, Matcher: rb}); err != nil {
		return nil, err
	}
	if wc.FixEvery > 0 {
		gs := &graph.Sensor{ID: fixID, Type: constraints.TypeFix2D}
		fix := &sensors.Fix{Sensor: gs, Sigma: wc.FixSigma}
		if err := reg.Register(sensors.Entry{Sensor: gs, Role: sensors.RoleAbsolute, Detector: fix, Absolute: fix}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// simulate drives a window manager through a simulated run. One goroutine
// produces odometry, one owns the manager and the solver, and one writes the
// run database.
func simulate(ctx context.Context, o simOptions) (summary, error) {
	w := newWorld(o.World)
	p, err := graph.NewProblem(o.Tuning.GetStateCapacity(),
		graph.WithMaxCapacity(o.Tuning.GetMaxStateCapacity()),
		graph.WithStrict(o.Tuning.GetStrictTree()))
	if err != nil {
		return summary{}, err
	}
	defer p.Close()
	reg, err := buildRegistry(o.Tuning, o.World)
	if err != nil {
		return summary{}, err
	}
	wcfg := window.ConfigFromTuning(o.Tuning)
	wcfg.Seed = o.World.Seed
	m, err := window.NewManager(wcfg, p, reg, window.Origin{Pose: w.truth(0)})
	if err != nil {
		return summary{}, err
	}
	gn := solver.NewGaussNewton(p.Arena(), solver.OptionsFromTuning(o.Tuning))
	sum := summary{SessionID: p.SessionID}

	var (
		store *sqlite.Store
		run   *sqlite.Run
	)
	if o.DBPath != "" {
		if store, err = sqlite.Open(o.DBPath); err != nil {
			return sum, fmt.Errorf("open run database: %w", err)
		}
		defer store.Close()
		if run, err = store.StartRun(p.SessionID, o.Label, time.Now(), o.Tuning); err != nil {
			return sum, err
		}
		sum.RunID = run.ID
	}

	g, gctx := errgroup.WithContext(ctx)
	samples := make(chan sample, 64)
	records := make(chan record, 16)

	g.Go(func() error {
		defer close(samples)
		for i := 1; i <= w.steps(); i++ {
			ts := float64(i) / o.World.Rate
			odo, cov := w.odometry()
			select {
			case samples <- sample{ts: ts, odo: odo, cov: cov, truth: w.truth(ts)}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	d := &driver{
		m:      m,
		w:      w,
		gn:     gn,
		runner: solver.NewRunner(gn),
		async:  o.Async,
		keep:   wcfg.WindowSize + 2,
		out:    records,
		truth:  map[float64]constraints.Pose2D{0: w.truth(0)},
		path:   []report.Point{{X: w.truth(0).X, Y: w.truth(0).Y}},
	}
	g.Go(func() error {
		defer close(records)
		return d.run(gctx, samples)
	})

	g.Go(func() error {
		for r := range records {
			if store == nil {
				continue
			}
			if err := persist(store, run.ID, r); err != nil {
				return err
			}
		}
		if store != nil {
			return store.FinishRun(run.ID, time.Now())
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return sum, err
	}

	st := m.Stats()
	sum.Keyframes = st.Keyframes
	sum.Dropped = st.Dropped
	sum.Solves, sum.Failed = d.solves, d.failed
	sum.Landmarks = make(map[string]int)
	for _, l := range m.GetLandmarks() {
		sum.Landmarks[l.Status.String()]++
	}
	sum.RMSE = d.rmse()

	if o.PlotDir != "" {
		var rr report.Run
		if store != nil {
			if rr, err = report.FromStore(store, run.ID); err != nil {
				return sum, err
			}
		} else {
			rr = report.Run{Frames: m.GetFrames(), Landmarks: m.GetLandmarks(), Solves: d.reports}
		}
		rr.Title = fmt.Sprintf("windowsim %s", p.SessionID)
		rr.Truth = d.path
		if sum.Files, err = report.WriteAll(rr, o.PlotDir); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// driver owns the manager and the solver. Everything it touches is confined
// to the goroutine running run.
type driver struct {
	m      *window.Manager
	w      *world
	gn     *solver.GaussNewton
	runner *solver.Runner
	async  bool
	keep   int // trailing frames re-recorded after each solve
	out    chan<- record

	nextFix float64
	truth   map[float64]constraints.Pose2D
	path    []report.Point
	reports []solver.Report
	solves  int
	failed  int
}

func (d *driver) run(ctx context.Context, samples <-chan sample) error {
	if err := d.observe(0, d.w.truth(0)); err != nil {
		return err
	}
	for s := range samples {
		kf := d.m.Stats().Keyframes
		if err := d.m.AddCapture(odoID, s.ts, s.odo, s.cov); err != nil && errors.Is(err, window.ErrSessionAborted) {
			return err
		}
		if d.m.Stats().Keyframes == kf {
			continue
		}
		d.truth[s.ts] = s.truth
		d.path = append(d.path, report.Point{X: s.truth.X, Y: s.truth.Y})
		if err := d.observe(s.ts, s.truth); err != nil {
			return err
		}
		if err := d.step(ctx, false); err != nil {
			return err
		}
	}
	return d.step(ctx, true)
}

// observe attaches exteroceptive readings to the open frame.
func (d *driver) observe(ts float64, pose constraints.Pose2D) error {
	if data := d.w.rangeBearing(pose); len(data) > 0 {
		if err := d.m.AddCapture(rbID, ts, data, nil); errors.Is(err, window.ErrSessionAborted) {
			return err
		}
	}
	if d.w.cfg.FixEvery > 0 && ts >= d.nextFix {
		d.nextFix = ts + d.w.cfg.FixEvery
		if err := d.m.AddCapture(fixID, ts, d.w.fix(pose), nil); errors.Is(err, window.ErrSessionAborted) {
			return err
		}
	}
	return nil
}

// step forwards the pending batch to the solver and solves. The final step
// waits for any background solve and runs one more in the foreground.
func (d *driver) step(ctx context.Context, final bool) error {
	b, err := d.m.Update()
	if err != nil {
		return err
	}
	if err := solver.Apply(ctx, d.gn, b.Delta); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}
	r := record{dropped: b.Dropped}

	if d.async {
		if rep, ok, err := d.runner.Poll(); ok {
			r.solves = append(r.solves, d.account(rep, err))
		}
		if final && d.runner.Busy() {
			rep, err := d.runner.Wait(ctx)
			r.solves = append(r.solves, d.account(rep, err))
		} else if !final && !d.runner.Busy() {
			if err := d.runner.Start(ctx); err != nil {
				return err
			}
		}
	}
	if !d.async || final {
		rep, err := d.gn.Solve(ctx)
		r.solves = append(r.solves, d.account(rep, err))
	}
	for _, s := range r.solves {
		if s.err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	frames := d.m.GetFrames()
	if !final {
		frames = frames[max(0, len(frames)-d.keep):]
	} else {
		r.landmarks = d.m.GetLandmarks()
	}
	r.frames = frames
	select {
	case d.out <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *driver) account(rep solver.Report, err error) solveResult {
	d.solves++
	d.reports = append(d.reports, rep)
	if err != nil && !errors.Is(err, solver.ErrNotConverged) {
		d.failed++
		monitoring.Logf("solve failed: %v", err)
	}
	return solveResult{rep: rep, err: err}
}

func (d *driver) rmse() float64 {
	var sum float64
	var n int
	for _, f := range d.m.GetFrames() {
		t, ok := d.truth[f.Timestamp]
		if !ok {
			continue
		}
		sum += (f.X-t.X)*(f.X-t.X) + (f.Y-t.Y)*(f.Y-t.Y)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func persist(s *sqlite.Store, runID string, r record) error {
	if err := s.RecordFrames(runID, r.frames); err != nil {
		return err
	}
	if len(r.landmarks) > 0 {
		if err := s.RecordLandmarks(runID, r.landmarks); err != nil {
			return err
		}
	}
	if err := s.RecordDropped(runID, r.dropped); err != nil {
		return err
	}
	for _, sr := range r.solves {
		if err := s.RecordSolve(runID, sr.rep, sr.err); err != nil {
			return err
		}
	}
	return nil
}

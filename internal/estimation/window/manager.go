// Package window drives a sliding-window estimation session: it turns
// incoming sensor captures into keyframes, landmarks and correspondences
// and hands the resulting state changes to a solver in ordered batches.
//
// The last frame of the trajectory is open: captures accumulate on it until
// the motion sensor reports enough elapsed time, distance or rotation. A
// keyframe then opens a new frame at the predicted pose, processes every
// capture of the previous frame and fixes the oldest frames so that no more
// than WindowSize frames remain free.
//
// A Manager is not safe for concurrent use.
package window

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/activesearch"
	"github.com/banshee-data/pose.window/internal/estimation/constraints"
	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/sensors"
	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
	"github.com/banshee-data/pose.window/internal/timeutil"
)

var (
	// ErrUnknownSensor is returned for captures from unregistered sensors.
	ErrUnknownSensor = errors.New("window: unknown sensor")
	// ErrInvalidPrior is returned when a keyframe trigger would place the new
	// frame at a non-finite pose. The open frame stays open.
	ErrInvalidPrior = errors.New("window: invalid prior")
	// ErrSessionAborted is returned by every call after the state arena
	// could not grow.
	ErrSessionAborted = errors.New("window: session aborted")
)

// Origin is the pose of the first frame.
type Origin struct {
	Timestamp float64
	Pose      constraints.Pose2D
}

// Dropped records a capture the manager rejected or could not process.
type Dropped struct {
	SensorID  string
	Timestamp float64
	Err       error
}

// Batch is what one Update hands to the solver side.
type Batch struct {
	graph.Delta
	Dropped []Dropped
}

// LandmarkSummary is a read-only view of a landmark.
type LandmarkSummary struct {
	ID        tree.ID
	Type      string
	SensorID  string
	Status    graph.LandmarkStatus
	Hits      int
	Misses    int
	FirstSeen float64
	Position  []float64
}

// FrameSummary is a read-only view of a frame.
type FrameSummary struct {
	ID        tree.ID
	Timestamp float64
	X, Y      float64
	Heading   float64
	Fixed     bool
}

// Stats counts what the manager has done so far.
type Stats struct {
	Captures        int
	Keyframes       int
	Frozen          int
	Dropped         int
	LandmarksMade   int
	LandmarksGone   int
	LastKeyframeDur time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for keyframe timings.
func WithClock(c timeutil.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager owns the open end of a trajectory.
type Manager struct {
	cfg    Config
	p      *graph.Problem
	reg    *sensors.Registry
	motion sensors.Entry

	grids map[string]*activesearch.Grid
	rng   *rand.Rand
	clock timeutil.Clock

	dropped []Dropped
	aborted error
	stats   Stats
}

// NewManager installs the registry's sensors into p, creates the first
// frame at origin and fixes it.
func NewManager(cfg Config, p *graph.Problem, reg *sensors.Registry, origin Origin, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	motion, ok := reg.Motion()
	if !ok {
		return nil, fmt.Errorf("window: registry has no motion sensor")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	m := &Manager{
		cfg:    cfg,
		p:      p,
		reg:    reg,
		motion: motion,
		grids:  make(map[string]*activesearch.Grid),
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		clock:  timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, id := range reg.IDs() {
		if _, installed := p.Sensor(id); installed {
			continue
		}
		e, _ := reg.Lookup(id)
		if err := p.InstallSensor(e.Sensor); err != nil {
			return nil, fmt.Errorf("window: install %s: %w", id, err)
		}
	}

	o := origin.Pose
	fr, err := p.Trajectory().NewFrame(origin.Timestamp, []float64{o.X, o.Y}, constraints.Orientation(o.Theta, cfg.orientation()), cfg.orientation())
	if err != nil {
		return nil, fmt.Errorf("window: initial frame: %w", err)
	}
	if err := fr.Fix(); err != nil {
		return nil, err
	}
	if _, err := fr.NewCapture(motion.Sensor, origin.Timestamp, make([]float64, 2), nil); err != nil {
		return nil, err
	}
	opsf("session %s: window=%d policy=%s", p.SessionID, cfg.WindowSize, cfg.Policy)
	return m, nil
}

// Problem returns the managed problem.
func (m *Manager) Problem() *graph.Problem { return m.p }

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats { return m.stats }

// Aborted returns the error that ended the session, or nil.
func (m *Manager) Aborted() error { return m.aborted }

// AddCapture feeds one raw measurement. Motion captures are integrated into
// the open frame and may trigger a keyframe; other captures replace any
// earlier capture from the same sensor on the open frame and are processed
// at the next keyframe.
//
// ErrUnknownSensor, ErrInvalidPrior and graph.ErrOutOfOrder drop the
// capture and leave the session usable. An arena overflow aborts the session.
func (m *Manager) AddCapture(sensorID string, ts float64, data []float64, cov *mat.SymDense) error {
	if m.aborted != nil {
		return m.aborted
	}
	m.stats.Captures++
	e, err := m.reg.Lookup(sensorID)
	if err != nil {
		return m.drop(sensorID, ts, fmt.Errorf("%w: %q", ErrUnknownSensor, sensorID))
	}
	last := m.p.Trajectory().LastFrame()
	if last == nil {
		return m.abort(fmt.Errorf("window: trajectory has no frames"))
	}
	tracef("capture %s at %.3f (%d values)", sensorID, ts, len(data))

	if e.Role == sensors.RoleMotion {
		return m.integrate(e, last, ts, data, cov)
	}

	if old := last.CaptureFrom(sensorID); old != nil {
		if err := last.RemoveCapture(old); err != nil {
			return m.drop(sensorID, ts, err)
		}
	}
	if _, err := last.NewCapture(e.Sensor, ts, data, cov); err != nil {
		return m.drop(sensorID, ts, err)
	}
	return nil
}

// integrate adds a (distance, rotation) increment to the open frame's motion
// capture and opens a new frame when the keyframe policy trips.
func (m *Manager) integrate(e sensors.Entry, last *graph.Frame, ts float64, data []float64, cov *mat.SymDense) error {
	id := e.Sensor.ID
	if len(data) != 2 {
		return m.drop(id, ts, fmt.Errorf("%w: motion needs (distance, rotation), got %d values", state.ErrDimensionMismatch, len(data)))
	}
	if !finite(data) {
		return m.drop(id, ts, fmt.Errorf("%w: non-finite motion %v", ErrInvalidPrior, data))
	}
	if ts < last.Timestamp {
		return m.drop(id, ts, fmt.Errorf("%w: motion at %.3f, open frame at %.3f", graph.ErrOutOfOrder, ts, last.Timestamp))
	}
	acc := last.CaptureFrom(id)
	if acc == nil {
		var err error
		if acc, err = last.NewCapture(e.Sensor, last.Timestamp, make([]float64, 2), nil); err != nil {
			return m.drop(id, ts, err)
		}
	}
	d, dtheta := acc.Data[0]+data[0], acc.Data[1]+data[1]

	due := m.keyframeDue(last, ts, d, dtheta)
	var pos, ori []float64
	if due {
		p, o, err := last.Pose()
		if err != nil {
			return m.drop(id, ts, err)
		}
		pos, ori = constraints.PredictOdometry(p, o, d, dtheta)
		if !finite(pos) || !finite(ori) {
			opsf("invalid prior at %.3f: %v %v", ts, pos, ori)
			return m.drop(id, ts, fmt.Errorf("%w: predicted pose %v %v", ErrInvalidPrior, pos, ori))
		}
	}

	if err := acc.Accumulate(data, cov); err != nil {
		return m.drop(id, ts, err)
	}
	acc.Timestamp = ts
	if !due {
		return nil
	}
	return m.keyframe(last, ts, pos, ori)
}

func (m *Manager) keyframeDue(last *graph.Frame, ts, d, dtheta float64) bool {
	byTime := ts-last.Timestamp > m.cfg.KeyframeTime
	byDist := math.Abs(d) > m.cfg.KeyframeDistance
	byRot := math.Abs(state.WrapAngle(dtheta)) > m.cfg.KeyframeRotation
	switch m.cfg.Policy {
	case PolicyDistance:
		return byDist
	case PolicyRotation:
		return byRot
	case PolicyAny:
		return byTime || byDist || byRot
	default:
		return byTime
	}
}

// keyframe opens a frame at the prior, processes the previous frame and
// freezes the window.
func (m *Manager) keyframe(prev *graph.Frame, ts float64, pos, ori []float64) error {
	start := m.clock.Now()
	fr, err := m.p.Trajectory().NewFrame(ts, pos, ori, m.cfg.orientation())
	if err != nil {
		if errors.Is(err, state.ErrArenaOverflow) {
			return m.abort(err)
		}
		return m.drop(m.motion.Sensor.ID, ts, err)
	}
	if err := m.processFrame(prev, fr); err != nil {
		return m.abort(err)
	}
	if _, err := fr.NewCapture(m.motion.Sensor, ts, make([]float64, 2), nil); err != nil {
		return m.drop(m.motion.Sensor.ID, ts, err)
	}
	m.freeze()
	m.stats.Keyframes++
	m.stats.LastKeyframeDur = m.clock.Since(start)
	diagf("keyframe %d at %.3f (frame %d, %s)", m.stats.Keyframes, ts, fr.ID(), m.stats.LastKeyframeDur)
	return nil
}

// processFrame turns every capture of prev into features and
// correspondences. Only arena overflow is returned; anything else drops the
// offending capture.
func (m *Manager) processFrame(prev, next *graph.Frame) error {
	for _, c := range prev.Captures() {
		e, err := m.reg.Lookup(c.Sensor.ID)
		if err != nil {
			m.recordDrop(c.Sensor.ID, c.Timestamp, err)
			continue
		}
		switch e.Role {
		case sensors.RoleMotion:
			err = m.processMotion(c, prev, next)
		case sensors.RoleAbsolute:
			err = m.processAbsolute(e, c, prev)
		case sensors.RoleLandmark:
			err = m.processLandmarks(e, c)
		}
		if err == nil {
			continue
		}
		if errors.Is(err, state.ErrArenaOverflow) {
			return err
		}
		opsf("capture %s at %.3f: %v", c.Sensor.ID, c.Timestamp, err)
		m.recordDrop(c.Sensor.ID, c.Timestamp, err)
	}
	return nil
}

func (m *Manager) processMotion(c *graph.Capture, prev, next *graph.Frame) error {
	res, err := constraints.NewOdometry2D(c.Data, c.Covariance)
	if err != nil {
		return err
	}
	f, err := c.NewFeature(c.Data, c.Covariance)
	if err != nil {
		return err
	}
	_, err = f.NewCorrespondence(graph.ConstraintSpec{
		Type:        constraints.TypeOdometry2D,
		Measurement: c.Data,
		Covariance:  c.Covariance,
		Blocks:      []state.Handle{prev.P, prev.O, next.P, next.O},
		Residual:    res,
	})
	return err
}

func (m *Manager) processAbsolute(e sensors.Entry, c *graph.Capture, fr *graph.Frame) error {
	ms, err := e.Detector.Detect(c)
	if err != nil {
		return err
	}
	for _, meas := range ms {
		f, err := c.NewFeature(meas.Values, meas.Covariance)
		if err != nil {
			return err
		}
		spec, err := e.Absolute.ConstrainFrame(c, f, fr)
		if err != nil {
			return err
		}
		if _, err := f.NewCorrespondence(spec); err != nil {
			return err
		}
	}
	return nil
}

// processLandmarks matches a capture's detections against the sensor's
// trackable landmarks, updates hit and miss counters and creates landmarks
// for what is left over.
func (m *Manager) processLandmarks(e sensors.Entry, c *graph.Capture) error {
	ms, err := e.Detector.Detect(c)
	if err != nil {
		return err
	}

	var tracked, watched []*graph.Landmark
	for _, l := range m.p.Map().Landmarks() {
		if l.SensorID != e.Sensor.ID {
			continue
		}
		switch l.Status {
		case graph.Candidate, graph.Estimated, graph.LandmarkFixed:
			tracked = append(tracked, l)
			watched = append(watched, l)
		case graph.OutOfView:
			watched = append(watched, l)
		}
	}

	cost := make([][]float64, len(ms))
	for i, meas := range ms {
		cost[i] = make([]float64, len(tracked))
		for j, l := range tracked {
			cost[i][j] = sensors.Forbidden
			if d2, ok := e.Matcher.Distance(c, meas, l); ok {
				cost[i][j] = d2
			}
		}
	}
	assign := sensors.Assign(cost)

	grid := m.grid(e)
	rd, _ := e.Detector.(sensors.RegionDetector)

	matched := make(map[tree.ID]bool, len(tracked))
	for i, j := range assign {
		if j < 0 {
			continue
		}
		l := tracked[j]
		matched[l.ID()] = true
		if err := m.observe(e, c, ms[i], l); err != nil {
			return err
		}
		if err := m.hit(l); err != nil {
			return err
		}
		if grid != nil {
			grid.Hit(rd.Pixel(ms[i]))
		}
	}

	vis, _ := e.Matcher.(sensors.Visibility)
	for _, l := range watched {
		if matched[l.ID()] || (vis != nil && !vis.Visible(c, l)) {
			continue
		}
		if err := m.miss(l); err != nil {
			return err
		}
	}

	if grid != nil {
		return m.activeSearch(e, rd, grid, c)
	}
	for i, j := range assign {
		if j >= 0 {
			continue
		}
		if err := m.initialize(e, c, ms[i]); err != nil {
			return err
		}
	}
	return nil
}

// activeSearch asks the detector for new landmarks in empty grid cells.
// The grid must already hold the matched detections.
func (m *Manager) activeSearch(e sensors.Entry, rd sensors.RegionDetector, grid *activesearch.Grid, c *graph.Capture) error {
	made := 0
	for tries := grid.Empty(); made < m.cfg.MaxNewFeatures && tries > 0; tries-- {
		roi, ok := grid.PickRegion()
		if !ok {
			break
		}
		meas, found := rd.DetectIn(c, roi)
		if !found {
			grid.Block(roi)
			continue
		}
		grid.Hit(rd.Pixel(meas))
		if err := m.initialize(e, c, meas); err != nil {
			return err
		}
		made++
	}
	tracef("active search on %s: %d new, %d empty cells", e.Sensor.ID, made, grid.Empty())
	return nil
}

// grid returns the renewed active-search grid for a region detector, or nil
// when active search does not apply.
func (m *Manager) grid(e sensors.Entry) *activesearch.Grid {
	rd, ok := e.Detector.(sensors.RegionDetector)
	if !ok || !m.cfg.activeSearch() {
		return nil
	}
	g, seen := m.grids[e.Sensor.ID]
	if !seen {
		size := rd.ImageSize()
		var err error
		g, err = activesearch.NewGrid(activesearch.Config{
			Width:      size.X,
			Height:     size.Y,
			Cols:       m.cfg.GridCols,
			Rows:       m.cfg.GridRows,
			Margin:     m.cfg.GridMargin,
			Separation: m.cfg.GridSeparation,
		}, m.rng)
		if err != nil {
			opsf("active search disabled for %s: %v", e.Sensor.ID, err)
			g = nil
		}
		m.grids[e.Sensor.ID] = g
	}
	if g != nil {
		g.Renew()
	}
	return g
}

// observe creates a feature for meas and links it to l.
func (m *Manager) observe(e sensors.Entry, c *graph.Capture, meas sensors.Measurement, l *graph.Landmark) error {
	f, err := c.NewFeature(meas.Values, meas.Covariance)
	if err != nil {
		return err
	}
	f.Descriptor = slices.Clone(meas.Descriptor)
	spec, err := e.Matcher.Constrain(c, f, l)
	if err != nil {
		return err
	}
	_, err = f.NewCorrespondence(spec)
	return err
}

// initialize creates a Candidate landmark from an unmatched detection.
func (m *Manager) initialize(e sensors.Entry, c *graph.Capture, meas sensors.Measurement) error {
	spec, err := e.Matcher.Initialize(c, meas)
	if err != nil {
		return err
	}
	if spec.SensorID == "" {
		spec.SensorID = e.Sensor.ID
	}
	l, err := m.p.Map().NewLandmark(spec)
	if err != nil {
		return err
	}
	m.stats.LandmarksMade++
	return m.observe(e, c, meas, l)
}

// hit counts a re-observation. Misses count consecutive failures, so a hit
// clears them.
func (m *Manager) hit(l *graph.Landmark) error {
	l.Hits++
	l.Misses = 0
	if l.Status == graph.Candidate && l.Hits >= m.cfg.HitsToEstimate {
		diagf("landmark %d estimated after %d hits", l.ID(), l.Hits)
		return l.SetStatus(graph.Estimated)
	}
	return nil
}

func (m *Manager) miss(l *graph.Landmark) error {
	l.Misses++
	if l.Hits > 0 {
		l.Hits--
	}
	switch {
	case l.Status == graph.Candidate && l.Hits == 0:
		diagf("candidate landmark %d dropped", l.ID())
		m.stats.LandmarksGone++
		return m.p.Map().RemoveLandmark(l)
	case (l.Status == graph.Estimated || l.Status == graph.LandmarkFixed) && l.Hits == 0:
		diagf("landmark %d out of view", l.ID())
		return l.SetStatus(graph.OutOfView)
	case l.Status == graph.OutOfView && l.Misses >= m.cfg.MissesToOld:
		diagf("landmark %d old after %d misses", l.ID(), l.Misses)
		return l.SetStatus(graph.Old)
	}
	return nil
}

// freeze fixes the oldest free frames until at most WindowSize remain free.
func (m *Manager) freeze() {
	frames := m.p.Trajectory().Frames()
	free := 0
	for _, f := range frames {
		if !f.Fixed() {
			free++
		}
	}
	for _, f := range frames {
		if free <= m.cfg.WindowSize {
			return
		}
		if f.Fixed() {
			continue
		}
		if err := f.Fix(); err != nil {
			opsf("fix frame %d: %v", f.ID(), err)
			return
		}
		free--
		m.stats.Frozen++
		diagf("frame %d at %.3f frozen", f.ID(), f.Timestamp)
	}
}

// Update drains the problem's pending changes into a batch.
func (m *Manager) Update() (Batch, error) {
	if m.aborted != nil {
		return Batch{}, m.aborted
	}
	b := Batch{Delta: m.p.Drain(), Dropped: m.dropped}
	m.dropped = nil
	return b, nil
}

// GetState returns a copy of the packed state vector.
func (m *Manager) GetState() []float64 { return m.p.State() }

// GetLandmarks summarises every landmark, oldest first.
func (m *Manager) GetLandmarks() []LandmarkSummary {
	ls := m.p.Map().Landmarks()
	out := make([]LandmarkSummary, 0, len(ls))
	for _, l := range ls {
		pos, err := l.Position()
		if err != nil {
			continue
		}
		out = append(out, LandmarkSummary{
			ID:        l.ID(),
			Type:      l.Type,
			SensorID:  l.SensorID,
			Status:    l.Status,
			Hits:      l.Hits,
			Misses:    l.Misses,
			FirstSeen: l.FirstSeen,
			Position:  pos,
		})
	}
	return out
}

// GetFrames summarises every frame, oldest first.
func (m *Manager) GetFrames() []FrameSummary {
	fs := m.p.Trajectory().Frames()
	out := make([]FrameSummary, 0, len(fs))
	for _, f := range fs {
		p, o, err := f.Pose()
		if err != nil {
			continue
		}
		out = append(out, FrameSummary{
			ID:        f.ID(),
			Timestamp: f.Timestamp,
			X:         p[0],
			Y:         p[1],
			Heading:   constraints.Heading(o),
			Fixed:     f.Fixed(),
		})
	}
	return out
}

func (m *Manager) recordDrop(sensorID string, ts float64, err error) {
	m.dropped = append(m.dropped, Dropped{SensorID: sensorID, Timestamp: ts, Err: err})
	m.stats.Dropped++
}

// drop records a rejected capture and returns err, or aborts the session
// when err is an arena overflow.
func (m *Manager) drop(sensorID string, ts float64, err error) error {
	if errors.Is(err, state.ErrArenaOverflow) {
		return m.abort(err)
	}
	opsf("dropped %s capture at %.3f: %v", sensorID, ts, err)
	m.recordDrop(sensorID, ts, err)
	return err
}

func (m *Manager) abort(err error) error {
	m.aborted = fmt.Errorf("%w: %w", ErrSessionAborted, err)
	opsf("session %s aborted: %v", m.p.SessionID, err)
	return m.aborted
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

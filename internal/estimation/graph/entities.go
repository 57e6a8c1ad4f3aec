package graph

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
)

// children resolves the payloads of r's live children as T.
func children[T Node](p *Problem, r tree.Ref) []T {
	refs, err := p.tree.Children(r)
	if err != nil {
		return nil
	}
	out := make([]T, 0, len(refs))
	for _, c := range refs {
		n, err := p.tree.Payload(c)
		if err != nil {
			continue
		}
		if v, ok := n.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func parent[T Node](p *Problem, r tree.Ref) T {
	var zero T
	pr, err := p.tree.Parent(r)
	if err != nil {
		return zero
	}
	n, err := p.tree.Payload(pr)
	if err != nil {
		return zero
	}
	v, _ := n.(T)
	return v
}

func sortByID[T Node](xs []T) {
	slices.SortFunc(xs, func(a, b T) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		}
		return 0
	})
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Trajectory
// ---------------------------------------------------------------------------

// Trajectory owns the frames in creation order.
type Trajectory struct {
	base
}

func (t *Trajectory) Kind() Kind { return KindTrajectory }

// Frames returns the live frames, oldest first.
func (t *Trajectory) Frames() []*Frame { return children[*Frame](t.p, t.ref) }

// LastFrame returns the newest frame, or nil.
func (t *Trajectory) LastFrame() *Frame {
	fs := t.Frames()
	if len(fs) == 0 {
		return nil
	}
	return fs[len(fs)-1]
}

// NewFrame creates a frame and allocates its pose blocks. Orientation may
// be empty for position-only frames.
func (t *Trajectory) NewFrame(ts float64, position, orientation []float64, om state.Manifold) (*Frame, error) {
	if !finite(position) || !finite(orientation) {
		return nil, fmt.Errorf("graph: non-finite pose for frame at %.3f", ts)
	}
	if last := t.LastFrame(); last != nil && ts < last.Timestamp {
		return nil, fmt.Errorf("%w: frame at %.3f is older than frame at %.3f", ErrOutOfOrder, ts, last.Timestamp)
	}
	f := &Frame{Timestamp: ts}
	ph, oh, err := t.p.allocatePose(f, position, orientation, om)
	if err != nil {
		return nil, err
	}
	f.P, f.O = ph, oh
	if err := t.p.attach(t.ref, &f.base, f, tree.Mid); err != nil {
		t.p.releaseBlock(ph)
		t.p.releaseBlock(oh)
		return nil, err
	}
	diagf("frame %d at %.3f", f.id, ts)
	return f, nil
}

// Correspondences collects every correspondence held below the trajectory.
func (t *Trajectory) Correspondences() []*Correspondence { return t.p.collect(t.ref) }

// RemoveFrame destroys a frame and everything referencing its blocks.
func (t *Trajectory) RemoveFrame(f *Frame) error {
	return t.p.tree.RemoveChild(t.ref, f.id)
}

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is the robot pose at one timestamp.
type Frame struct {
	base
	Timestamp float64
	P         state.Handle
	O         state.Handle

	fixed bool
}

func (f *Frame) Kind() Kind { return KindFrame }

// Trajectory returns the owning trajectory.
func (f *Frame) Trajectory() *Trajectory { return parent[*Trajectory](f.p, f.ref) }

// Captures returns the frame's captures in insertion order.
func (f *Frame) Captures() []*Capture { return children[*Capture](f.p, f.ref) }

// CaptureFrom returns the frame's capture for the given sensor, or nil.
func (f *Frame) CaptureFrom(sensorID string) *Capture {
	for _, c := range f.Captures() {
		if c.Sensor.ID == sensorID {
			return c
		}
	}
	return nil
}

// NewCapture attaches a raw measurement from an installed sensor.
func (f *Frame) NewCapture(s *Sensor, ts float64, data []float64, cov *mat.SymDense) (*Capture, error) {
	if s == nil || f.p.sensors[s.ID] != s {
		return nil, ErrSensorNotInstalled
	}
	c := &Capture{
		Timestamp:  ts,
		Sensor:     s,
		Data:       slices.Clone(data),
		Covariance: cloneSym(cov),
	}
	if err := f.p.attach(f.ref, &c.base, c, tree.Mid); err != nil {
		return nil, err
	}
	tracef("capture %d from %s on frame %d", c.id, s.ID, f.id)
	return c, nil
}

// RemoveCapture destroys a capture and its features.
func (f *Frame) RemoveCapture(c *Capture) error {
	return f.p.tree.RemoveChild(f.ref, c.id)
}

// Fixed reports whether the frame's blocks are fixed.
func (f *Frame) Fixed() bool { return f.fixed }

// Fix holds the frame's pose constant in the solver.
func (f *Frame) Fix() error { return f.setFixed(true) }

// Unfix releases the frame's pose to the solver.
func (f *Frame) Unfix() error { return f.setFixed(false) }

func (f *Frame) setFixed(fixed bool) error {
	if f.fixed == fixed {
		return nil
	}
	st := state.Estimated
	if fixed {
		st = state.Fixed
	}
	for _, h := range []state.Handle{f.P, f.O} {
		if err := f.p.setBlockStatus(h, st); err != nil {
			return err
		}
	}
	f.fixed = fixed
	f.p.markUpdated(f.ref)
	return nil
}

// Pose returns copies of the frame's position and orientation values.
func (f *Frame) Pose() (position, orientation []float64, err error) {
	position, err = f.p.arena.Read(f.P)
	if err != nil {
		return nil, nil, err
	}
	if f.O.IsZero() {
		return position, nil, nil
	}
	orientation, err = f.p.arena.Read(f.O)
	return position, orientation, err
}

// Constraints returns the correspondences referencing the frame's blocks.
func (f *Frame) Constraints() []*Correspondence { return f.p.constrainers(f) }

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

// Capture is one raw measurement from one sensor.
type Capture struct {
	base
	Timestamp  float64
	Sensor     *Sensor
	Data       []float64
	Covariance *mat.SymDense
}

func (c *Capture) Kind() Kind { return KindCapture }

// Frame returns the owning frame.
func (c *Capture) Frame() *Frame { return parent[*Frame](c.p, c.ref) }

// Features returns the capture's features.
func (c *Capture) Features() []*Feature { return children[*Feature](c.p, c.ref) }

// Accumulate adds an incremental measurement and its covariance to the
// capture, as motion sensors do between keyframes.
func (c *Capture) Accumulate(delta []float64, cov *mat.SymDense) error {
	if len(delta) != len(c.Data) {
		return fmt.Errorf("%w: capture %d holds %d values, got %d", state.ErrDimensionMismatch, c.id, len(c.Data), len(delta))
	}
	for i, d := range delta {
		c.Data[i] += d
	}
	if cov == nil {
		return nil
	}
	if c.Covariance == nil {
		c.Covariance = cloneSym(cov)
		return nil
	}
	if c.Covariance.SymmetricDim() != cov.SymmetricDim() {
		return fmt.Errorf("%w: covariance %d vs %d", state.ErrDimensionMismatch, c.Covariance.SymmetricDim(), cov.SymmetricDim())
	}
	c.Covariance.AddSym(c.Covariance, cov)
	return nil
}

// Correspondences collects the correspondences held by the capture's features.
func (c *Capture) Correspondences() []*Correspondence { return c.p.collect(c.ref) }

// NewFeature attaches an extracted measurement to the capture.
func (c *Capture) NewFeature(measurement []float64, cov *mat.SymDense) (*Feature, error) {
	ft := &Feature{
		Measurement: slices.Clone(measurement),
		Covariance:  cloneSym(cov),
	}
	if err := c.p.attach(c.ref, &ft.base, ft, tree.Mid); err != nil {
		return nil, err
	}
	return ft, nil
}

// RemoveFeature destroys a feature and its correspondences.
func (c *Capture) RemoveFeature(ft *Feature) error {
	return c.p.tree.RemoveChild(c.ref, ft.id)
}

// ---------------------------------------------------------------------------
// Feature
// ---------------------------------------------------------------------------

// Feature is a measurement extracted from a capture.
type Feature struct {
	base
	Measurement []float64
	Covariance  *mat.SymDense
	Descriptor  []float64
}

func (ft *Feature) Kind() Kind { return KindFeature }

// Capture returns the owning capture.
func (ft *Feature) Capture() *Capture { return parent[*Capture](ft.p, ft.ref) }

// Correspondences returns the feature's correspondences.
func (ft *Feature) Correspondences() []*Correspondence {
	return children[*Correspondence](ft.p, ft.ref)
}

// Residual evaluates a constraint. params holds one slice per referenced
// block, in the order of the correspondence's Blocks; out has Dim values.
type Residual interface {
	Dim() int
	Evaluate(params [][]float64, out []float64) error
}

// ConstraintSpec describes a correspondence to create.
type ConstraintSpec struct {
	Type        string
	Measurement []float64
	Covariance  *mat.SymDense
	Blocks      []state.Handle
	Residual    Residual
	Landmark    *Landmark
}

// NewCorrespondence creates a constraint under the feature. Every referenced
// block must be live.
func (ft *Feature) NewCorrespondence(spec ConstraintSpec) (*Correspondence, error) {
	if spec.Residual == nil || len(spec.Blocks) == 0 {
		return nil, fmt.Errorf("%w: %q needs blocks and a residual", ErrInvalidConstraint, spec.Type)
	}
	for _, h := range spec.Blocks {
		if !ft.p.arena.Live(h) {
			opsf("constraint %q references dead block %s", spec.Type, h)
			return nil, fmt.Errorf("%w: %q references %s", ErrInvalidConstraint, spec.Type, h)
		}
	}
	c := &Correspondence{
		Type:        spec.Type,
		Measurement: slices.Clone(spec.Measurement),
		Covariance:  cloneSym(spec.Covariance),
		Blocks:      slices.Clone(spec.Blocks),
		Residual:    spec.Residual,
		Landmark:    spec.Landmark,
	}
	if err := ft.p.attach(ft.ref, &c.base, c, tree.Bottom); err != nil {
		return nil, err
	}
	ft.p.registerCorrespondence(c)
	tracef("correspondence %d %s on feature %d", c.id, c.Type, ft.id)
	return c, nil
}

// ---------------------------------------------------------------------------
// Correspondence
// ---------------------------------------------------------------------------

// Correspondence is a residual over state blocks it does not own.
type Correspondence struct {
	base
	Type        string
	Measurement []float64
	Covariance  *mat.SymDense
	Blocks      []state.Handle
	Residual    Residual
	Landmark    *Landmark

	owners []tree.ID
}

func (c *Correspondence) Kind() Kind { return KindCorrespondence }

// Feature returns the owning feature.
func (c *Correspondence) Feature() *Feature { return parent[*Feature](c.p, c.ref) }

// ---------------------------------------------------------------------------
// Map and Landmark
// ---------------------------------------------------------------------------

// Map owns the landmarks.
type Map struct {
	base
}

func (m *Map) Kind() Kind { return KindMap }

// Landmarks returns the live landmarks, oldest first.
func (m *Map) Landmarks() []*Landmark { return children[*Landmark](m.p, m.ref) }

// LandmarkStatus is the tracking state of a landmark.
type LandmarkStatus int

const (
	Candidate LandmarkStatus = iota
	Estimated
	LandmarkFixed
	OutOfView
	Old
)

func (s LandmarkStatus) String() string {
	switch s {
	case Candidate:
		return "candidate"
	case Estimated:
		return "estimated"
	case LandmarkFixed:
		return "fixed"
	case OutOfView:
		return "out_of_view"
	case Old:
		return "old"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseLandmarkStatus maps a status name back to a LandmarkStatus.
func ParseLandmarkStatus(name string) (LandmarkStatus, error) {
	for s := Candidate; s <= Old; s++ {
		if s.String() == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("graph: unknown landmark status %q", name)
}

// LandmarkSpec describes a landmark to create.
type LandmarkSpec struct {
	Type                string
	SensorID            string
	Timestamp           float64
	Position            []float64
	Orientation         []float64
	OrientationManifold state.Manifold
	// Velocity and AngularVelocity allocate V and W blocks for moving
	// landmarks when non-empty.
	Velocity        []float64
	AngularVelocity []float64
	Descriptor      []float64
}

// NewLandmark creates a Candidate landmark with one hit.
func (m *Map) NewLandmark(spec LandmarkSpec) (*Landmark, error) {
	if len(spec.Position) == 0 || !finite(spec.Position) || !finite(spec.Orientation) {
		return nil, fmt.Errorf("graph: invalid landmark position %v", spec.Position)
	}
	if !finite(spec.Velocity) || !finite(spec.AngularVelocity) {
		return nil, fmt.Errorf("graph: invalid landmark velocity %v %v", spec.Velocity, spec.AngularVelocity)
	}
	l := &Landmark{
		Type:       spec.Type,
		SensorID:   spec.SensorID,
		FirstSeen:  spec.Timestamp,
		Status:     Candidate,
		Hits:       1,
		Descriptor: slices.Clone(spec.Descriptor),
	}
	ph, oh, err := m.p.allocatePose(l, spec.Position, spec.Orientation, spec.OrientationManifold)
	if err != nil {
		return nil, err
	}
	l.P, l.O = ph, oh
	if len(spec.Velocity) > 0 {
		if l.V, err = m.p.allocateBlock(l, spec.Velocity, state.Vector); err != nil {
			m.p.releaseBlocks(l.blocks()...)
			return nil, err
		}
	}
	if len(spec.AngularVelocity) > 0 {
		if l.W, err = m.p.allocateBlock(l, spec.AngularVelocity, state.Vector); err != nil {
			m.p.releaseBlocks(l.blocks()...)
			return nil, err
		}
	}
	if err := m.p.attach(m.ref, &l.base, l, tree.Bottom); err != nil {
		m.p.releaseBlocks(l.blocks()...)
		return nil, err
	}
	diagf("landmark %d (%s) from %s", l.id, l.Type, l.SensorID)
	return l, nil
}

// RemoveLandmark destroys a landmark and every correspondence referencing it.
func (m *Map) RemoveLandmark(l *Landmark) error {
	return m.p.tree.RemoveChild(m.ref, l.id)
}

// Landmark is a persistent world feature.
type Landmark struct {
	base
	Type       string
	SensorID   string
	FirstSeen  float64
	Status     LandmarkStatus
	Hits       int
	Misses     int
	P          state.Handle
	O          state.Handle
	V          state.Handle // zero unless the landmark moves
	W          state.Handle
	Descriptor []float64
}

func (l *Landmark) Kind() Kind { return KindLandmark }

// blocks lists the landmark's state blocks; unallocated ones are zero.
func (l *Landmark) blocks() []state.Handle { return []state.Handle{l.P, l.O, l.V, l.W} }

// Position returns a copy of the landmark position.
func (l *Landmark) Position() ([]float64, error) { return l.p.arena.Read(l.P) }

// Constraints returns the correspondences referencing the landmark.
func (l *Landmark) Constraints() []*Correspondence { return l.p.constrainers(l) }

// SetStatus changes the landmark status, fixing or releasing its blocks
// when it enters or leaves LandmarkFixed.
func (l *Landmark) SetStatus(s LandmarkStatus) error {
	if l.Status == s {
		return nil
	}
	if s == LandmarkFixed || l.Status == LandmarkFixed {
		st := state.Estimated
		if s == LandmarkFixed {
			st = state.Fixed
		}
		for _, h := range l.blocks() {
			if err := l.p.setBlockStatus(h, st); err != nil {
				return err
			}
		}
	}
	tracef("landmark %d %s -> %s", l.id, l.Status, s)
	l.Status = s
	l.p.markUpdated(l.ref)
	return nil
}

// ---------------------------------------------------------------------------
// Sensor
// ---------------------------------------------------------------------------

// Sensor describes a measurement source mounted on the robot. It lives
// outside the tree; captures reference it.
type Sensor struct {
	ID   string
	Type string
	// Extrinsics is the mounting pose (x, y, theta) in the robot frame.
	Extrinsics []float64
	// ComplexAngle stores a dynamic orientation as (cos, sin).
	ComplexAngle bool
	// Dynamic sensors have their extrinsics estimated.
	Dynamic bool

	P state.Handle
	O state.Handle

	id tree.ID
	p  *Problem
}

func (s *Sensor) ownerID() tree.ID { return s.id }

func (s *Sensor) extrinsicBlocks() (pos, ori []float64, m state.Manifold) {
	x, y, th := s.static()
	if s.ComplexAngle {
		return []float64{x, y}, []float64{math.Cos(th), math.Sin(th)}, state.ComplexAngle
	}
	return []float64{x, y}, []float64{th}, state.Angle
}

func (s *Sensor) static() (x, y, th float64) {
	if len(s.Extrinsics) >= 2 {
		x, y = s.Extrinsics[0], s.Extrinsics[1]
	}
	if len(s.Extrinsics) >= 3 {
		th = s.Extrinsics[2]
	}
	return x, y, th
}

// Pose returns the current mounting pose: the estimate for dynamic sensors,
// the static extrinsics otherwise.
func (s *Sensor) Pose() (x, y, theta float64) {
	if !s.Dynamic || s.p == nil {
		return s.static()
	}
	pos, err := s.p.arena.Read(s.P)
	if err != nil {
		return s.static()
	}
	ori, err := s.p.arena.Read(s.O)
	if err != nil {
		return s.static()
	}
	if len(ori) == 2 {
		return pos[0], pos[1], math.Atan2(ori[1], ori[0])
	}
	return pos[0], pos[1], ori[0]
}

func cloneSym(m *mat.SymDense) *mat.SymDense {
	if m == nil {
		return nil
	}
	out := mat.NewSymDense(m.SymmetricDim(), nil)
	out.CopySym(m)
	return out
}

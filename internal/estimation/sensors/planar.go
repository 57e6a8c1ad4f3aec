package sensors

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/constraints"
	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/state"
)

// DefaultGateD2 is the 2-DOF chi-squared 99% gate.
const DefaultGateD2 = 9.21

func framePose(c *graph.Capture) (constraints.Pose2D, error) {
	fr := c.Frame()
	if fr == nil {
		return constraints.Pose2D{}, fmt.Errorf("sensors: capture %d has no frame", c.ID())
	}
	p, o, err := fr.Pose()
	if err != nil {
		return constraints.Pose2D{}, err
	}
	return constraints.PoseFromBlocks(p, o), nil
}

func mountPose(s *graph.Sensor) constraints.Pose2D {
	x, y, th := s.Pose()
	return constraints.Pose2D{X: x, Y: y, Theta: th}
}

func diagCov(sigmas ...float64) *mat.SymDense {
	m := mat.NewSymDense(len(sigmas), nil)
	for i, s := range sigmas {
		m.SetSym(i, i, s*s)
	}
	return m
}

// whitenedD2 returns the squared norm of the whitened innovation e.
func whitenedD2(e []float64, cov *mat.SymDense) (float64, bool) {
	w, err := constraints.NewWhitener(len(e), cov)
	if err != nil {
		return 0, false
	}
	w.Apply(e)
	var d2 float64
	for _, x := range e {
		d2 += x * x
	}
	return d2, true
}

func pairs(data []float64) ([][2]float64, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: expected value pairs, got %d values", state.ErrDimensionMismatch, len(data))
	}
	out := make([][2]float64, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		out = append(out, [2]float64{data[i], data[i+1]})
	}
	return out, nil
}

func landmarkPoint(l *graph.Landmark) (float64, float64, bool) {
	pos, err := l.Position()
	if err != nil || len(pos) < 2 {
		return 0, 0, false
	}
	return pos[0], pos[1], true
}

// ---------------------------------------------------------------------------
// Range-bearing
// ---------------------------------------------------------------------------

// RangeBearing is a planar range-bearing sensor observing point landmarks.
// Capture data is a flat list of (range, bearing) pairs.
type RangeBearing struct {
	Sensor       *graph.Sensor
	RangeSigma   float64
	BearingSigma float64
	MaxRange     float64 // zero means unlimited
	FieldOfView  float64 // full width in radians; zero means all around
	GateD2       float64
}

func (r *RangeBearing) Detect(c *graph.Capture) ([]Measurement, error) {
	ps, err := pairs(c.Data)
	if err != nil {
		return nil, err
	}
	out := make([]Measurement, 0, len(ps))
	for _, p := range ps {
		out = append(out, Measurement{Values: []float64{p[0], p[1]}, Covariance: diagCov(r.RangeSigma, r.BearingSigma)})
	}
	return out, nil
}

func (r *RangeBearing) predict(c *graph.Capture, l *graph.Landmark) (rng, bearing float64, ok bool) {
	pose, err := framePose(c)
	if err != nil {
		return 0, 0, false
	}
	x, y, ok := landmarkPoint(l)
	if !ok {
		return 0, 0, false
	}
	lx, ly := pose.Compose(mountPose(r.Sensor)).ToLocal(x, y)
	return math.Hypot(lx, ly), math.Atan2(ly, lx), true
}

func (r *RangeBearing) gate() float64 {
	if r.GateD2 > 0 {
		return r.GateD2
	}
	return DefaultGateD2
}

func (r *RangeBearing) Distance(c *graph.Capture, m Measurement, l *graph.Landmark) (float64, bool) {
	rng, bearing, ok := r.predict(c, l)
	if !ok {
		return 0, false
	}
	e := []float64{m.Values[0] - rng, state.WrapAngle(m.Values[1] - bearing)}
	d2, ok := whitenedD2(e, m.Covariance)
	if !ok || d2 > r.gate() {
		return d2, false
	}
	return d2, true
}

func (r *RangeBearing) Visible(c *graph.Capture, l *graph.Landmark) bool {
	rng, bearing, ok := r.predict(c, l)
	if !ok {
		return false
	}
	if r.MaxRange > 0 && rng > r.MaxRange {
		return false
	}
	return r.FieldOfView <= 0 || math.Abs(bearing) <= r.FieldOfView/2
}

func (r *RangeBearing) Constrain(c *graph.Capture, f *graph.Feature, l *graph.Landmark) (graph.ConstraintSpec, error) {
	fr := c.Frame()
	if fr == nil {
		return graph.ConstraintSpec{}, fmt.Errorf("sensors: capture %d has no frame", c.ID())
	}
	res, err := constraints.NewRangeBearing(f.Measurement, f.Covariance, mountPose(r.Sensor))
	if err != nil {
		return graph.ConstraintSpec{}, err
	}
	blocks := []state.Handle{fr.P, fr.O, l.P}
	if r.Sensor.Dynamic {
		blocks = append(blocks, r.Sensor.P, r.Sensor.O)
	}
	return graph.ConstraintSpec{
		Type:        constraints.TypeRangeBearing,
		Measurement: f.Measurement,
		Covariance:  f.Covariance,
		Blocks:      blocks,
		Residual:    res,
		Landmark:    l,
	}, nil
}

func (r *RangeBearing) Initialize(c *graph.Capture, m Measurement) (graph.LandmarkSpec, error) {
	pose, err := framePose(c)
	if err != nil {
		return graph.LandmarkSpec{}, err
	}
	rng, bearing := m.Values[0], m.Values[1]
	x, y := pose.Compose(mountPose(r.Sensor)).ToWorld(rng*math.Cos(bearing), rng*math.Sin(bearing))
	return graph.LandmarkSpec{
		Type:       "point",
		SensorID:   r.Sensor.ID,
		Timestamp:  c.Timestamp,
		Position:   []float64{x, y},
		Descriptor: m.Descriptor,
	}, nil
}

// ---------------------------------------------------------------------------
// Absolute fix
// ---------------------------------------------------------------------------

// Fix is an absolute (x, y) position sensor such as a GPS antenna mounted
// at the sensor's extrinsic offset.
type Fix struct {
	Sensor *graph.Sensor
	Sigma  float64
}

func (g *Fix) Detect(c *graph.Capture) ([]Measurement, error) {
	if len(c.Data) != 2 {
		return nil, fmt.Errorf("%w: fix needs 2 values, got %d", state.ErrDimensionMismatch, len(c.Data))
	}
	cov := c.Covariance
	if cov == nil {
		cov = diagCov(g.Sigma, g.Sigma)
	}
	return []Measurement{{Values: []float64{c.Data[0], c.Data[1]}, Covariance: cov}}, nil
}

func (g *Fix) ConstrainFrame(c *graph.Capture, f *graph.Feature, fr *graph.Frame) (graph.ConstraintSpec, error) {
	res, err := constraints.NewFix2D(f.Measurement, f.Covariance, mountPose(g.Sensor))
	if err != nil {
		return graph.ConstraintSpec{}, err
	}
	return graph.ConstraintSpec{
		Type:        constraints.TypeFix2D,
		Measurement: f.Measurement,
		Covariance:  f.Covariance,
		Blocks:      []state.Handle{fr.P, fr.O},
		Residual:    res,
	}, nil
}

// ---------------------------------------------------------------------------
// Top-down camera
// ---------------------------------------------------------------------------

// Camera detects point landmarks in a top-down image. Capture data is a
// flat list of (u, v) pixel pairs.
type Camera struct {
	Sensor     *graph.Sensor
	Model      constraints.Camera
	PixelSigma float64
	GateD2     float64
}

func (c *Camera) model() constraints.Camera {
	m := c.Model
	m.Mount = mountPose(c.Sensor)
	return m
}

func (c *Camera) Detect(capt *graph.Capture) ([]Measurement, error) {
	ps, err := pairs(capt.Data)
	if err != nil {
		return nil, err
	}
	out := make([]Measurement, 0, len(ps))
	for _, p := range ps {
		out = append(out, Measurement{Values: []float64{p[0], p[1]}, Covariance: diagCov(c.PixelSigma, c.PixelSigma)})
	}
	return out, nil
}

func (c *Camera) Pixel(m Measurement) image.Point {
	return image.Pt(int(math.Round(m.Values[0])), int(math.Round(m.Values[1])))
}

func (c *Camera) ImageSize() image.Point {
	return image.Pt(c.Model.Width, c.Model.Height)
}

// DetectIn returns the detection closest to the centre of roi.
func (c *Camera) DetectIn(capt *graph.Capture, roi image.Rectangle) (Measurement, bool) {
	ms, err := c.Detect(capt)
	if err != nil {
		return Measurement{}, false
	}
	centre := roi.Min.Add(roi.Max).Div(2)
	best, bestD := -1, math.Inf(1)
	for i, m := range ms {
		p := c.Pixel(m)
		if !p.In(roi) {
			continue
		}
		d := math.Hypot(float64(p.X-centre.X), float64(p.Y-centre.Y))
		if d < bestD {
			best, bestD = i, d
		}
	}
	if best < 0 {
		return Measurement{}, false
	}
	return ms[best], true
}

func (c *Camera) project(capt *graph.Capture, l *graph.Landmark) (u, v float64, ok bool) {
	pose, err := framePose(capt)
	if err != nil {
		return 0, 0, false
	}
	x, y, ok := landmarkPoint(l)
	if !ok {
		return 0, 0, false
	}
	u, v = c.model().Project(pose, x, y)
	return u, v, true
}

func (c *Camera) Distance(capt *graph.Capture, m Measurement, l *graph.Landmark) (float64, bool) {
	u, v, ok := c.project(capt, l)
	if !ok {
		return 0, false
	}
	gate := c.GateD2
	if gate <= 0 {
		gate = DefaultGateD2
	}
	d2, ok := whitenedD2([]float64{m.Values[0] - u, m.Values[1] - v}, m.Covariance)
	if !ok || d2 > gate {
		return d2, false
	}
	return d2, true
}

func (c *Camera) Visible(capt *graph.Capture, l *graph.Landmark) bool {
	u, v, ok := c.project(capt, l)
	return ok && c.model().InView(u, v)
}

func (c *Camera) Constrain(capt *graph.Capture, f *graph.Feature, l *graph.Landmark) (graph.ConstraintSpec, error) {
	fr := capt.Frame()
	if fr == nil {
		return graph.ConstraintSpec{}, fmt.Errorf("sensors: capture %d has no frame", capt.ID())
	}
	res, err := constraints.NewPixel(f.Measurement, f.Covariance, c.model())
	if err != nil {
		return graph.ConstraintSpec{}, err
	}
	return graph.ConstraintSpec{
		Type:        constraints.TypePixel,
		Measurement: f.Measurement,
		Covariance:  f.Covariance,
		Blocks:      []state.Handle{fr.P, fr.O, l.P},
		Residual:    res,
		Landmark:    l,
	}, nil
}

func (c *Camera) Initialize(capt *graph.Capture, m Measurement) (graph.LandmarkSpec, error) {
	pose, err := framePose(capt)
	if err != nil {
		return graph.LandmarkSpec{}, err
	}
	x, y := c.model().Unproject(pose, m.Values[0], m.Values[1])
	return graph.LandmarkSpec{
		Type:       "pixel_point",
		SensorID:   c.Sensor.ID,
		Timestamp:  capt.Timestamp,
		Position:   []float64{x, y},
		Descriptor: m.Descriptor,
	}, nil
}

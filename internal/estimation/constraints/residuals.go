package constraints

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/state"
)

// Type names carried on correspondences.
const (
	TypeOdometry2D   = "odometry_2d"
	TypeRangeBearing = "range_bearing"
	TypeFix2D        = "fix_2d"
	TypePixel        = "pixel"
)

func checkParams(name string, params [][]float64, want int) error {
	if len(params) != want {
		return fmt.Errorf("constraints: %s expects %d blocks, got %d", name, want, len(params))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Odometry
// ---------------------------------------------------------------------------

// Odometry2D relates two consecutive frames through the distance travelled
// and the heading change. Blocks: P1, O1, P2, O2.
type Odometry2D struct {
	Distance float64
	Rotation float64
	w        Whitener
}

// NewOdometry2D builds the residual from an integrated (d, dtheta) reading.
func NewOdometry2D(measurement []float64, cov *mat.SymDense) (*Odometry2D, error) {
	if len(measurement) != 2 {
		return nil, fmt.Errorf("%w: odometry needs (d, dtheta), got %d values", state.ErrDimensionMismatch, len(measurement))
	}
	w, err := NewWhitener(2, cov)
	if err != nil {
		return nil, err
	}
	return &Odometry2D{Distance: measurement[0], Rotation: measurement[1], w: w}, nil
}

func (r *Odometry2D) Dim() int { return 2 }

func (r *Odometry2D) Evaluate(params [][]float64, out []float64) error {
	if err := checkParams(TypeOdometry2D, params, 4); err != nil {
		return err
	}
	p1, o1, p2, o2 := params[0], params[1], params[2], params[3]
	rng := math.Hypot(p2[0]-p1[0], p2[1]-p1[1])
	rot := state.WrapAngle(Heading(o2) - Heading(o1))
	out[0] = rng - math.Abs(r.Distance)
	out[1] = state.WrapAngle(rot - r.Rotation)
	r.w.Apply(out)
	return nil
}

// ---------------------------------------------------------------------------
// Range-bearing landmark observation
// ---------------------------------------------------------------------------

// RangeBearing observes a point landmark from a sensor mounted on a frame.
// Blocks: Pf, Of, Pl, and for sensors with dynamic extrinsics also Ps, Os.
type RangeBearing struct {
	Range   float64
	Bearing float64
	Mount   Pose2D // used when the extrinsics are not estimated
	w       Whitener
}

// NewRangeBearing builds the residual from a (range, bearing) reading.
func NewRangeBearing(measurement []float64, cov *mat.SymDense, mount Pose2D) (*RangeBearing, error) {
	if len(measurement) != 2 {
		return nil, fmt.Errorf("%w: range-bearing needs 2 values, got %d", state.ErrDimensionMismatch, len(measurement))
	}
	w, err := NewWhitener(2, cov)
	if err != nil {
		return nil, err
	}
	return &RangeBearing{Range: measurement[0], Bearing: measurement[1], Mount: mount, w: w}, nil
}

func (r *RangeBearing) Dim() int { return 2 }

func (r *RangeBearing) Evaluate(params [][]float64, out []float64) error {
	mount := r.Mount
	switch len(params) {
	case 3:
	case 5:
		mount = PoseFromBlocks(params[3], params[4])
	default:
		return checkParams(TypeRangeBearing, params, 3)
	}
	sensor := PoseFromBlocks(params[0], params[1]).Compose(mount)
	lx, ly := sensor.ToLocal(params[2][0], params[2][1])
	out[0] = math.Hypot(lx, ly) - r.Range
	out[1] = state.WrapAngle(math.Atan2(ly, lx) - r.Bearing)
	r.w.Apply(out)
	return nil
}

// Predict returns the (range, bearing) a sensor on pose would read for the
// world point (x, y).
func (r *RangeBearing) Predict(pose Pose2D, x, y float64) (rng, bearing float64) {
	lx, ly := pose.Compose(r.Mount).ToLocal(x, y)
	return math.Hypot(lx, ly), math.Atan2(ly, lx)
}

// ---------------------------------------------------------------------------
// Absolute position fix
// ---------------------------------------------------------------------------

// Fix2D ties a frame to an absolute position measured by an antenna offset
// from the frame origin. Blocks: Pf, Of.
type Fix2D struct {
	X, Y  float64
	Lever Pose2D
	w     Whitener
}

// NewFix2D builds the residual from an (x, y) fix.
func NewFix2D(measurement []float64, cov *mat.SymDense, lever Pose2D) (*Fix2D, error) {
	if len(measurement) != 2 {
		return nil, fmt.Errorf("%w: fix needs 2 values, got %d", state.ErrDimensionMismatch, len(measurement))
	}
	w, err := NewWhitener(2, cov)
	if err != nil {
		return nil, err
	}
	return &Fix2D{X: measurement[0], Y: measurement[1], Lever: lever, w: w}, nil
}

func (r *Fix2D) Dim() int { return 2 }

func (r *Fix2D) Evaluate(params [][]float64, out []float64) error {
	if err := checkParams(TypeFix2D, params, 2); err != nil {
		return err
	}
	ax, ay := PoseFromBlocks(params[0], params[1]).ToWorld(r.Lever.X, r.Lever.Y)
	out[0] = ax - r.X
	out[1] = ay - r.Y
	r.w.Apply(out)
	return nil
}

// ---------------------------------------------------------------------------
// Top-down camera pixel observation
// ---------------------------------------------------------------------------

// Camera is a downward-looking orthographic camera: a point at (x, y) in
// the sensor frame lands on pixel (Cx + Scale*y, Cy - Scale*x).
type Camera struct {
	Width, Height int
	Scale         float64 // pixels per metre
	Mount         Pose2D
}

// Project maps a world point seen from pose to pixel coordinates.
func (c Camera) Project(pose Pose2D, x, y float64) (u, v float64) {
	lx, ly := pose.Compose(c.Mount).ToLocal(x, y)
	return float64(c.Width)/2 + c.Scale*ly, float64(c.Height)/2 - c.Scale*lx
}

// Unproject maps a pixel back to a world point seen from pose.
func (c Camera) Unproject(pose Pose2D, u, v float64) (x, y float64) {
	ly := (u - float64(c.Width)/2) / c.Scale
	lx := (float64(c.Height)/2 - v) / c.Scale
	return pose.Compose(c.Mount).ToWorld(lx, ly)
}

// InView reports whether a pixel falls inside the image.
func (c Camera) InView(u, v float64) bool {
	return u >= 0 && v >= 0 && u < float64(c.Width) && v < float64(c.Height)
}

// Pixel observes a point landmark with a Camera. Blocks: Pf, Of, Pl.
type Pixel struct {
	U, V   float64
	Camera Camera
	w      Whitener
}

// NewPixel builds the residual from a (u, v) reading.
func NewPixel(measurement []float64, cov *mat.SymDense, cam Camera) (*Pixel, error) {
	if len(measurement) != 2 {
		return nil, fmt.Errorf("%w: pixel needs 2 values, got %d", state.ErrDimensionMismatch, len(measurement))
	}
	w, err := NewWhitener(2, cov)
	if err != nil {
		return nil, err
	}
	return &Pixel{U: measurement[0], V: measurement[1], Camera: cam, w: w}, nil
}

func (r *Pixel) Dim() int { return 2 }

func (r *Pixel) Evaluate(params [][]float64, out []float64) error {
	if err := checkParams(TypePixel, params, 3); err != nil {
		return err
	}
	u, v := r.Camera.Project(PoseFromBlocks(params[0], params[1]), params[2][0], params[2][1])
	out[0] = u - r.U
	out[1] = v - r.V
	r.w.Apply(out)
	return nil
}

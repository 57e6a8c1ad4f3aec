// Package constraints holds the planar motion model and the residual
// functions attached to correspondences.
//
// Every residual is whitened by the inverse Cholesky factor of its
// measurement covariance, so the solver only ever minimises a plain sum of
// squares.
package constraints

import (
	"math"

	"github.com/banshee-data/pose.window/internal/estimation/state"
)

// Pose2D is a planar pose.
type Pose2D struct {
	X, Y, Theta float64
}

// PoseFromBlocks builds a pose from a position block and an orientation
// block stored either as an angle or as (cos, sin).
func PoseFromBlocks(p, o []float64) Pose2D {
	return Pose2D{X: p[0], Y: p[1], Theta: Heading(o)}
}

// Heading decodes an orientation block.
func Heading(o []float64) float64 {
	switch len(o) {
	case 0:
		return 0
	case 1:
		return o[0]
	default:
		return math.Atan2(o[1], o[0])
	}
}

// Orientation encodes theta for the given manifold.
func Orientation(theta float64, m state.Manifold) []float64 {
	if m == state.ComplexAngle {
		return []float64{math.Cos(theta), math.Sin(theta)}
	}
	return []float64{state.WrapAngle(theta)}
}

// Compose returns the pose of a frame expressed in p's frame as a world pose.
func (p Pose2D) Compose(local Pose2D) Pose2D {
	c, s := math.Cos(p.Theta), math.Sin(p.Theta)
	return Pose2D{
		X:     p.X + c*local.X - s*local.Y,
		Y:     p.Y + s*local.X + c*local.Y,
		Theta: state.WrapAngle(p.Theta + local.Theta),
	}
}

// ToLocal expresses a world point in p's frame.
func (p Pose2D) ToLocal(x, y float64) (float64, float64) {
	c, s := math.Cos(p.Theta), math.Sin(p.Theta)
	dx, dy := x-p.X, y-p.Y
	return c*dx + s*dy, -s*dx + c*dy
}

// ToWorld expresses a point given in p's frame in world coordinates.
func (p Pose2D) ToWorld(x, y float64) (float64, float64) {
	c, s := math.Cos(p.Theta), math.Sin(p.Theta)
	return p.X + c*x - s*y, p.Y + s*x + c*y
}

// PredictOdometry applies an integrated odometry reading (distance,
// rotation) to a position and an orientation block. The orientation block
// keeps its encoding. Travel happens along the rotated heading.
func PredictOdometry(p, o []float64, d, dtheta float64) (position, orientation []float64) {
	if len(o) == 2 {
		c := o[0]*math.Cos(dtheta) - o[1]*math.Sin(dtheta)
		s := o[0]*math.Sin(dtheta) + o[1]*math.Cos(dtheta)
		return []float64{p[0] + d*c, p[1] + d*s}, []float64{c, s}
	}
	th := o[0] + dtheta
	return []float64{p[0] + d*math.Cos(th), p[1] + d*math.Sin(th)}, []float64{th}
}

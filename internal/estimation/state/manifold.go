package state

import (
	"fmt"
	"math"
)

// Manifold describes how a block's values are interpreted and retracted.
type Manifold int

const (
	// Vector is a Euclidean block of any positive length.
	Vector Manifold = iota
	// Angle is a single wrapped angle in radians.
	Angle
	// ComplexAngle is an orientation stored as (cos, sin).
	ComplexAngle
	// Quaternion is a unit quaternion stored as (x, y, z, w).
	Quaternion
)

func (m Manifold) String() string {
	switch m {
	case Vector:
		return "vector"
	case Angle:
		return "angle"
	case ComplexAngle:
		return "complex_angle"
	case Quaternion:
		return "quaternion"
	default:
		return fmt.Sprintf("manifold(%d)", int(m))
	}
}

// Dim returns the fixed length a block of this manifold must have, or 0 when
// any positive length is allowed.
func (m Manifold) Dim() int {
	switch m {
	case Angle:
		return 1
	case ComplexAngle:
		return 2
	case Quaternion:
		return 4
	default:
		return 0
	}
}

// Normalize projects v back onto the manifold in place.
func (m Manifold) Normalize(v []float64) {
	switch m {
	case Angle:
		v[0] = WrapAngle(v[0])
	case ComplexAngle, Quaternion:
		var n float64
		for _, x := range v {
			n += x * x
		}
		n = math.Sqrt(n)
		if n == 0 {
			return
		}
		for i := range v {
			v[i] /= n
		}
	}
}

// WrapAngle maps a to (-pi, pi].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// Status is the estimation status of a block.
type Status int

const (
	Estimated Status = iota
	Fixed
)

func (s Status) String() string {
	if s == Fixed {
		return "fixed"
	}
	return "estimated"
}

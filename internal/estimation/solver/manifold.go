package solver

import (
	"math"

	"github.com/banshee-data/pose.window/internal/estimation/state"
)

// tangentDim is the number of degrees of freedom of a block.
func tangentDim(m state.Manifold, length int) int {
	switch m {
	case state.Angle, state.ComplexAngle:
		return 1
	case state.Quaternion:
		return 3
	default:
		return length
	}
}

// plus retracts a tangent step onto the manifold, writing x ⊞ delta to out.
func plus(m state.Manifold, x, delta, out []float64) {
	switch m {
	case state.Angle:
		out[0] = state.WrapAngle(x[0] + delta[0])
	case state.ComplexAngle:
		th := math.Atan2(x[1], x[0]) + delta[0]
		out[0], out[1] = math.Cos(th), math.Sin(th)
	case state.Quaternion:
		quatPlus(x, delta, out)
	default:
		for i := range x {
			out[i] = x[i] + delta[i]
		}
	}
}

// quatPlus right-multiplies q = (x, y, z, w) by the rotation exp(delta/2).
func quatPlus(q, delta, out []float64) {
	n := math.Sqrt(delta[0]*delta[0] + delta[1]*delta[1] + delta[2]*delta[2])
	var dx, dy, dz, dw float64
	if n < 1e-12 {
		dx, dy, dz, dw = delta[0]/2, delta[1]/2, delta[2]/2, 1
	} else {
		s := math.Sin(n/2) / n
		dx, dy, dz, dw = delta[0]*s, delta[1]*s, delta[2]*s, math.Cos(n/2)
	}
	x, y, z, w := q[0], q[1], q[2], q[3]
	out[0] = w*dx + x*dw + y*dz - z*dy
	out[1] = w*dy - x*dz + y*dw + z*dx
	out[2] = w*dz + x*dy - y*dx + z*dw
	out[3] = w*dw - x*dx - y*dy - z*dz
	state.Quaternion.Normalize(out)
}

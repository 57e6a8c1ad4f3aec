package constraints

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ErrBadCovariance is returned for covariances that are not positive
// definite or do not match the residual dimension.
var ErrBadCovariance = errors.New("constraints: covariance is not positive definite")

// Whitener maps raw errors to unit-covariance residuals.
type Whitener struct {
	dim int
	w   *mat.TriDense // inverse of the lower Cholesky factor; nil means identity
}

// NewWhitener factors cov. A nil covariance yields the identity.
func NewWhitener(dim int, cov *mat.SymDense) (Whitener, error) {
	if cov == nil {
		return Whitener{dim: dim}, nil
	}
	if n := cov.SymmetricDim(); n != dim {
		return Whitener{}, fmt.Errorf("%w: %dx%d for a %d-dimensional residual", ErrBadCovariance, n, n, dim)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return Whitener{}, ErrBadCovariance
	}
	var l mat.TriDense
	chol.LTo(&l)
	var inv mat.TriDense
	if err := inv.InverseTri(&l); err != nil {
		return Whitener{}, fmt.Errorf("%w: %v", ErrBadCovariance, err)
	}
	return Whitener{dim: dim, w: &inv}, nil
}

// Dim returns the residual dimension.
func (w Whitener) Dim() int { return w.dim }

// Apply whitens e in place.
func (w Whitener) Apply(e []float64) {
	if w.w == nil {
		return
	}
	v := mat.NewVecDense(len(e), e)
	var out mat.VecDense
	out.MulVec(w.w, v)
	copy(e, out.RawVector().Data)
}

package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/pose.window/internal/estimation/graph"
	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
	"github.com/banshee-data/pose.window/internal/timeutil"
)

const (
	jacobianStep = 1e-6
	maxLambda    = 1e10
)

type residual struct {
	id     tree.ID
	blocks []state.Handle
	fn     graph.Residual
}

// GaussNewton is a damped Gauss-Newton (Levenberg-Marquardt) solver with
// numeric Jacobians taken in each block's tangent space. Its bookkeeping
// methods are not safe for concurrent use; call them from the goroutine that
// drives the window manager.
type GaussNewton struct {
	arena     *state.Arena
	opts      Options
	clock     timeutil.Clock
	blocks    map[state.Handle]state.Block
	residuals map[tree.ID]residual
}

// NewGaussNewton creates a solver writing results back into arena.
func NewGaussNewton(arena *state.Arena, opts Options) *GaussNewton {
	return &GaussNewton{
		arena:     arena,
		opts:      opts,
		clock:     timeutil.RealClock{},
		blocks:    make(map[state.Handle]state.Block),
		residuals: make(map[tree.ID]residual),
	}
}

// SetClock replaces the clock used to stamp reports.
func (g *GaussNewton) SetClock(c timeutil.Clock) { g.clock = c }

func (g *GaussNewton) AddParameterBlock(h state.Handle, b state.Block) error {
	g.blocks[h] = b
	tracef("add %s %s len=%d %s", h, b.Manifold, b.Length, b.Status)
	return nil
}

func (g *GaussNewton) UpdateParameterBlock(h state.Handle, b state.Block) error {
	if _, ok := g.blocks[h]; !ok {
		return ErrUnknownParameter
	}
	g.blocks[h] = b
	tracef("update %s %s", h, b.Status)
	return nil
}

func (g *GaussNewton) RemoveParameterBlock(h state.Handle) error {
	if _, ok := g.blocks[h]; !ok {
		return ErrUnknownParameter
	}
	delete(g.blocks, h)
	tracef("remove %s", h)
	return nil
}

func (g *GaussNewton) AddResidual(c *graph.Correspondence) error {
	for _, h := range c.Blocks {
		if _, ok := g.blocks[h]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParameter, h)
		}
	}
	g.residuals[c.ID()] = residual{id: c.ID(), blocks: slices.Clone(c.Blocks), fn: c.Residual}
	tracef("add residual %d %s", c.ID(), c.Type)
	return nil
}

// RemoveResidual forgets a residual. Unknown ids are ignored.
func (g *GaussNewton) RemoveResidual(id tree.ID) error {
	delete(g.residuals, id)
	return nil
}

// Blocks returns the number of registered parameter blocks.
func (g *GaussNewton) Blocks() int { return len(g.blocks) }

// Residuals returns the number of registered residuals.
func (g *GaussNewton) Residuals() int { return len(g.residuals) }

// Solve optimises the registered problem and writes the result into the
// arena. With ErrNotConverged the improved values are still written.
func (g *GaussNewton) Solve(ctx context.Context) (Report, error) {
	job := g.prepare()
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	res := job.run(ctx)
	return g.commit(res)
}

// job is a self-contained copy of the problem. It shares nothing mutable
// with the solver or the arena, so run may execute on any goroutine.
type job struct {
	opts      Options
	started   time.Time
	values    map[state.Handle]state.Value
	free      []state.Handle
	offsets   map[state.Handle]int // tangent offset of each free block
	tangent   int
	residuals []residual
	rows      int
}

type result struct {
	report Report
	values map[state.Handle][]float64
	err    error
}

// prepare snapshots the arena for the registered blocks. Residuals touching
// a block the arena no longer holds are left out.
func (g *GaussNewton) prepare() *job {
	hs := make([]state.Handle, 0, len(g.blocks))
	for h := range g.blocks {
		hs = append(hs, h)
	}
	j := &job{
		opts:    g.opts,
		started: g.clock.Now(),
		values:  g.arena.Snapshot(hs),
		offsets: make(map[state.Handle]int),
	}

	ids := make([]tree.ID, 0, len(g.residuals))
	for id := range g.residuals {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		r := g.residuals[id]
		ok := true
		for _, h := range r.blocks {
			if _, live := j.values[h]; !live {
				ok = false
				break
			}
		}
		if !ok {
			diagf("residual %d references a released block, skipped", id)
			continue
		}
		j.residuals = append(j.residuals, r)
		j.rows += r.fn.Dim()
		for _, h := range r.blocks {
			v := j.values[h]
			if v.Status == state.Fixed || g.blocks[h].Status == state.Fixed {
				continue
			}
			if _, seen := j.offsets[h]; seen {
				continue
			}
			j.offsets[h] = j.tangent
			j.free = append(j.free, h)
			j.tangent += tangentDim(v.Manifold, v.Length)
		}
	}
	return j
}

// commit writes a finished job back into the arena and stamps the report.
func (g *GaussNewton) commit(res result) (Report, error) {
	rep := res.report
	if res.values != nil {
		rep.Applied = g.arena.Apply(res.values)
	}
	rep.Duration = g.clock.Since(rep.Started)
	switch {
	case res.err == nil:
		diagf("solve: %s", rep)
	case errors.Is(res.err, ErrNotConverged):
		diagf("solve: %v: %s", res.err, rep)
	default:
		opsf("solve failed: %v", res.err)
	}
	return rep, res.err
}

func (j *job) run(ctx context.Context) result {
	rep := Report{
		Started:    j.started,
		Parameters: len(j.free),
		Residuals:  len(j.residuals),
	}
	x := make(map[state.Handle][]float64, len(j.values))
	for h, v := range j.values {
		x[h] = v.Data
	}
	r := make([]float64, j.rows)
	if err := j.evaluate(x, r); err != nil {
		return result{report: rep, err: err}
	}
	cost := halfSquaredNorm(r)
	rep.InitialCost, rep.FinalCost = cost, cost
	if j.tangent == 0 || j.rows == 0 {
		rep.Converged = true
		return result{report: rep}
	}

	jac := mat.NewDense(j.rows, j.tangent, nil)
	lambda := j.opts.InitialLambda
	improved := false
	for rep.Iterations < j.opts.MaxIterations {
		if err := ctx.Err(); err != nil {
			return j.finish(rep, x, improved, err)
		}
		rep.Iterations++
		if err := j.jacobian(x, jac); err != nil {
			return j.finish(rep, x, improved, err)
		}
		var hess mat.SymDense
		hess.SymOuterK(1, jac.T())
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(len(r), r))

		for {
			step, err := dampedStep(&hess, &grad, lambda)
			if err != nil {
				lambda *= 10
				if lambda > maxLambda {
					return j.finish(rep, x, improved, ErrSingular)
				}
				continue
			}
			cand := j.retract(x, step)
			rc := make([]float64, j.rows)
			if err := j.evaluate(cand, rc); err != nil {
				return j.finish(rep, x, improved, err)
			}
			c := halfSquaredNorm(rc)
			if c <= cost {
				x, r = cand, rc
				improvement := cost - c
				cost = c
				improved = true
				lambda = math.Max(lambda/10, 1e-12)
				if maxAbs(step) < j.opts.Tolerance || improvement < j.opts.Tolerance*j.opts.Tolerance {
					rep.Converged = true
				}
				break
			}
			lambda *= 10
			if lambda > maxLambda {
				// No descent direction left: the current point is a minimum
				// to within the damping range.
				rep.Converged = true
				break
			}
		}
		rep.FinalCost = cost
		if rep.Converged {
			return j.finish(rep, x, improved, nil)
		}
	}
	return j.finish(rep, x, improved, ErrNotConverged)
}

func (j *job) finish(rep Report, x map[state.Handle][]float64, improved bool, err error) result {
	res := result{report: rep, err: err}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.err = fmt.Errorf("%w: %w", ErrNotConverged, err)
	}
	if improved {
		res.values = make(map[state.Handle][]float64, len(j.free))
		for _, h := range j.free {
			res.values[h] = x[h]
		}
	}
	return res
}

// dampedStep solves (H + λ diag(H)) δ = -g.
func dampedStep(hess *mat.SymDense, grad *mat.VecDense, lambda float64) ([]float64, error) {
	n := hess.SymmetricDim()
	a := mat.NewSymDense(n, nil)
	a.CopySym(hess)
	for i := 0; i < n; i++ {
		d := hess.At(i, i)
		a.SetSym(i, i, d+lambda*math.Max(d, 1e-9))
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(a); !ok {
		return nil, ErrSingular
	}
	var step mat.VecDense
	if err := chol.SolveVecTo(&step, grad); err != nil {
		return nil, ErrSingular
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = -step.AtVec(i)
	}
	return out, nil
}

// evaluate fills r with every residual stacked in order.
func (j *job) evaluate(x map[state.Handle][]float64, r []float64) error {
	row := 0
	params := make([][]float64, 0, 8)
	for _, res := range j.residuals {
		params = params[:0]
		for _, h := range res.blocks {
			params = append(params, x[h])
		}
		d := res.fn.Dim()
		if err := res.fn.Evaluate(params, r[row:row+d]); err != nil {
			return fmt.Errorf("residual %d: %w", res.id, err)
		}
		row += d
	}
	for _, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite residual", ErrSingular)
		}
	}
	return nil
}

// jacobian fills jac by central differences in each free block's tangent
// space.
func (j *job) jacobian(x map[state.Handle][]float64, jac *mat.Dense) error {
	jac.Zero()
	row := 0
	params := make([][]float64, 0, 8)
	for _, res := range j.residuals {
		d := res.fn.Dim()
		plusOut := make([]float64, d)
		minusOut := make([]float64, d)
		for bi, h := range res.blocks {
			off, free := j.offsets[h]
			if !free {
				continue
			}
			v := j.values[h]
			td := tangentDim(v.Manifold, v.Length)
			delta := make([]float64, td)
			moved := make([]float64, v.Length)
			for k := 0; k < td; k++ {
				for sign, out := range [2][]float64{plusOut, minusOut} {
					clear(delta)
					delta[k] = jacobianStep
					if sign == 1 {
						delta[k] = -jacobianStep
					}
					plus(v.Manifold, x[h], delta, moved)
					params = params[:0]
					for bj, hj := range res.blocks {
						if bj == bi {
							params = append(params, moved)
						} else {
							params = append(params, x[hj])
						}
					}
					if err := res.fn.Evaluate(params, out); err != nil {
						return fmt.Errorf("residual %d: %w", res.id, err)
					}
				}
				for i := 0; i < d; i++ {
					jac.Set(row+i, off+k, (plusOut[i]-minusOut[i])/(2*jacobianStep))
				}
			}
		}
		row += d
	}
	return nil
}

// retract applies a tangent step to every free block.
func (j *job) retract(x map[state.Handle][]float64, step []float64) map[state.Handle][]float64 {
	out := make(map[state.Handle][]float64, len(x))
	for h, v := range x {
		out[h] = v
	}
	for _, h := range j.free {
		v := j.values[h]
		off := j.offsets[h]
		td := tangentDim(v.Manifold, v.Length)
		moved := make([]float64, v.Length)
		plus(v.Manifold, x[h], step[off:off+td], moved)
		out[h] = moved
	}
	return out
}

func halfSquaredNorm(r []float64) float64 {
	s := 0.0
	for _, v := range r {
		s += v * v
	}
	return s / 2
}

func maxAbs(v []float64) float64 {
	m := 0.0
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}

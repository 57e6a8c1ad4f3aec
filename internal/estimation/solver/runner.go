package solver

import (
	"context"
)

// Runner moves GaussNewton solves onto a worker goroutine.
//
// Start snapshots the registered blocks, so the worker never reads the arena
// and arena growth on the driver goroutine needs no quiescing. Results are
// written back only by Poll or Wait, which must run on the driver goroutine
// between captures; a keyframe is therefore never built while results are
// being applied. Blocks freed, fixed or resized while the solve ran are
// skipped by the arena on write-back.
type Runner struct {
	g      *GaussNewton
	done   chan result
	cancel context.CancelFunc
}

// NewRunner wraps g.
func NewRunner(g *GaussNewton) *Runner {
	return &Runner{g: g}
}

// Busy reports whether a solve is in flight.
func (r *Runner) Busy() bool { return r.done != nil }

// Start begins a background solve of the current problem.
func (r *Runner) Start(ctx context.Context) error {
	if r.done != nil {
		return ErrBusy
	}
	j := r.g.prepare()
	var cancel context.CancelFunc
	if j.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, j.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	done := make(chan result, 1)
	go func() {
		defer cancel()
		done <- j.run(ctx)
	}()
	r.done, r.cancel = done, cancel
	tracef("started background solve: %d params, %d residuals", len(j.free), len(j.residuals))
	return nil
}

// Poll commits a finished solve. ok is false when nothing has finished.
func (r *Runner) Poll() (rep Report, ok bool, err error) {
	if r.done == nil {
		return Report{}, false, nil
	}
	select {
	case res := <-r.done:
		rep, err = r.finish(res)
		return rep, true, err
	default:
		return Report{}, false, nil
	}
}

// Wait blocks until the in-flight solve finishes and commits it. If ctx ends
// first the solve is cancelled and whatever it reached is committed.
func (r *Runner) Wait(ctx context.Context) (Report, error) {
	if r.done == nil {
		return Report{}, nil
	}
	select {
	case res := <-r.done:
		return r.finish(res)
	case <-ctx.Done():
		r.cancel()
		return r.finish(<-r.done)
	}
}

// Stop cancels an in-flight solve and discards its result.
func (r *Runner) Stop() {
	if r.done == nil {
		return
	}
	r.cancel()
	<-r.done
	r.done, r.cancel = nil, nil
}

func (r *Runner) finish(res result) (Report, error) {
	r.done, r.cancel = nil, nil
	return r.g.commit(res)
}

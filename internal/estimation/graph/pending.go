package graph

import (
	"slices"

	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
)

// BlockDelta pairs a block handle with its descriptor at drain time.
type BlockDelta struct {
	Handle state.Handle
	state.Block
}

// Delta is the set of solver-facing changes accumulated between two drains.
// Consumers apply it in field order: new blocks, updated blocks, new
// correspondences, removed correspondences, removed blocks.
type Delta struct {
	NewStateBlocks         []BlockDelta
	UpdatedStateBlocks     []BlockDelta
	NewCorrespondences     []*Correspondence
	RemovedCorrespondences []tree.ID
	RemovedStateBlocks     []state.Handle
}

// Empty reports whether the delta carries no changes.
func (d Delta) Empty() bool {
	return len(d.NewStateBlocks) == 0 && len(d.UpdatedStateBlocks) == 0 &&
		len(d.NewCorrespondences) == 0 && len(d.RemovedCorrespondences) == 0 &&
		len(d.RemovedStateBlocks) == 0
}

// pending tracks which blocks and correspondences the solver has seen.
type pending struct {
	blocks    map[state.Handle]tree.Lifecycle
	addBlocks []state.Handle
	updBlocks []state.Handle
	remBlocks []state.Handle

	delivered map[tree.ID]bool
	addCorr   []*Correspondence
	remCorr   []tree.ID

	touched []tree.Ref
}

func newPending() pending {
	return pending{
		blocks:    make(map[state.Handle]tree.Lifecycle),
		delivered: make(map[tree.ID]bool),
	}
}

func (q *pending) touch(r tree.Ref) { q.touched = append(q.touched, r) }

func (q *pending) addBlock(h state.Handle) {
	q.blocks[h] = tree.PendingAdd
	q.addBlocks = append(q.addBlocks, h)
}

func (q *pending) updateBlock(h state.Handle) {
	if q.blocks[h] != tree.Stable {
		return
	}
	q.blocks[h] = tree.PendingUpdate
	q.updBlocks = append(q.updBlocks, h)
}

func (q *pending) removeBlock(h state.Handle) {
	life, ok := q.blocks[h]
	if !ok {
		return
	}
	delete(q.blocks, h)
	switch life {
	case tree.PendingAdd:
		q.addBlocks = slices.DeleteFunc(q.addBlocks, func(x state.Handle) bool { return x == h })
	case tree.PendingUpdate:
		q.updBlocks = slices.DeleteFunc(q.updBlocks, func(x state.Handle) bool { return x == h })
		q.remBlocks = append(q.remBlocks, h)
	default:
		q.remBlocks = append(q.remBlocks, h)
	}
}

func (q *pending) addCorrespondence(c *Correspondence) {
	q.addCorr = append(q.addCorr, c)
}

func (q *pending) removeCorrespondence(c *Correspondence) {
	if q.delivered[c.id] {
		delete(q.delivered, c.id)
		q.remCorr = append(q.remCorr, c.id)
		return
	}
	q.addCorr = slices.DeleteFunc(q.addCorr, func(x *Correspondence) bool { return x == c })
}

func (q *pending) drain(p *Problem) Delta {
	var d Delta
	for _, h := range q.addBlocks {
		b, err := p.arena.Describe(h)
		if err != nil {
			opsf("drain: new block %s: %v", h, err)
			continue
		}
		d.NewStateBlocks = append(d.NewStateBlocks, BlockDelta{Handle: h, Block: b})
		q.blocks[h] = tree.Stable
	}
	for _, h := range q.updBlocks {
		b, err := p.arena.Describe(h)
		if err != nil {
			continue
		}
		d.UpdatedStateBlocks = append(d.UpdatedStateBlocks, BlockDelta{Handle: h, Block: b})
		q.blocks[h] = tree.Stable
	}
	for _, c := range q.addCorr {
		if !c.Live() {
			continue
		}
		d.NewCorrespondences = append(d.NewCorrespondences, c)
		q.delivered[c.id] = true
		_ = p.tree.SetLifecycle(c.ref, tree.Stable)
	}
	d.RemovedCorrespondences = q.remCorr
	d.RemovedStateBlocks = q.remBlocks

	for _, r := range q.touched {
		if p.tree.Live(r) {
			_ = p.tree.SetLifecycle(r, tree.Stable)
		}
	}

	q.addBlocks, q.updBlocks, q.remBlocks = nil, nil, nil
	q.addCorr, q.remCorr = nil, nil
	q.touched = nil
	return d
}

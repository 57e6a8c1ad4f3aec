package graph

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/banshee-data/pose.window/internal/estimation/state"
	"github.com/banshee-data/pose.window/internal/estimation/tree"
)

// Kind identifies the role of a node in the problem.
type Kind int

const (
	KindProblem Kind = iota
	KindTrajectory
	KindMap
	KindFrame
	KindCapture
	KindFeature
	KindCorrespondence
	KindLandmark
)

func (k Kind) String() string {
	switch k {
	case KindProblem:
		return "Problem"
	case KindTrajectory:
		return "Trajectory"
	case KindMap:
		return "Map"
	case KindFrame:
		return "Frame"
	case KindCapture:
		return "Capture"
	case KindFeature:
		return "Feature"
	case KindCorrespondence:
		return "Correspondence"
	case KindLandmark:
		return "Landmark"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

var (
	// ErrSensorNotInstalled is returned when a capture names a sensor the
	// problem does not know.
	ErrSensorNotInstalled = errors.New("graph: sensor not installed")
	// ErrInvalidConstraint is returned for correspondences without blocks,
	// with dead blocks, or without a residual.
	ErrInvalidConstraint = errors.New("graph: invalid constraint")
	// ErrOutOfOrder is returned for a frame older than the trajectory's
	// newest frame.
	ErrOutOfOrder = errors.New("graph: timestamp out of order")
)

// owner is anything that allocates state blocks.
type owner interface {
	ownerID() tree.ID
}

// Node is implemented by every entity in the ownership tree.
type Node interface {
	Kind() Kind
	ID() tree.ID
	Ref() tree.Ref
}

type base struct {
	p   *Problem
	ref tree.Ref
	id  tree.ID
}

func (b *base) ID() tree.ID { return b.id }

func (b *base) ownerID() tree.ID { return b.id }

func (b *base) Ref() tree.Ref { return b.ref }

// Live reports whether the node is still part of the tree and not being
// destroyed.
func (b *base) Live() bool { return b.p != nil && b.p.tree.Live(b.ref) }

// Lifecycle returns the node's solver lifecycle state.
func (b *base) Lifecycle() tree.Lifecycle {
	l, err := b.p.tree.Lifecycle(b.ref)
	if err != nil {
		return tree.Deleting
	}
	return l
}

// Option configures a Problem.
type Option func(*options)

type options struct {
	maxCapacity int
	strict      bool
}

// WithMaxCapacity bounds the state arena. Zero selects the arena default.
func WithMaxCapacity(n int) Option {
	return func(o *options) { o.maxCapacity = n }
}

// WithStrict makes dangling references panic.
func WithStrict(strict bool) Option {
	return func(o *options) { o.strict = strict }
}

// Problem is the root of the ownership tree. It is not safe for concurrent
// use; the solver side only touches the arena, which is.
type Problem struct {
	base
	SessionID string

	tree       *tree.Tree[Node]
	arena      *state.Arena
	trajectory *Trajectory
	lmap       *Map
	sensors    map[string]*Sensor

	// owners maps each block to the node or sensor that allocated it.
	owners map[state.Handle]owner
	// refs maps an owner id to the correspondences referencing its blocks.
	refs map[tree.ID]map[tree.ID]*Correspondence

	pending pending
}

// NewProblem creates an empty problem with a trajectory, a map and a state
// arena of the given initial capacity.
func NewProblem(capacity int, opts ...Option) (*Problem, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	arena, err := state.NewArena(capacity, o.maxCapacity)
	if err != nil {
		return nil, err
	}
	p := &Problem{
		SessionID: fmt.Sprintf("ses_%s", uuid.NewString()),
		tree:      tree.New[Node](),
		arena:     arena,
		sensors:   make(map[string]*Sensor),
		owners:    make(map[state.Handle]owner),
		refs:      make(map[tree.ID]map[tree.ID]*Correspondence),
		pending:   newPending(),
	}
	p.tree.SetStrict(o.strict)
	p.tree.OnDestroy(p.onDestroy)

	p.base = base{p: p}
	p.ref = p.tree.AddRoot("Problem", p)
	p.id = p.tree.ID(p.ref)

	p.trajectory = &Trajectory{}
	if err := p.attach(p.ref, &p.trajectory.base, p.trajectory, tree.Mid); err != nil {
		return nil, err
	}
	p.lmap = &Map{}
	if err := p.attach(p.ref, &p.lmap.base, p.lmap, tree.Mid); err != nil {
		return nil, err
	}
	arena.OnGrowth(func(e state.GrowthEvent) {
		diagf("session %s arena grew %d -> %d", p.SessionID, e.OldCapacity, e.NewCapacity)
	})
	opsf("session %s started (capacity=%d)", p.SessionID, capacity)
	return p, nil
}

func (p *Problem) Kind() Kind { return KindProblem }

// attach links n under parent and records its ref and id.
func (p *Problem) attach(parent tree.Ref, b *base, n Node, loc tree.Location) error {
	ref, err := p.tree.AddChild(parent, n.Kind().String(), loc, n)
	if err != nil {
		return err
	}
	b.p = p
	b.ref = ref
	b.id = p.tree.ID(ref)
	p.pending.touch(ref)
	return nil
}

// Trajectory returns the problem's trajectory. It is nil after Close.
func (p *Problem) Trajectory() *Trajectory { return p.trajectory }

// Map returns the problem's landmark map. It is nil after Close.
func (p *Problem) Map() *Map { return p.lmap }

// Arena returns the state arena.
func (p *Problem) Arena() *state.Arena { return p.arena }

// Nodes returns the number of live nodes in the tree.
func (p *Problem) Nodes() int { return p.tree.Len() }

// Lookup resolves a node id.
func (p *Problem) Lookup(id tree.ID) (Node, bool) {
	r, ok := p.tree.Lookup(id)
	if !ok {
		return nil, false
	}
	n, err := p.tree.Payload(r)
	if err != nil {
		return nil, false
	}
	return n, true
}

// InstallSensor registers a sensor. Sensors with dynamic extrinsics get a
// position and orientation block initialised from their static extrinsics.
func (p *Problem) InstallSensor(s *Sensor) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("graph: sensor needs an id")
	}
	if _, dup := p.sensors[s.ID]; dup {
		return fmt.Errorf("graph: sensor %q already installed", s.ID)
	}
	s.id = tree.NextID()
	s.p = p
	if s.Dynamic {
		pos, ori, om := s.extrinsicBlocks()
		ph, oh, err := p.allocatePose(s, pos, ori, om)
		if err != nil {
			return err
		}
		s.P, s.O = ph, oh
	}
	p.sensors[s.ID] = s
	diagf("installed sensor %s (%s) dynamic=%t", s.ID, s.Type, s.Dynamic)
	return nil
}

// Sensor returns an installed sensor.
func (p *Problem) Sensor(id string) (*Sensor, bool) {
	s, ok := p.sensors[id]
	return s, ok
}

// allocatePose allocates and initialises a position block and an
// orientation block for owner. Nothing is left allocated on failure.
func (p *Problem) allocatePose(o owner, pos []float64, ori []float64, om state.Manifold) (state.Handle, state.Handle, error) {
	ph, err := p.allocateBlock(o, pos, state.Vector)
	if err != nil {
		return state.Handle{}, state.Handle{}, err
	}
	if len(ori) == 0 {
		return ph, state.Handle{}, nil
	}
	oh, err := p.allocateBlock(o, ori, om)
	if err != nil {
		p.releaseBlock(ph)
		return state.Handle{}, state.Handle{}, err
	}
	return ph, oh, nil
}

func (p *Problem) allocateBlock(o owner, values []float64, m state.Manifold) (state.Handle, error) {
	h, err := p.arena.Allocate(len(values), m)
	if err != nil {
		return state.Handle{}, err
	}
	if err := p.arena.Write(h, values); err != nil {
		_ = p.arena.Free(h)
		return state.Handle{}, err
	}
	p.owners[h] = o
	p.pending.addBlock(h)
	return h, nil
}

func (p *Problem) releaseBlocks(hs ...state.Handle) {
	for _, h := range hs {
		p.releaseBlock(h)
	}
}

func (p *Problem) releaseBlock(h state.Handle) {
	if h.IsZero() {
		return
	}
	delete(p.owners, h)
	p.pending.removeBlock(h)
	if err := p.arena.Free(h); err != nil {
		opsf("free %s: %v", h, err)
	}
}

// setBlockStatus changes a block's status and queues the change for the
// solver when the block has already been delivered.
func (p *Problem) setBlockStatus(h state.Handle, s state.Status) error {
	if h.IsZero() {
		return nil
	}
	b, err := p.arena.Describe(h)
	if err != nil {
		return err
	}
	if b.Status == s {
		return nil
	}
	if err := p.arena.SetStatus(h, s); err != nil {
		return err
	}
	p.pending.updateBlock(h)
	return nil
}

// markUpdated moves a delivered node to PendingUpdate.
func (p *Problem) markUpdated(r tree.Ref) {
	if l, err := p.tree.Lifecycle(r); err == nil && l == tree.Stable {
		_ = p.tree.SetLifecycle(r, tree.PendingUpdate)
		p.pending.touch(r)
	}
}

// onDestroy releases blocks and solver bookkeeping for every destroyed node.
func (p *Problem) onDestroy(_ tree.Ref, n Node) {
	switch v := n.(type) {
	case *Frame:
		p.releaseOwner(v, v.P, v.O)
		tracef("frame %d destroyed", v.id)
	case *Landmark:
		p.releaseOwner(v, v.blocks()...)
		tracef("landmark %d destroyed", v.id)
	case *Correspondence:
		p.forgetCorrespondence(v)
	case *Trajectory:
		if p.trajectory == v {
			p.trajectory = nil
		}
	case *Map:
		if p.lmap == v {
			p.lmap = nil
		}
	}
}

// releaseOwner destroys every correspondence referencing owner's blocks,
// then frees the blocks.
func (p *Problem) releaseOwner(o owner, hs ...state.Handle) {
	for _, c := range p.constrainers(o) {
		if err := p.tree.Destroy(c.ref); err != nil {
			opsf("destroy correspondence %d: %v", c.id, err)
		}
	}
	delete(p.refs, o.ownerID())
	p.releaseBlocks(hs...)
}

func (p *Problem) registerCorrespondence(c *Correspondence) {
	seen := make(map[tree.ID]bool, len(c.Blocks))
	for _, h := range c.Blocks {
		o, ok := p.owners[h]
		if !ok || seen[o.ownerID()] {
			continue
		}
		seen[o.ownerID()] = true
		m := p.refs[o.ownerID()]
		if m == nil {
			m = make(map[tree.ID]*Correspondence)
			p.refs[o.ownerID()] = m
		}
		m[c.id] = c
		c.owners = append(c.owners, o.ownerID())
	}
	p.pending.addCorrespondence(c)
}

func (p *Problem) forgetCorrespondence(c *Correspondence) {
	for _, oid := range c.owners {
		if m := p.refs[oid]; m != nil {
			delete(m, c.id)
		}
	}
	p.pending.removeCorrespondence(c)
}

// constrainers returns the live correspondences referencing owner's blocks.
func (p *Problem) constrainers(o owner) []*Correspondence {
	m := p.refs[o.ownerID()]
	out := make([]*Correspondence, 0, len(m))
	for _, c := range m {
		if c.Live() {
			out = append(out, c)
		}
	}
	sortByID(out)
	return out
}

// Correspondences lists every live correspondence in tree order.
func (p *Problem) Correspondences() []*Correspondence { return p.collect(p.ref) }

func (p *Problem) collect(from tree.Ref) []*Correspondence {
	var out []*Correspondence
	_ = p.tree.Walk(from, func(r tree.Ref, _ int) bool {
		n, err := p.tree.Payload(r)
		if err != nil {
			return false
		}
		if c, ok := n.(*Correspondence); ok {
			out = append(out, c)
		}
		return true
	})
	return out
}

// State returns a copy of the packed state vector.
func (p *Problem) State() []float64 { return p.arena.Materialize() }

// Drain hands out everything that changed since the previous call and marks
// the affected nodes Stable.
func (p *Problem) Drain() Delta {
	d := p.pending.drain(p)
	diagf("drain: +%d -%d ~%d blocks, +%d -%d correspondences",
		len(d.NewStateBlocks), len(d.RemovedStateBlocks), len(d.UpdatedStateBlocks),
		len(d.NewCorrespondences), len(d.RemovedCorrespondences))
	return d
}

// Close destroys the whole tree and releases every block.
func (p *Problem) Close() error {
	if !p.tree.Live(p.ref) {
		return nil
	}
	for _, s := range p.sensors {
		p.releaseOwner(s, s.P, s.O)
	}
	opsf("session %s closed", p.SessionID)
	return p.tree.Destroy(p.ref)
}

// Print writes an indented dump of the tree with block values.
func (p *Problem) Print(w io.Writer) error {
	return p.tree.Print(w, p.ref, func(_ tree.Ref, n Node) string {
		switch v := n.(type) {
		case *Frame:
			return fmt.Sprintf("Frame %d ts=%.3f fixed=%t P=%s O=%s", v.id, v.Timestamp, v.Fixed(), p.fmtBlock(v.P), p.fmtBlock(v.O))
		case *Capture:
			return fmt.Sprintf("Capture %d sensor=%s ts=%.3f data=%s", v.id, v.Sensor.ID, v.Timestamp, fmtFloats(v.Data))
		case *Feature:
			return fmt.Sprintf("Feature %d meas=%s", v.id, fmtFloats(v.Measurement))
		case *Correspondence:
			return fmt.Sprintf("Correspondence %d %s blocks=%d", v.id, v.Type, len(v.Blocks))
		case *Landmark:
			return fmt.Sprintf("Landmark %d %s status=%s hits=%d misses=%d P=%s", v.id, v.Type, v.Status, v.Hits, v.Misses, p.fmtBlock(v.P))
		default:
			return fmt.Sprintf("%s %d", n.Kind(), n.ID())
		}
	})
}

func (p *Problem) fmtBlock(h state.Handle) string {
	if h.IsZero() {
		return "-"
	}
	v, err := p.arena.Read(h)
	if err != nil {
		return "?"
	}
	return fmtFloats(v)
}

func fmtFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = fmt.Sprintf("%.3f", x)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

package tree

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
)

// Location is the role a node plays in the hierarchy.
type Location int

const (
	// Top nodes have no parent.
	Top Location = iota
	// Mid nodes have a parent and own children.
	Mid
	// Bottom nodes have a parent and never own children.
	Bottom
)

func (l Location) String() string {
	switch l {
	case Top:
		return "top"
	case Mid:
		return "mid"
	case Bottom:
		return "bottom"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// Lifecycle tracks whether a node has been announced to the solver yet.
type Lifecycle int

const (
	PendingAdd Lifecycle = iota
	PendingUpdate
	Stable
	Deleting
)

func (l Lifecycle) String() string {
	switch l {
	case PendingAdd:
		return "pending_add"
	case PendingUpdate:
		return "pending_update"
	case Stable:
		return "stable"
	case Deleting:
		return "deleting"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// ID is a process-wide monotonic node identifier. IDs are never reused.
type ID uint64

var lastID atomic.Uint64

// NextID returns a fresh identifier.
func NextID() ID {
	return ID(lastID.Add(1))
}

var (
	// ErrDanglingReference is returned for operations on a destroyed node or
	// on a node that is in the middle of being destroyed.
	ErrDanglingReference = errors.New("tree: dangling reference")
	// ErrBottom is returned when a child is added under a bottom node.
	ErrBottom = errors.New("tree: bottom node cannot own children")
	// ErrNotChild is returned by RemoveChild when no child has the given id.
	ErrNotChild = errors.New("tree: no such child")
)

// Ref addresses a node slot. The zero Ref addresses nothing.
type Ref struct {
	index int32
	gen   uint32
}

// IsNil reports whether r is the zero Ref.
func (r Ref) IsNil() bool { return r.gen == 0 }

func (r Ref) String() string {
	if r.IsNil() {
		return "ref(nil)"
	}
	return fmt.Sprintf("ref(%d.%d)", r.index, r.gen)
}

type node[T any] struct {
	id       ID
	label    string
	loc      Location
	life     Lifecycle
	parent   Ref
	children []Ref
	payload  T
	gen      uint32
	live     bool
}

// Tree is an index arena of owned nodes carrying payloads of type T.
// A Tree is not safe for concurrent use.
type Tree[T any] struct {
	nodes     []node[T]
	free      []int32
	byID      map[ID]Ref
	live      int
	strict    bool
	onDestroy func(Ref, T)
}

// New returns an empty tree.
func New[T any]() *Tree[T] {
	return &Tree[T]{byID: make(map[ID]Ref)}
}

// SetStrict makes dangling references and misuse panic instead of
// returning an error.
func (t *Tree[T]) SetStrict(strict bool) { t.strict = strict }

// OnDestroy installs a hook that runs once for every destroyed node, after
// its children are gone and before its slot is released.
func (t *Tree[T]) OnDestroy(fn func(Ref, T)) { t.onDestroy = fn }

// Len returns the number of live nodes, including nodes being destroyed.
func (t *Tree[T]) Len() int { return t.live }

func (t *Tree[T]) misuse(err error, r Ref) error {
	err = fmt.Errorf("%w: %v", err, r)
	opsf("%v", err)
	if t.strict {
		panic(err)
	}
	return err
}

// lookup resolves r without judging its lifecycle.
func (t *Tree[T]) lookup(r Ref) (*node[T], bool) {
	if r.gen == 0 || r.index < 0 || int(r.index) >= len(t.nodes) {
		return nil, false
	}
	n := &t.nodes[r.index]
	if !n.live || n.gen != r.gen {
		return nil, false
	}
	return n, true
}

// active resolves r and rejects nodes that are being destroyed.
func (t *Tree[T]) active(r Ref) (*node[T], error) {
	n, ok := t.lookup(r)
	if !ok || n.life == Deleting {
		return nil, t.misuse(ErrDanglingReference, r)
	}
	return n, nil
}

func (t *Tree[T]) alloc(n node[T]) Ref {
	var idx int32
	if k := len(t.free); k > 0 {
		idx = t.free[k-1]
		t.free = t.free[:k-1]
		n.gen = t.nodes[idx].gen + 1
		t.nodes[idx] = n
	} else {
		idx = int32(len(t.nodes))
		n.gen = 1
		t.nodes = append(t.nodes, n)
	}
	r := Ref{index: idx, gen: n.gen}
	t.byID[n.id] = r
	t.live++
	tracef("add %s id=%d %s", n.label, n.id, r)
	return r
}

// AddRoot creates a parentless node.
func (t *Tree[T]) AddRoot(label string, payload T) Ref {
	return t.alloc(node[T]{
		id:      NextID(),
		label:   label,
		loc:     Top,
		life:    PendingAdd,
		payload: payload,
		live:    true,
	})
}

// AddChild creates a node owned by parent. The new node starts PendingAdd.
func (t *Tree[T]) AddChild(parent Ref, label string, loc Location, payload T) (Ref, error) {
	p, err := t.active(parent)
	if err != nil {
		return Ref{}, err
	}
	if p.loc == Bottom {
		return Ref{}, t.misuse(ErrBottom, parent)
	}
	if loc == Top {
		loc = Mid
	}
	r := t.alloc(node[T]{
		id:      NextID(),
		label:   label,
		loc:     loc,
		life:    PendingAdd,
		parent:  parent,
		payload: payload,
		live:    true,
	})
	// alloc may have grown t.nodes; p is stale.
	t.nodes[parent.index].children = append(t.nodes[parent.index].children, r)
	return r, nil
}

// RemoveChild detaches the child with the given id from parent and destroys
// its subtree.
func (t *Tree[T]) RemoveChild(parent Ref, id ID) error {
	p, err := t.active(parent)
	if err != nil {
		return err
	}
	for i, c := range p.children {
		n, ok := t.lookup(c)
		if !ok || n.id != id {
			continue
		}
		p.children = append(p.children[:i], p.children[i+1:]...)
		t.destroy(c)
		return nil
	}
	return fmt.Errorf("%w: id %d under %v", ErrNotChild, id, parent)
}

// Destroy tears down the subtree rooted at r. A node that is already being
// destroyed counts as dangling.
func (t *Tree[T]) Destroy(r Ref) error {
	n, ok := t.lookup(r)
	if !ok || n.life == Deleting {
		return t.misuse(ErrDanglingReference, r)
	}
	label, id := n.label, n.id
	count := t.destroy(r)
	diagf("destroyed %s id=%d (%d nodes)", label, id, count)
	return nil
}

func (t *Tree[T]) destroy(r Ref) int {
	n, ok := t.lookup(r)
	if !ok || n.life == Deleting {
		return 0
	}
	n.life = Deleting
	children := append([]Ref(nil), n.children...)

	count := 1
	for _, c := range children {
		count += t.destroy(c)
	}

	n = &t.nodes[r.index]
	if t.onDestroy != nil {
		t.onDestroy(r, n.payload)
		n = &t.nodes[r.index]
	}

	// A node directly under the root is released without touching the
	// root's list; Children skips the stale entry.
	if p, ok := t.lookup(n.parent); ok && !p.parent.IsNil() && p.life != Deleting {
		for i, c := range p.children {
			if c == r {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}

	tracef("destroy %s id=%d %s", n.label, n.id, r)
	delete(t.byID, n.id)
	*n = node[T]{gen: n.gen}
	t.free = append(t.free, r.index)
	t.live--
	return count
}

// Live reports whether r addresses a node that is not being destroyed.
func (t *Tree[T]) Live(r Ref) bool {
	n, ok := t.lookup(r)
	return ok && n.life != Deleting
}

// Lookup returns the Ref of the node with the given id.
func (t *Tree[T]) Lookup(id ID) (Ref, bool) {
	r, ok := t.byID[id]
	return r, ok
}

// Payload returns the node's payload. Payloads of nodes being destroyed
// stay readable so destroy hooks can inspect them.
func (t *Tree[T]) Payload(r Ref) (T, error) {
	n, ok := t.lookup(r)
	if !ok {
		var zero T
		return zero, t.misuse(ErrDanglingReference, r)
	}
	return n.payload, nil
}

// ID returns the node's identifier, or 0 if r is dangling.
func (t *Tree[T]) ID(r Ref) ID {
	if n, ok := t.lookup(r); ok {
		return n.id
	}
	return 0
}

// Label returns the node's label.
func (t *Tree[T]) Label(r Ref) string {
	if n, ok := t.lookup(r); ok {
		return n.label
	}
	return ""
}

// Location returns the node's location.
func (t *Tree[T]) Location(r Ref) (Location, error) {
	n, err := t.active(r)
	if err != nil {
		return 0, err
	}
	return n.loc, nil
}

// Lifecycle returns the node's lifecycle state.
func (t *Tree[T]) Lifecycle(r Ref) (Lifecycle, error) {
	n, ok := t.lookup(r)
	if !ok {
		return 0, t.misuse(ErrDanglingReference, r)
	}
	return n.life, nil
}

// SetLifecycle moves a node between PendingAdd, PendingUpdate and Stable.
// Deleting is entered only through destruction.
func (t *Tree[T]) SetLifecycle(r Ref, l Lifecycle) error {
	n, err := t.active(r)
	if err != nil {
		return err
	}
	if l == Deleting {
		return fmt.Errorf("tree: lifecycle %s is set by Destroy", l)
	}
	n.life = l
	return nil
}

// Parent returns the owner of r. Top nodes return the zero Ref.
func (t *Tree[T]) Parent(r Ref) (Ref, error) {
	n, err := t.active(r)
	if err != nil {
		return Ref{}, err
	}
	return n.parent, nil
}

// Root walks parent links up to the top node.
func (t *Tree[T]) Root(r Ref) (Ref, error) {
	for {
		n, err := t.active(r)
		if err != nil {
			return Ref{}, err
		}
		if n.parent.IsNil() {
			return r, nil
		}
		r = n.parent
	}
}

// Children returns the live children of r in insertion order.
func (t *Tree[T]) Children(r Ref) ([]Ref, error) {
	n, err := t.active(r)
	if err != nil {
		return nil, err
	}
	kept := n.children[:0]
	out := make([]Ref, 0, len(n.children))
	for _, c := range n.children {
		cn, ok := t.lookup(c)
		if !ok {
			continue
		}
		kept = append(kept, c)
		if cn.life != Deleting {
			out = append(out, c)
		}
	}
	n.children = kept
	return out, nil
}

// Walk visits the subtree at r depth-first in pre-order. Returning false
// from fn skips the visited node's children.
func (t *Tree[T]) Walk(r Ref, fn func(r Ref, depth int) bool) error {
	if _, err := t.active(r); err != nil {
		return err
	}
	t.walk(r, 0, fn)
	return nil
}

func (t *Tree[T]) walk(r Ref, depth int, fn func(Ref, int) bool) {
	if !fn(r, depth) {
		return
	}
	children, err := t.Children(r)
	if err != nil {
		return
	}
	for _, c := range children {
		t.walk(c, depth+1, fn)
	}
}

// Print writes an indented dump of the subtree at r. describe renders one
// line per node; nil prints labels and ids.
func (t *Tree[T]) Print(w io.Writer, r Ref, describe func(Ref, T) string) error {
	var werr error
	err := t.Walk(r, func(c Ref, depth int) bool {
		if werr != nil {
			return false
		}
		n := &t.nodes[c.index]
		line := fmt.Sprintf("%s %d", n.label, n.id)
		if describe != nil {
			line = describe(c, n.payload)
		}
		_, werr = fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), line)
		return true
	})
	if err != nil {
		return err
	}
	return werr
}

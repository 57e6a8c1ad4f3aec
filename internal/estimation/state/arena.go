package state

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrDimensionMismatch is returned when a write or allocation does not
	// match the block length.
	ErrDimensionMismatch = errors.New("state: dimension mismatch")
	// ErrArenaOverflow is returned when growth would exceed the configured
	// maximum capacity. The arena is left unchanged.
	ErrArenaOverflow = errors.New("state: arena overflow")
	// ErrUnknownBlock is returned for freed, foreign or zero handles.
	ErrUnknownBlock = errors.New("state: unknown block")
)

// DefaultMaxCapacity bounds arena growth when no limit is configured.
const DefaultMaxCapacity = 1 << 24

var lastArenaID atomic.Uint64

// Handle names a state block. Handles stay valid across arena growth; they
// are resolved through the arena's block table on every access.
type Handle struct {
	arena uint64
	slot  int32
	gen   uint32
}

// IsZero reports whether h names nothing.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string {
	if h.IsZero() {
		return "block(nil)"
	}
	return fmt.Sprintf("block(%d:%d.%d)", h.arena, h.slot, h.gen)
}

// Block describes a live state block.
type Block struct {
	Offset   int
	Length   int
	Manifold Manifold
	Status   Status
}

type entry struct {
	Block
	gen  uint32
	live bool
	view []float64
}

type span struct {
	offset, length int
}

// GrowthEvent is reported after the arena relocates its storage.
type GrowthEvent struct {
	OldCapacity int
	NewCapacity int
	Blocks      int
}

// Arena is a growable contiguous buffer of float64 values carved into
// blocks. All methods are safe for concurrent use; growth holds the write
// lock for the whole copy-and-rebind so readers never observe a partially
// relocated arena.
type Arena struct {
	mu       sync.RWMutex
	id       uint64
	buf      []float64
	used     int
	maxCap   int
	table    []entry
	slots    []int32
	holes    []span
	growths  int
	onGrowth func(GrowthEvent)
}

// NewArena returns an arena with the given initial capacity. maxCapacity of
// zero selects DefaultMaxCapacity.
func NewArena(capacity, maxCapacity int) (*Arena, error) {
	if maxCapacity <= 0 {
		maxCapacity = DefaultMaxCapacity
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("state: capacity must be positive, got %d", capacity)
	}
	if capacity > maxCapacity {
		return nil, fmt.Errorf("%w: initial capacity %d exceeds maximum %d", ErrArenaOverflow, capacity, maxCapacity)
	}
	return &Arena{
		id:     lastArenaID.Add(1),
		buf:    make([]float64, capacity),
		maxCap: maxCapacity,
	}, nil
}

// OnGrowth installs a callback invoked (with the lock released) after every
// relocation.
func (a *Arena) OnGrowth(fn func(GrowthEvent)) {
	a.mu.Lock()
	a.onGrowth = fn
	a.mu.Unlock()
}

// Allocate reserves a zeroed block of the given length. Freed ranges are
// reused first-fit before the arena grows.
func (a *Arena) Allocate(length int, m Manifold) (Handle, error) {
	if length <= 0 {
		return Handle{}, fmt.Errorf("%w: length %d", ErrDimensionMismatch, length)
	}
	if d := m.Dim(); d != 0 && d != length {
		return Handle{}, fmt.Errorf("%w: %s needs %d values, got %d", ErrDimensionMismatch, m, d, length)
	}

	a.mu.Lock()
	offset, ok := a.takeHole(length)
	var ev *GrowthEvent
	if !ok {
		if a.used+length > len(a.buf) {
			e, err := a.growLocked(a.used + length)
			if err != nil {
				a.mu.Unlock()
				return Handle{}, err
			}
			ev = &e
		}
		offset = a.used
		a.used += length
	}
	clear(a.buf[offset : offset+length])
	h := a.bindLocked(Block{Offset: offset, Length: length, Manifold: m})
	cb := a.onGrowth
	a.mu.Unlock()

	tracef("allocate %s offset=%d len=%d %s", h, offset, length, m)
	if ev != nil {
		diagf("arena %d grew %d -> %d (%d blocks)", a.id, ev.OldCapacity, ev.NewCapacity, ev.Blocks)
		if cb != nil {
			cb(*ev)
		}
	}
	return h, nil
}

// takeHole carves length values out of the first freed range large enough.
func (a *Arena) takeHole(length int) (int, bool) {
	for i, hole := range a.holes {
		if hole.length < length {
			continue
		}
		if hole.length == length {
			a.holes = append(a.holes[:i], a.holes[i+1:]...)
		} else {
			a.holes[i] = span{offset: hole.offset + length, length: hole.length - length}
		}
		return hole.offset, true
	}
	return 0, false
}

// growLocked relocates the buffer to at least double its capacity, or more
// if need demands it. Nothing changes when the limit would be exceeded.
func (a *Arena) growLocked(need int) (GrowthEvent, error) {
	old := len(a.buf)
	next := old * 2
	for next < need {
		next *= 2
	}
	if next > a.maxCap {
		if need > a.maxCap {
			opsf("arena %d overflow: need %d, max %d", a.id, need, a.maxCap)
			return GrowthEvent{}, fmt.Errorf("%w: need %d values, max %d", ErrArenaOverflow, need, a.maxCap)
		}
		next = a.maxCap
	}
	buf := make([]float64, next)
	copy(buf, a.buf[:a.used])
	a.buf = buf

	live := 0
	for i := range a.table {
		e := &a.table[i]
		if !e.live {
			continue
		}
		e.view = a.buf[e.Offset : e.Offset+e.Length : e.Offset+e.Length]
		live++
	}
	a.growths++
	return GrowthEvent{OldCapacity: old, NewCapacity: next, Blocks: live}, nil
}

func (a *Arena) bindLocked(b Block) Handle {
	e := entry{Block: b, live: true, view: a.buf[b.Offset : b.Offset+b.Length : b.Offset+b.Length]}
	var slot int32
	if k := len(a.slots); k > 0 {
		slot = a.slots[k-1]
		a.slots = a.slots[:k-1]
		e.gen = a.table[slot].gen + 1
		a.table[slot] = e
	} else {
		slot = int32(len(a.table))
		e.gen = 1
		a.table = append(a.table, e)
	}
	return Handle{arena: a.id, slot: slot, gen: e.gen}
}

func (a *Arena) resolveLocked(h Handle) (*entry, error) {
	if h.gen == 0 || h.arena != a.id || h.slot < 0 || int(h.slot) >= len(a.table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, h)
	}
	e := &a.table[h.slot]
	if !e.live || e.gen != h.gen {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBlock, h)
	}
	return e, nil
}

// Read returns a copy of the block's values.
func (a *Arena) Read(h Handle) ([]float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, err := a.resolveLocked(h)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), e.view...), nil
}

// Write replaces the block's values. The length must match exactly and the
// arena is not modified otherwise.
func (a *Arena) Write(h Handle, values []float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := a.resolveLocked(h)
	if err != nil {
		return err
	}
	if len(values) != e.Length {
		return fmt.Errorf("%w: %s has %d values, got %d", ErrDimensionMismatch, h, e.Length, len(values))
	}
	copy(e.view, values)
	return nil
}

// Describe returns the block's descriptor.
func (a *Arena) Describe(h Handle) (Block, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	e, err := a.resolveLocked(h)
	if err != nil {
		return Block{}, err
	}
	return e.Block, nil
}

// Live reports whether h names an allocated block of this arena.
func (a *Arena) Live(h Handle) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, err := a.resolveLocked(h)
	return err == nil
}

// Fix marks the block as fixed. Values are untouched.
func (a *Arena) Fix(h Handle) error { return a.SetStatus(h, Fixed) }

// Unfix marks the block as estimated. Values are untouched.
func (a *Arena) Unfix(h Handle) error { return a.SetStatus(h, Estimated) }

// SetStatus changes the block status.
func (a *Arena) SetStatus(h Handle, s Status) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := a.resolveLocked(h)
	if err != nil {
		return err
	}
	e.Status = s
	return nil
}

// Free releases the block. Its range becomes available to later
// allocations; nothing is compacted.
func (a *Arena) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, err := a.resolveLocked(h)
	if err != nil {
		return err
	}
	a.releaseLocked(span{offset: e.Offset, length: e.Length})
	e.live = false
	e.view = nil
	a.slots = append(a.slots, h.slot)
	tracef("free %s offset=%d len=%d", h, e.Offset, e.Length)
	return nil
}

// releaseLocked inserts s into the sorted hole list and merges neighbours.
func (a *Arena) releaseLocked(s span) {
	i := sort.Search(len(a.holes), func(i int) bool { return a.holes[i].offset > s.offset })
	a.holes = append(a.holes, span{})
	copy(a.holes[i+1:], a.holes[i:])
	a.holes[i] = s
	if i+1 < len(a.holes) && a.holes[i].offset+a.holes[i].length == a.holes[i+1].offset {
		a.holes[i].length += a.holes[i+1].length
		a.holes = append(a.holes[:i+1], a.holes[i+2:]...)
	}
	if i > 0 && a.holes[i-1].offset+a.holes[i-1].length == a.holes[i].offset {
		a.holes[i-1].length += a.holes[i].length
		a.holes = append(a.holes[:i], a.holes[i+1:]...)
	}
}

// Capacity returns the current buffer length.
func (a *Arena) Capacity() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buf)
}

// Used returns the high-water mark of allocated values.
func (a *Arena) Used() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.used
}

// Growths returns how many times the arena has relocated.
func (a *Arena) Growths() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.growths
}

// Handles returns every live block handle in slot order.
func (a *Arena) Handles() []Handle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Handle, 0, len(a.table))
	for i, e := range a.table {
		if e.live {
			out = append(out, Handle{arena: a.id, slot: int32(i), gen: e.gen})
		}
	}
	return out
}

// Materialize returns a copy of the used prefix of the buffer, suitable for
// handing to an external optimizer.
func (a *Arena) Materialize() []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]float64(nil), a.buf[:a.used]...)
}

// Snapshot copies the values of the requested blocks under a single read
// lock. Unknown handles are omitted.
func (a *Arena) Snapshot(hs []Handle) map[Handle]Value {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[Handle]Value, len(hs))
	for _, h := range hs {
		e, err := a.resolveLocked(h)
		if err != nil {
			continue
		}
		out[h] = Value{Block: e.Block, Data: append([]float64(nil), e.view...)}
	}
	return out
}

// Value is a block descriptor paired with a copy of its values.
type Value struct {
	Block
	Data []float64
}

// Apply writes solved values back. Blocks that were freed, fixed or resized
// since the snapshot are skipped; the number of blocks written is returned.
func (a *Arena) Apply(values map[Handle][]float64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for h, v := range values {
		e, err := a.resolveLocked(h)
		if err != nil || e.Status == Fixed || len(v) != e.Length {
			continue
		}
		if !finite(v) {
			opsf("apply %s: dropping non-finite values", h)
			continue
		}
		copy(e.view, v)
		n++
	}
	return n
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Package handle exposes sketches through opaque integer handles.
//
// An Arena owns every sketch it hands out. Callers hold a Handle, a 64-bit
// value that packs a slot index with a generation counter, and pass it back
// to the arena for every operation. Releasing a handle bumps its slot's
// generation, so a stale handle can never reach a sketch that later reuses
// the same slot. The zero Handle is the null handle and never refers to a
// sketch.
//
// The operations mirror the aggregate-function lifecycle of a query engine:
// a state handle is created lazily on the first row, fed bytes or hashes,
// combined with other partial states, serialized at the end and released.
// The null-handle conventions below (a null state becomes a fresh default
// sketch, merging with null returns the other side) follow from that model.
package handle

import (
	"sync"

	"cardinal.lopezb.com/internal/hll"
)

// Handle is an opaque reference to a sketch owned by an Arena.
type Handle uint64

// Null is the handle that refers to no sketch.
const Null Handle = 0

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(index+1)<<32 | uint64(gen))
}

func (h Handle) split() (index, gen uint32, ok bool) {
	if h == Null {
		return 0, 0, false
	}
	return uint32(h>>32) - 1, uint32(h), true
}

type slot struct {
	gen    uint32
	sketch *hll.Sketch // nil while the slot is free
}

// Arena is a table of owned sketches. The table itself is safe for
// concurrent use; a single sketch must not be mutated from two goroutines
// at once.
type Arena struct {
	mu    sync.Mutex
	slots []slot
	free  []uint32
	live  int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

func (a *Arena) insert(s *hll.Sketch) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, slot{gen: 1})
	}

	a.slots[index].sketch = s
	a.live++
	return makeHandle(index, a.slots[index].gen)
}

// lookup resolves h. It returns nil for the null handle and for stale or
// foreign handles.
func (a *Arena) lookup(h Handle) *hll.Sketch {
	index, gen, ok := h.split()
	if !ok {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if int(index) >= len(a.slots) {
		return nil
	}
	sl := a.slots[index]
	if sl.gen != gen || sl.sketch == nil {
		return nil
	}
	return sl.sketch
}

// Release frees the sketch behind h. Releasing the null handle or a stale
// handle is a no-op. It reports whether a sketch was freed.
func (a *Arena) Release(h Handle) bool {
	index, gen, ok := h.split()
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if int(index) >= len(a.slots) {
		return false
	}
	sl := &a.slots[index]
	if sl.gen != gen || sl.sketch == nil {
		return false
	}

	sl.sketch = nil
	sl.gen++
	if sl.gen == 0 {
		// Generation 0 would make the handle of slot 0 collide with Null.
		sl.gen = 1
	}
	a.free = append(a.free, index)
	a.live--
	return true
}

// Len returns the number of live sketches.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Create allocates an empty sketch. The optional argument is lgK; it
// defaults to hll.DefaultLgK and is clamped into range.
func (a *Arena) Create(lgK ...int) Handle {
	p := hll.DefaultLgK
	if len(lgK) > 0 {
		p = lgK[0]
	}
	return a.insert(hll.New(p))
}

// stateFor resolves h, creating a default sketch for the null handle. It
// returns the handle the caller must use from now on.
func (a *Arena) stateFor(h Handle) (Handle, *hll.Sketch) {
	if h == Null {
		s := hll.NewDefault()
		return a.insert(s), s
	}
	return h, a.lookup(h)
}

// UpdateWithBytes hashes data into the sketch behind h. Empty data leaves
// the state untouched, even a null one. A null h is replaced by a new
// default sketch.
func (a *Arena) UpdateWithBytes(h Handle, data []byte) Handle {
	if len(data) == 0 {
		return h
	}
	h, s := a.stateFor(h)
	if s != nil {
		s.Update(data)
	}
	return h
}

// UpdateWithHash applies a pre-computed hash to the sketch behind h. A null
// h is replaced by a new default sketch.
func (a *Arena) UpdateWithHash(h Handle, v uint64) Handle {
	h, s := a.stateFor(h)
	if s != nil {
		s.UpdateHash(v)
	}
	return h
}

// MergeHandles combines two partial states. With both null it returns a new
// empty sketch; with one null or stale it returns the other, untouched.
// Otherwise right is merged into left and released, and left is returned.
func (a *Arena) MergeHandles(left, right Handle) Handle {
	switch {
	case left == Null && right == Null:
		return a.Create()
	case left == Null:
		return right
	case right == Null:
		return left
	case left == right:
		return left
	}

	l := a.lookup(left)
	r := a.lookup(right)
	switch {
	case l == nil:
		return right
	case r == nil:
		return left
	}
	l.Merge(r)
	a.Release(right)
	return left
}

// UnionAgg folds a serialized sketch into the aggregate state h. Empty or
// malformed data leaves h unchanged. A null h becomes a handle to the
// decoded sketch.
func (a *Arena) UnionAgg(h Handle, data []byte) Handle {
	if len(data) == 0 {
		return h
	}
	in := hll.Deserialize(data)
	if !in.Valid() {
		return h
	}
	if h == Null {
		return a.insert(in)
	}
	if s := a.lookup(h); s != nil {
		s.Merge(in)
	}
	return h
}

// Serialize returns the standard encoding of the sketch behind h, or nil for
// null and stale handles.
func (a *Arena) Serialize(h Handle) []byte {
	if s := a.lookup(h); s != nil {
		return s.Serialize()
	}
	return nil
}

// SerializeCompact returns the compact encoding of the sketch behind h, or
// nil for null and stale handles.
func (a *Arena) SerializeCompact(h Handle) []byte {
	if s := a.lookup(h); s != nil {
		return s.SerializeCompact()
	}
	return nil
}

// Deserialize decodes data into a new owned sketch. Empty or malformed input
// returns Null.
func (a *Arena) Deserialize(data []byte) Handle {
	if len(data) == 0 {
		return Null
	}
	s := hll.Deserialize(data)
	if !s.Valid() {
		return Null
	}
	return a.insert(s)
}

// ToDense promotes the sketch behind h. A null handle yields a new empty
// sketch (which stays sparse until updated).
func (a *Arena) ToDense(h Handle) Handle {
	if h == Null {
		return a.Create()
	}
	if s := a.lookup(h); s != nil {
		s.ToDense()
	}
	return h
}

// IsDense reports whether h refers to a dense sketch. Null is not dense.
func (a *Arena) IsDense(h Handle) bool {
	s := a.lookup(h)
	return s != nil && s.IsDense()
}

// IsSparse reports whether h refers to a sparse sketch. Null counts as
// sparse, since it stands for an empty sketch.
func (a *Arena) IsSparse(h Handle) bool {
	if h == Null {
		return true
	}
	s := a.lookup(h)
	return s != nil && s.IsSparse()
}

// Estimate returns the cardinality estimate behind h, or 0.
func (a *Arena) Estimate(h Handle) float64 {
	if s := a.lookup(h); s != nil {
		return s.Estimate()
	}
	return 0
}

// String renders the sketch behind h. Null and stale handles render as an
// invalid sketch.
func (a *Arena) String(h Handle) string {
	return a.lookup(h).String()
}

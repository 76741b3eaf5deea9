// Package hll implements a mergeable HyperLogLog sketch for cardinality
// estimation.
//
// A sketch is parameterized by its precision lgK, which fixes the number of
// registers k = 2^lgK. Every input key is hashed to 64 bits (see Hash). The
// top lgK bits of the hash select a register (the "slot"), and the remaining
// 64-lgK bits determine a "rank": the position of the first 1-bit, counting
// from the most significant end, plus one. Each register keeps the maximum
// rank ever observed for its slot. Because a rank of r has probability 2^-r,
// the harmonic mean of 2^-register across all registers yields an estimate of
// the number of distinct keys seen.
//
// The relative standard error is roughly 1.04/sqrt(k): about 1.6% at the
// default precision of 12 (4096 registers).
//
// Data Representations
// ====================
//
// A sketch starts in sparse mode and is promoted to dense mode once more than
// k/16 registers are non-zero. Promotion is one-way.
//
//  1. Sparse: a slice of (index, value) pairs sorted by index, holding only
//     the non-zero registers. Lookups and inserts use binary search.
//
//  2. Dense: a k-byte array, one byte per register.
//
// Both representations hold 7-bit register values (0..127). The update path
// packs a (slot, rank) pair into a single "coupon" of the form
// (slot << 7) | rank and applies it with max semantics, so sketch updates,
// merges and deserialization all go through the same bookkeeping.
//
// Wire Formats
// ============
//
// Sketches serialize to a standard, byte-aligned format and to a compact,
// bit-packed format. Both share a 5-byte header and are documented in
// header.go and codec.go. Deserialization never panics on hostile input: any
// malformed buffer yields an invalid sketch, on which every operation is a
// no-op.
//
// Concurrency
// ===========
//
// A Sketch is not safe for concurrent mutation. Callers that share a sketch
// between goroutines must serialize access themselves. Distinct sketches are
// fully independent.
package hll

import (
	"math/bits"
	"sort"
	"unsafe"
)

const (
	// MinLgK and MaxLgK bound the precision. Out-of-range requests are
	// clamped into [MinLgK, MaxLgK].
	MinLgK = 4
	MaxLgK = 21

	// DefaultLgK is the precision used when none is given (k = 4096).
	DefaultLgK = 12

	// valueBits is the width of a register value inside a coupon and in the
	// compact dense encoding.
	valueBits = 7
	valueMask = 1<<valueBits - 1

	// maxValue is the largest value a register can hold.
	maxValue = valueMask
)

type mode uint8

const (
	sparse mode = 0
	dense  mode = 1
)

func (m mode) String() string {
	if m == dense {
		return "Dense"
	}
	return "Sparse"
}

type sparseRegister struct {
	index uint32
	value uint8
}

// Sketch is a HyperLogLog register file with its promotion state.
type Sketch struct {
	lgK        int
	k          int
	mode       mode
	valid      bool
	nonZero    int
	sparseData []sparseRegister // sorted by index, sparse mode only
	denseData  []byte           // k bytes, dense mode only
}

// New creates an empty sparse sketch with precision lgK, clamped into
// [MinLgK, MaxLgK].
func New(lgK int) *Sketch {
	lgK = ClampLgK(lgK)
	return &Sketch{
		lgK:        lgK,
		k:          1 << lgK,
		mode:       sparse,
		valid:      true,
		sparseData: make([]sparseRegister, 0, 8),
	}
}

// NewDefault creates an empty sketch with DefaultLgK.
func NewDefault() *Sketch {
	return New(DefaultLgK)
}

// ClampLgK forces a precision into the supported range.
func ClampLgK(lgK int) int {
	return max(MinLgK, min(MaxLgK, lgK))
}

// invalid returns the sentinel produced by failed deserialization.
func invalid() *Sketch {
	return &Sketch{}
}

// Valid reports whether the sketch carries usable registers. Only
// deserialization can produce an invalid sketch.
func (s *Sketch) Valid() bool { return s != nil && s.valid }

// Precision returns lgK, or 0 for a nil or invalid sketch.
func (s *Sketch) Precision() int {
	if s == nil {
		return 0
	}
	return s.lgK
}

// K returns the number of registers, or 0 for a nil or invalid sketch.
func (s *Sketch) K() int {
	if s == nil {
		return 0
	}
	return s.k
}

// IsSparse reports whether the sketch is still in sparse mode.
func (s *Sketch) IsSparse() bool { return s.Valid() && s.mode == sparse }

// IsDense reports whether the sketch has been promoted to dense mode.
func (s *Sketch) IsDense() bool { return s.Valid() && s.mode == dense }

// NonZeroCount returns the number of non-zero registers. It is exact in
// sparse mode and a snapshot taken at promotion time in dense mode.
func (s *Sketch) NonZeroCount() int {
	if s == nil {
		return 0
	}
	if s.mode == sparse {
		return len(s.sparseData)
	}
	return s.nonZero
}

// Registers returns a copy of all k registers in index order.
func (s *Sketch) Registers() []byte {
	if !s.Valid() {
		return nil
	}
	out := make([]byte, s.k)
	if s.mode == dense {
		copy(out, s.denseData)
		return out
	}
	for _, r := range s.sparseData {
		out[r.index] = r.value
	}
	return out
}

// MemoryUsage approximates the bytes held by the sketch's register storage.
func (s *Sketch) MemoryUsage() int {
	if !s.Valid() {
		return 0
	}
	if s.mode == dense {
		return cap(s.denseData)
	}
	return cap(s.sparseData) * int(unsafe.Sizeof(sparseRegister{}))
}

// Clone returns a deep copy of the sketch. Cloning nil returns nil.
func (s *Sketch) Clone() *Sketch {
	if s == nil {
		return nil
	}
	c := *s
	if s.sparseData != nil {
		c.sparseData = append([]sparseRegister(nil), s.sparseData...)
	}
	if s.denseData != nil {
		c.denseData = append([]byte(nil), s.denseData...)
	}
	return &c
}

// Update hashes key and applies it to the sketch. Empty keys are ignored.
// It reports whether a register changed.
func (s *Sketch) Update(key []byte) bool {
	if len(key) == 0 || !s.Valid() {
		return false
	}
	return s.UpdateHash(Hash(key))
}

// UpdateHash applies a pre-computed 64-bit hash. Update(key) and
// UpdateHash(Hash(key)) leave the sketch in the same state.
func (s *Sketch) UpdateHash(h uint64) bool {
	if !s.Valid() {
		return false
	}
	return s.apply(couponOf(h, s.lgK))
}

// couponOf splits a hash into its slot and rank and packs them.
func couponOf(h uint64, lgK int) uint32 {
	//
	// The top lgK bits select the slot. Shifting them out leaves the
	// remaining 64-lgK bits left-aligned in w, so the number of leading zeros
	// of w is the length of the zero run before the first 1-bit. The rank is
	// that run length plus one.
	//
	// Since the low lgK bits of w are always zero, a non-zero w has at most
	// 63-lgK leading zeros, giving a rank of at most 64-lgK. An all-zero w
	// gets the ceiling rank (64-lgK)+1. The clamp below applies the same
	// ceiling to both paths.
	//
	slot := uint32(h >> (64 - lgK))
	w := h << lgK

	maxRank := 64 - lgK + 1
	rank := maxRank
	if w != 0 {
		rank = min(bits.LeadingZeros64(w)+1, maxRank)
	}

	return slot<<valueBits | uint32(rank)
}

// apply performs the max-update carried by a coupon and runs the sparse
// promotion check. It reports whether a register changed.
func (s *Sketch) apply(coupon uint32) bool {
	slot := coupon >> valueBits
	value := uint8(coupon & valueMask)

	if s.mode == dense {
		if value > s.denseData[slot] {
			s.denseData[slot] = value
			return true
		}
		return false
	}

	changed := s.sparseSet(slot, value)

	// The threshold is checked after every apply, not only after inserts,
	// so a sketch decoded above the threshold promotes on its next update.
	if len(s.sparseData) > s.k/16 {
		s.ToDense()
	}

	return changed
}

// sparseSet raises the register at index to value if value is larger,
// inserting it when the register was zero.
func (s *Sketch) sparseSet(index uint32, value uint8) bool {
	if value == 0 {
		return false
	}

	i := sort.Search(len(s.sparseData), func(i int) bool {
		return s.sparseData[i].index >= index
	})

	if i < len(s.sparseData) && s.sparseData[i].index == index {
		if value > s.sparseData[i].value {
			s.sparseData[i].value = value
			return true
		}
		return false
	}

	s.sparseData = append(s.sparseData, sparseRegister{})
	copy(s.sparseData[i+1:], s.sparseData[i:])
	s.sparseData[i] = sparseRegister{index: index, value: value}
	return true
}

// get returns the value of register index in either mode.
func (s *Sketch) get(index uint32) uint8 {
	if s.mode == dense {
		return s.denseData[index]
	}
	i := sort.Search(len(s.sparseData), func(i int) bool {
		return s.sparseData[i].index >= index
	})
	if i < len(s.sparseData) && s.sparseData[i].index == index {
		return s.sparseData[i].value
	}
	return 0
}

// ToDense promotes a sparse sketch to dense mode. Dense and invalid sketches
// are left untouched.
func (s *Sketch) ToDense() {
	if !s.Valid() || s.mode == dense {
		return
	}

	denseData := make([]byte, s.k)
	for _, r := range s.sparseData {
		denseData[r.index] = r.value
	}

	s.denseData = denseData
	s.sparseData = nil
	s.mode = dense
	s.nonZero = countNonZero(denseData)
}

func countNonZero(registers []byte) int {
	n := 0
	for _, v := range registers {
		if v != 0 {
			n++
		}
	}
	return n
}

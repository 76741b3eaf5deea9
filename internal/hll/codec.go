package hll

import (
	"fmt"
	"sort"
)

// Serialize encodes the sketch in the standard, byte-aligned format. An
// invalid sketch serializes to nil.
func (s *Sketch) Serialize() []byte {
	if !s.Valid() {
		return nil
	}

	//
	// DESIGN
	// ------
	//
	// Standard layout, after the 5-byte header:
	//
	//   Sparse: varint(n) followed by n entries of varint(index), value byte,
	//           in ascending index order.
	//   Dense:  the k register bytes verbatim.
	//
	// A sparse entry costs 2..4 bytes, so at the promotion threshold of k/16
	// entries the sparse body is at most a quarter of the dense one.
	//
	if s.mode == dense {
		buf := make([]byte, 0, headerSize+s.k)
		buf = header{flags: flagFullSize, lgK: s.lgK}.appendTo(buf)
		return append(buf, s.denseData...)
	}

	buf := make([]byte, 0, headerSize+5+4*len(s.sparseData))
	buf = header{lgK: s.lgK}.appendTo(buf)
	buf = appendVarint(buf, uint64(len(s.sparseData)))
	for _, r := range s.sparseData {
		buf = appendVarint(buf, uint64(r.index))
		buf = append(buf, r.value)
	}
	return buf
}

// SerializeCompact encodes the sketch in the compact format: sparse entries
// are single varint coupons and dense registers are bit-packed at 7 bits
// each. An invalid sketch serializes to nil.
func (s *Sketch) SerializeCompact() []byte {
	if !s.Valid() {
		return nil
	}

	if s.mode == dense {
		buf := make([]byte, 0, headerSize+packedLen(s.k))
		buf = header{flags: flagCompact | flagFullSize, lgK: s.lgK}.appendTo(buf)
		return packRegisters(buf, s.denseData)
	}

	buf := make([]byte, 0, headerSize+5+4*len(s.sparseData))
	buf = header{flags: flagCompact, lgK: s.lgK}.appendTo(buf)
	buf = appendVarint(buf, uint64(len(s.sparseData)))
	for _, r := range s.sparseData {
		buf = appendVarint(buf, uint64(r.index)<<valueBits|uint64(r.value))
	}
	return buf
}

// Deserialize decodes a buffer produced by Serialize or SerializeCompact. A
// malformed buffer yields an invalid sketch, never a partial one.
func Deserialize(data []byte) *Sketch {
	s, err := Decode(data)
	if err != nil {
		return invalid()
	}
	return s
}

// Decode is Deserialize with the reason for rejection. On error the
// returned sketch is invalid and the error wraps one of the ErrXxx
// sentinels.
func Decode(data []byte) (*Sketch, error) {
	h, err := readHeader(data)
	if err != nil {
		return invalid(), err
	}

	body := data[headerSize:]
	if h.dense() {
		return decodeDense(h, body)
	}
	return decodeSparse(h, body)
}

func decodeDense(h header, body []byte) (*Sketch, error) {
	k := 1 << h.lgK
	registers := make([]byte, k)

	if h.compact() {
		if len(body) != packedLen(k) {
			return invalid(), fmt.Errorf("%w: compact dense body is %d bytes, want %d",
				ErrBadLength, len(body), packedLen(k))
		}
		unpackRegisters(registers, body)
	} else {
		if len(body) != k {
			return invalid(), fmt.Errorf("%w: dense body is %d bytes, want %d",
				ErrBadLength, len(body), k)
		}
		for i, v := range body {
			if v > maxValue {
				return invalid(), fmt.Errorf("%w: register %d holds %d", ErrBadValue, i, v)
			}
		}
		copy(registers, body)
	}

	return &Sketch{
		lgK:       h.lgK,
		k:         k,
		mode:      dense,
		valid:     true,
		nonZero:   countNonZero(registers),
		denseData: registers,
	}, nil
}

func decodeSparse(h header, body []byte) (*Sketch, error) {
	k := 1 << h.lgK

	count, pos, ok := readVarint(body, 0)
	if !ok {
		return invalid(), fmt.Errorf("%w: entry count", ErrBadVarint)
	}

	// Every entry takes at least one byte (compact) or two (standard), so a
	// count larger than that is rejected before allocating for it.
	minEntry := 2
	if h.compact() {
		minEntry = 1
	}
	if count > uint64(len(body)-pos)/uint64(minEntry) {
		return invalid(), fmt.Errorf("%w: %d entries cannot fit in %d bytes",
			ErrBadLength, count, len(body)-pos)
	}

	entries := make([]sparseRegister, 0, count)
	for i := uint64(0); i < count; i++ {
		var index, value uint64

		if h.compact() {
			var coupon uint64
			coupon, pos, ok = readVarint(body, pos)
			if !ok {
				return invalid(), fmt.Errorf("%w: entry %d", ErrBadVarint, i)
			}
			index = coupon >> valueBits
			value = coupon & valueMask
		} else {
			index, pos, ok = readVarint(body, pos)
			if !ok {
				return invalid(), fmt.Errorf("%w: entry %d", ErrBadVarint, i)
			}
			if pos >= len(body) {
				return invalid(), fmt.Errorf("%w: entry %d has no value byte", ErrBadLength, i)
			}
			value = uint64(body[pos])
			pos++
			if value > maxValue {
				return invalid(), fmt.Errorf("%w: entry %d holds %d", ErrBadValue, i, value)
			}
		}

		if index >= uint64(k) {
			return invalid(), fmt.Errorf("%w: index %d with k=%d", ErrIndexOutOfRange, index, k)
		}

		entries = append(entries, sparseRegister{index: uint32(index), value: uint8(value)})
	}

	if pos != len(body) {
		return invalid(), fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(body)-pos)
	}

	return &Sketch{
		lgK:        h.lgK,
		k:          k,
		mode:       sparse,
		valid:      true,
		sparseData: normalizeSparse(entries),
	}, nil
}

// normalizeSparse sorts decoded entries by index. For repeated indices the
// entry that appeared last in the buffer wins, and zero values are dropped.
// Filtering happens in place.
func normalizeSparse(entries []sparseRegister) []sparseRegister {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].index < entries[j].index
	})

	out := entries[:0]
	for i, r := range entries {
		if i+1 < len(entries) && entries[i+1].index == r.index {
			continue
		}
		if r.value == 0 {
			continue
		}
		out = append(out, r)
	}
	return out
}

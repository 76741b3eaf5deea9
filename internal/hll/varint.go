package hll

import (
	"encoding/binary"
)

// maxVarintShift caps decoded varints at 5 bytes (35 payload bits).
const maxVarintShift = 28

func appendVarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// readVarint decodes an LEB128 value from data[pos:]. It returns the value,
// the position after it and false when the input is truncated or longer
// than five bytes.
func readVarint(data []byte, pos int) (uint64, int, bool) {
	var v uint64
	shift := uint(0)
	for {
		if pos >= len(data) || shift > maxVarintShift {
			return 0, pos, false
		}
		b := data[pos]
		pos++
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, pos, true
		}
		shift += 7
	}
}

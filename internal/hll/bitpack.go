package hll

// packedLen is the size of k 7-bit values packed back to back.
func packedLen(k int) int {
	return (k*valueBits + 7) / 8
}

// packRegisters appends the low 7 bits of every register to dst, most
// significant bit first, with no padding between values.
func packRegisters(dst []byte, registers []byte) []byte {
	var acc uint32
	nbits := 0
	for _, v := range registers {
		acc = acc<<valueBits | uint32(v&valueMask)
		nbits += valueBits
		for nbits >= 8 {
			nbits -= 8
			dst = append(dst, byte(acc>>nbits))
		}
		acc &= 1<<nbits - 1
	}
	if nbits > 0 {
		dst = append(dst, byte(acc<<(8-nbits)))
	}
	return dst
}

// unpackRegisters is the inverse of packRegisters. The caller guarantees
// len(packed) == packedLen(len(registers)).
func unpackRegisters(registers []byte, packed []byte) {
	var acc uint32
	nbits := 0
	pos := 0
	for i := range registers {
		for nbits < valueBits {
			acc = acc<<8 | uint32(packed[pos])
			pos++
			nbits += 8
		}
		nbits -= valueBits
		registers[i] = byte(acc>>nbits) & valueMask
		acc &= 1<<nbits - 1
	}
}

package hll

import (
	"encoding/binary"
)

const (
	murmurM    = 0xc6a4a7935bd1e995
	murmurR    = 47
	murmurSeed = 0x8445d61a4e774912
)

// Hash computes the 64-bit MurmurHash64A of data with the sketch seed. It is
// a pure function: equal byte strings always hash to equal values, on every
// platform.
func Hash(data []byte) uint64 {
	//
	// DESIGN
	// ------
	//
	// MurmurHash64A consumes the input in 8-byte little-endian words, mixing
	// each into the running state, then folds in the 0..7 tail bytes and runs a
	// final avalanche. The word loads go through binary.LittleEndian so the
	// result does not depend on the host byte order.
	//
	// Serialized sketches from other implementations of this format are only
	// mergeable with ours if the hash (and its seed) matches bit for bit.
	//
	const m = murmurM

	h := uint64(murmurSeed) ^ (uint64(len(data)) * m)

	n := len(data) &^ 7
	for i := 0; i < n; i += 8 {
		k := binary.LittleEndian.Uint64(data[i:])
		k *= m
		k ^= k >> murmurR
		k *= m

		h ^= k
		h *= m
	}

	tail := data[n:]
	if len(tail) > 0 {
		for i := len(tail) - 1; i >= 0; i-- {
			h ^= uint64(tail[i]) << (8 * uint(i))
		}
		h *= m
	}

	h ^= h >> murmurR
	h *= m
	h ^= h >> murmurR

	return h
}

// HashKey is Hash with the update-path convention that an empty key hashes
// to zero.
func HashKey(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	return Hash(data)
}

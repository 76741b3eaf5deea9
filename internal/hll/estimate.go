package hll

import (
	"encoding/binary"
	"math"
)

// twoPow32 is the hash space assumed by the large-range correction.
const twoPow32 = float64(1 << 32)

// invPow2 holds 2^-v for every representable register value.
var invPow2 = func() [maxValue + 1]float64 {
	var t [maxValue + 1]float64
	for v := range t {
		t[v] = math.Ldexp(1, -v)
	}
	return t
}()

// alphaFor returns the bias-correction constant for k registers.
func alphaFor(k int) float64 {
	switch k {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(k))
	}
}

// Estimate returns the estimated number of distinct keys applied to the
// sketch. An invalid sketch estimates 0.
func (s *Sketch) Estimate() float64 {
	if !s.Valid() {
		return 0
	}

	//
	// DESIGN
	// ------
	//
	// Rather than summing 2^-register directly, we first build a histogram of
	// register values (regHisto[v] = number of registers equal to v) and then
	// reduce it. The histogram is cheap to build in both representations:
	//
	//  - Sparse: every register absent from the list is zero, so the zero
	//    bucket is k minus the list length.
	//  - Dense: we scan the byte array, skipping zero blocks 8 bytes at a time.
	//
	// Summing the histogram in value order makes the floating-point result
	// independent of the representation: a sparse sketch and its dense
	// promotion produce bit-identical estimates.
	//
	var regHisto []int
	if s.mode == sparse {
		regHisto = s.getSparseHisto()
	} else {
		regHisto = getDenseHisto(s.denseData)
	}

	return estimateFromHisto(regHisto, s.k)
}

// estimateFromHisto applies the raw HyperLogLog estimator and its small and
// large range corrections to a register histogram.
func estimateFromHisto(regHisto []int, k int) float64 {
	sum := 0.0
	for v, n := range regHisto {
		if n != 0 {
			sum += float64(n) * invPow2[v]
		}
	}
	zeros := regHisto[0]

	kf := float64(k)
	estimate := alphaFor(k) * kf * kf / sum

	switch {
	case estimate <= 2.5*kf && zeros != 0:
		// Linear counting on the empty registers.
		return kf * math.Log(kf/float64(zeros))
	case estimate > twoPow32/30 && estimate < twoPow32:
		// Large range correction for 32-bit hash collisions. Past 2^32 the
		// logarithm is undefined and the raw estimate is kept.
		return -twoPow32 * math.Log(1-estimate/twoPow32)
	default:
		return estimate
	}
}

func (s *Sketch) getSparseHisto() []int {
	regHisto := make([]int, maxValue+1)
	regHisto[0] = s.k - len(s.sparseData)
	for _, r := range s.sparseData {
		regHisto[r.value]++
	}
	return regHisto
}

func getDenseHisto(data []byte) []int {
	regHisto := make([]int, maxValue+1)

	i := 0
	for ; i+8 <= len(data); i += 8 {
		// Low-cardinality dense sketches are mostly empty, so whole zero
		// blocks are counted with a single load.
		if binary.LittleEndian.Uint64(data[i:]) == 0 {
			regHisto[0] += 8
			continue
		}

		regHisto[data[i]&valueMask]++
		regHisto[data[i+1]&valueMask]++
		regHisto[data[i+2]&valueMask]++
		regHisto[data[i+3]&valueMask]++
		regHisto[data[i+4]&valueMask]++
		regHisto[data[i+5]&valueMask]++
		regHisto[data[i+6]&valueMask]++
		regHisto[data[i+7]&valueMask]++
	}
	for ; i < len(data); i++ {
		regHisto[data[i]&valueMask]++
	}

	return regHisto
}

package hll

import (
	"fmt"
)

// Merge folds other into s so that every register of s becomes the maximum
// of the two. It is a no-op when either sketch is invalid or their
// precisions differ; use MergeChecked to observe the mismatch. other is
// never modified.
func (s *Sketch) Merge(other *Sketch) {
	_ = s.MergeChecked(other)
}

// MergeChecked is Merge with an error for incompatible inputs. It reports
// ErrPrecisionMismatch when the precisions differ. Merging with an invalid
// sketch is still a silent no-op.
func (s *Sketch) MergeChecked(other *Sketch) error {
	if !s.Valid() || !other.Valid() {
		return nil
	}
	if s.lgK != other.lgK {
		return fmt.Errorf("%w: %d vs %d", ErrPrecisionMismatch, s.lgK, other.lgK)
	}
	if s == other {
		return nil
	}

	//
	// DESIGN
	// ------
	//
	// Two sparse sketches merge entry by entry: each register of other that
	// beats ours is applied as a coupon, which keeps the sparse bookkeeping
	// (and the promotion threshold) exactly as if the keys had been added
	// one by one. The merge may therefore promote s midway.
	//
	// In every other case s is promoted first. If other is sparse we walk its
	// entries; if it is dense we compare all k registers, 8 at a time, and
	// apply only the increases.
	//
	if s.mode == sparse && other.mode == sparse {
		for _, r := range other.sparseData {
			if r.value > s.get(r.index) {
				s.apply(r.index<<valueBits | uint32(r.value))
			}
		}
		return nil
	}

	s.ToDense()

	if other.mode == sparse {
		for _, r := range other.sparseData {
			if r.value > s.denseData[r.index] {
				s.denseData[r.index] = r.value
			}
		}
		return nil
	}

	mergeDense(s.denseData, other.denseData)
	return nil
}

// mergeDense raises dst[i] to src[i] wherever src is larger. Both slices
// have the same power-of-two length of at least 16.
func mergeDense(dst, src []byte) {
	for i := 0; i < len(dst); i += 8 {
		d := dst[i : i+8 : i+8]
		r := src[i : i+8 : i+8]
		d[0] = max(d[0], r[0])
		d[1] = max(d[1], r[1])
		d[2] = max(d[2], r[2])
		d[3] = max(d[3], r[3])
		d[4] = max(d[4], r[4])
		d[5] = max(d[5], r[5])
		d[6] = max(d[6], r[6])
		d[7] = max(d[7], r[7])
	}
}

// MergeAll folds every sketch in others into s and stops at the first
// precision mismatch.
func (s *Sketch) MergeAll(others ...*Sketch) error {
	for _, o := range others {
		if err := s.MergeChecked(o); err != nil {
			return err
		}
	}
	return nil
}

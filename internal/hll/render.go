package hll

import (
	"fmt"
	"math"
	"strings"
)

// String renders a multi-line human readable summary of the sketch.
func (s *Sketch) String() string {
	if !s.Valid() {
		return "HyperLogLog Sketch: invalid"
	}

	var b strings.Builder
	b.WriteString("HyperLogLog Sketch:\n")
	fmt.Fprintf(&b, "  LgK: %d\n", s.lgK)
	fmt.Fprintf(&b, "  K: %d\n", s.k)
	fmt.Fprintf(&b, "  Mode: %s\n", s.mode)
	fmt.Fprintf(&b, "  Estimated cardinality: %d", int64(math.Round(s.Estimate())))
	return b.String()
}

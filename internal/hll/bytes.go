package hll

// The functions below operate directly on serialized sketches. Malformed
// input degrades to a zero or empty result.

// HashOf returns the sketch hash of data, with 0 for empty input.
func HashOf(data []byte) uint64 {
	return HashKey(data)
}

// EstimateBytes decodes a serialized sketch and returns its estimate. Empty
// or malformed input estimates 0.
func EstimateBytes(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	return Deserialize(data).Estimate()
}

// UnionBytes merges two serialized sketches and returns the result in the
// standard format. If either side fails to decode the result is empty. On a
// precision mismatch the result is a re-encoded a, as with Merge.
func UnionBytes(a, b []byte) []byte {
	left := Deserialize(a)
	right := Deserialize(b)
	if !left.Valid() || !right.Valid() {
		return nil
	}
	left.Merge(right)
	return left.Serialize()
}

// Describe renders a serialized sketch with String. Malformed input renders
// as an invalid sketch.
func Describe(data []byte) string {
	return Deserialize(data).String()
}

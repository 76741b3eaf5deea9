package hll

import (
	"crypto/rand"
	"fmt"
	"testing"
)

/*
 * Micro-benchmarks for the sketch engine.
 *
 * Run with: go test -bench=. -benchmem ./internal/hll/
 * Profile with: go test -bench=BenchmarkSketch -cpuprofile=cpu.prof ./internal/hll/
 */

func generateRandomElements(count int) [][]byte {
	elements := make([][]byte, count)
	for i := range elements {
		elements[i] = make([]byte, 16)
		_, _ = rand.Read(elements[i])
	}
	return elements
}

func BenchmarkHash(b *testing.B) {
	for _, size := range []int{4, 16, 64, 1024} {
		data := make([]byte, size)
		_, _ = rand.Read(data)

		b.Run(fmt.Sprintf("%dB", size), func(b *testing.B) {
			b.SetBytes(int64(size))
			for b.Loop() {
				_ = Hash(data)
			}
		})
	}
}

/*
 * Sparse updates pay for a binary search and, on a miss, a slice insert.
 * The sketch is reset before it reaches the promotion threshold so every
 * iteration stays on the sparse path.
 */
func BenchmarkSketch_Update_Sparse(b *testing.B) {
	elements := generateRandomElements(4096)
	b.ReportAllocs()

	s := NewDefault()
	i := 0
	for b.Loop() {
		s.Update(elements[i%len(elements)])
		i++
		if i%200 == 0 {
			s = NewDefault()
		}
	}
}

func BenchmarkSketch_Update_Dense(b *testing.B) {
	elements := generateRandomElements(4096)
	s := NewDefault()
	s.ToDense()
	b.ReportAllocs()

	i := 0
	for b.Loop() {
		s.Update(elements[i%len(elements)])
		i++
	}
}

func BenchmarkSketch_Estimate(b *testing.B) {
	for _, n := range []int{100, 10_000, 1_000_000} {
		s := NewDefault()
		for _, e := range generateRandomElements(n) {
			s.Update(e)
		}

		b.Run(fmt.Sprintf("n=%d/%s", n, s.mode), func(b *testing.B) {
			b.ReportAllocs()
			for b.Loop() {
				_ = s.Estimate()
			}
		})
	}
}

func BenchmarkSketch_Serialize(b *testing.B) {
	s := NewDefault()
	for _, e := range generateRandomElements(100_000) {
		s.Update(e)
	}

	b.Run("standard", func(b *testing.B) {
		for b.Loop() {
			_ = s.Serialize()
		}
	})
	b.Run("compact", func(b *testing.B) {
		for b.Loop() {
			_ = s.SerializeCompact()
		}
	})
}

func BenchmarkDeserialize(b *testing.B) {
	s := NewDefault()
	for _, e := range generateRandomElements(100_000) {
		s.Update(e)
	}
	standard := s.Serialize()
	compact := s.SerializeCompact()

	b.Run("standard", func(b *testing.B) {
		for b.Loop() {
			_ = Deserialize(standard)
		}
	})
	b.Run("compact", func(b *testing.B) {
		for b.Loop() {
			_ = Deserialize(compact)
		}
	})
}

func BenchmarkSketch_Merge_Dense(b *testing.B) {
	src := NewDefault()
	for _, e := range generateRandomElements(50_000) {
		src.Update(e)
	}
	dst := NewDefault()
	dst.ToDense()

	for b.Loop() {
		dst.Merge(src)
	}
}

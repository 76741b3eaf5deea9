package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"cardinal.lopezb.com/internal/hll"
)

// benchStore returns a store with n keys of items elements each.
func benchStore(n, items int) *Store {
	store := NewStore()
	for i := range n {
		key := fmt.Sprintf("key-%d", i)
		store.Mutate(key, func(*hll.Sketch) *hll.Sketch {
			sk := hll.NewDefault()
			for j := range items {
				sk.Update([]byte(fmt.Sprintf("%s-%d", key, j)))
			}
			return sk
		})
	}
	return store
}

func BenchmarkSnapshotSave(b *testing.B) {
	for _, size := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("keys_%d", size), func(b *testing.B) {
			store := benchStore(size, 20)
			b.ReportAllocs()

			for b.Loop() {
				var buf bytes.Buffer
				if err := store.SaveSnapshotToWriter(&buf); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// Dense sketches at the default precision are 4 KiB each.
func BenchmarkSnapshotSaveDense(b *testing.B) {
	store := benchStore(1000, 2000)
	b.ReportAllocs()

	for b.Loop() {
		var buf bytes.Buffer
		buf.Grow(5 << 20)
		if err := store.SaveSnapshotToWriter(&buf); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSnapshotLoad(b *testing.B) {
	for _, size := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("keys_%d", size), func(b *testing.B) {
			var buf bytes.Buffer
			if err := benchStore(size, 20).SaveSnapshotToWriter(&buf); err != nil {
				b.Fatal(err)
			}
			data := buf.Bytes()
			b.ReportAllocs()

			for b.Loop() {
				if err := NewStore().LoadSnapshotFromReader(bufio.NewReader(bytes.NewReader(data))); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkAOFWrite(b *testing.B) {
	aof, err := NewAOF(filepath.Join(b.TempDir(), "bench.aof"))
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = aof.Close() }()

	cmd := encodeCommand("HLL.ADD", []string{"mykey", "value1", "value2"})
	b.ReportAllocs()

	for b.Loop() {
		if err := aof.Write(cmd); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAOFFsync(b *testing.B) {
	aof, err := NewAOF(filepath.Join(b.TempDir(), "bench.aof"))
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = aof.Close() }()

	cmd := encodeCommand("HLL.ADD", []string{"mykey", "value"})
	for range 1000 {
		_ = aof.Write(cmd)
	}
	b.ReportAllocs()

	for b.Loop() {
		if err := aof.Fsync(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeCommand(b *testing.B) {
	args := []string{"mykey", "value1", "value2", "value3"}
	b.ReportAllocs()

	for b.Loop() {
		_ = encodeCommand("HLL.ADD", args)
	}
}

func BenchmarkCompactAOF(b *testing.B) {
	for _, size := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("keys_%d", size), func(b *testing.B) {
			app := newTestApp(b)
			app.config.AOFPath = filepath.Join(b.TempDir(), "bench.aof")
			app.store = benchStore(size, 20)

			var err error
			app.aof, err = NewAOF(app.config.AOFPath)
			if err != nil {
				b.Fatal(err)
			}
			defer func() { _ = app.aof.Close() }()
			b.ReportAllocs()

			for b.Loop() {
				if err := app.CompactAOF(); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// A command log that was never compacted is the slowest journal to load.
func BenchmarkLoadAOFText(b *testing.B) {
	path := filepath.Join(b.TempDir(), "text.aof")
	var buf bytes.Buffer
	for i := range 10000 {
		buf.Write(encodeCommand("HLL.ADD", []string{fmt.Sprintf("key%03d", i%100), fmt.Sprintf("val%05d", i)}))
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()

	for b.Loop() {
		app := newTestApp(b)
		app.config.AOFPath = path
		if err := app.loadAOF(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLoadAOFHybrid(b *testing.B) {
	path := filepath.Join(b.TempDir(), "hybrid.aof")
	if err := writeSnapshotFile(path, benchStore(10000, 20)); err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()

	for b.Loop() {
		app := newTestApp(b)
		app.config.AOFPath = path
		if err := app.loadAOF(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkHLLAdd(b *testing.B) {
	app := newTestApp(b)
	args := []string{"HLL.ADD", "bench", ""}
	b.ReportAllocs()

	i := 0
	for b.Loop() {
		args[2] = fmt.Sprintf("elem-%d", i%100000)
		app.router.Dispatch(app, io.Discard, args)
		i++
	}
}

func BenchmarkStoreMutate(b *testing.B) {
	store := NewStore()
	b.ReportAllocs()

	var h uint64
	for b.Loop() {
		h += 0x9e3779b97f4a7c15
		store.Mutate("counter", func(sk *hll.Sketch) *hll.Sketch {
			if sk == nil {
				sk = hll.NewDefault()
			}
			sk.UpdateHash(h)
			return sk
		})
	}
}

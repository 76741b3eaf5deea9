// aof.go wraps the journal file handle. Appends land in a bufio.Writer and
// reach the kernel on Flush; Fsync additionally forces them to stable
// storage. The maintenance loop in main.go calls Fsync once per second.
//
// While a rewrite is running, every append is also copied into a rewrite
// buffer. The snapshot that replaces the journal may or may not include
// those commands, so the buffer is appended to the new journal right after
// the swap. Replaying a command whose effect is already in the snapshot is
// harmless: sketch updates are register-wise maxima, and DEL and HLL.IMPORT
// overwrite the key before any later command is applied to it.
//
// The AOF knows nothing about what it stores. Encoding, loading and
// compaction live in persistence.go.

package main

import (
	"bufio"
	"bytes"
	"os"
	"sync"
)

// AOF is an append-only file shared by all connection goroutines.
type AOF struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	writer     *bufio.Writer
	rewriteBuf *bytes.Buffer // non-nil while a rewrite is in progress
}

func openJournal(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// NewAOF opens path for appending, creating it if needed.
func NewAOF(path string) (*AOF, error) {
	f, err := openJournal(path)
	if err != nil {
		return nil, err
	}
	return &AOF{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Write buffers data. A full buffer spills to the kernel on its own.
func (aof *AOF) Write(data []byte) error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if aof.rewriteBuf != nil {
		aof.rewriteBuf.Write(data)
	}
	_, err := aof.writer.Write(data)
	return err
}

// Fsync flushes the buffer and syncs the file to disk.
func (aof *AOF) Fsync() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if err := aof.writer.Flush(); err != nil {
		return err
	}
	return aof.file.Sync()
}

// Size returns the current on-disk size of the journal, excluding bytes
// still sitting in the buffer.
func (aof *AOF) Size() (int64, error) {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	st, err := aof.file.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// beginRewrite starts capturing appends for the journal that will replace
// the current one.
func (aof *AOF) beginRewrite() {
	aof.mu.Lock()
	aof.rewriteBuf = new(bytes.Buffer)
	aof.mu.Unlock()
}

// abortRewrite drops the capture started by beginRewrite.
func (aof *AOF) abortRewrite() {
	aof.mu.Lock()
	aof.rewriteBuf = nil
	aof.mu.Unlock()
}

// swap replaces the journal on disk with the file at tmpPath, reopens it
// for appending and replays the rewrite buffer into it. A failed flush of
// the old journal is reported in flushErr but does not stop the swap: the
// same commands are carried over by the rewrite buffer.
func (aof *AOF) swap(tmpPath string) (size int64, flushErr, err error) {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	pending := aof.rewriteBuf
	aof.rewriteBuf = nil

	flushErr = aof.writer.Flush()
	_ = aof.file.Close()

	if err = os.Rename(tmpPath, aof.path); err != nil {
		// Keep appending to the old journal so no command is lost.
		if f, reopenErr := openJournal(aof.path); reopenErr == nil {
			aof.file = f
			aof.writer.Reset(f)
		}
		return 0, flushErr, err
	}

	f, err := openJournal(aof.path)
	if err != nil {
		return 0, flushErr, err
	}
	aof.file = f
	aof.writer.Reset(f)

	st, err := f.Stat()
	if err != nil {
		return 0, flushErr, err
	}
	size = st.Size()

	if pending != nil && pending.Len() > 0 {
		if _, err := pending.WriteTo(aof.writer); err != nil {
			return size, flushErr, err
		}
		if err := aof.writer.Flush(); err != nil {
			return size, flushErr, err
		}
	}
	return size, flushErr, nil
}

// Close flushes pending appends and closes the file.
func (aof *AOF) Close() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if err := aof.writer.Flush(); err != nil {
		_ = aof.file.Close()
		return err
	}
	return aof.file.Close()
}

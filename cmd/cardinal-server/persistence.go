// persistence.go ties the Store to the journal: replaying it at startup,
// logging writes while serving, and compacting it.
//
// The journal is a hybrid file. An optional CRD1 snapshot (see store.go)
// forms the preamble, and RESP-encoded write commands follow it:
//
//	+---------------------+------------------------+
//	| CRD1 snapshot       | RESP command tail      |
//	+---------------------+------------------------+
//
// Startup loads the snapshot in one pass and replays only the tail.
// Compaction writes a fresh snapshot to a temporary file and renames it
// over the journal, which collapses the tail back to nothing.
//
// Command Logging
// ===============
//
// Handlers call logCommand from inside the store callback that applies a
// write, while the shard lock is held. The journal is only
// flushed by the maintenance loop, so a crash loses at most one fsync
// interval of writes. A failed append is logged and otherwise ignored: the
// in-memory state is already correct, and failing the request would not
// undo it.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

var errJournalTruncated = errors.New("journal truncated (start with -aof-load-truncated to recover, or inspect it with cardinal-check journal)")

// logCommand appends a write command to the journal.
func (app *application) logCommand(command string, args []string) {
	if app.aof == nil {
		return
	}
	if err := app.aof.Write(encodeCommand(command, args)); err != nil {
		app.logger.Error("failed to append to journal", "error", err, "command", command)
	}
}

// loadAOF restores the store from the journal. A missing journal is an
// empty store.
func (app *application) loadAOF() error {
	//
	// DESIGN
	// ------
	//
	// A single bufio.Reader walks the whole file. If it starts with the CRD1
	// magic the snapshot loader consumes exactly the binary section, and the
	// RESP parser picks up from the same reader, so nothing is read twice.
	// A file without the magic is a pure command log.
	//
	// A crash in the middle of an append leaves a partial command at the end
	// of the file, which the parser reports as io.ErrUnexpectedEOF. With
	// aof_load_truncated the partial command is dropped and the journal is
	// compacted right after startup. Any other parse error means the file is
	// damaged and loading stops.
	//
	f, err := os.Open(app.config.AOFPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)

	if magic, _ := r.Peek(len(snapshotMagic)); string(magic) == snapshotMagic {
		app.logger.Info("loading journal snapshot", "path", app.config.AOFPath)
		if err := app.store.LoadSnapshotFromReader(r); err != nil {
			return fmt.Errorf("corrupt journal snapshot: %w", err)
		}
	}

	parser := NewParser(r)
	replayed := 0
	for {
		parts, err := parser.Parse()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			if !app.config.AOFLoadTruncated {
				return errJournalTruncated
			}
			app.logger.Warn("journal ends with a partial command, ignoring it", "replayed", replayed)
			app.needsCompaction = true
			break
		}
		if err != nil {
			return fmt.Errorf("journal command %d: %w", replayed+1, err)
		}

		app.router.Dispatch(app, io.Discard, parts)
		replayed++
	}

	app.logger.Info("journal loaded", "keys", app.store.Len(), "replayed", replayed)
	return nil
}

// writeSnapshotFile writes a synced CRD1 snapshot of store to path.
func writeSnapshotFile(path string, store *Store) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(f)
	if err := store.SaveSnapshotToWriter(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// CompactAOF replaces the journal with a snapshot of the current store.
// Clients keep being served while the snapshot is written; appends are only
// paused for the rename.
func (app *application) CompactAOF() error {
	tmp := app.config.AOFPath + ".tmp"

	app.aof.beginRewrite()
	swapped := false
	defer func() {
		if !swapped {
			app.aof.abortRewrite()
			_ = os.Remove(tmp)
		}
	}()

	if err := writeSnapshotFile(tmp, app.store); err != nil {
		app.metrics.rewrites.WithLabelValues("error").Inc()
		return err
	}

	size, flushErr, err := app.aof.swap(tmp)
	if flushErr != nil {
		app.logger.Warn("failed to flush journal before rewrite", "error", flushErr)
	}
	if err != nil {
		app.metrics.rewrites.WithLabelValues("error").Inc()
		return err
	}
	swapped = true

	app.aofBaseSize.Store(size)
	app.metrics.rewrites.WithLabelValues("ok").Inc()
	return nil
}

// startRewrite runs CompactAOF in the background unless a rewrite is
// already in progress, and reports whether it started one.
func (app *application) startRewrite(reason string) bool {
	if !app.isRewriting.CompareAndSwap(false, true) {
		return false
	}

	app.bg.Add(1)
	go func() {
		defer app.bg.Done()
		defer app.isRewriting.Store(false)

		app.logger.Info("journal rewrite started", "reason", reason)
		start := time.Now()
		if err := app.CompactAOF(); err != nil {
			app.logger.Error("journal rewrite failed", "error", err)
			return
		}
		app.logger.Info("journal rewrite finished", "duration", time.Since(start), "base_bytes", app.aofBaseSize.Load())
	}()
	return true
}

// rewriteDue reports whether the journal has outgrown its last compacted
// size by aof_rewrite_percent, ignoring journals below aof_min_size.
func (app *application) rewriteDue(current int64) bool {
	if current < int64(app.config.AOFMinSize) {
		return false
	}
	base := app.aofBaseSize.Load()
	return current > base+base*int64(app.config.AOFRewritePercent)/100
}

// maintain syncs the journal every fsync_interval and starts a rewrite
// when it has grown enough. It returns when ctx is done.
func (app *application) maintain(ctx context.Context) {
	ticker := time.NewTicker(app.config.FsyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := app.aof.Fsync(); err != nil {
			app.logger.Error("background sync failed", "error", err)
		}

		size, err := app.aof.Size()
		if err != nil {
			continue
		}
		if app.rewriteDue(size) {
			app.startRewrite("journal growth")
		}
	}
}

// handlers_hll.go implements the sketch commands.
//
// Every key holds one sketch. Writers go through Store.Mutate and update
// the sketch in place under the shard's write lock; readers go through
// Store.View. Commands that read several keys (HLL.COUNT, HLL.MERGE) clone
// what they need under each key's own lock and combine the copies outside
// any lock, so they never hold two shard locks at once.
//
// Journaling
// ==========
//
// Writes are journaled from inside the Mutate callback, under the key's
// lock, so the journal orders writes to a key exactly as they happened.
//
// A key created implicitly by HLL.ADD or HLL.ADDHASH is journaled as an
// explicit HLL.CREATE with its precision first. Replay then rebuilds the
// same sketch even if the server restarts with a different default
// precision.
//
// HLL.MERGE is journaled as an HLL.IMPORT of the merged destination, in
// the compact encoding. Replaying the merge itself would read the sources
// as they are at replay time, which need not match what they held when
// the merge ran.
//
// Replies
// =======
//
//	HLL.CREATE key [lgK]        +OK
//	HLL.ADD key el [el ...]     :1 if a register changed, else :0
//	HLL.ADDHASH key h [h ...]   same, with unsigned 64-bit decimal hashes
//	HLL.COUNT key [key ...]     :estimate of the union, rounded
//	HLL.MERGE dest src [...]    +OK
//	HLL.DENSE key               +OK
//	HLL.ISDENSE key             :1 or :0
//	HLL.EXPORT key [COMPACT]    bulk sketch bytes, or nil
//	HLL.IMPORT key bytes        +OK
//	HLL.INFO key                bulk text summary, or nil
//	HLL.HASH element            bulk decimal hash

package main

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"cardinal.lopezb.com/internal/hll"
)

var (
	errNoSuchKey      = errors.New("ERR no such key")
	errInvalidLgK     = fmt.Errorf("ERR lgK must be an integer between %d and %d", hll.MinLgK, hll.MaxLgK)
	errInvalidHash    = errors.New("ERR hash is not a valid unsigned 64-bit integer")
	errSyntax         = errors.New("ERR syntax error")
	errLgKMismatch    = errors.New("ERR key exists with a different lgK")
	errPrecisionClash = errors.New("ERR sketches have different lgK values")
)

func parseLgK(s string) (int, error) {
	lgK, err := strconv.Atoi(s)
	if err != nil || lgK < hll.MinLgK || lgK > hll.MaxLgK {
		return 0, errInvalidLgK
	}
	return lgK, nil
}

func (app *application) logCreate(key string, lgK int) {
	app.logCommand("HLL.CREATE", []string{key, strconv.Itoa(lgK)})
}

// handleHLLCreate handles HLL.CREATE.
// Syntax: HLL.CREATE key [lgK]
//
// Creating a key that already exists with the same precision is a no-op.
func (app *application) handleHLLCreate(w io.Writer, args []string) {
	if len(args) < 1 || len(args) > 2 {
		app.wrongNumberOfArgsResponse(w, "HLL.CREATE")
		return
	}

	key := args[0]
	lgK := app.config.DefaultLgK
	if len(args) == 2 {
		var err error
		if lgK, err = parseLgK(args[1]); err != nil {
			_ = app.writeErrorResponse(w, err.Error())
			return
		}
	}

	mismatch := false
	app.store.Mutate(key, func(sk *hll.Sketch) *hll.Sketch {
		if sk != nil {
			mismatch = sk.Precision() != lgK
			return nil
		}
		app.logCreate(key, lgK)
		return hll.New(lgK)
	})

	if mismatch {
		_ = app.writeErrorResponse(w, errLgKMismatch.Error())
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// updateSketch applies fn to the sketch under key, creating it with the
// default precision when missing, and journals args under command if a
// register changed. It reports whether one did.
func (app *application) updateSketch(command string, args []string, fn func(sk *hll.Sketch) bool) bool {
	changed := false
	app.store.Mutate(args[0], func(sk *hll.Sketch) *hll.Sketch {
		if sk == nil {
			sk = hll.New(app.config.DefaultLgK)
			app.logCreate(args[0], app.config.DefaultLgK)
		}

		wasSparse := sk.IsSparse()
		changed = fn(sk)
		if wasSparse && sk.IsDense() {
			app.metrics.promotions.Inc()
		}
		if changed {
			app.logCommand(command, args)
		}
		return sk
	})
	return changed
}

// handleHLLAdd handles HLL.ADD.
// Syntax: HLL.ADD key element [element ...]
func (app *application) handleHLLAdd(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "HLL.ADD")
		return
	}

	elements := args[1:]
	changed := app.updateSketch("HLL.ADD", args, func(sk *hll.Sketch) bool {
		hit := false
		for _, el := range elements {
			if sk.Update([]byte(el)) {
				hit = true
			}
		}
		return hit
	})
	_ = app.writeBoolResponse(w, changed)
}

// handleHLLAddHash handles HLL.ADDHASH.
// Syntax: HLL.ADDHASH key hash [hash ...]
//
// Hashes are taken as already computed 64-bit values, as produced by
// HLL.HASH or hll.Hash. All of them are validated before any is applied.
func (app *application) handleHLLAddHash(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "HLL.ADDHASH")
		return
	}

	hashes := make([]uint64, len(args)-1)
	for i, s := range args[1:] {
		h, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			_ = app.writeErrorResponse(w, errInvalidHash.Error())
			return
		}
		hashes[i] = h
	}

	changed := app.updateSketch("HLL.ADDHASH", args, func(sk *hll.Sketch) bool {
		hit := false
		for _, h := range hashes {
			if sk.UpdateHash(h) {
				hit = true
			}
		}
		return hit
	})
	_ = app.writeBoolResponse(w, changed)
}

// unionOf merges the sketches under keys. Missing keys are skipped; the
// result is nil when none exist.
func (app *application) unionOf(keys []string) (*hll.Sketch, error) {
	sketches := make([]*hll.Sketch, 0, len(keys))
	for _, key := range keys {
		if sk, ok := app.store.Get(key); ok {
			sketches = append(sketches, sk)
		}
	}
	if len(sketches) == 0 {
		return nil, nil
	}

	union := sketches[0]
	if err := union.MergeAll(sketches[1:]...); err != nil {
		return nil, errPrecisionClash
	}
	return union, nil
}

// handleHLLCount handles HLL.COUNT.
// Syntax: HLL.COUNT key [key ...]
//
// With several keys the reply estimates the cardinality of their union.
// Missing keys count as empty sketches.
func (app *application) handleHLLCount(w io.Writer, args []string) {
	if len(args) < 1 {
		app.wrongNumberOfArgsResponse(w, "HLL.COUNT")
		return
	}

	var estimate float64
	if len(args) == 1 {
		_ = app.store.View(args[0], func(sk *hll.Sketch) error {
			if sk != nil {
				estimate = sk.Estimate()
			}
			return nil
		})
	} else {
		union, err := app.unionOf(args)
		if err != nil {
			_ = app.writeErrorResponse(w, err.Error())
			return
		}
		if union != nil {
			estimate = union.Estimate()
		}
	}

	_ = app.writeIntegerResponse(w, int64(math.Round(estimate)))
}

// handleHLLMerge handles HLL.MERGE.
// Syntax: HLL.MERGE destkey sourcekey [sourcekey ...]
//
// A missing destination is created with the precision of the first
// existing source. All precisions must agree.
func (app *application) handleHLLMerge(w io.Writer, args []string) {
	if len(args) < 2 {
		app.wrongNumberOfArgsResponse(w, "HLL.MERGE")
		return
	}

	dest := args[0]
	union, err := app.unionOf(args[1:])
	if err != nil {
		_ = app.writeErrorResponse(w, err.Error())
		return
	}

	clash := false
	app.store.Mutate(dest, func(sk *hll.Sketch) *hll.Sketch {
		if sk == nil {
			lgK := app.config.DefaultLgK
			if union != nil {
				lgK = union.Precision()
			}
			sk = hll.New(lgK)
		}

		wasSparse := sk.IsSparse()
		if err := sk.MergeChecked(union); err != nil {
			clash = true
			return nil
		}
		if wasSparse && sk.IsDense() {
			app.metrics.promotions.Inc()
		}
		app.logCommand("HLL.IMPORT", []string{dest, string(sk.SerializeCompact())})
		return sk
	})

	if clash {
		_ = app.writeErrorResponse(w, errPrecisionClash.Error())
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleHLLDense handles HLL.DENSE.
// Syntax: HLL.DENSE key
func (app *application) handleHLLDense(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "HLL.DENSE")
		return
	}

	found := false
	app.store.Mutate(args[0], func(sk *hll.Sketch) *hll.Sketch {
		if sk == nil {
			return nil
		}
		found = true
		if sk.IsSparse() {
			sk.ToDense()
			app.metrics.promotions.Inc()
			app.logCommand("HLL.DENSE", args)
		}
		return sk
	})

	if !found {
		_ = app.writeErrorResponse(w, errNoSuchKey.Error())
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleHLLIsDense handles HLL.ISDENSE.
// Syntax: HLL.ISDENSE key
//
// A missing key replies 0, like an empty sketch.
func (app *application) handleHLLIsDense(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "HLL.ISDENSE")
		return
	}

	dense := false
	_ = app.store.View(args[0], func(sk *hll.Sketch) error {
		dense = sk.IsDense()
		return nil
	})
	_ = app.writeBoolResponse(w, dense)
}

// handleHLLExport handles HLL.EXPORT.
// Syntax: HLL.EXPORT key [COMPACT]
func (app *application) handleHLLExport(w io.Writer, args []string) {
	if len(args) < 1 || len(args) > 2 {
		app.wrongNumberOfArgsResponse(w, "HLL.EXPORT")
		return
	}

	compact := false
	if len(args) == 2 {
		if !strings.EqualFold(args[1], "COMPACT") {
			_ = app.writeErrorResponse(w, errSyntax.Error())
			return
		}
		compact = true
	}

	var data []byte
	_ = app.store.View(args[0], func(sk *hll.Sketch) error {
		switch {
		case sk == nil:
		case compact:
			data = sk.SerializeCompact()
		default:
			data = sk.Serialize()
		}
		return nil
	})

	if data == nil {
		_ = app.writeNilResponse(w)
		return
	}
	_ = app.writeBulkBytesResponse(w, data)
}

// handleHLLImport handles HLL.IMPORT.
// Syntax: HLL.IMPORT key bytes
//
// bytes is a serialized sketch in either format. It replaces whatever the
// key held.
func (app *application) handleHLLImport(w io.Writer, args []string) {
	if len(args) != 2 {
		app.wrongNumberOfArgsResponse(w, "HLL.IMPORT")
		return
	}

	sk, err := hll.Decode([]byte(args[1]))
	if err != nil {
		_ = app.writeErrorResponse(w, "ERR "+err.Error())
		return
	}

	app.store.Mutate(args[0], func(*hll.Sketch) *hll.Sketch {
		app.logCommand("HLL.IMPORT", args)
		return sk
	})
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleHLLInfo handles HLL.INFO.
// Syntax: HLL.INFO key
func (app *application) handleHLLInfo(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "HLL.INFO")
		return
	}

	var summary string
	_ = app.store.View(args[0], func(sk *hll.Sketch) error {
		if sk != nil {
			summary = sk.String()
		}
		return nil
	})

	if summary == "" {
		_ = app.writeNilResponse(w)
		return
	}
	_ = app.writeBulkStringResponse(w, summary)
}

// handleHLLHash handles HLL.HASH.
// Syntax: HLL.HASH element
//
// The reply is a bulk string because the hash does not fit a signed RESP
// integer. The empty element hashes to 0.
func (app *application) handleHLLHash(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "HLL.HASH")
		return
	}
	_ = app.writeBulkStringResponse(w, strconv.FormatUint(hll.HashOf([]byte(args[0])), 10))
}

// handlers.go implements the server-level commands: PING, INFO, DEL,
// MEMORY USAGE and COMPACT.

package main

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"cardinal.lopezb.com/internal/hll"
)

// handlePing handles PING.
// Syntax: PING
func (app *application) handlePing(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "PING")
		return
	}
	_ = app.writeSimpleStringResponse(w, "PONG")
}

// handleInfo handles INFO.
// Syntax: INFO
//
// The report follows the Redis INFO layout: "# Section" headers followed by
// key:value lines, all CRLF terminated.
func (app *application) handleInfo(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "INFO")
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	line := func(format string, a ...any) {
		fmt.Fprintf(&b, format, a...)
		b.WriteString("\r\n")
	}

	line("# Server")
	line("uptime_in_seconds:%d", int64(time.Since(app.startTime).Seconds()))
	line("tcp_port:%d", app.config.Port)
	line("default_lgk:%d", app.config.DefaultLgK)
	line("")
	line("# Clients")
	line("connections_total:%d", app.metrics.TotalConnections.Load())
	line("connections_active:%d", len(app.connLimiter))
	line("")
	line("# Stats")
	line("commands_processed_total:%d", app.metrics.TotalCommands.Load())
	line("")
	line("# Memory")
	line("heap_alloc:%d", mem.HeapAlloc)
	line("heap_alloc_human:%s", humanize.IBytes(mem.HeapAlloc))
	line("")
	line("# Persistence")
	if app.aof == nil {
		line("aof_enabled:0")
	} else {
		size, _ := app.aof.Size()
		line("aof_enabled:1")
		line("aof_rewrite_in_progress:%d", boolInt(app.isRewriting.Load()))
		line("aof_current_size:%d", size)
		line("aof_current_size_human:%s", humanize.IBytes(uint64(size)))
		line("aof_base_size:%d", app.aofBaseSize.Load())
	}
	line("")
	line("# Keyspace")
	line("keys:%d", app.store.Len())

	_ = app.writeBulkStringResponse(w, b.String())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// handleCompact handles COMPACT.
// Syntax: COMPACT
//
// The journal rewrite runs in the background; the reply only says it
// started. Outcome is reported in the server log.
func (app *application) handleCompact(w io.Writer, args []string) {
	if len(args) != 0 {
		app.wrongNumberOfArgsResponse(w, "COMPACT")
		return
	}
	if app.aof == nil {
		_ = app.writeErrorResponse(w, "ERR persistence is disabled, nothing to compact")
		return
	}
	if !app.startRewrite("user requested") {
		_ = app.writeErrorResponse(w, "ERR Background append only file rewriting already in progress")
		return
	}
	_ = app.writeSimpleStringResponse(w, "Background append only file rewriting started")
}

// handleDel handles DEL.
// Syntax: DEL key [key ...]
//
// Replies with the number of keys removed. Each removed key is journaled
// as its own DEL.
func (app *application) handleDel(w io.Writer, args []string) {
	if len(args) == 0 {
		app.wrongNumberOfArgsResponse(w, "DEL")
		return
	}

	deleted := 0
	for _, key := range args {
		if app.store.Delete(key, func() { app.logCommand("DEL", []string{key}) }) {
			deleted++
		}
	}
	_ = app.writeIntegerResponse(w, int64(deleted))
}

// handleMemory handles MEMORY.
// Syntax: MEMORY USAGE key
func (app *application) handleMemory(w io.Writer, args []string) {
	if len(args) < 1 {
		app.wrongNumberOfArgsResponse(w, "MEMORY")
		return
	}

	switch strings.ToUpper(args[0]) {
	case "USAGE":
		app.handleMemoryUsage(w, args[1:])
	default:
		_ = app.writeErrorResponse(w, fmt.Sprintf("ERR unknown subcommand '%s'. Try MEMORY USAGE <key>", args[0]))
	}
}

// entryOverhead approximates what a key costs beyond its registers.
const entryOverhead = 16 + 32 + 80

func (app *application) handleMemoryUsage(w io.Writer, args []string) {
	if len(args) != 1 {
		app.wrongNumberOfArgsResponse(w, "MEMORY USAGE")
		return
	}

	key := args[0]
	size := -1
	_ = app.store.View(key, func(sk *hll.Sketch) error {
		if sk != nil {
			size = len(key) + sk.MemoryUsage() + entryOverhead
		}
		return nil
	})

	if size < 0 {
		_ = app.writeNilResponse(w)
		return
	}
	_ = app.writeIntegerResponse(w, int64(size))
}

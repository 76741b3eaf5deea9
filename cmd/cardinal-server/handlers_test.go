package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfo(t *testing.T) {
	app := newTestApp(t)
	call(app, "HLL.ADD", "a", "x")
	call(app, "HLL.ADD", "b", "y")

	reply := call(app, "INFO")
	require.True(t, strings.HasPrefix(reply, "$"))

	for _, want := range []string{
		"# Server\r\n",
		"default_lgk:12\r\n",
		"# Keyspace\r\nkeys:2\r\n",
		"aof_enabled:0\r\n",
		"heap_alloc_human:",
	} {
		assert.Contains(t, reply, want)
	}

	assert.Contains(t, call(app, "INFO", "all"), "wrong number of arguments")
}

func TestDel(t *testing.T) {
	app := newTestApp(t)
	call(app, "HLL.ADD", "a", "x")
	call(app, "HLL.ADD", "b", "y")

	assert.Equal(t, ":2\r\n", call(app, "DEL", "a", "b", "missing"))
	assert.Equal(t, ":0\r\n", call(app, "DEL", "a"))
	assert.Equal(t, 0, app.store.Len())
	assert.Contains(t, call(app, "DEL"), "wrong number of arguments")
}

func TestMemoryUsage(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, "$-1\r\n", call(app, "MEMORY", "USAGE", "missing"))

	call(app, "HLL.ADD", "k", "x")
	sparse := countOf(t, call(app, "MEMORY", "usage", "k"))
	assert.Greater(t, sparse, int64(entryOverhead))

	call(app, "HLL.DENSE", "k")
	dense := countOf(t, call(app, "MEMORY", "USAGE", "k"))
	assert.GreaterOrEqual(t, dense, int64(4096+entryOverhead))
	assert.Greater(t, dense, sparse)

	assert.True(t, strings.HasPrefix(call(app, "MEMORY", "DOCTOR"), "-ERR unknown subcommand"))
	assert.Contains(t, call(app, "MEMORY", "USAGE"), "wrong number of arguments")
}

func TestCompactDisabled(t *testing.T) {
	app := newTestApp(t)
	assert.Equal(t, "-ERR persistence is disabled, nothing to compact\r\n", call(app, "COMPACT"))
}

func TestCompactCommand(t *testing.T) {
	app := newPersistentApp(t, filepath.Join(t.TempDir(), "journal.aof"))
	call(app, "HLL.ADD", "k", "a", "b")

	assert.Equal(t, "+Background append only file rewriting started\r\n", call(app, "COMPACT"))
	app.bg.Wait()
	assert.False(t, app.isRewriting.Load())
	assert.Positive(t, app.aofBaseSize.Load())

	// A rewrite already in flight refuses a second one.
	app.isRewriting.Store(true)
	assert.Equal(t, "-ERR Background append only file rewriting already in progress\r\n", call(app, "COMPACT"))
	app.isRewriting.Store(false)

	assert.Contains(t, call(app, "COMPACT", "now"), "wrong number of arguments")
}

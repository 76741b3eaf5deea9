package main

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardinal.lopezb.com/internal/hll"
)

func bulk(s string) string {
	return string(appendBulk(nil, s))
}

func errReply(err error) string {
	return "-" + err.Error() + "\r\n"
}

// countOf parses an integer reply.
func countOf(t *testing.T, reply string) int64 {
	t.Helper()
	require.True(t, strings.HasPrefix(reply, ":"), "not an integer reply: %q", reply)
	n, err := strconv.ParseInt(strings.TrimSpace(reply[1:]), 10, 64)
	require.NoError(t, err)
	return n
}

func addMany(app *application, key string, from, to int) {
	args := []string{"HLL.ADD", key}
	for i := from; i < to; i++ {
		args = append(args, fmt.Sprintf("item-%d", i))
	}
	call(app, args...)
}

func TestHLLCreate(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, "+OK\r\n", call(app, "HLL.CREATE", "a"))
	assert.Equal(t, "+OK\r\n", call(app, "HLL.CREATE", "b", "14"))
	assert.Equal(t, "+OK\r\n", call(app, "HLL.CREATE", "b", "14"), "same precision is a no-op")
	assert.Equal(t, errReply(errLgKMismatch), call(app, "HLL.CREATE", "b", "10"))

	sk, ok := app.store.Get("a")
	require.True(t, ok)
	assert.Equal(t, hll.DefaultLgK, sk.Precision())

	sk, ok = app.store.Get("b")
	require.True(t, ok)
	assert.Equal(t, 14, sk.Precision())

	for _, bad := range []string{"3", "22", "twelve", "-1"} {
		assert.Equal(t, errReply(errInvalidLgK), call(app, "HLL.CREATE", "c", bad), bad)
	}
	_, ok = app.store.Get("c")
	assert.False(t, ok, "a rejected create must not leave a key behind")

	assert.Contains(t, call(app, "HLL.CREATE"), "wrong number of arguments")
	assert.Contains(t, call(app, "HLL.CREATE", "a", "12", "x"), "wrong number of arguments")
}

func TestHLLAdd(t *testing.T) {
	app := newTestApp(t)
	app.config.DefaultLgK = 10

	assert.Equal(t, ":1\r\n", call(app, "HLL.ADD", "k", "apple", "banana"))
	assert.Equal(t, ":0\r\n", call(app, "HLL.ADD", "k", "apple"), "a repeated element changes nothing")
	assert.Equal(t, ":1\r\n", call(app, "HLL.ADD", "k", "apple", "cherry"))

	sk, ok := app.store.Get("k")
	require.True(t, ok)
	assert.Equal(t, 10, sk.Precision(), "implicit creation uses the default precision")

	assert.Contains(t, call(app, "HLL.ADD", "k"), "wrong number of arguments")
}

func TestHLLAddHash(t *testing.T) {
	app := newTestApp(t)

	h := strconv.FormatUint(hll.HashOf([]byte("apple")), 10)
	assert.Equal(t, ":1\r\n", call(app, "HLL.ADDHASH", "k", h))
	assert.Equal(t, ":0\r\n", call(app, "HLL.ADD", "k", "apple"), "the hash and the element land in the same register")

	assert.Equal(t, errReply(errInvalidHash), call(app, "HLL.ADDHASH", "other", "1", "nope"))
	assert.Equal(t, errReply(errInvalidHash), call(app, "HLL.ADDHASH", "other", "18446744073709551616"))
	_, ok := app.store.Get("other")
	assert.False(t, ok, "no hash is applied when any is invalid")
}

func TestHLLCount(t *testing.T) {
	app := newTestApp(t)

	t.Run("missing key", func(t *testing.T) {
		assert.Equal(t, ":0\r\n", call(app, "HLL.COUNT", "nothing"))
	})

	t.Run("small sets are exact", func(t *testing.T) {
		call(app, "HLL.ADD", "key_a", "apple", "banana")
		call(app, "HLL.ADD", "key_b", "banana", "cherry")

		assert.Equal(t, ":2\r\n", call(app, "HLL.COUNT", "key_a"))
		assert.Equal(t, ":3\r\n", call(app, "HLL.COUNT", "key_a", "key_b"))
		assert.Equal(t, ":3\r\n", call(app, "HLL.COUNT", "key_a", "key_b", "missing"))
	})

	t.Run("large sets", func(t *testing.T) {
		addMany(app, "big", 0, 50000)
		got := countOf(t, call(app, "HLL.COUNT", "big"))
		assert.InEpsilon(t, 50000, got, 0.05)

		addMany(app, "big2", 25000, 75000)
		got = countOf(t, call(app, "HLL.COUNT", "big", "big2"))
		assert.InEpsilon(t, 75000, got, 0.05)
	})

	t.Run("union does not modify sources", func(t *testing.T) {
		assert.Equal(t, ":2\r\n", call(app, "HLL.COUNT", "key_a"))
	})

	t.Run("precision clash", func(t *testing.T) {
		call(app, "HLL.CREATE", "p10", "10")
		call(app, "HLL.ADD", "p10", "x")
		assert.Equal(t, errReply(errPrecisionClash), call(app, "HLL.COUNT", "key_a", "p10"))
	})
}

func TestHLLMerge(t *testing.T) {
	app := newTestApp(t)

	call(app, "HLL.CREATE", "src1", "14")
	call(app, "HLL.ADD", "src1", "a", "b")
	call(app, "HLL.CREATE", "src2", "14")
	call(app, "HLL.ADD", "src2", "b", "c", "d")

	assert.Equal(t, "+OK\r\n", call(app, "HLL.MERGE", "dest", "src1", "src2", "missing"))

	sk, ok := app.store.Get("dest")
	require.True(t, ok)
	assert.Equal(t, 14, sk.Precision(), "a new destination takes the sources' precision")
	assert.Equal(t, ":4\r\n", call(app, "HLL.COUNT", "dest"))
	assert.Equal(t, ":2\r\n", call(app, "HLL.COUNT", "src1"))

	// Merging into an existing destination keeps what it had.
	call(app, "HLL.ADD", "dest", "e")
	assert.Equal(t, "+OK\r\n", call(app, "HLL.MERGE", "dest", "src1"))
	assert.Equal(t, ":5\r\n", call(app, "HLL.COUNT", "dest"))

	call(app, "HLL.CREATE", "p10", "10")
	call(app, "HLL.ADD", "p10", "z")
	assert.Equal(t, errReply(errPrecisionClash), call(app, "HLL.MERGE", "dest", "p10"))
	assert.Equal(t, errReply(errPrecisionClash), call(app, "HLL.MERGE", "dest2", "src1", "p10"))
	_, ok = app.store.Get("dest2")
	assert.False(t, ok)

	assert.Equal(t, "+OK\r\n", call(app, "HLL.MERGE", "empty", "nope"))
	assert.Equal(t, ":0\r\n", call(app, "HLL.COUNT", "empty"))

	assert.Contains(t, call(app, "HLL.MERGE", "dest"), "wrong number of arguments")
}

func TestHLLDense(t *testing.T) {
	app := newTestApp(t)

	call(app, "HLL.ADD", "k", "a", "b")
	assert.Equal(t, ":0\r\n", call(app, "HLL.ISDENSE", "k"))
	assert.Equal(t, ":0\r\n", call(app, "HLL.ISDENSE", "missing"))

	before := call(app, "HLL.COUNT", "k")
	assert.Equal(t, "+OK\r\n", call(app, "HLL.DENSE", "k"))
	assert.Equal(t, ":1\r\n", call(app, "HLL.ISDENSE", "k"))
	assert.Equal(t, before, call(app, "HLL.COUNT", "k"), "promotion keeps the estimate")
	assert.Equal(t, "+OK\r\n", call(app, "HLL.DENSE", "k"), "already dense")

	assert.Equal(t, errReply(errNoSuchKey), call(app, "HLL.DENSE", "missing"))
	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.promotions))
}

func TestHLLPromotionOnGrowth(t *testing.T) {
	app := newTestApp(t)
	app.config.DefaultLgK = 8

	addMany(app, "k", 0, 1000)
	assert.Equal(t, ":1\r\n", call(app, "HLL.ISDENSE", "k"))
	assert.Equal(t, 1.0, testutil.ToFloat64(app.metrics.promotions))
}

func TestHLLExportImport(t *testing.T) {
	app := newTestApp(t)
	addMany(app, "src", 0, 100)

	sk, ok := app.store.Get("src")
	require.True(t, ok)

	full := string(sk.Serialize())
	compact := string(sk.SerializeCompact())

	assert.Equal(t, bulk(full), call(app, "HLL.EXPORT", "src"))
	assert.Equal(t, bulk(compact), call(app, "HLL.EXPORT", "src", "compact"))
	assert.Equal(t, "$-1\r\n", call(app, "HLL.EXPORT", "missing"))
	assert.Equal(t, errReply(errSyntax), call(app, "HLL.EXPORT", "src", "SMALL"))

	for name, data := range map[string]string{"full": full, "compact": compact} {
		t.Run(name, func(t *testing.T) {
			key := "copy-" + name
			require.Equal(t, "+OK\r\n", call(app, "HLL.IMPORT", key, data))
			assert.Equal(t, call(app, "HLL.COUNT", "src"), call(app, "HLL.COUNT", key))
			assert.Equal(t, bulk(full), call(app, "HLL.EXPORT", key))
		})
	}

	t.Run("replaces existing key", func(t *testing.T) {
		call(app, "HLL.CREATE", "small", "4")
		require.Equal(t, "+OK\r\n", call(app, "HLL.IMPORT", "small", full))
		got, ok := app.store.Get("small")
		require.True(t, ok)
		assert.Equal(t, sk.Precision(), got.Precision())
	})

	t.Run("garbage", func(t *testing.T) {
		reply := call(app, "HLL.IMPORT", "bad", "not a sketch")
		assert.True(t, strings.HasPrefix(reply, "-ERR invalid HLL data"), reply)
		_, ok := app.store.Get("bad")
		assert.False(t, ok)
	})
}

func TestHLLExportImportOverTCP(t *testing.T) {
	app := newTestApp(t)
	c := dial(t, startServer(t, app))

	c.send("HLL.ADD src a b c d e")
	exported := c.send("HLL.EXPORT src")
	require.True(t, strings.HasPrefix(exported, "$"))

	// Strip "$<n>\r\n" and the trailing CRLF to get the raw bytes back.
	body := exported[strings.Index(exported, "\n")+1 : len(exported)-2]
	assert.Equal(t, "+OK\r\n", c.do("HLL.IMPORT", "dst", body))
	assert.Equal(t, ":5\r\n", c.send("HLL.COUNT dst"))
}

func TestHLLInfo(t *testing.T) {
	app := newTestApp(t)

	assert.Equal(t, "$-1\r\n", call(app, "HLL.INFO", "missing"))

	call(app, "HLL.CREATE", "k", "11")
	call(app, "HLL.ADD", "k", "a", "b", "c")
	reply := call(app, "HLL.INFO", "k")
	assert.Contains(t, reply, "LgK: 11")
	assert.Contains(t, reply, "Mode: Sparse")
	assert.Contains(t, reply, "Estimated cardinality: 3")
}

func TestHLLHash(t *testing.T) {
	app := newTestApp(t)

	want := strconv.FormatUint(hll.HashOf([]byte("hello")), 10)
	assert.Equal(t, bulk(want), call(app, "HLL.HASH", "hello"))
	assert.Equal(t, bulk("0"), call(app, "HLL.HASH", ""))
	assert.Contains(t, call(app, "HLL.HASH"), "wrong number of arguments")
}

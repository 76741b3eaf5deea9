// journal.go verifies server journals. The binary preamble is checked in a
// single streaming pass: structure, per-key shard placement, every sketch
// value and the CRC-64 checksum. Nothing is kept in memory beyond the key
// list.
//
// A journal that has never been compacted has no preamble and is a pure
// RESP command log. That is reported, not treated as an error. The RESP tail
// after a preamble is measured but not parsed.

package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"math"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"cardinal.lopezb.com/internal/hll"
)

const (
	snapshotMagic = "CRD1"
	shardCount    = 256
	opShardBlock  = 0xFE
	opEOF         = 0xFF

	// maxKeyLength is the server's bulk string limit.
	maxKeyLength = 512 << 20
)

var errChecksumMismatch = errors.New("checksum mismatch")

// countReader tracks the byte offset so errors can point at the exact
// position of the damage.
type countReader struct {
	r     io.Reader
	count int64
}

func (cr *countReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.count += int64(n)
	return n, err
}

// offsetError is a verification failure at a file offset.
type offsetError struct {
	offset int64
	msg    string
	err    error
}

func (e *offsetError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("offset %d: %s: %v", e.offset, e.msg, e.err)
	}
	return fmt.Sprintf("offset %d: %s", e.offset, e.msg)
}

func (e *offsetError) Unwrap() error { return e.err }

type journalKey struct {
	name  string
	shard int
	value []byte
}

type journalReport struct {
	snapshot bool
	keys     []journalKey
	shards   int
	checksum uint64
	tail     int64
}

// verifyJournal reads a journal from r and reports its contents.
func verifyJournal(r io.Reader) (*journalReport, error) {
	counter := &countReader{r: r}
	br := bufio.NewReader(counter)
	report := &journalReport{}

	// Offset of the next unread byte, accounting for bufio read-ahead.
	offset := func() int64 { return counter.count - int64(br.Buffered()) }
	fail := func(msg string, err error) error {
		return &offsetError{offset: offset(), msg: msg, err: err}
	}

	magic, _ := br.Peek(len(snapshotMagic))
	if string(magic) != snapshotMagic {
		if len(magic) == 0 || magic[0] == '*' {
			n, err := io.Copy(io.Discard, br)
			report.tail = n
			return report, err
		}
		return nil, fail(fmt.Sprintf("invalid header %q, expected %q", magic, snapshotMagic), nil)
	}
	report.snapshot = true

	hasher := crc64.New(crc64.MakeTable(crc64.ISO))
	tr := io.TeeReader(br, hasher)

	if _, err := io.ReadFull(tr, make([]byte, len(snapshotMagic))); err != nil {
		return nil, fail("failed to read header", err)
	}

	var u32 [4]byte
	readLen := func(what string) (uint32, error) {
		if _, err := io.ReadFull(tr, u32[:]); err != nil {
			return 0, fail("truncated "+what, err)
		}
		return binary.LittleEndian.Uint32(u32[:]), nil
	}

	var op [1]byte
	for {
		if _, err := io.ReadFull(tr, op[:]); err != nil {
			return nil, fail("failed reading opcode", err)
		}
		if op[0] == opEOF {
			break
		}
		if op[0] != opShardBlock {
			return nil, fail(fmt.Sprintf("unexpected opcode %#x", op[0]), nil)
		}

		if _, err := io.ReadFull(tr, op[:]); err != nil {
			return nil, fail("failed reading shard id", err)
		}
		shard := int(op[0])
		report.shards++

		count, err := readLen("key count")
		if err != nil {
			return nil, err
		}

		for range count {
			kLen, err := readLen("key length")
			if err != nil {
				return nil, err
			}
			if kLen > maxKeyLength {
				return nil, fail(fmt.Sprintf("key length %d out of range", kLen), nil)
			}
			key, err := readBlob(tr, kLen)
			if err != nil {
				return nil, fail("truncated key", err)
			}

			vLen, err := readLen("value length")
			if err != nil {
				return nil, err
			}
			if vLen > hll.MaxEncodedLen {
				return nil, fail(fmt.Sprintf("key %q: value length %d out of range", key, vLen), nil)
			}
			val, err := readBlob(tr, vLen)
			if err != nil {
				return nil, fail("truncated value", err)
			}

			if want := int(xxhash.Sum64(key) % shardCount); want != shard {
				return nil, fail(fmt.Sprintf("key %q stored in shard %d, belongs in %d", key, shard, want), nil)
			}
			if _, err := hll.Decode(val); err != nil {
				return nil, fail(fmt.Sprintf("key %q", key), err)
			}
			report.keys = append(report.keys, journalKey{name: string(key), shard: shard, value: val})
		}
	}

	calculated := hasher.Sum64()
	var stored [8]byte
	if _, err := io.ReadFull(br, stored[:]); err != nil {
		return nil, fail("failed to read checksum", err)
	}
	report.checksum = binary.LittleEndian.Uint64(stored[:])
	if report.checksum != calculated {
		return nil, fail(fmt.Sprintf("file %016x, calculated %016x", report.checksum, calculated), errChecksumMismatch)
	}

	n, err := io.Copy(io.Discard, br)
	if err != nil {
		return nil, fail("failed reading tail", err)
	}
	report.tail = n
	return report, nil
}

// readBlob reads n bytes, growing the buffer only as data arrives.
func readBlob(r io.Reader, n uint32) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

func newJournalCmd() *cobra.Command {
	var verbose, describe bool

	cmd := &cobra.Command{
		Use:   "journal FILE",
		Short: "Verify a server journal and list its keys",
		Long: `Verify the binary snapshot at the head of a server journal: structure,
sketch values and CRC-64 checksum. Any RESP command tail after the snapshot
is reported but not parsed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path := args[0]

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()

			start := time.Now()
			report, err := verifyJournal(f)
			if err != nil {
				errColor.Fprintf(out, "%s: corrupted\n", path)
				return err
			}

			if !report.snapshot {
				warnColor.Fprintf(out, "%s: no snapshot preamble, command log only (%s)\n", path, humanize.IBytes(uint64(report.tail)))
				return nil
			}

			if verbose || describe {
				tbl := table.NewWriter()
				tbl.SetOutputMirror(out)
				tbl.SetStyle(table.StyleLight)
				tbl.AppendHeader(table.Row{"Key", "Shard", "Mode", "LgK", "Estimate", "Size"})
				for _, k := range report.keys {
					sk := hll.Deserialize(k.value)
					mode := "sparse"
					if sk.IsDense() {
						mode = "dense"
					}
					tbl.AppendRow(table.Row{
						k.name, k.shard, mode, sk.Precision(),
						humanize.Comma(int64(math.Round(sk.Estimate()))),
						humanize.IBytes(uint64(len(k.value))),
					})
				}
				tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d keys", len(report.keys))})
				tbl.Render()
			}
			if describe {
				for _, k := range report.keys {
					fmt.Fprintf(out, "\n%s\n%s\n", k.name, hll.Describe(k.value))
				}
			}

			okColor.Fprintf(out, "Checksum OK (%016x)\n", report.checksum)
			fmt.Fprintf(out, "Keys:   %s in %d shards\n", humanize.Comma(int64(len(report.keys))), report.shards)
			if report.tail > 0 {
				fmt.Fprintf(out, "Tail:   %s of commands after the snapshot (not verified)\n", humanize.IBytes(uint64(report.tail)))
			}
			fmt.Fprintf(out, "Time:   %v\n", time.Since(start).Round(time.Microsecond))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list every key")
	cmd.Flags().BoolVar(&describe, "describe", false, "print the full summary of every sketch")
	return cmd
}

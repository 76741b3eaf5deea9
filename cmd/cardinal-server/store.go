// store.go implements the sharded sketch store and its binary snapshot
// format. The journal logic that drives snapshots lives in persistence.go.
//
// The store only ever speaks io.Writer and *bufio.Reader, so the same code
// writes the preamble of the journal, feeds the COMPACT path, and is tested
// against in-memory buffers.
//
// Sharding
// ========
//
// Keys are spread over 256 shards, each guarded by its own RWMutex. A key
// belongs to shard xxhash(key) % 256. Operations on keys in different shards
// never contend.
//
// Every value is a live *hll.Sketch. Commands mutate sketches in place while
// holding the shard's write lock; estimates and exports hold the read lock.
// A sketch never escapes the store's callbacks, so the per-shard lock is the
// only synchronization a sketch needs.
//
// The Binary Format (CRD1)
// ========================
//
//	+--------+-----------+-----------+     +-----+----------+
//	| Header | Shard blk | Shard blk | ... | EOF | Checksum |
//	+--------+-----------+-----------+     +-----+----------+
//	 4 bytes   variable    variable         1 B    8 bytes
//
// Header is the magic "CRD1". Each non-empty shard is written as one block:
//
//	+--------+----------+-------+------+-----+------+--------+-----+
//	| OpCode | Shard ID | Count | KLen | Key | VLen | Sketch | ... |
//	+--------+----------+-------+------+-----+------+--------+-----+
//	  1 byte   1 byte    4 bytes 4 B    var   4 B    var
//
// OpCode is 0xFE. Lengths and counts are little-endian uint32. The sketch
// bytes are the standard (non-compact) sketch encoding. A single 0xFF byte
// ends the binary section, followed by a CRC-64 (ISO) of every preceding
// byte. The EOF marker lets RESP text follow the snapshot in the same file.

package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"cardinal.lopezb.com/internal/hll"
)

const snapshotMagic = "CRD1"

const shardCount = 256

const (
	opShardBlock = 0xFE
	opEOF        = 0xFF
)

var (
	errBadSnapshotMagic = errors.New("invalid snapshot header")
	errSnapshotChecksum = errors.New("snapshot corruption: checksum mismatch")
	errSnapshotTooLarge = errors.New("snapshot corruption: length out of range")
)

var crcTable = crc64.MakeTable(crc64.ISO)

type shard struct {
	mu       sync.RWMutex
	sketches map[string]*hll.Sketch
}

// Store maps keys to sketches.
type Store struct {
	shards [shardCount]*shard
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{sketches: make(map[string]*hll.Sketch)}
	}
	return s
}

func shardIndex(key string) int {
	return int(xxhash.Sum64String(key) % shardCount)
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[shardIndex(key)]
}

// Get returns a copy of the sketch stored under key.
func (s *Store) Get(key string) (*hll.Sketch, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	sk, ok := sh.sketches[key]
	if !ok {
		return nil, false
	}
	return sk.Clone(), true
}

// Delete removes key and reports whether it existed. onDelete, if not
// nil, runs under the shard lock after the key is gone.
func (s *Store) Delete(key string, onDelete func()) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sketches[key]; !ok {
		return false
	}
	delete(sh.sketches, key)
	if onDelete != nil {
		onDelete()
	}
	return true
}

// View runs fn under the shard's read lock. fn receives nil for a missing
// key and must not modify or retain the sketch.
func (s *Store) View(key string, fn func(sk *hll.Sketch) error) error {
	sh := s.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return fn(sh.sketches[key])
}

// Mutate runs fn under the shard's write lock. fn receives the current
// sketch (nil when missing) and returns the sketch to keep. Returning nil
// leaves the key as it was; a non-nil result is stored under key.
func (s *Store) Mutate(key string, fn func(sk *hll.Sketch) *hll.Sketch) {
	//
	// DESIGN
	// ------
	//
	// The read-modify-write happens entirely inside the lock, so two
	// concurrent HLL.ADDs on one key cannot lose each other's registers.
	// In-place updates on an existing sketch return the same pointer and the
	// map write is a no-op. Creating a key returns a fresh sketch. Aborting
	// returns nil and nothing is written.
	//
	// Handlers also journal from inside fn. That keeps the journal order of
	// writes to one key identical to the order they were applied in, which
	// replay depends on (a DEL racing an HLL.ADD, for instance).
	//
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if next := fn(sh.sketches[key]); next != nil {
		sh.sketches[key] = next
	}
}

// Len returns the number of keys.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.sketches)
		sh.mu.RUnlock()
	}
	return n
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k := range sh.sketches {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	sort.Strings(keys)
	return keys
}

// SaveSnapshotToWriter writes every sketch to w in the CRD1 format.
func (s *Store) SaveSnapshotToWriter(w io.Writer) error {
	//
	// DESIGN
	// ------
	//
	// Each shard is encoded into a scratch buffer under its read lock and
	// written out after the lock is released, so a slow disk stalls no
	// client for longer than one shard's encode. The snapshot is therefore
	// consistent per shard, not across shards; the journal tail written
	// after the swap covers anything that raced with it.
	//
	// Output goes through a MultiWriter that also feeds the CRC, so the
	// checksum costs no second pass.
	//
	sum := crc64.New(crcTable)
	bw := bufio.NewWriter(io.MultiWriter(w, sum))

	if _, err := bw.WriteString(snapshotMagic); err != nil {
		return err
	}

	var block bytes.Buffer
	var u32 [4]byte
	putLen := func(n int) {
		binary.LittleEndian.PutUint32(u32[:], uint32(n))
		block.Write(u32[:])
	}

	for i, sh := range s.shards {
		sh.mu.RLock()
		if len(sh.sketches) == 0 {
			sh.mu.RUnlock()
			continue
		}

		block.Reset()
		block.WriteByte(opShardBlock)
		block.WriteByte(byte(i))
		putLen(len(sh.sketches))

		for k, sk := range sh.sketches {
			putLen(len(k))
			block.WriteString(k)
			data := sk.Serialize()
			putLen(len(data))
			block.Write(data)
		}
		sh.mu.RUnlock()

		if _, err := block.WriteTo(bw); err != nil {
			return err
		}
	}

	if err := bw.WriteByte(opEOF); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	// The checksum itself goes around the hasher.
	return binary.Write(w, binary.LittleEndian, sum.Sum64())
}

// LoadSnapshotFromReader restores sketches from a CRD1 stream. It consumes
// exactly the binary section and its checksum, leaving r positioned at the
// first byte of any text that follows.
func (s *Store) LoadSnapshotFromReader(r *bufio.Reader) error {
	//
	// DESIGN
	// ------
	//
	// Blocks carry their shard ID and keys go straight into that shard's
	// map. Each key's hash is still checked against the ID: a mismatch can
	// only come from a foreign or damaged file, and such a key would be
	// unreachable if it were stored anyway.
	//
	// Every byte read is fed to the CRC. Sketch values are fully validated
	// with hll.Decode before they are stored.
	//
	// Lengths come from the file and are untrusted until the checksum at
	// the end is verified. They are bounded (keys by the protocol's bulk
	// limit, values by the largest encodable sketch) and buffers grow only
	// as bytes actually arrive, so a damaged length fails at EOF instead of
	// allocating gigabytes up front.
	//
	sum := crc64.New(crcTable)
	tr := io.TeeReader(r, sum)

	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(tr, magic); err != nil {
		return err
	}
	if string(magic) != snapshotMagic {
		return errBadSnapshotMagic
	}

	var u32 [4]byte
	readLen := func() (uint32, error) {
		if _, err := io.ReadFull(tr, u32[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(u32[:]), nil
	}

	var op [2]byte
	for {
		if _, err := io.ReadFull(tr, op[:1]); err != nil {
			return err
		}
		if op[0] == opEOF {
			break
		}
		if op[0] != opShardBlock {
			return fmt.Errorf("snapshot stream corruption: unexpected opcode %x", op[0])
		}
		if _, err := io.ReadFull(tr, op[1:2]); err != nil {
			return err
		}
		id := int(op[1])
		sh := s.shards[id]

		count, err := readLen()
		if err != nil {
			return err
		}

		for range count {
			kLen, err := readLen()
			if err != nil {
				return err
			}
			key, err := readBlob(tr, kLen, MaxBulkLength)
			if err != nil {
				return fmt.Errorf("snapshot key: %w", err)
			}

			vLen, err := readLen()
			if err != nil {
				return err
			}
			val, err := readBlob(tr, vLen, hll.MaxEncodedLen)
			if err != nil {
				return fmt.Errorf("snapshot key %q: %w", key, err)
			}

			if shardIndex(string(key)) != id {
				return fmt.Errorf("snapshot stream corruption: key %q stored in shard %d", key, id)
			}
			sk, err := hll.Decode(val)
			if err != nil {
				return fmt.Errorf("snapshot key %q: %w", key, err)
			}
			sh.sketches[string(key)] = sk
		}
	}

	want := sum.Sum64()
	var stored [8]byte
	if _, err := io.ReadFull(r, stored[:]); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(stored[:]) != want {
		return errSnapshotChecksum
	}
	return nil
}

// readBlob reads n bytes from r, refusing lengths above limit.
func readBlob(r io.Reader, n uint32, limit int) ([]byte, error) {
	if int64(n) > int64(limit) {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", errSnapshotTooLarge, n, limit)
	}
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, int64(n)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

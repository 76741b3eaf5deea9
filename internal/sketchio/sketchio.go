// Package sketchio reads and writes serialized sketches on disk, optionally
// compressed. Compressed files are recognized by their frame magic, so
// readers never need to be told which codec a file was written with.
package sketchio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names a compression algorithm.
type Codec string

const (
	CodecNone   Codec = "none"
	CodecZstd   Codec = "zstd"
	CodecLZ4    Codec = "lz4"
	CodecSnappy Codec = "snappy"
)

var (
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic    = []byte{0x04, 0x22, 0x4d, 0x18}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// ErrUnknownCodec is returned by ParseCodec for unsupported names.
var ErrUnknownCodec = errors.New("sketchio: unknown codec")

// ParseCodec parses a codec name. The empty string means CodecNone.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

// Options controls how WriteFile encodes a sketch.
type Options struct {
	Codec Codec
}

// Detect returns the codec that produced data, judging by its leading
// bytes. Anything without a known frame magic is CodecNone.
func Detect(data []byte) Codec {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return CodecZstd
	case bytes.HasPrefix(data, lz4Magic):
		return CodecLZ4
	case bytes.HasPrefix(data, snappyMagic):
		return CodecSnappy
	default:
		return CodecNone
	}
}

// Compress encodes data with codec.
func Compress(data []byte, codec Codec) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch codec {
	case CodecNone, "":
		return data, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		w = enc
	case CodecLZ4:
		w = lz4.NewWriter(&buf)
	case CodecSnappy:
		w = snappy.NewBufferedWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write %s data: %w", codec, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close %s writer: %w", codec, err)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress, detecting the codec from data. Uncompressed
// input is returned as is.
func Decompress(data []byte) ([]byte, error) {
	var r io.Reader

	switch Detect(data) {
	case CodecZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		r = dec
	case CodecLZ4:
		r = lz4.NewReader(bytes.NewReader(data))
	case CodecSnappy:
		r = snappy.NewReader(bytes.NewReader(data))
	default:
		return data, nil
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s data: %w", Detect(data), err)
	}
	return out, nil
}

// WriteFile stores a serialized sketch at path, replacing any existing file
// atomically.
func WriteFile(path string, data []byte, opts Options) error {
	payload, err := Compress(data, opts.Codec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	return nil
}

// ReadFile loads a sketch written by WriteFile, or any raw serialized
// sketch, and returns its uncompressed bytes.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decompress(data)
}

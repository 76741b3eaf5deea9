package hll

import (
	"errors"
	"fmt"
)

const (
	headerSize = 5

	preambleInts  = 8
	serialVersion = 1
	familyID      = 1

	// Flag bits. flagEmpty and flagOutOfOrder are part of the format but are
	// never written by this package.
	flagEmpty      = 0x04
	flagCompact    = 0x08
	flagOutOfOrder = 0x10
	flagFullSize   = 0x20
)

// MaxEncodedLen bounds the standard and compact encodings of any valid
// sketch. A decoded sparse sketch at MaxLgK can hold k entries of up to four
// bytes each, which outweighs the dense form.
const MaxEncodedLen = headerSize + 5 + 4<<MaxLgK

// Decode failures. Deserialize collapses all of them into an invalid sketch;
// Decode returns them wrapped so callers can tell them apart with errors.Is.
var (
	ErrTooShort          = errors.New("invalid HLL data: slice is too short for header")
	ErrBadPreamble       = errors.New("invalid HLL data: unexpected preamble size")
	ErrBadSerVer         = errors.New("invalid HLL data: unsupported serial version")
	ErrBadFamily         = errors.New("invalid HLL data: unknown family id")
	ErrBadPrecision      = errors.New("invalid HLL data: precision out of range")
	ErrBadVarint         = errors.New("invalid HLL data: malformed varint")
	ErrIndexOutOfRange   = errors.New("invalid HLL data: register index out of range")
	ErrBadLength         = errors.New("invalid HLL data: body length mismatch")
	ErrBadValue          = errors.New("invalid HLL data: register value out of range")
	ErrTrailingBytes     = errors.New("invalid HLL data: trailing bytes after body")
	ErrPrecisionMismatch = errors.New("hll: precision mismatch")
)

type header struct {
	flags byte
	lgK   int
}

func (h header) compact() bool { return h.flags&flagCompact != 0 }
func (h header) dense() bool   { return h.flags&flagFullSize != 0 }

// appendTo writes the 5-byte header to dst.
func (h header) appendTo(dst []byte) []byte {
	//
	// +------+-----------+------+---------------------------------+
	// | Byte | Field     | Size | Notes                           |
	// +------+-----------+------+---------------------------------+
	// | 0    | Preamble  | 1    | always 8                        |
	// | 1    | SerVer    | 1    | always 1                        |
	// | 2    | Family    | 1    | always 1 (HLL)                  |
	// | 3    | Flags     | 1    | 0x08 compact, 0x20 dense        |
	// | 4    | LgK       | 1    | 4..21                           |
	// +------+-----------+------+---------------------------------+
	//
	return append(dst, preambleInts, serialVersion, familyID, h.flags, byte(h.lgK))
}

// readHeader validates the fixed header fields of data.
func readHeader(data []byte) (header, error) {
	if len(data) < headerSize {
		return header{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	if data[0] != preambleInts {
		return header{}, fmt.Errorf("%w: %d", ErrBadPreamble, data[0])
	}
	if data[1] != serialVersion {
		return header{}, fmt.Errorf("%w: %d", ErrBadSerVer, data[1])
	}
	if data[2] != familyID {
		return header{}, fmt.Errorf("%w: %d", ErrBadFamily, data[2])
	}

	lgK := int(data[4])
	if lgK < MinLgK || lgK > MaxLgK {
		return header{}, fmt.Errorf("%w: %d", ErrBadPrecision, lgK)
	}

	return header{flags: data[3], lgK: lgK}, nil
}

// IsCompactEncoding reports whether data has a valid header with the compact
// flag set.
func IsCompactEncoding(data []byte) bool {
	h, err := readHeader(data)
	return err == nil && h.compact()
}

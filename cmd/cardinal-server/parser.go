// parser.go reads client requests in RESP, the Redis wire protocol, so
// redis-cli, redis-benchmark and every Redis client library can talk to the
// server unchanged. The same parser replays the command tail of the journal.
//
// Two request shapes are accepted:
//
//	*2\r\n$9\r\nHLL.COUNT\r\n$4\r\nkey1\r\n    RESP array of bulk strings
//	HLL.COUNT key1\r\n                        inline, whitespace separated
//
// Bulk strings are length-prefixed and binary safe, which HLL.IMPORT relies
// on to carry raw sketch bytes.
//
// Limits
// ======
//
// A hostile client can announce a huge bulk string or array, or stream a
// line that never ends. Lengths are checked against the limits below before
// anything is allocated, and line reads stop at MaxLineSize.
//
// A request cut short by end of input is reported as io.ErrUnexpectedEOF,
// never io.EOF, so journal loading can tell a torn final append from a
// clean end of file.

package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// MaxBulkLength matches Redis's proto-max-bulk-len default (512MB).
	MaxBulkLength = 512 << 20

	// MaxArrayLen caps the number of arguments in one request.
	MaxArrayLen = 1 << 20

	// MaxLineSize caps inline requests and RESP header lines.
	MaxLineSize = 64 << 10
)

var (
	ErrInvalidSyntax = errors.New("ERR protocol error: invalid syntax")
	ErrLineTooLong   = errors.New("ERR protocol error: line too long")
	ErrBulkTooLarge  = errors.New("ERR protocol error: bulk string exceeds 512MB limit")
	ErrArrayTooLong  = errors.New("ERR protocol error: array exceeds 1M elements limit")
)

// Parser decodes requests from a stream.
type Parser struct {
	r    *bufio.Reader
	line []byte
}

// NewParser wraps r. If r is already a *bufio.Reader it is used directly,
// so bytes it has buffered are not lost.
func NewParser(r io.Reader) *Parser {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 4096)
	}
	return &Parser{r: br}
}

// Buffered returns the number of bytes read from the stream but not yet
// parsed. A non-zero value means the client pipelined more requests.
func (p *Parser) Buffered() int {
	return p.r.Buffered()
}

// Parse reads one request. It returns io.EOF only at a request boundary.
func (p *Parser) Parse() ([]string, error) {
	line, err := p.readLine()
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, ErrInvalidSyntax
	}

	if line[0] != '*' {
		return parseInline(line)
	}

	parts, err := p.readArray(line[1:])
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return parts, err
}

// readLine returns the next line without its CRLF. The result is only
// valid until the next call.
func (p *Parser) readLine() ([]byte, error) {
	p.line = p.line[:0]
	for {
		chunk, err := p.r.ReadSlice('\n')
		if len(p.line)+len(chunk) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		p.line = append(p.line, chunk...)

		switch {
		case err == nil:
			line := bytes.TrimSuffix(p.line, []byte{'\n'})
			return bytes.TrimSuffix(line, []byte{'\r'}), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(p.line) > 0:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

func parseInline(line []byte) ([]string, error) {
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return nil, ErrInvalidSyntax
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = string(f)
	}
	return parts, nil
}

func (p *Parser) readArray(countField []byte) ([]string, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(countField)))
	if err != nil {
		return nil, ErrInvalidSyntax
	}
	// *0 and the null array *-1 carry no command.
	if n <= 0 {
		return []string{}, nil
	}
	if n > MaxArrayLen {
		return nil, ErrArrayTooLong
	}

	parts := make([]string, 0, n)
	for range n {
		s, err := p.readBulk()
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	return parts, nil
}

// readBulk reads one $<len>\r\n<data>\r\n element. The null bulk string
// $-1 reads as "".
func (p *Parser) readBulk() (string, error) {
	line, err := p.readLine()
	if err != nil {
		return "", err
	}
	if len(line) == 0 || line[0] != '$' {
		return "", ErrInvalidSyntax
	}

	n, err := strconv.Atoi(string(bytes.TrimSpace(line[1:])))
	switch {
	case err != nil:
		return "", ErrInvalidSyntax
	case n == -1:
		return "", nil
	case n < 0:
		return "", ErrInvalidSyntax
	case n > MaxBulkLength:
		return "", ErrBulkTooLarge
	}

	buf := make([]byte, n+2)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return "", err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return "", ErrInvalidSyntax
	}
	return string(buf[:n]), nil
}

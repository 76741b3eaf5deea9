// responses.go writes RESP replies. Handlers ignore write errors: a broken
// connection surfaces on the next read, where the connection loop ends.

package main

import (
	"io"
	"strconv"
)

// Replies common enough to be worth never allocating.
var (
	respOK   = []byte("+OK\r\n")
	respPong = []byte("+PONG\r\n")
	respZero = []byte(":0\r\n")
	respOne  = []byte(":1\r\n")
	respNil  = []byte("$-1\r\n")
)

func (app *application) writeSimpleStringResponse(w io.Writer, s string) error {
	switch s {
	case "OK":
		_, err := w.Write(respOK)
		return err
	case "PONG":
		_, err := w.Write(respPong)
		return err
	}

	buf := make([]byte, 0, len(s)+3)
	buf = append(buf, '+')
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

// writeErrorResponse writes msg as a RESP error. msg carries its own
// prefix, normally "ERR".
func (app *application) writeErrorResponse(w io.Writer, msg string) error {
	if app.metrics != nil {
		app.metrics.errors.Inc()
	}

	buf := make([]byte, 0, len(msg)+3)
	buf = append(buf, '-')
	buf = append(buf, msg...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeBulkStringResponse(w io.Writer, s string) error {
	_, err := w.Write(appendBulk(make([]byte, 0, len(s)+16), s))
	return err
}

// writeBulkBytesResponse writes binary data, such as an exported sketch,
// as a bulk string.
func (app *application) writeBulkBytesResponse(w io.Writer, data []byte) error {
	_, err := w.Write(appendBulk(make([]byte, 0, len(data)+16), data))
	return err
}

func (app *application) writeIntegerResponse(w io.Writer, i int64) error {
	switch i {
	case 0:
		_, err := w.Write(respZero)
		return err
	case 1:
		_, err := w.Write(respOne)
		return err
	}

	buf := make([]byte, 0, 24)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, i, 10)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeBoolResponse(w io.Writer, b bool) error {
	if b {
		return app.writeIntegerResponse(w, 1)
	}
	return app.writeIntegerResponse(w, 0)
}

func (app *application) writeNilResponse(w io.Writer) error {
	_, err := w.Write(respNil)
	return err
}

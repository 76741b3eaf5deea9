package main

import "strconv"

// encodeCommand renders a command as a RESP array of bulk strings, the
// same shape clients send. It is how writes are recorded in the journal.
//
//	encodeCommand("HLL.ADD", []string{"k", "v"})
//	// *3\r\n$7\r\nHLL.ADD\r\n$1\r\nk\r\n$1\r\nv\r\n
func encodeCommand(command string, args []string) []byte {
	size := 16 + len(command)
	for _, a := range args {
		size += 16 + len(a)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)+1), 10)
	buf = append(buf, '\r', '\n')

	buf = appendBulk(buf, command)
	for _, a := range args {
		buf = appendBulk(buf, a)
	}
	return buf
}

// appendBulk appends s as a RESP bulk string.
func appendBulk[T string | []byte](buf []byte, s T) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, s...)
	return append(buf, '\r', '\n')
}

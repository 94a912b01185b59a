// Package wire frames inbound control-channel bytes into command lines and
// serialises Reply values back to wire bytes.
package wire

import (
	"bytes"
)

// StrictMode controls whether bare LF (no preceding CR) is accepted.
// Default is Lenient: either line ending is accepted.
type StrictMode int

const (
	// Lenient accepts both "\r\n" and bare "\n" terminated lines.
	Lenient StrictMode = iota
	// Strict requires every line to end in "\r\n".
	Strict
)

// Decoder incrementally frames newline-terminated lines out of a byte
// stream. It remembers a search cursor so that re-entry after a partial
// line only rescans the newly appended bytes.
type Decoder struct {
	buf    []byte
	cursor int
	mode   StrictMode
}

// NewDecoder creates a Decoder. A zero-value Decoder is also usable
// (Lenient mode).
func NewDecoder(mode StrictMode) *Decoder {
	return &Decoder{mode: mode}
}

// ErrBareLF is returned by Next when Strict mode encounters a line that is
// not CRLF-terminated.
type ErrBareLF struct{}

func (ErrBareLF) Error() string { return "bare LF without preceding CR" }

// Feed appends newly received bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next extracts the next complete line from the buffered bytes, if any.
// It returns the line with its terminator stripped, and ok=true. If no
// complete line is buffered yet, ok is false. An error is returned only in
// Strict mode when a bare LF is seen.
func (d *Decoder) Next() (line string, ok bool, err error) {
	idx := bytes.IndexByte(d.buf[d.cursor:], '\n')
	if idx < 0 {
		d.cursor = len(d.buf)
		return "", false, nil
	}
	absolute := d.cursor + idx

	hasCR := absolute > 0 && d.buf[absolute-1] == '\r'
	if d.mode == Strict && !hasCR {
		// Drop the malformed line so the caller can close the connection.
		d.consume(absolute + 1)
		return "", false, ErrBareLF{}
	}

	end := absolute
	if hasCR {
		end--
	}
	line = string(d.buf[:end])
	d.consume(absolute + 1)
	return line, true, nil
}

func (d *Decoder) consume(n int) {
	remaining := len(d.buf) - n
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
	d.cursor = 0
}

// Pending reports how many unconsumed bytes remain buffered (for idle /
// max-line-length enforcement by callers).
func (d *Decoder) Pending() int { return len(d.buf) }

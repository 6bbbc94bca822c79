// Package httphead accumulates the head of an HTTP/1.x request from a byte
// stream, locates the end of its header block and rewrites a single header
// value while keeping every other byte intact.
package httphead

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrTooLarge is reported when the header block does not end within the buffer limit.
	ErrTooLarge = errors.New("header block exceeds buffer limit")
	// ErrNotHTTP is reported when the stream does not open with an HTTP request line.
	ErrNotHTTP = errors.New("stream does not start with an HTTP request line")
)

// Status is the state of a Buffer after the bytes seen so far.
type Status int

const (
	// NeedMore means neither the end of the header block nor a failure was found yet.
	NeedMore Status = iota
	// Complete means the blank line terminating the header block was found.
	Complete
	// TooLarge means the limit was reached before the header block ended.
	TooLarge
	// NotHTTP means the first bytes violate the request-line grammar.
	NotHTTP
)

func (s Status) String() string {
	switch s {
	case NeedMore:
		return "need_more"
	case Complete:
		return "complete"
	case TooLarge:
		return "too_large"
	case NotHTTP:
		return "not_http"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Err returns the sentinel error matching a failed status, or nil.
func (s Status) Err() error {
	switch s {
	case TooLarge:
		return ErrTooLarge
	case NotHTTP:
		return ErrNotHTTP
	}
	return nil
}

const (
	initialSize = 4 << 10
	// DefaultLimit bounds a header block when no limit is configured.
	DefaultLimit = 16 << 10
)

// Buffer accumulates client bytes until the header block boundary is found.
// It never holds more than its limit. A Buffer is owned by a single
// connection and is not safe for concurrent use.
type Buffer struct {
	data  []byte
	limit int

	line      requestLine
	scanned   int // bytes fed to the request-line scanner
	lineStart int // start of the first unterminated header line
	end       int // header block end, valid when status is Complete
	status    Status
}

// NewBuffer returns a Buffer that holds at most limit bytes.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Buffer{limit: limit}
}

// Status reports the current state.
func (b *Buffer) Status() Status { return b.status }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Free returns how many more bytes the buffer accepts.
func (b *Buffer) Free() int { return b.limit - len(b.data) }

// Bytes returns every buffered byte, including any bytes past the header block.
func (b *Buffer) Bytes() []byte { return b.data }

// End returns the offset just past the blank line ending the header block.
// It is only meaningful once Status is Complete.
func (b *Buffer) End() int { return b.end }

// Rest returns the buffered bytes that follow the header block.
func (b *Buffer) Rest() []byte {
	if b.status != Complete {
		return nil
	}
	return b.data[b.end:]
}

// Append feeds p into the buffer and returns how many bytes were retained
// along with the resulting status. Once the status is terminal, or the
// limit is reached, no further bytes are retained.
func (b *Buffer) Append(p []byte) (int, Status) {
	if b.status != NeedMore {
		return 0, b.status
	}
	n := min(len(p), b.Free())
	b.data = append(b.data, p[:n]...)
	return n, b.scan()
}

// Fill performs a single Read from r into the buffer's spare capacity
// and rescans. The read error, if any, is returned unchanged so callers can
// tell EOF and timeouts apart.
func (b *Buffer) Fill(r io.Reader) (Status, error) {
	if b.status != NeedMore {
		return b.status, nil
	}
	b.grow()
	n, err := r.Read(b.data[len(b.data):cap(b.data)])
	if n > 0 {
		b.data = b.data[:len(b.data)+n]
		b.scan()
	}
	return b.status, err
}

// grow makes room for at least one more read without exceeding the limit.
func (b *Buffer) grow() {
	if cap(b.data) > len(b.data) {
		return
	}
	size := max(2*cap(b.data), initialSize)
	size = min(size, b.limit)
	next := make([]byte, len(b.data), size)
	copy(next, b.data)
	b.data = next
}

func (b *Buffer) scan() Status {
	if !b.line.done() {
		for b.scanned < len(b.data) {
			if !b.line.step(b.data[b.scanned]) {
				b.status = NotHTTP
				return b.status
			}
			b.scanned++
			if b.line.done() {
				b.lineStart = b.scanned
				break
			}
		}
	}

	for b.line.done() && b.status == NeedMore {
		i := bytes.IndexByte(b.data[b.lineStart:], '\n')
		if i < 0 {
			break
		}
		line := b.data[b.lineStart : b.lineStart+i+1]
		b.lineStart += i + 1
		if isBlankLine(line) {
			b.end = b.lineStart
			b.status = Complete
		}
	}

	if b.status == NeedMore && len(b.data) >= b.limit {
		b.status = TooLarge
	}
	return b.status
}

// Head parses the buffered header block. It fails unless Status is Complete.
func (b *Buffer) Head() (*Head, error) {
	if b.status != Complete {
		if err := b.status.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("header block incomplete after %d bytes", len(b.data))
	}
	return parseHead(b.data[:b.end])
}

// Result is the terminal outcome of accumulating a request head.
type Result struct {
	Status Status
	// Head is set when Status is Complete.
	Head *Head
	// Buffered holds every byte read from the source, in order.
	Buffered []byte
}

// ReadHead reads from r until the header block ends, the limit is reached or
// the stream is found not to be HTTP. A read error ends accumulation early:
// the partial Result is returned together with the error.
func ReadHead(r io.Reader, limit int) (Result, error) {
	b := NewBuffer(limit)
	for {
		st, err := b.Fill(r)
		if st != NeedMore {
			res := Result{Status: st, Buffered: b.Bytes()}
			if st == Complete {
				h, perr := b.Head()
				if perr != nil {
					return res, perr
				}
				res.Head = h
			}
			return res, nil
		}
		if err != nil {
			return Result{Status: NeedMore, Buffered: b.Bytes()}, err
		}
	}
}

func isBlankLine(line []byte) bool {
	return len(line) == 1 || (len(line) == 2 && line[0] == '\r')
}

package chat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Delimiter terminates every frame of the line protocol.
const Delimiter = '\n'

// ErrFraming is returned by Encode when a payload cannot be framed unambiguously.
var ErrFraming = errors.New("chat: framing error")

// Framer turns a raw byte stream into discrete messages and back. A Framer
// keeps the undelimited tail of the stream between Decode calls, so each
// connection owns its own instance.
type Framer interface {
	// Decode consumes data and returns every message it completes, in order.
	Decode(data []byte) [][]byte
	// Encode returns msg framed for the wire.
	Encode(msg []byte) ([]byte, error)
}

// LineFramer frames messages as lines terminated by Delimiter.
// There is no maximum line length: a peer that never sends the delimiter grows
// the pending buffer without bound.
type LineFramer struct {
	pending []byte
}

// NewLineFramer returns an empty line framer.
func NewLineFramer() *LineFramer {
	return &LineFramer{}
}

// Decode implements Framer. Returned lines do not include the delimiter and do
// not alias data or internal state.
func (f *LineFramer) Decode(data []byte) [][]byte {
	var lines [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, Delimiter)
		if i < 0 {
			f.pending = append(f.pending, data...)
			break
		}

		line := make([]byte, 0, len(f.pending)+i)
		line = append(line, f.pending...)
		line = append(line, data[:i]...)
		lines = append(lines, line)

		f.pending = f.pending[:0]
		data = data[i+1:]
	}
	return lines
}

// Encode implements Framer.
func (f *LineFramer) Encode(line []byte) ([]byte, error) {
	if bytes.IndexByte(line, Delimiter) >= 0 {
		return nil, fmt.Errorf("%w: line of %d bytes embeds the delimiter", ErrFraming, len(line))
	}
	out := make([]byte, 0, len(line)+1)
	out = append(out, line...)
	return append(out, Delimiter), nil
}

// Buffered reports how many undelimited bytes are held for the next Decode.
func (f *LineFramer) Buffered() int {
	return len(f.pending)
}

const lengthPrefixSize = 4

// LengthPrefixFramer frames messages with a 4-byte big-endian length header.
// Payloads may contain any byte, including Delimiter.
type LengthPrefixFramer struct {
	pending []byte
}

// NewLengthPrefixFramer returns an empty length-prefix framer.
func NewLengthPrefixFramer() *LengthPrefixFramer {
	return &LengthPrefixFramer{}
}

// Decode implements Framer.
func (f *LengthPrefixFramer) Decode(data []byte) [][]byte {
	f.pending = append(f.pending, data...)

	var msgs [][]byte
	off := 0
	for len(f.pending)-off >= lengthPrefixSize {
		size := int(binary.BigEndian.Uint32(f.pending[off:]))
		if len(f.pending)-off-lengthPrefixSize < size {
			break
		}
		start := off + lengthPrefixSize
		msg := make([]byte, size)
		copy(msg, f.pending[start:start+size])
		msgs = append(msgs, msg)
		off = start + size
	}

	f.pending = append(f.pending[:0], f.pending[off:]...)
	return msgs
}

// Encode implements Framer.
func (f *LengthPrefixFramer) Encode(msg []byte) ([]byte, error) {
	if uint64(len(msg)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds the length header", ErrFraming, len(msg))
	}
	out := make([]byte, lengthPrefixSize, lengthPrefixSize+len(msg))
	binary.BigEndian.PutUint32(out, uint32(len(msg)))
	return append(out, msg...), nil
}

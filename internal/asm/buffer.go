package asm

import (
	"encoding/binary"
	"errors"
)

// DefaultMaxBufferSize bounds a Buffer created with a zero maximum.
const DefaultMaxBufferSize = 256 << 10

// Buffer is the byte sink a compilation unit is encoded into.
//
// Bytes are appended sequentially while instructions are emitted. Previously
// written bytes may be overwritten with WriteAt, which backpatching uses once
// a branch target becomes known.
//
// Growing a buffer past its maximum size panics with an error wrapping
// ErrResourceExhausted. Emission treats writing as infallible and recovers
// that panic once per unit with CatchGrowFailure.
type Buffer struct {
	code []byte
	max  int
}

// NewBuffer returns an empty Buffer which refuses to grow beyond max bytes.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxBufferSize
	}
	return &Buffer{max: max}
}

type growError struct{ err error }

// CatchGrowFailure is deferred by callers which append to a Buffer. It turns
// a growth failure back into an error stored in *err, and re-panics for
// anything else.
func CatchGrowFailure(err *error) {
	if r := recover(); r != nil {
		g, ok := r.(growError)
		if !ok {
			panic(r)
		}
		*err = g.err
	}
}

func (buf *Buffer) grow(n int) {
	want := len(buf.code) + n
	if want > buf.max {
		panic(growError{Exhaustedf("code buffer would grow to %d bytes, limit is %d", want, buf.max)})
	}
	if want <= cap(buf.code) {
		return
	}
	size := cap(buf.code)
	if size == 0 {
		size = 256
	}
	for size < want {
		size *= 2
	}
	if size > buf.max {
		size = buf.max
	}
	b := make([]byte, len(buf.code), size)
	copy(b, buf.code)
	buf.code = b
}

func (buf *Buffer) append(n int) []byte {
	i := len(buf.code)
	if i+n > cap(buf.code) {
		buf.grow(n)
	}
	buf.code = buf.code[:i+n]
	return buf.code[i : i+n : i+n]
}

// AppendByte writes b at the current offset.
func (buf *Buffer) AppendByte(b byte) {
	buf.append(1)[0] = b
}

// AppendBytes writes p at the current offset.
func (buf *Buffer) AppendBytes(p []byte) {
	copy(buf.append(len(p)), p)
}

// AppendUint16 writes v in little endian.
func (buf *Buffer) AppendUint16(v uint16) {
	binary.LittleEndian.PutUint16(buf.append(2), v)
}

// AppendUint32 writes v in little endian.
func (buf *Buffer) AppendUint32(v uint32) {
	binary.LittleEndian.PutUint32(buf.append(4), v)
}

// AppendUint64 writes v in little endian.
func (buf *Buffer) AppendUint64(v uint64) {
	binary.LittleEndian.PutUint64(buf.append(8), v)
}

// AlignTo pads the buffer with pad bytes until its length is a multiple of n.
func (buf *Buffer) AlignTo(n int, pad byte) {
	for len(buf.code)%n != 0 {
		buf.AppendByte(pad)
	}
}

var errWidth = errors.New("width must be 1, 2, 4 or 8")

// WriteAt overwrites width bytes at offset with the little endian value.
// The region must already have been written.
func (buf *Buffer) WriteAt(offset, width int, value uint64) error {
	if offset < 0 || offset+width > len(buf.code) {
		return Defectf("write of %d bytes at offset %d is beyond the %d written bytes", width, offset, len(buf.code))
	}
	b := buf.code[offset : offset+width]
	switch width {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(b, value)
	default:
		return Defectf("%v: %d", errWidth, width)
	}
	return nil
}

// ReadUint32At returns the little endian value at offset.
func (buf *Buffer) ReadUint32At(offset int) uint32 {
	return binary.LittleEndian.Uint32(buf.code[offset : offset+4])
}

// CurrentOffset is the offset the next appended byte is written at.
func (buf *Buffer) CurrentOffset() int {
	return len(buf.code)
}

// Len returns the number of bytes written.
func (buf *Buffer) Len() int {
	return len(buf.code)
}

// Cap returns the number of bytes the buffer may still grow by.
func (buf *Buffer) Cap() int {
	return buf.max - len(buf.code)
}

// Bytes returns the written bytes. The slice is invalidated by further appends.
func (buf *Buffer) Bytes() []byte {
	return buf.code
}

// Reset discards the content, keeping the allocation.
func (buf *Buffer) Reset() {
	buf.code = buf.code[:0]
}

// Truncate discards everything after the first n bytes.
func (buf *Buffer) Truncate(n int) {
	buf.code = buf.code[:n]
}

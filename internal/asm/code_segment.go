package asm

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/jatovm/jato-sub002/internal/platform"
)

// CodeSegment represents a memory mapped segment where finished compilation
// units are published as native CPU instructions.
//
// Units are copied into the segment by Publish, each one starting on a
// 16 bytes boundary. A segment never moves once mapped, so the addresses of
// published code remain valid until Unmap.
//
// Instances of CodeSegment hold references to memory which is NOT managed by
// the garbage collector and therefore must be released *manually* by calling
// their Unmap method to prevent memory leaks.
type CodeSegment struct {
	mu     sync.Mutex
	code   []byte
	size   int
	mapped bool
}

// NewCodeSegment constructs a CodeSegment value from a byte slice.
//
// No validation is made that the byte slice is a memory mapped region, and
// Unmap only forgets it.
func NewCodeSegment(code []byte) *CodeSegment {
	return &CodeSegment{code: code}
}

// Map allocates a memory mapping of the given size to the code segment.
//
// The method errors is the segment is already backed by a memory mapping.
func (seg *CodeSegment) Map(size int) error {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if seg.code != nil {
		return fmt.Errorf("code segment already initialized to memory mapping of size %d", len(seg.code))
	}
	b, err := platform.MmapCodeSegment(size)
	if err != nil {
		return Exhaustedf("mapping %d bytes of code: %v", size, err)
	}
	seg.code = b
	seg.size = 0
	seg.mapped = true
	return nil
}

// Unmap unmaps the underlying memory region held by the code segment,
// clearing its state back to an empty code segment. Handles published to the
// segment must not be used afterwards.
func (seg *CodeSegment) Unmap() error {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if seg.code != nil && seg.mapped {
		if err := platform.MunmapCodeSegment(seg.code); err != nil {
			return err
		}
	}
	seg.code = nil
	seg.size = 0
	seg.mapped = false
	return nil
}

// Addr returns the address of the beginning of the code segment as a uintptr.
func (seg *CodeSegment) Addr() uintptr {
	if len(seg.code) > 0 {
		return uintptr(unsafe.Pointer(&seg.code[0]))
	}
	return 0
}

// Size returns the number of bytes used by published code, including
// alignment padding.
func (seg *CodeSegment) Size() int {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	return seg.size
}

// Len returns the length of the memory mapping of the code segment.
func (seg *CodeSegment) Len() int {
	return len(seg.code)
}

// Bytes returns a byte slice to the memory mapping of the code segment.
func (seg *CodeSegment) Bytes() []byte {
	return seg.code
}

// Publish copies code at the next 16 bytes aligned offset and returns the
// handle of the copy. It fails with ErrResourceExhausted when the segment
// cannot hold it.
func (seg *CodeSegment) Publish(code []byte) (CodeHandle, error) {
	seg.mu.Lock()
	defer seg.mu.Unlock()
	off := (seg.size + 15) &^ 15
	if off+len(code) > len(seg.code) {
		return CodeHandle{}, Exhaustedf("code segment of %d bytes cannot hold %d more bytes", len(seg.code), len(code))
	}
	copy(seg.code[off:], code)
	seg.size = off + len(code)
	return CodeHandle{seg: seg, off: off, n: len(code)}, nil
}

// CodeHandle is the address of published code. Only Publish creates
// non-zero handles; the zero value refers to nothing.
type CodeHandle struct {
	seg *CodeSegment
	off int
	n   int
}

// IsZero reports whether h refers to no code.
func (h CodeHandle) IsZero() bool {
	return h.seg == nil
}

// Addr returns the address of the first instruction.
func (h CodeHandle) Addr() uintptr {
	if h.seg == nil {
		return 0
	}
	return h.seg.Addr() + uintptr(h.off)
}

// Len returns the size of the published code.
func (h CodeHandle) Len() int {
	return h.n
}

// Offset returns the position of the code within its segment.
func (h CodeHandle) Offset() int {
	return h.off
}

// Bytes returns a view on the published code. Callers must not write to it;
// use PatchUint32 or PatchUint64 instead.
func (h CodeHandle) Bytes() []byte {
	if h.seg == nil {
		return nil
	}
	return h.seg.code[h.off : h.off+h.n : h.off+h.n]
}

func (h CodeHandle) patchRange(off, width int) ([]byte, error) {
	if h.seg == nil {
		return nil, Defectf("patch of unpublished code")
	}
	if off < 0 || off+width > h.n {
		return nil, Defectf("patch of %d bytes at offset %d is outside the %d bytes of code", width, off, h.n)
	}
	return h.seg.code[h.off+off : h.off+off+width], nil
}

// Uint32At reads the little endian word at off.
func (h CodeHandle) Uint32At(off int) (uint32, error) {
	b, err := h.patchRange(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PatchUint32 rewrites the little endian word at off in committed code.
func (h CodeHandle) PatchUint32(off int, v uint32) error {
	b, err := h.patchRange(off, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// PatchUint64 rewrites the little endian double word at off in committed code.
func (h CodeHandle) PatchUint64(off int, v uint64) error {
	b, err := h.patchRange(off, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Arena publishes code into as many code segments of a fixed size as needed.
type Arena struct {
	mu          sync.Mutex
	segmentSize int
	segments    []*CodeSegment
	newSegment  func(size int) (*CodeSegment, error)
}

// DefaultSegmentSize is used by NewArena for a zero segment size.
const DefaultSegmentSize = 1 << 20

// NewArena returns an arena which maps executable segments of segmentSize bytes.
func NewArena(segmentSize int) *Arena {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &Arena{segmentSize: segmentSize, newSegment: mapSegment}
}

// NewHeapArena returns an arena backed by ordinary, non-executable memory.
// The code it publishes can be patched and inspected but never run.
func NewHeapArena(segmentSize int) *Arena {
	a := NewArena(segmentSize)
	a.newSegment = func(size int) (*CodeSegment, error) {
		return NewCodeSegment(make([]byte, size)), nil
	}
	return a
}

func mapSegment(size int) (*CodeSegment, error) {
	seg := &CodeSegment{}
	if err := seg.Map(size); err != nil {
		return nil, err
	}
	return seg, nil
}

// Publish copies code to the current segment, mapping a new one when the
// current is full.
func (a *Arena) Publish(code []byte) (CodeHandle, error) {
	if len(code) > a.segmentSize {
		return CodeHandle{}, Exhaustedf("%d bytes of code exceed the code segment size %d", len(code), a.segmentSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.segments); n > 0 {
		if h, err := a.segments[n-1].Publish(code); err == nil {
			return h, nil
		}
	}
	seg, err := a.newSegment(a.segmentSize)
	if err != nil {
		return CodeHandle{}, err
	}
	a.segments = append(a.segments, seg)
	return seg.Publish(code)
}

// Segments returns the number of segments in use.
func (a *Arena) Segments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.segments)
}

// Close unmaps every segment. All handles published by the arena become
// invalid.
func (a *Arena) Close() (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, seg := range a.segments {
		err = multierr.Append(err, seg.Unmap())
	}
	a.segments = nil
	return
}

// Package platform includes the OS-specific code needed to make emitted
// machine code executable.
package platform

import (
	"errors"
	"runtime"
)

// CompilerSupported reports whether code segments can be mapped executable
// on this GOOS and GOARCH.
func CompilerSupported() bool {
	return mmapSupported && (runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64")
}

// MmapCodeSegment maps an anonymous, private region of size bytes which is
// readable, writable and executable. Trampoline fixups rewrite call sites in
// code which is already published, so the mapping stays writable.
//
// See https://man7.org/linux/man-pages/man2/mmap.2.html for mmap API and flags.
func MmapCodeSegment(size int) ([]byte, error) {
	if size <= 0 {
		panic(errors.New("BUG: MmapCodeSegment with zero length"))
	}
	return mmapCodeSegment(size)
}

// MunmapCodeSegment unmaps the given memory region.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic(errors.New("BUG: MunmapCodeSegment with zero length"))
	}
	return munmapCodeSegment(code)
}

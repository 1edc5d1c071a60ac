//go:build !unix

package platform

const mmapSupported = false

// mmapCodeSegment falls back to heap memory so the emitter can still be
// exercised. The result is never executable.
func mmapCodeSegment(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// munmapCodeSegment leaves the heap fallback to the garbage collector.
func munmapCodeSegment([]byte) error {
	return nil
}

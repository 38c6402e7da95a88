// Package arena provides page-backed byte ranges for tools that pair an
// offset allocator with real memory. The arena itself has no allocation
// policy; callers carve it up with offsets they obtained elsewhere.
package arena

import "fmt"

// Arena is one contiguous mapped byte range.
type Arena struct {
	buf []byte
}

// Map reserves size bytes of zero-initialized memory. On unix-like systems
// the range is an anonymous private mapping, on Windows committed pages from
// VirtualAlloc, elsewhere a plain heap slice.
func Map(size uint32) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("arena size must be greater than 0")
	}

	buf, err := mapMemory(int(size))
	if err != nil {
		return nil, fmt.Errorf("failed to map %d byte arena: %w", size, err)
	}

	return &Arena{buf: buf}, nil
}

// Size returns the mapped length in bytes.
func (a *Arena) Size() uint32 {
	return uint32(len(a.buf))
}

// Bytes returns the whole mapped range. The slice is invalid after Unmap.
func (a *Arena) Bytes() []byte {
	return a.buf
}

// Slice returns a capacity-clamped view of [offset, offset+size).
func (a *Arena) Slice(offset, size uint32) ([]byte, error) {
	end := uint64(offset) + uint64(size)
	if end > uint64(len(a.buf)) {
		return nil, fmt.Errorf("range [%d, %d) outside arena of %d bytes", offset, end, len(a.buf))
	}

	return a.buf[offset:end:end], nil
}

// Unmap releases the mapping. Further Unmap calls are no-ops; slices handed
// out earlier must not be touched afterwards.
func (a *Arena) Unmap() error {
	if a.buf == nil {
		return nil
	}

	buf := a.buf
	a.buf = nil

	return unmapMemory(buf)
}

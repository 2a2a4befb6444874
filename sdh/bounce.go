package sdh

import (
	"unsafe"

	"github.com/ardnew/softsdh/pkg"
)

// Allocator provides the scratch buffers used to stage transfers from
// misaligned caller memory.
type Allocator interface {
	// Alloc returns a buffer of exactly size bytes whose first byte is
	// aligned to align. It returns an error wrapping pkg.ErrNoMemory when
	// no buffer is available.
	Alloc(size, align int) ([]byte, error)

	// Free returns a buffer obtained from Alloc.
	Free(buf []byte)
}

// HeapAllocator allocates bounce buffers from the Go heap.
type HeapAllocator struct{}

// Alloc over-allocates by align-1 bytes and slices at the first aligned
// address.
func (HeapAllocator) Alloc(size, align int) ([]byte, error) {
	if size <= 0 {
		return nil, pkg.ErrInvalidParameter
	}
	if align <= 1 {
		return make([]byte, size), nil
	}

	raw := make([]byte, size+align-1)
	off := 0
	if r := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); r != 0 {
		off = align - r
	}
	return raw[off : off+size : off+size], nil
}

// Free is a no-op; the garbage collector reclaims the buffer.
func (HeapAllocator) Free([]byte) {}

package bridge

import (
	"unsafe"
)

// Allocator provides the memory handed across the bridge boundary.
//
// Malloc returns nil when the request cannot be satisfied. Free must accept
// any pointer previously returned by Malloc on the same allocator.
type Allocator interface {
	Malloc(size int) unsafe.Pointer
	Free(p unsafe.Pointer)
}

// heapAllocator allocates from the Go heap. Free is a no-op; the region is
// reclaimed by the garbage collector once the last ResultBuffer drops it.
type heapAllocator struct{}

func (heapAllocator) Malloc(size int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}
	buf := make([]byte, size)
	return unsafe.Pointer(unsafe.SliceData(buf))
}

func (heapAllocator) Free(unsafe.Pointer) {}

// HeapAllocator returns the default Go heap allocator.
func HeapAllocator() Allocator {
	return heapAllocator{}
}

// allocCString copies data into a fresh NUL-terminated region from alloc.
// The returned slice includes the terminator.
func allocCString(alloc Allocator, data []byte) ([]byte, bool) {
	p := alloc.Malloc(len(data) + 1)
	if p == nil {
		return nil, false
	}
	buf := unsafe.Slice((*byte)(p), len(data)+1)
	copy(buf, data)
	buf[len(data)] = 0
	return buf, true
}

// ResultBuffer is a NUL-terminated JSON string produced by Parse.
//
// Ownership passes to the caller on return. It must be handed to
// Bridge.Release exactly once, and none of its views may be used afterwards.
type ResultBuffer struct {
	buf     []byte // payload followed by the NUL terminator
	reserve bool   // owned by the Bridge, never freed by Release
}

// Bytes returns the payload without the terminator. The slice aliases the
// buffer and is valid until Release.
func (r *ResultBuffer) Bytes() []byte {
	if r == nil || len(r.buf) == 0 {
		return nil
	}
	return r.buf[:len(r.buf)-1]
}

// String returns a copy of the payload.
func (r *ResultBuffer) String() string {
	return string(r.Bytes())
}

// Len returns the payload length, excluding the terminator.
func (r *ResultBuffer) Len() int {
	return len(r.Bytes())
}

// Pointer returns the address of the first byte, or nil once released.
func (r *ResultBuffer) Pointer() unsafe.Pointer {
	if r == nil || len(r.buf) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(r.buf))
}

// Detach hands the raw region to a foreign caller and empties r. The caller
// becomes responsible for passing the pointer to Bridge.ReleasePointer.
func (r *ResultBuffer) Detach() unsafe.Pointer {
	p := r.Pointer()
	if r != nil {
		r.buf = nil
	}
	return p
}

// scratch is the bridge-owned NUL-terminated copy of a caller's input.
type scratch struct {
	alloc Allocator
	buf   []byte
}

func acquireScratch(alloc Allocator, src []byte) (*scratch, bool) {
	buf, ok := allocCString(alloc, src)
	if !ok {
		return nil, false
	}
	return &scratch{alloc: alloc, buf: buf}, true
}

// text returns the copy, terminator included.
func (s *scratch) text() []byte {
	return s.buf
}

func (s *scratch) release() {
	if s.buf == nil {
		return
	}
	s.alloc.Free(unsafe.Pointer(unsafe.SliceData(s.buf)))
	s.buf = nil
}

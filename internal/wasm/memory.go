package wasm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
	abi "github.com/woxQAQ/sql-bridge/api/wasm"
)

// Memory provides bounds-checked access to a guest's linear memory, plus
// allocation through the guest's own malloc/free exports.
//
// Pointers handed out by WriteString and WriteBytes belong to the guest heap
// and must be returned with Free.
type Memory struct {
	mem    api.Memory
	malloc api.Function
	free   api.Function
}

// NewMemory creates a memory helper. malloc and free may be absent, in which
// case only reads are available.
func NewMemory(module api.Module) *Memory {
	return &Memory{
		mem:    module.Memory(),
		malloc: module.ExportedFunction(abi.ExportMalloc),
		free:   module.ExportedFunction(abi.ExportFree),
	}
}

// ReadString reads a NUL-terminated string of at most maxLen bytes.
// The read is clamped to the end of memory.
func (m *Memory) ReadString(ptr uint32, maxLen uint32) (string, bool) {
	if m.mem == nil || ptr >= m.mem.Size() {
		return "", false
	}
	if avail := m.mem.Size() - ptr; maxLen > avail {
		maxLen = avail
	}

	buf, ok := m.mem.Read(ptr, maxLen)
	if !ok {
		return "", false
	}
	if end := bytes.IndexByte(buf, 0); end >= 0 {
		buf = buf[:end]
	}
	return string(buf), true
}

// ReadCString reads the NUL-terminated string at ptr. Unlike ReadString it
// fails when no terminator exists before the end of memory.
func (m *Memory) ReadCString(ptr uint32) (string, error) {
	if m.mem == nil || ptr >= m.mem.Size() {
		return "", &MemoryAccessError{Operation: "read", Address: ptr, Err: errOutOfBounds}
	}

	buf, ok := m.mem.Read(ptr, m.mem.Size()-ptr)
	if !ok {
		return "", &MemoryAccessError{Operation: "read", Address: ptr, Err: errOutOfBounds}
	}
	end := bytes.IndexByte(buf, 0)
	if end < 0 {
		return "", &MemoryAccessError{
			Operation: "read",
			Address:   ptr,
			Length:    uint32(len(buf)),
			Err:       errUnterminated,
		}
	}
	return string(buf[:end]), nil
}

// ReadBytes reads raw bytes from Wasm memory.
func (m *Memory) ReadBytes(ptr uint32, length uint32) ([]byte, bool) {
	if m.mem == nil {
		return nil, false
	}
	return m.mem.Read(ptr, length)
}

// WriteString copies s into the guest heap followed by a NUL byte.
// It returns the pointer and the length of s without the terminator.
func (m *Memory) WriteString(ctx context.Context, s string) (uint32, uint32, error) {
	data := make([]byte, len(s)+1)
	copy(data, s)

	ptr, _, err := m.WriteBytes(ctx, data)
	if err != nil {
		return 0, 0, err
	}
	return ptr, uint32(len(s)), nil
}

// WriteBytes copies data into a fresh guest allocation.
func (m *Memory) WriteBytes(ctx context.Context, data []byte) (uint32, uint32, error) {
	size := uint32(len(data))
	ptr, err := m.alloc(ctx, size)
	if err != nil {
		return 0, 0, err
	}

	if !m.mem.Write(ptr, data) {
		_ = m.Free(ctx, ptr)
		return 0, 0, &MemoryAccessError{Operation: "write", Address: ptr, Length: size, Err: errOutOfBounds}
	}
	return ptr, size, nil
}

// Free returns a pointer obtained from WriteString or WriteBytes.
func (m *Memory) Free(ctx context.Context, ptr uint32) error {
	if ptr == 0 {
		return nil
	}
	if m.free == nil {
		return &MemoryAccessError{Operation: "free", Address: ptr, Err: errNoAllocator}
	}
	if _, err := m.free.Call(ctx, uint64(ptr)); err != nil {
		return &MemoryAccessError{Operation: "free", Address: ptr, Err: err}
	}
	return nil
}

func (m *Memory) alloc(ctx context.Context, size uint32) (uint32, error) {
	if m.malloc == nil || m.mem == nil {
		return 0, &MemoryAccessError{Operation: "malloc", Length: size, Err: errNoAllocator}
	}

	results, err := m.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, &MemoryAccessError{Operation: "malloc", Length: size, Err: err}
	}
	if len(results) != 1 {
		return 0, &MemoryAccessError{
			Operation: "malloc",
			Length:    size,
			Err:       fmt.Errorf("malloc returned %d results, expected 1", len(results)),
		}
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, &MemoryAccessError{Operation: "malloc", Length: size, Err: errGuestOOM}
	}
	return ptr, nil
}

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"unsafe"

	abi "github.com/woxQAQ/sql-bridge/api/wasm"
	"go.uber.org/zap"
)

// fixedCodes are the payloads the bridge can emit on its own.
var fixedCodes = []string{
	abi.CodeEmptySQL,
	abi.CodeAllocFailed,
	abi.CodeParseError,
	abi.CodeUnknownError,
}

// fixedPayload renders {"error":"<code>"}.
func fixedPayload(code string) []byte {
	data, _ := json.Marshal(abi.ErrorPayload{Error: code})
	return data
}

// Bridge turns raw SQL buffers into owned JSON result buffers.
//
// A Bridge holds no mutable state after New and may be used from several
// goroutines at once, provided its Parser allows that.
type Bridge struct {
	parser      Parser
	alloc       Allocator
	logger      *zap.Logger
	errorDetail bool

	// reserves holds one pre-allocated copy of each fixed payload, returned
	// when even a small allocation fails.
	reserves map[string][]byte
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithAllocator sets the allocator used for scratch and result buffers.
func WithAllocator(alloc Allocator) Option {
	return func(b *Bridge) {
		b.alloc = alloc
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithErrorDetail makes parser errors carry the escaped parser message and
// cursor position next to the fixed error code.
func WithErrorDetail(enabled bool) Option {
	return func(b *Bridge) {
		b.errorDetail = enabled
	}
}

// New creates a bridge around parser.
func New(parser Parser, opts ...Option) (*Bridge, error) {
	if parser == nil {
		return nil, errors.New("bridge: parser is required")
	}

	b := &Bridge{
		parser:   parser,
		alloc:    HeapAllocator(),
		logger:   zap.NewNop(),
		reserves: make(map[string][]byte, len(fixedCodes)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(zap.String("component", "bridge"))

	for _, code := range fixedCodes {
		buf, ok := allocCString(b.alloc, fixedPayload(code))
		if !ok {
			b.Close()
			return nil, fmt.Errorf("bridge: reserve payload %q: %w", code, ErrAllocFailed)
		}
		b.reserves[code] = buf
	}

	return b, nil
}

// Close frees the reserve payloads. Result buffers returned from reserves
// must not be used after Close.
func (b *Bridge) Close() {
	for code, buf := range b.reserves {
		b.alloc.Free(unsafe.Pointer(unsafe.SliceData(buf)))
		delete(b.reserves, code)
	}
}

// Parse parses input and returns an owned JSON result. It never returns nil.
//
// An empty or nil input yields {"error":"empty_sql"} without calling the
// parser. Every other failure is also reported as a JSON error payload.
func (b *Bridge) Parse(input []byte) *ResultBuffer {
	if len(input) == 0 {
		return b.fixed(abi.CodeEmptySQL)
	}

	s, ok := acquireScratch(b.alloc, input)
	if !ok {
		b.logger.Warn("Failed to allocate scratch buffer", zap.Int("length", len(input)))
		return b.fixed(abi.CodeAllocFailed)
	}
	defer s.release()

	res := b.parser.Parse(s.text())
	if res == nil {
		return b.fixed(abi.CodeUnknownError)
	}
	defer res.Free()

	if err := res.Err(); err != nil {
		b.logger.Debug("Parser rejected query", zap.Error(err))
		return b.parseError(err)
	}

	tree, ok := res.Tree()
	if !ok {
		b.logger.Warn("Parser returned no tree and no error")
		return b.fixed(abi.CodeUnknownError)
	}

	buf, ok := allocCString(b.alloc, []byte(tree))
	if !ok {
		b.logger.Warn("Failed to allocate result buffer", zap.Int("length", len(tree)))
		return b.fixed(abi.CodeUnknownError)
	}
	return &ResultBuffer{buf: buf}
}

// ParsePointer is Parse for callers holding a raw (pointer, length) pair.
// A nil pointer or a non-positive length counts as empty input.
func (b *Bridge) ParsePointer(ptr unsafe.Pointer, length int) *ResultBuffer {
	if ptr == nil || length <= 0 {
		return b.fixed(abi.CodeEmptySQL)
	}
	return b.Parse(unsafe.Slice((*byte)(ptr), length))
}

// Release frees a buffer returned by Parse. Release(nil) is a no-op, and so
// is releasing a buffer that was already released or detached.
func (b *Bridge) Release(r *ResultBuffer) {
	if r == nil || r.buf == nil {
		return
	}
	if !r.reserve {
		b.alloc.Free(unsafe.Pointer(unsafe.SliceData(r.buf)))
	}
	r.buf = nil
}

// ReleasePointer frees a pointer obtained through ResultBuffer.Detach.
// ReleasePointer(nil) is a no-op. Passing any other pointer, or the same
// pointer twice, is undefined.
func (b *Bridge) ReleasePointer(p unsafe.Pointer) {
	if p == nil {
		return
	}
	for _, buf := range b.reserves {
		if unsafe.Pointer(unsafe.SliceData(buf)) == p {
			return
		}
	}
	b.alloc.Free(p)
}

// fixed returns a freshly allocated copy of a fixed payload, falling back to
// the reserve copy when allocation fails.
func (b *Bridge) fixed(code string) *ResultBuffer {
	return b.payload(code, fixedPayload(code))
}

func (b *Bridge) payload(code string, data []byte) *ResultBuffer {
	if buf, ok := allocCString(b.alloc, data); ok {
		return &ResultBuffer{buf: buf}
	}
	return &ResultBuffer{buf: b.reserves[code], reserve: true}
}

func (b *Bridge) parseError(err error) *ResultBuffer {
	if !b.errorDetail {
		return b.fixed(abi.CodeParseError)
	}

	p := abi.ErrorPayload{Error: abi.CodeParseError, Message: err.Error()}
	var perr *ParseError
	if errors.As(err, &perr) {
		p.Message = perr.Message
		p.Cursorpos = perr.Cursorpos
	}

	data, mErr := json.Marshal(p)
	if mErr != nil {
		return b.fixed(abi.CodeParseError)
	}
	return b.payload(abi.CodeParseError, data)
}

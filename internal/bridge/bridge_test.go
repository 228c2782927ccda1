package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// countingAllocator tracks live allocations so tests can check that every
// path through Parse is balanced.
type countingAllocator struct {
	mu      sync.Mutex
	live    map[unsafe.Pointer]int
	mallocs int
	frees   int
	bad     int
	fail    func(size int) bool
}

func newCountingAllocator() *countingAllocator {
	return &countingAllocator{live: make(map[unsafe.Pointer]int)}
}

func (a *countingAllocator) Malloc(size int) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.fail != nil && a.fail(size) {
		return nil
	}
	p := HeapAllocator().Malloc(size)
	a.live[p] = size
	a.mallocs++
	return p
}

func (a *countingAllocator) Free(p unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.live[p]; !ok {
		a.bad++
		return
	}
	delete(a.live, p)
	a.frees++
}

func (a *countingAllocator) setFail(fn func(size int) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail = fn
}

func (a *countingAllocator) liveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// fakeParser accepts anything except the queries listed in reject, and
// records what it was handed.
type fakeParser struct {
	mu      sync.Mutex
	calls   int
	freed   int
	lastRaw []byte
	reject  map[string]error
	noTree  bool
}

type fakeResult struct {
	parser *fakeParser
	tree   string
	err    error
	noTree bool
}

func (r *fakeResult) Err() error { return r.err }

func (r *fakeResult) Tree() (string, bool) {
	if r.noTree {
		return "", false
	}
	return r.tree, true
}

func (r *fakeResult) Free() {
	r.parser.mu.Lock()
	r.parser.freed++
	r.parser.mu.Unlock()
}

func (p *fakeParser) Parse(query []byte) Result {
	p.mu.Lock()
	p.calls++
	p.lastRaw = append([]byte(nil), query...)
	p.mu.Unlock()

	sql := string(bytes.TrimSuffix(query, []byte{0}))
	if err, ok := p.reject[sql]; ok {
		return &fakeResult{parser: p, err: err}
	}
	tree := fmt.Sprintf(`{"version":160001,"stmts":[{"stmt":{"RawSQL":%q}}]}`, sql)
	return &fakeResult{parser: p, tree: tree, noTree: p.noTree}
}

func newFakeParser() *fakeParser {
	return &fakeParser{
		reject: map[string]error{
			"SELECT ;": &ParseError{Message: `syntax error at or near ";"`, Cursorpos: 8},
		},
	}
}

func newTestBridge(t *testing.T, parser Parser, alloc Allocator, opts ...Option) *Bridge {
	t.Helper()

	opts = append([]Option{WithAllocator(alloc), WithLogger(zaptest.NewLogger(t))}, opts...)
	b, err := New(parser, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return b
}

func decodeError(t *testing.T, r *ResultBuffer) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(r.Bytes(), &out); err != nil {
		t.Fatalf("result is not JSON: %v (%q)", err, r.String())
	}
	return out
}

func TestNew_NilParser(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) should fail")
	}
}

func TestNew_ReserveAllocFails(t *testing.T) {
	alloc := newCountingAllocator()
	calls := 0
	alloc.setFail(func(int) bool {
		calls++
		return calls > 2
	})

	_, err := New(newFakeParser(), WithAllocator(alloc))
	if err == nil {
		t.Fatal("New() should fail when reserves cannot be allocated")
	}
	if alloc.liveCount() != 0 {
		t.Errorf("partial reserves leaked: %d live", alloc.liveCount())
	}
}

func TestParse_EmptyInput(t *testing.T) {
	parser := newFakeParser()
	b := newTestBridge(t, parser, newCountingAllocator())
	defer b.Close()

	for _, input := range [][]byte{nil, {}} {
		res := b.Parse(input)
		if res.String() != `{"error":"empty_sql"}` {
			t.Errorf("Parse(%v) = %s, want empty_sql", input, res.String())
		}
		b.Release(res)
	}

	if parser.calls != 0 {
		t.Errorf("parser invoked %d times for empty input", parser.calls)
	}
}

func TestParsePointer_InvalidInput(t *testing.T) {
	parser := newFakeParser()
	b := newTestBridge(t, parser, newCountingAllocator())
	defer b.Close()

	sql := []byte("SELECT 1;")
	ptr := unsafe.Pointer(unsafe.SliceData(sql))

	tests := []struct {
		name   string
		ptr    unsafe.Pointer
		length int
	}{
		{"nil pointer", nil, 9},
		{"zero length", ptr, 0},
		{"negative length", ptr, -4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := b.ParsePointer(tt.ptr, tt.length)
			defer b.Release(res)

			if res.String() != `{"error":"empty_sql"}` {
				t.Errorf("ParsePointer() = %s, want empty_sql", res.String())
			}
		})
	}

	if parser.calls != 0 {
		t.Errorf("parser invoked %d times for invalid input", parser.calls)
	}
}

func TestParse_Success(t *testing.T) {
	alloc := newCountingAllocator()
	parser := newFakeParser()
	b := newTestBridge(t, parser, alloc)
	defer b.Close()

	baseline := alloc.liveCount()

	res := b.Parse([]byte("SELECT 1;"))
	want := `{"version":160001,"stmts":[{"stmt":{"RawSQL":"SELECT 1;"}}]}`
	if res.String() != want {
		t.Errorf("Parse() = %s, want %s", res.String(), want)
	}
	if res.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", res.Len(), len(want))
	}

	// Only the result buffer may survive Parse.
	if got := alloc.liveCount() - baseline; got != 1 {
		t.Errorf("live allocations after Parse = %d, want 1", got)
	}

	b.Release(res)

	if got := alloc.liveCount() - baseline; got != 0 {
		t.Errorf("live allocations after Release = %d, want 0", got)
	}
	if parser.freed != 1 {
		t.Errorf("parser result freed %d times, want 1", parser.freed)
	}
	if alloc.bad != 0 {
		t.Errorf("%d frees of unknown pointers", alloc.bad)
	}
}

func TestParse_ScratchIsTerminatedCopy(t *testing.T) {
	parser := newFakeParser()
	b := newTestBridge(t, parser, newCountingAllocator())
	defer b.Close()

	// Input is a prefix of a larger buffer with no terminator of its own.
	backing := []byte("SELECT 1;garbage")
	res := b.Parse(backing[:9])
	defer b.Release(res)

	if got := string(parser.lastRaw); got != "SELECT 1;\x00" {
		t.Errorf("parser saw %q, want %q", got, "SELECT 1;\x00")
	}
}

func TestParse_ResultIsTerminated(t *testing.T) {
	b := newTestBridge(t, newFakeParser(), newCountingAllocator())
	defer b.Close()

	res := b.Parse([]byte("SELECT 1;"))
	defer b.Release(res)

	raw := unsafe.Slice((*byte)(res.Pointer()), res.Len()+1)
	if raw[res.Len()] != 0 {
		t.Error("result buffer is not NUL-terminated")
	}
}

func TestParse_ParserError(t *testing.T) {
	alloc := newCountingAllocator()
	parser := newFakeParser()
	b := newTestBridge(t, parser, alloc)
	defer b.Close()

	baseline := alloc.liveCount()

	res := b.Parse([]byte("SELECT ;"))
	if res.String() != `{"error":"SQL parse error"}` {
		t.Errorf("Parse() = %s, want fixed parse error", res.String())
	}
	b.Release(res)

	if alloc.liveCount() != baseline {
		t.Errorf("leaked %d allocations on error path", alloc.liveCount()-baseline)
	}
	if parser.freed != 1 {
		t.Errorf("parser result freed %d times, want 1", parser.freed)
	}
}

func TestParse_ParserErrorDetail(t *testing.T) {
	b := newTestBridge(t, newFakeParser(), newCountingAllocator(), WithErrorDetail(true))
	defer b.Close()

	res := b.Parse([]byte("SELECT ;"))
	defer b.Release(res)

	if !json.Valid(res.Bytes()) {
		t.Fatalf("detail payload is not valid JSON: %s", res.String())
	}

	out := decodeError(t, res)
	if out["error"] != "SQL parse error" {
		t.Errorf("error = %v, want SQL parse error", out["error"])
	}
	if out["message"] != `syntax error at or near ";"` {
		t.Errorf("message = %v", out["message"])
	}
	if out["cursorpos"] != float64(8) {
		t.Errorf("cursorpos = %v, want 8", out["cursorpos"])
	}
}

func TestParse_ParserErrorDetailPlainError(t *testing.T) {
	parser := newFakeParser()
	parser.reject["DROP"] = errors.New(`bad "quoted" input`)
	b := newTestBridge(t, parser, newCountingAllocator(), WithErrorDetail(true))
	defer b.Close()

	res := b.Parse([]byte("DROP"))
	defer b.Release(res)

	out := decodeError(t, res)
	if out["message"] != `bad "quoted" input` {
		t.Errorf("message = %v", out["message"])
	}
	if _, ok := out["cursorpos"]; ok {
		t.Error("cursorpos should be omitted when unknown")
	}
}

func TestParse_NoTree(t *testing.T) {
	parser := newFakeParser()
	parser.noTree = true
	b := newTestBridge(t, parser, newCountingAllocator())
	defer b.Close()

	res := b.Parse([]byte("SELECT 1;"))
	defer b.Release(res)

	if res.String() != `{"error":"parse_known_error"}` {
		t.Errorf("Parse() = %s, want unknown failure payload", res.String())
	}
}

func TestParse_ScratchAllocFails(t *testing.T) {
	alloc := newCountingAllocator()
	parser := newFakeParser()
	b := newTestBridge(t, parser, alloc)
	defer b.Close()

	input := []byte(strings.Repeat("x", 500))
	alloc.setFail(func(size int) bool { return size == len(input)+1 })

	res := b.Parse(input)
	defer b.Release(res)

	if res.String() != `{"error":"alloc_failed"}` {
		t.Errorf("Parse() = %s, want alloc_failed", res.String())
	}
	if parser.calls != 0 {
		t.Error("parser should not run when the scratch copy fails")
	}
}

func TestParse_ResultAllocFails(t *testing.T) {
	alloc := newCountingAllocator()
	parser := newFakeParser()
	b := newTestBridge(t, parser, alloc)
	defer b.Close()

	baseline := alloc.liveCount()
	input := []byte("SELECT 1;")
	// Let the scratch copy through, refuse anything larger.
	alloc.setFail(func(size int) bool { return size > len(input)+1 })

	res := b.Parse(input)
	if res.String() != `{"error":"parse_known_error"}` {
		t.Errorf("Parse() = %s, want unknown failure payload", res.String())
	}
	b.Release(res)

	if alloc.liveCount() != baseline {
		t.Errorf("leaked %d allocations", alloc.liveCount()-baseline)
	}
	if parser.freed != 1 {
		t.Errorf("parser result freed %d times, want 1", parser.freed)
	}
}

func TestParse_ExhaustedUsesReserve(t *testing.T) {
	alloc := newCountingAllocator()
	b := newTestBridge(t, newFakeParser(), alloc)
	defer b.Close()

	baseline := alloc.liveCount()
	alloc.setFail(func(int) bool { return true })

	res := b.Parse([]byte("SELECT 1;"))
	if res == nil || res.Pointer() == nil {
		t.Fatal("Parse() must not return an empty result")
	}
	if res.String() != `{"error":"alloc_failed"}` {
		t.Errorf("Parse() = %s, want alloc_failed", res.String())
	}

	p := res.Detach()
	b.ReleasePointer(p)

	if alloc.liveCount() != baseline {
		t.Errorf("reserve payload was freed or leaked: live %d, want %d", alloc.liveCount(), baseline)
	}
	if alloc.bad != 0 {
		t.Errorf("%d frees of unknown pointers", alloc.bad)
	}
}

func TestParse_Deterministic(t *testing.T) {
	b := newTestBridge(t, newFakeParser(), newCountingAllocator())
	defer b.Close()

	first := b.Parse([]byte("SELECT 1;"))
	second := b.Parse([]byte("SELECT 1;"))
	defer b.Release(first)
	defer b.Release(second)

	if first.String() != second.String() {
		t.Errorf("repeated Parse differs: %s vs %s", first.String(), second.String())
	}
	if first.Pointer() == second.Pointer() {
		t.Error("each Parse must return its own buffer")
	}
}

func TestParse_Concurrent(t *testing.T) {
	alloc := newCountingAllocator()
	b := newTestBridge(t, newFakeParser(), alloc)
	defer b.Close()

	baseline := alloc.liveCount()

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		sql := fmt.Sprintf("SELECT %d;", i)
		g.Go(func() error {
			res := b.Parse([]byte(sql))
			defer b.Release(res)

			if !strings.Contains(res.String(), sql) {
				return fmt.Errorf("result %s does not echo %s", res.String(), sql)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if alloc.liveCount() != baseline {
		t.Errorf("leaked %d allocations", alloc.liveCount()-baseline)
	}
}

func TestRelease_NilAndRepeated(t *testing.T) {
	alloc := newCountingAllocator()
	b := newTestBridge(t, newFakeParser(), alloc)
	defer b.Close()

	b.Release(nil)
	b.ReleasePointer(nil)

	res := b.Parse([]byte("SELECT 1;"))
	b.Release(res)
	b.Release(res)

	if alloc.bad != 0 {
		t.Errorf("second Release freed again: %d bad frees", alloc.bad)
	}
	if res.Bytes() != nil {
		t.Error("released buffer should expose no bytes")
	}
}

func TestDetach_ReleasePointer(t *testing.T) {
	alloc := newCountingAllocator()
	b := newTestBridge(t, newFakeParser(), alloc)
	defer b.Close()

	baseline := alloc.liveCount()

	res := b.Parse([]byte("SELECT 1;"))
	p := res.Detach()
	if p == nil {
		t.Fatal("Detach() returned nil")
	}
	if res.Pointer() != nil {
		t.Error("detached buffer should be empty")
	}

	// Releasing the emptied struct must not touch the detached region.
	b.Release(res)
	if alloc.liveCount()-baseline != 1 {
		t.Fatalf("detached region freed early")
	}

	b.ReleasePointer(p)
	if alloc.liveCount() != baseline {
		t.Errorf("leaked %d allocations", alloc.liveCount()-baseline)
	}
}

func TestClose_FreesReserves(t *testing.T) {
	alloc := newCountingAllocator()
	b := newTestBridge(t, newFakeParser(), alloc)

	if alloc.liveCount() != len(fixedCodes) {
		t.Errorf("reserves = %d, want %d", alloc.liveCount(), len(fixedCodes))
	}

	b.Close()

	if alloc.liveCount() != 0 {
		t.Errorf("Close() left %d allocations", alloc.liveCount())
	}
}

func TestParseError_Error(t *testing.T) {
	err := &ParseError{Message: "syntax error", Cursorpos: 3}
	if err.Error() != "syntax error (at position 3)" {
		t.Errorf("Error() = %s", err.Error())
	}

	err = &ParseError{Message: "syntax error"}
	if err.Error() != "syntax error" {
		t.Errorf("Error() = %s", err.Error())
	}
}

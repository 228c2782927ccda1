// Package wasmtest assembles small guest modules for exercising the wasm
// host. Guests are built in code so section sizes are always computed,
// never hand-counted.
package wasmtest

const (
	valI32 = 0x7f

	opLoop      = 0x03
	opIf        = 0x04
	opElse      = 0x05
	opEnd       = 0x0b
	opBr        = 0x0c
	opCall      = 0x10
	opLocalGet  = 0x20
	opGlobalGet = 0x23
	opGlobalSet = 0x24
	opI32Const  = 0x41
	opI32Eqz    = 0x45
	opI32Ne     = 0x47
	opI32Add    = 0x6a
	opI32Sub    = 0x6b

	blockEmpty = 0x40

	kindFunc   = 0x00
	kindMemory = 0x02

	// echoEmptyPayload is where the echo guest keeps its empty_sql answer.
	echoEmptyPayload = 16

	// hostModule is the import module the logging guest links against.
	hostModule = "host"
)

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func vec(items ...[]byte) []byte {
	return cat(uleb(uint32(len(items))), cat(items...))
}

func wasmName(s string) []byte {
	return cat(uleb(uint32(len(s))), []byte(s))
}

func section(id byte, payload []byte) []byte {
	return cat([]byte{id}, uleb(uint32(len(payload))), payload)
}

func funcType(params, results []byte) []byte {
	return cat([]byte{0x60}, uleb(uint32(len(params))), params, uleb(uint32(len(results))), results)
}

func export(name string, kind byte, index uint32) []byte {
	return cat(wasmName(name), []byte{kind}, uleb(index))
}

// body wraps instructions as a function body with no extra locals.
func body(instrs ...[]byte) []byte {
	content := cat([]byte{0x00}, cat(instrs...), []byte{opEnd})
	return cat(uleb(uint32(len(content))), content)
}

func i32Const(v int32) []byte {
	return cat([]byte{opI32Const}, sleb(v))
}

func mutableI32Global(init int32) []byte {
	return cat([]byte{valI32, 0x01}, i32Const(init), []byte{opEnd})
}

func activeData(offset int32, data []byte) []byte {
	return cat([]byte{0x00}, i32Const(offset), []byte{opEnd}, uleb(uint32(len(data))), data)
}

func module(sections ...[]byte) []byte {
	return cat([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, cat(sections...))
}

// OutstandingExport reports the echo guest's live allocation count.
const OutstandingExport = "outstanding"

// incLive and decLive adjust global 1, the outstanding-allocation counter.
var (
	incLive = []byte{opGlobalGet, 0x01, opI32Const, 0x01, opI32Add, opGlobalSet, 0x01}
	decLive = []byte{opGlobalGet, 0x01, opI32Const, 0x01, opI32Sub, opGlobalSet, 0x01}
)

// EchoGuest builds a parser guest whose parse_sql returns its input pointer,
// so the host reads back exactly what it wrote. An empty query yields the
// empty_sql payload stored at offset 16. The "outstanding" export reports
// mallocs plus results not yet freed.
func EchoGuest() []byte {
	return parserGuest(body(
		[]byte{opLocalGet, 0x01, opI32Eqz, opIf, valI32},
		i32Const(echoEmptyPayload),
		[]byte{opElse},
		incLive,
		[]byte{opLocalGet, 0x00},
		[]byte{opEnd},
	))
}

// SpinGuest is EchoGuest with a parse_sql that never returns.
func SpinGuest() []byte {
	return parserGuest(body(
		[]byte{opLoop, blockEmpty, opBr, 0x00, opEnd},
		i32Const(0),
	))
}

func parserGuest(parseSQL []byte) []byte {
	types := section(1, vec(
		funcType([]byte{valI32}, []byte{valI32}),         // 0: malloc
		funcType([]byte{valI32}, nil),                    // 1: free, free_result
		funcType([]byte{valI32, valI32}, []byte{valI32}), // 2: parse_sql
		funcType(nil, []byte{valI32}),                    // 3: outstanding
	))

	funcs := section(3, vec(uleb(0), uleb(1), uleb(2), uleb(1), uleb(3)))

	memory := section(5, vec([]byte{0x00, 0x01}))

	globals := section(6, vec(
		mutableI32Global(1024), // 0: bump pointer
		mutableI32Global(0),    // 1: outstanding
	))

	exports := section(7, vec(
		export("memory", kindMemory, 0),
		export("malloc", kindFunc, 0),
		export("free", kindFunc, 1),
		export("parse_sql", kindFunc, 2),
		export("free_result", kindFunc, 3),
		export(OutstandingExport, kindFunc, 4),
	))

	malloc := body(
		[]byte{opGlobalGet, 0x00},
		[]byte{opGlobalGet, 0x00, opLocalGet, 0x00, opI32Add, opGlobalSet, 0x00},
		incLive,
	)
	free := body(decLive)
	freeResult := body(
		[]byte{opLocalGet, 0x00},
		i32Const(echoEmptyPayload),
		[]byte{opI32Ne, opIf, blockEmpty},
		decLive,
		[]byte{opEnd},
	)
	outstanding := body([]byte{opGlobalGet, 0x01})

	code := section(10, vec(malloc, free, parseSQL, freeResult, outstanding))

	data := section(11, vec(activeData(echoEmptyPayload, []byte(`{"error":"empty_sql"}`+"\x00"))))

	return module(types, funcs, memory, globals, exports, code, data)
}

// MemoryOnlyGuest exports a single page of memory and no functions.
func MemoryOnlyGuest() []byte {
	return module(
		section(5, vec([]byte{0x00, 0x01})),
		section(7, vec(export("memory", kindMemory, 0))),
	)
}

// LoggingGuest imports host.log_message and exports run, which logs the
// string "hello" stored at offset 16 at info level.
func LoggingGuest() []byte {
	types := section(1, vec(
		funcType([]byte{valI32, valI32, valI32}, nil), // 0: log_message
		funcType(nil, nil),                            // 1: run
	))
	imports := section(2, vec(cat(wasmName(hostModule), wasmName("log_message"), []byte{kindFunc}, uleb(0))))
	funcs := section(3, vec(uleb(1)))
	memory := section(5, vec([]byte{0x00, 0x01}))
	exports := section(7, vec(
		export("memory", kindMemory, 0),
		export("run", kindFunc, 1),
	))
	run := body(i32Const(1), i32Const(16), i32Const(5), []byte{opCall, 0x00})
	code := section(10, vec(run))
	data := section(11, vec(activeData(16, []byte("hello"))))

	return module(types, imports, funcs, memory, exports, code, data)
}

// ForeignImportGuest imports env.abort, a module the host never provides.
func ForeignImportGuest() []byte {
	types := section(1, vec(funcType(nil, nil)))
	imports := section(2, vec(cat(wasmName("env"), wasmName("abort"), []byte{kindFunc}, uleb(0))))
	return module(types, imports)
}

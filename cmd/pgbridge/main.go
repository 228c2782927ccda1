// Command pgbridge builds the C entry points of the SQL bridge.
//
//	go build -buildmode=c-shared -o libpgbridge.so ./cmd/pgbridge
//
// The resulting library exports parse_sql and free_result; see api/wasm for
// the calling convention.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"os"
	"unsafe"

	"github.com/woxQAQ/sql-bridge/internal/bridge"
	"github.com/woxQAQ/sql-bridge/internal/pgquery"
	"go.uber.org/zap"
)

var pgBridge = mustBridge()

func mustBridge() *bridge.Bridge {
	logger := zap.NewNop()
	if os.Getenv("PGBRIDGE_DEBUG") != "" {
		logger, _ = zap.NewDevelopment()
	}

	b, err := bridge.New(pgquery.New(),
		bridge.WithAllocator(cAllocator{}),
		bridge.WithLogger(logger),
		bridge.WithErrorDetail(os.Getenv("PGBRIDGE_ERROR_DETAIL") != ""),
	)
	if err != nil {
		// Without reserves the no-NULL guarantee cannot hold.
		panic(err)
	}
	return b
}

// cAllocator places bridge buffers in the C heap so foreign callers can hold
// them past the call.
type cAllocator struct{}

func (cAllocator) Malloc(size int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}
	return C.malloc(C.size_t(size))
}

func (cAllocator) Free(p unsafe.Pointer) {
	C.free(p)
}

//export parse_sql
func parse_sql(sql *C.char, length C.int) *C.char {
	res := pgBridge.ParsePointer(unsafe.Pointer(sql), int(length))
	return (*C.char)(res.Detach())
}

//export free_result
func free_result(ptr *C.char) {
	pgBridge.ReleasePointer(unsafe.Pointer(ptr))
}

func main() {}

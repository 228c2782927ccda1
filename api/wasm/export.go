// Package wasm describes the ABI shared by bridge guests and hosts.
//
// A parser module, whether it is loaded as a c-shared library or as a Wasm
// guest, exposes the same two entry points:
//
//	char *parse_sql(const char *sql, int len);
//	void  free_result(char *ptr);
//
// parse_sql never returns NULL. The returned string is always JSON and is
// owned by the caller until it is passed to free_result.
//
// Wasm guests additionally export their linear memory and a malloc/free pair
// so the host can place the query text inside the guest.
//
// NOTE: uint32 is used for pointers and lengths on the Wasm side because
// WebAssembly uses a 32-bit linear memory model.
// See: https://github.com/golang/go/issues/59156
package wasm

import (
	"encoding/json"
	"strings"
)

// Guest export names.
const (
	ExportMemory     = "memory"
	ExportMalloc     = "malloc"
	ExportFree       = "free"
	ExportParseSQL   = "parse_sql"
	ExportFreeResult = "free_result"
)

// RequiredExports lists the functions a guest parser module must export.
var RequiredExports = []string{
	ExportMalloc,
	ExportFree,
	ExportParseSQL,
	ExportFreeResult,
}

// Error codes carried in the "error" field of a bridge payload.
const (
	CodeEmptySQL     = "empty_sql"
	CodeAllocFailed  = "alloc_failed"
	CodeParseError   = "SQL parse error"
	CodeUnknownError = "parse_known_error"
)

// IsBridgeError reports whether code is one of the fixed bridge error codes.
func IsBridgeError(code string) bool {
	switch code {
	case CodeEmptySQL, CodeAllocFailed, CodeParseError, CodeUnknownError:
		return true
	}
	return false
}

// ErrorPayload is the JSON shape of every bridge-generated response. Message
// and Cursorpos are only set when error detail is enabled.
type ErrorPayload struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Cursorpos int    `json:"cursorpos,omitempty"`
}

// DecodeErrorPayload decodes out as a bridge error payload. Parse trees never
// start with an "error" key, so anything else reports false.
func DecodeErrorPayload(out string) (*ErrorPayload, bool) {
	if !strings.HasPrefix(out, `{"error"`) {
		return nil, false
	}

	var p ErrorPayload
	if err := json.Unmarshal([]byte(out), &p); err != nil || p.Error == "" {
		return nil, false
	}
	return &p, true
}

package wasm

import (
	"testing"
)

func TestIsBridgeError(t *testing.T) {
	for _, code := range []string{CodeEmptySQL, CodeAllocFailed, CodeParseError, CodeUnknownError} {
		if !IsBridgeError(code) {
			t.Errorf("IsBridgeError(%q) = false", code)
		}
	}
	if IsBridgeError("syntax error") {
		t.Error("IsBridgeError should reject unknown codes")
	}
}

func TestDecodeErrorPayload(t *testing.T) {
	tests := []struct {
		out  string
		want *ErrorPayload
	}{
		{`{"version":160001,"stmts":[]}`, nil},
		{`{"error":"empty_sql"}`, &ErrorPayload{Error: CodeEmptySQL}},
		{
			`{"error":"SQL parse error","message":"syntax error at or near \"SELEC\"","cursorpos":1}`,
			&ErrorPayload{Error: CodeParseError, Message: `syntax error at or near "SELEC"`, Cursorpos: 1},
		},
		{`{"error":`, nil},
		{`{"error":""}`, nil},
	}

	for _, tt := range tests {
		got, ok := DecodeErrorPayload(tt.out)
		if tt.want == nil {
			if ok {
				t.Errorf("DecodeErrorPayload(%q) = %+v, want no payload", tt.out, got)
			}
			continue
		}
		if !ok || *got != *tt.want {
			t.Errorf("DecodeErrorPayload(%q) = %+v, want %+v", tt.out, got, tt.want)
		}
	}
}

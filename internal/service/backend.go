package service

import (
	"context"
	"errors"
	"fmt"

	abi "github.com/woxQAQ/sql-bridge/api/wasm"
	"github.com/woxQAQ/sql-bridge/internal/bridge"
	"github.com/woxQAQ/sql-bridge/internal/wasm"
)

// Backend turns SQL text into a JSON parse tree.
type Backend interface {
	// ParseJSON returns the parser output. When the parser rejects sql, the
	// bridge error payload is returned together with *ParseFailure.
	ParseJSON(ctx context.Context, sql string) (string, error)
}

// ParseFailure is a bridge error payload reported by a backend.
type ParseFailure struct {
	Code      string
	Message   string
	Cursorpos int
}

func (e *ParseFailure) Error() string {
	switch {
	case e.Message != "" && e.Cursorpos > 0:
		return fmt.Sprintf("parse failed (%s): %s (at position %d)", e.Code, e.Message, e.Cursorpos)
	case e.Message != "":
		return fmt.Sprintf("parse failed (%s): %s", e.Code, e.Message)
	default:
		return fmt.Sprintf("parse failed (%s)", e.Code)
	}
}

// NativeBackend parses in-process through a Bridge.
type NativeBackend struct {
	bridge *bridge.Bridge
}

// NewNativeBackend wraps b. The caller keeps ownership of b.
func NewNativeBackend(b *bridge.Bridge) *NativeBackend {
	return &NativeBackend{bridge: b}
}

func (n *NativeBackend) ParseJSON(ctx context.Context, sql string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	res := n.bridge.Parse([]byte(sql))
	out := res.String()
	n.bridge.Release(res)

	if p, ok := abi.DecodeErrorPayload(out); ok {
		return out, &ParseFailure{Code: p.Error, Message: p.Message, Cursorpos: p.Cursorpos}
	}
	return out, nil
}

// WasmBackend parses in a guest module checked out of a pool.
type WasmBackend struct {
	pool *wasm.Pool
}

// NewWasmBackend wraps pool. The caller keeps ownership of pool.
func NewWasmBackend(pool *wasm.Pool) *WasmBackend {
	return &WasmBackend{pool: pool}
}

func (w *WasmBackend) ParseJSON(ctx context.Context, sql string) (string, error) {
	out, err := w.pool.Parse(ctx, sql)

	var gerr *wasm.GuestError
	if errors.As(err, &gerr) {
		return out, &ParseFailure{Code: gerr.Code, Message: gerr.Message, Cursorpos: gerr.Cursorpos}
	}
	return out, err
}

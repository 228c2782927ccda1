package wasm

import (
	"context"
	"errors"
	"fmt"

	abi "github.com/woxQAQ/sql-bridge/api/wasm"
)

// Parse runs sql through the guest's parse_sql export and returns the JSON
// it produced.
//
// The query is copied into guest memory with a terminator, the result string
// is read back and handed to free_result, and the query copy is freed, on
// every path. A bridge error payload from the guest is returned as
// *GuestError.
func (i *Instance) Parse(ctx context.Context, sql string) (string, error) {
	if i.Closed() {
		return "", errInstanceGone
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	var ptr, length uint32
	if sql != "" {
		var err error
		ptr, length, err = i.memory.WriteString(ctx, sql)
		if err != nil {
			return "", i.callError(ctx, err)
		}
		defer i.memory.Free(ctx, ptr)
	}

	results, err := i.exports[abi.ExportParseSQL].Call(ctx, uint64(ptr), uint64(length))
	if err != nil {
		return "", i.callError(ctx, fmt.Errorf("%s: %w", abi.ExportParseSQL, err))
	}
	if len(results) != 1 || uint32(results[0]) == 0 {
		return "", errNullResult
	}

	resultPtr := uint32(results[0])
	defer i.exports[abi.ExportFreeResult].Call(ctx, uint64(resultPtr))

	out, err := i.memory.ReadCString(resultPtr)
	if err != nil {
		return "", err
	}

	if gerr := guestError(out); gerr != nil {
		return out, gerr
	}
	return out, nil
}

func (i *Instance) callError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Duration: i.timeout}
	}
	return err
}

// guestError decodes a bridge error payload; anything else is passed
// through untouched.
func guestError(out string) *GuestError {
	p, ok := abi.DecodeErrorPayload(out)
	if !ok {
		return nil
	}
	return &GuestError{
		Code:      p.Error,
		Message:   p.Message,
		Cursorpos: p.Cursorpos,
	}
}

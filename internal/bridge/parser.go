package bridge

import (
	"errors"
	"fmt"
)

// Parser is the wrapped SQL parser.
//
// query is NUL-terminated; the terminator is its last byte. Implementations
// must not retain query after Parse returns.
type Parser interface {
	Parse(query []byte) Result
}

// Result is the parser's own result structure. The bridge calls Free exactly
// once, on every path, before Parse returns to its caller.
type Result interface {
	// Err reports a parser-side failure, usually a *ParseError.
	Err() error

	// Tree returns the JSON rendering of the parse tree. ok is false when the
	// parser produced no output.
	Tree() (tree string, ok bool)

	// Free releases whatever the parser holds for this result.
	Free()
}

// ParseError is a syntax or semantic error reported by the wrapped parser.
type ParseError struct {
	Message string
	// Cursorpos is the 1-based character offset of the error, 0 if unknown.
	Cursorpos int
}

func (e *ParseError) Error() string {
	if e.Cursorpos > 0 {
		return fmt.Sprintf("%s (at position %d)", e.Message, e.Cursorpos)
	}
	return e.Message
}

// ErrAllocFailed is returned when the bridge cannot obtain memory for its
// reserve payloads.
var ErrAllocFailed = errors.New("allocation failed")

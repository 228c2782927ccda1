package protocol

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Shared types for reporting locations inside a SQL document.

// Position is a zero-based line and character offset. Characters are
// counted in runes.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open span of a document.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// DiagnosticSeverity follows the LSP numbering.
type DiagnosticSeverity int

const (
	SeverityError DiagnosticSeverity = iota + 1
	SeverityWarning
	SeverityInformation
	SeverityHint
)

// Diagnostic points a message at a range of the document.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity"`
	Source   string             `json:"source,omitempty"`
	Code     string             `json:"code,omitempty"`
	Message  string             `json:"message"`
}

// PositionAt converts a byte offset of text into a Position. Offsets past
// the end clamp to the end of text.
func PositionAt(text string, offset int) Position {
	offset = max(0, min(offset, len(text)))

	before := text[:offset]
	line := strings.Count(before, "\n")
	if i := strings.LastIndexByte(before, '\n'); i >= 0 {
		before = before[i+1:]
	}
	return Position{Line: line, Character: utf8.RuneCountInString(before)}
}

// TokenRange returns the range of the token starting at byte offset: up to
// the next space or the end of text. An offset at the end gives an empty
// range.
func TokenRange(text string, offset int) Range {
	offset = max(0, min(offset, len(text)))

	end := offset
	for end < len(text) {
		r, size := utf8.DecodeRuneInString(text[end:])
		if unicode.IsSpace(r) {
			break
		}
		end += size
	}
	return Range{Start: PositionAt(text, offset), End: PositionAt(text, end)}
}

// CursorDiagnostic builds an error diagnostic from a parser cursor position.
// The cursor is one-based and counts characters, not bytes. Zero means the
// parser gave no position and yields nil.
func CursorDiagnostic(text string, cursorpos int, code, message string) *Diagnostic {
	if cursorpos <= 0 {
		return nil
	}
	return &Diagnostic{
		Range:    TokenRange(text, byteOffset(text, cursorpos-1)),
		Severity: SeverityError,
		Source:   "pg_query",
		Code:     code,
		Message:  message,
	}
}

// byteOffset returns the byte offset of the rune at index n of text,
// clamped to len(text).
func byteOffset(text string, n int) int {
	offset := 0
	for ; n > 0 && offset < len(text); n-- {
		_, size := utf8.DecodeRuneInString(text[offset:])
		offset += size
	}
	return offset
}

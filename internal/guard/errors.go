package guard

import (
	"fmt"
)

// UnqualifiedTableError occurs when a table reference has no schema and
// schema qualification is required.
type UnqualifiedTableError struct {
	Relname string
	// Path locates the RangeVar in the parse tree, e.g.
	// stmts[0].stmt.SelectStmt.fromClause[0].RangeVar.
	Path string
}

func (e *UnqualifiedTableError) Error() string {
	return fmt.Sprintf("unqualified table reference detected: %q, fully qualified schema.table is required", e.Relname)
}

// Violation is a query rejected by a Policy.
type Violation struct {
	Reason string
	Hint   string
	Err    error
}

func (e *Violation) Error() string {
	return fmt.Sprintf("query rejected: %s", e.Reason)
}

func (e *Violation) Unwrap() error {
	return e.Err
}

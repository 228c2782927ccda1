// Package pgquery adapts libpg_query, through pg_query_go, to the bridge
// Parser interface.
package pgquery

import (
	"bytes"
	"errors"

	pg_query "github.com/pganalyze/pg_query_go/v5"
	pgparser "github.com/pganalyze/pg_query_go/v5/parser"
	"github.com/woxQAQ/sql-bridge/internal/bridge"
)

// Parser parses PostgreSQL SQL into libpg_query's JSON parse tree.
// libpg_query keeps its state per thread, so a Parser is safe for
// concurrent use.
type Parser struct{}

// New returns a libpg_query-backed parser.
func New() *Parser {
	return &Parser{}
}

// Parse implements bridge.Parser.
func (p *Parser) Parse(query []byte) bridge.Result {
	sql := string(bytes.TrimSuffix(query, []byte{0}))

	tree, err := pg_query.ParseToJSON(sql)
	if err != nil {
		return &result{err: convertError(err)}
	}
	return &result{tree: tree, ok: tree != ""}
}

// result holds the copied-out parse tree. pg_query_go releases the
// underlying PgQueryParseResult before ParseToJSON returns, so Free only
// drops the Go references.
type result struct {
	tree string
	ok   bool
	err  error
}

func (r *result) Err() error {
	return r.err
}

func (r *result) Tree() (string, bool) {
	return r.tree, r.ok
}

func (r *result) Free() {
	r.tree = ""
	r.ok = false
	r.err = nil
}

func convertError(err error) error {
	var pgErr *pgparser.Error
	if errors.As(err, &pgErr) {
		return &bridge.ParseError{
			Message:   pgErr.Message,
			Cursorpos: pgErr.Cursorpos,
		}
	}
	return err
}

package guard

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/woxQAQ/sql-bridge/internal/config"
	"go.uber.org/zap"
)

// Policy admits single, read-only SELECT queries.
type Policy struct {
	requireSchema  bool
	allowedSchemas []string
	requireLimit   bool
	keywords       []keyword

	logger *zap.Logger
}

type keyword struct {
	word string
	re   *regexp.Regexp
}

// NewPolicy builds a policy from guard configuration. Allowed schemas are
// compared case-insensitively.
func NewPolicy(cfg config.GuardConfig, logger *zap.Logger) *Policy {
	p := &Policy{
		requireSchema: cfg.RequireSchema,
		requireLimit:  cfg.RequireLimit,
		logger:        logger.With(zap.String("component", "guard")),
	}

	for _, s := range cfg.AllowedSchemas {
		p.allowedSchemas = append(p.allowedSchemas, strings.ToLower(s))
	}
	for _, w := range cfg.ForbiddenKeywords {
		w = strings.ToUpper(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		p.keywords = append(p.keywords, keyword{
			word: w,
			re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`),
		})
	}

	return p
}

// Check applies the policy to sql and its JSON parse tree. A rejected query
// yields *Violation; a tree that cannot be decoded yields a plain error.
func (p *Policy) Check(sql string, tree []byte) error {
	for _, kw := range p.keywords {
		if kw.re.MatchString(sql) {
			return &Violation{
				Reason: "Forbidden SQL keyword detected: " + kw.word,
				Hint:   "Only SELECT queries are allowed",
			}
		}
	}

	root, err := decodeTree(tree)
	if err != nil {
		return err
	}

	stmts := statements(root)
	if len(stmts) != 1 || stmts[0]["SelectStmt"] == nil {
		return &Violation{
			Reason: "Only a single SELECT query is allowed",
			Hint:   "Split your logic into multiple queries",
		}
	}
	sel, _ := stmts[0]["SelectStmt"].(map[string]any)

	if sel["intoClause"] != nil {
		return &Violation{
			Reason: "SELECT INTO is not allowed",
			Hint:   "Remove the INTO clause",
		}
	}

	tables, err := p.tables(root)
	if err != nil {
		return &Violation{
			Reason: err.Error(),
			Hint:   "Use schema.table for every table",
			Err:    err,
		}
	}

	if len(p.allowedSchemas) > 0 {
		for _, table := range tables {
			if !slices.Contains(p.allowedSchemas, schemaOf(table)) {
				return &Violation{
					Reason: fmt.Sprintf("Query must reference only tables in: %s", strings.Join(p.allowedSchemas, ", ")),
					Hint:   fmt.Sprintf("Remove references to %s", table),
				}
			}
		}
	}

	if p.requireLimit && !isAggregate(sel) && sel["limitCount"] == nil {
		return &Violation{
			Reason: "Query must include a LIMIT clause",
			Hint:   "Add LIMIT 100 or similar",
		}
	}

	for _, s := range nodesOf(root, "SelectStmt") {
		if from, _ := s["fromClause"].([]any); len(from) > 1 {
			return &Violation{
				Reason: "Implicit JOINs are not allowed",
				Hint:   "Use explicit JOIN ... ON syntax",
			}
		}
	}

	for _, join := range nodesOf(root, "JoinExpr") {
		if join["quals"] == nil {
			return &Violation{
				Reason: "JOIN without ON clause",
				Hint:   "Add ON to all JOIN statements",
			}
		}
	}

	return nil
}

// Tables is ExtractTables under the policy's schema requirement, logging
// malformed table references it skips.
func (p *Policy) Tables(tree []byte) ([]string, error) {
	root, err := decodeTree(tree)
	if err != nil {
		return nil, err
	}
	return p.tables(root)
}

func (p *Policy) tables(root map[string]any) ([]string, error) {
	return extractTables(root, p.requireSchema, func(path string) {
		p.logger.Warn("RangeVar missing relname", zap.String("path", path))
	})
}

// isAggregate reports whether any output column of sel is a function call.
func isAggregate(sel map[string]any) bool {
	targets, _ := sel["targetList"].([]any)
	for _, t := range targets {
		node, _ := t.(map[string]any)
		res, _ := node["ResTarget"].(map[string]any)
		val, _ := res["val"].(map[string]any)
		if val["FuncCall"] != nil {
			return true
		}
	}
	return false
}

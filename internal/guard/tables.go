package guard

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// ExtractTables returns every table referenced by a JSON parse tree as a
// lower-cased, sorted, de-duplicated list of schema.table names. An
// unqualified reference to a CTE in scope is not a table. With
// requireSchema, any other unqualified reference fails with
// *UnqualifiedTableError.
func ExtractTables(tree []byte, requireSchema bool) ([]string, error) {
	root, err := decodeTree(tree)
	if err != nil {
		return nil, err
	}
	return extractTables(root, requireSchema, nil)
}

// extractTables walks root for RangeVar nodes. skipped, if set, is told
// about RangeVars that carry no relation name.
func extractTables(root map[string]any, requireSchema bool, skipped func(path string)) ([]string, error) {
	c := &tableCollector{
		requireSchema: requireSchema,
		skipped:       skipped,
		seen:          make(map[string]struct{}),
	}
	if err := c.visit(root, "", nil); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(c.seen)), nil
}

// cteScope holds the lower-cased CTE names visible at a point of the tree.
type cteScope map[string]bool

func (s cteScope) with(names []string) cteScope {
	out := maps.Clone(s)
	if out == nil {
		out = make(cteScope, len(names))
	}
	for _, name := range names {
		out[name] = true
	}
	return out
}

type tableCollector struct {
	requireSchema bool
	skipped       func(path string)
	seen          map[string]struct{}
}

// visit walks v like walk does, carrying the CTE names in scope into nodes
// that define a WITH clause.
func (c *tableCollector) visit(v any, path string, scope cteScope) error {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range slices.Sorted(maps.Keys(t)) {
			child := t[key]
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}

			if fields, ok := child.(map[string]any); ok && isNodeType(key) {
				if key == "RangeVar" {
					if err := c.rangeVar(childPath, fields, scope); err != nil {
						return err
					}
				}
				if with := withClause(fields); with != nil {
					if err := c.withStatement(childPath, fields, with, scope); err != nil {
						return err
					}
					continue
				}
			}
			if err := c.visit(child, childPath, scope); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := c.visit(child, fmt.Sprintf("%s[%d]", path, i), scope); err != nil {
				return err
			}
		}
	}
	return nil
}

// withStatement visits a statement carrying a WITH clause. Its body sees
// every CTE of the clause. A CTE query sees only the CTEs before it, or all
// of them under WITH RECURSIVE; a plain CTE never sees its own name.
func (c *tableCollector) withStatement(path string, fields, with map[string]any, scope cteScope) error {
	recursive, _ := with["recursive"].(bool)
	ctes, _ := with["ctes"].([]any)

	names := make([]string, len(ctes))
	defs := make([]map[string]any, len(ctes))
	for i, item := range ctes {
		entry, _ := item.(map[string]any)
		defs[i], _ = entry["CommonTableExpr"].(map[string]any)
		name, _ := defs[i]["ctename"].(string)
		names[i] = strings.ToLower(name)
	}

	for i, def := range defs {
		visible := scope.with(names[:i])
		if recursive {
			visible = scope.with(names)
		}
		ctePath := fmt.Sprintf("%s.withClause.ctes[%d].CommonTableExpr", path, i)
		if err := c.visit(def, ctePath, visible); err != nil {
			return err
		}
	}

	body := scope.with(names)
	for _, key := range slices.Sorted(maps.Keys(fields)) {
		if key == "withClause" {
			continue
		}
		if err := c.visit(map[string]any{key: fields[key]}, path, body); err != nil {
			return err
		}
	}
	return nil
}

func (c *tableCollector) rangeVar(path string, fields map[string]any, scope cteScope) error {
	relname, _ := fields["relname"].(string)
	if relname == "" {
		if c.skipped != nil {
			c.skipped(path)
		}
		return nil
	}

	schemaname, _ := fields["schemaname"].(string)
	if schemaname == "" {
		if scope[strings.ToLower(relname)] {
			return nil
		}
		if c.requireSchema {
			return &UnqualifiedTableError{Relname: relname, Path: path}
		}
	}

	parts := []string{relname}
	if schemaname != "" {
		parts = []string{schemaname, relname}
		if catalog, _ := fields["catalogname"].(string); catalog != "" {
			parts = []string{catalog, schemaname, relname}
		}
	}
	c.seen[strings.ToLower(strings.Join(parts, "."))] = struct{}{}
	return nil
}

// withClause returns the WITH clause of a statement node, if any.
func withClause(fields map[string]any) map[string]any {
	with, _ := fields["withClause"].(map[string]any)
	if wrapped, ok := with["WithClause"].(map[string]any); ok {
		return wrapped
	}
	return with
}

// schemaOf returns the schema part of a name built by extractTables.
func schemaOf(table string) string {
	parts := strings.Split(table, ".")
	switch len(parts) {
	case 3:
		return parts[1]
	case 2:
		return parts[0]
	default:
		return ""
	}
}

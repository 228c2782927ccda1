package guard

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// visitFunc is called for each node in a parse tree. typ is the node type,
// e.g. "RangeVar"; fields are its members.
type visitFunc func(path, typ string, fields map[string]any) error

// decodeTree decodes a libpg_query JSON parse tree.
func decodeTree(tree []byte) (map[string]any, error) {
	var root map[string]any
	if err := json.Unmarshal(tree, &root); err != nil {
		return nil, fmt.Errorf("failed to decode parse tree: %w", err)
	}
	return root, nil
}

// walk visits every node under v depth-first. In the JSON encoding a node is
// an object member whose key is the node type and whose value is an object.
// Keys are visited in sorted order so walks are deterministic.
func walk(v any, path string, fn visitFunc) error {
	switch t := v.(type) {
	case map[string]any:
		for _, key := range slices.Sorted(maps.Keys(t)) {
			child := t[key]
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}

			if fields, ok := child.(map[string]any); ok && isNodeType(key) {
				if err := fn(childPath, key, fields); err != nil {
					return err
				}
			}
			if err := walk(child, childPath, fn); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := walk(child, fmt.Sprintf("%s[%d]", path, i), fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node types are CamelCase; field names are not.
func isNodeType(key string) bool {
	return key != "" && key[0] >= 'A' && key[0] <= 'Z'
}

// statements returns the top-level statements of a parse tree, each as a
// one-member object keyed by statement type.
func statements(root map[string]any) []map[string]any {
	raw, _ := root["stmts"].([]any)

	stmts := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		entry, _ := item.(map[string]any)
		stmt, _ := entry["stmt"].(map[string]any)
		stmts = append(stmts, stmt)
	}
	return stmts
}

// nodesOf collects every node of type typ under v.
func nodesOf(v any, typ string) []map[string]any {
	var nodes []map[string]any
	walk(v, "", func(_, t string, fields map[string]any) error {
		if t == typ {
			nodes = append(nodes, fields)
		}
		return nil
	})
	return nodes
}

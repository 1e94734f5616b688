package loader

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/berth/internal/envfile"
	"github.com/mmr-tortoise/berth/internal/model"
)

// keyValue is one entry of a YAML mapping, with merge keys already applied.
type keyValue struct {
	Key   string
	Value *yaml.Node
}

// resolve follows alias nodes to their anchor.
func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// isNull reports whether n is absent or an explicit YAML null.
func isNull(n *yaml.Node) bool {
	n = resolve(n)
	return n == nil || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}

// joinPath appends a key to a dotted document path.
func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// indexPath appends a sequence index to a document path.
func indexPath(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}

// pairs returns the entries of a mapping node in document order.
// "<<" merge keys are expanded: merged entries come first and are
// overridden by explicit keys. Duplicate explicit keys are an error.
func pairs(n *yaml.Node, path string) ([]keyValue, error) {
	n = resolve(n)
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, model.NewStructuralError(path, "must be a mapping")
	}

	var merged, explicit []keyValue
	seen := make(map[string]bool)

	for i := 0; i+1 < len(n.Content); i += 2 {
		keyNode, valueNode := n.Content[i], n.Content[i+1]
		if keyNode.Value == "<<" && keyNode.ShortTag() == "!!merge" {
			m, err := mergeSources(valueNode, path)
			if err != nil {
				return nil, err
			}
			merged = append(merged, m...)
			continue
		}
		if seen[keyNode.Value] {
			return nil, model.NewStructuralError(joinPath(path, keyNode.Value), "duplicate key")
		}
		seen[keyNode.Value] = true
		explicit = append(explicit, keyValue{Key: keyNode.Value, Value: valueNode})
	}

	if len(merged) == 0 {
		return explicit, nil
	}

	out := make([]keyValue, 0, len(merged)+len(explicit))
	taken := make(map[string]bool)
	for _, kv := range merged {
		if seen[kv.Key] || taken[kv.Key] {
			continue
		}
		taken[kv.Key] = true
		out = append(out, kv)
	}
	return append(out, explicit...), nil
}

// mergeSources expands the value of a "<<" key: one mapping or a sequence
// of mappings, earlier ones taking precedence.
func mergeSources(n *yaml.Node, path string) ([]keyValue, error) {
	n = resolve(n)
	switch n.Kind {
	case yaml.MappingNode:
		return pairs(n, path)
	case yaml.SequenceNode:
		var out []keyValue
		for _, item := range n.Content {
			kvs, err := pairs(item, path)
			if err != nil {
				return nil, err
			}
			out = append(out, kvs...)
		}
		return out, nil
	default:
		return nil, model.NewStructuralError(path, "merge key value must be a mapping")
	}
}

// scalar returns the string value of a scalar node. Null yields "".
func scalar(n *yaml.Node, path string) (string, error) {
	n = resolve(n)
	if isNull(n) {
		return "", nil
	}
	if n.Kind != yaml.ScalarNode {
		return "", model.NewStructuralError(path, "must be a scalar value")
	}
	return n.Value, nil
}

// integer returns the integer value of a scalar node.
func integer(n *yaml.Node, path string) (int, error) {
	s, err := scalar(n, path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, model.NewStructuralError(path, "must be an integer, got %q", s)
	}
	return v, nil
}

// boolean returns the boolean value of a scalar node.
func boolean(n *yaml.Node, path string) (bool, error) {
	s, err := scalar(n, path)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, model.NewStructuralError(path, "must be a boolean, got %q", s)
	}
	return v, nil
}

// stringList accepts a sequence of scalars or a single scalar.
func stringList(n *yaml.Node, path string) ([]string, error) {
	n = resolve(n)
	if isNull(n) {
		return nil, nil
	}
	if n.Kind == yaml.ScalarNode {
		return []string{n.Value}, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, model.NewStructuralError(path, "must be a string or a list of strings")
	}
	out := make([]string, 0, len(n.Content))
	for i, item := range n.Content {
		s, err := scalar(item, indexPath(path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// stringMap accepts a mapping of scalars or a sequence of "KEY=VALUE"
// strings. Entries whose value is absent (a null mapping value or a bare
// "KEY" list item) are passed to bare, which decides whether to keep them.
func stringMap(n *yaml.Node, path string, bare func(key string) (string, bool)) (map[string]string, error) {
	n = resolve(n)
	if isNull(n) {
		return nil, nil
	}
	out := make(map[string]string)

	switch n.Kind {
	case yaml.MappingNode:
		kvs, err := pairs(n, path)
		if err != nil {
			return nil, err
		}
		for _, kv := range kvs {
			if isNull(kv.Value) {
				if v, ok := bare(kv.Key); ok {
					out[kv.Key] = v
				}
				continue
			}
			v, err := scalar(kv.Value, joinPath(path, kv.Key))
			if err != nil {
				return nil, err
			}
			out[kv.Key] = v
		}
	case yaml.SequenceNode:
		for i, item := range n.Content {
			s, err := scalar(item, indexPath(path, i))
			if err != nil {
				return nil, err
			}
			k, v, ok := strings.Cut(s, "=")
			if k == "" {
				return nil, model.NewStructuralError(indexPath(path, i), "expected KEY=VALUE, got %q", s)
			}
			if !ok {
				if v, ok := bare(k); ok {
					out[k] = v
				}
				continue
			}
			out[k] = v
		}
	default:
		return nil, model.NewStructuralError(path, "must be a mapping or a list of KEY=VALUE strings")
	}
	return out, nil
}

// interpolateTree applies ${NAME} substitution to every scalar value
// under n. Mapping keys are left untouched. Top-level "x-" extension
// blocks are only substituted where they are reached through an alias.
func interpolateTree(root *yaml.Node, vars map[string]string) error {
	visited := make(map[*yaml.Node]bool)

	var walk func(n *yaml.Node, path string, top bool) error
	walk = func(n *yaml.Node, path string, top bool) error {
		n = resolve(n)
		if n == nil || visited[n] {
			return nil
		}
		visited[n] = true

		switch n.Kind {
		case yaml.ScalarNode:
			if n.ShortTag() == "!!null" || !strings.Contains(n.Value, "$") {
				return nil
			}
			v, err := envfile.Interpolate(n.Value, path, vars)
			if err != nil {
				return err
			}
			n.Value = v
			// The typed accessors parse numbers and booleans from the text.
			n.Tag = "!!str"
		case yaml.MappingNode:
			for i := 0; i+1 < len(n.Content); i += 2 {
				key := n.Content[i].Value
				if top && strings.HasPrefix(key, "x-") {
					continue
				}
				if err := walk(n.Content[i+1], joinPath(path, key), false); err != nil {
					return err
				}
			}
		case yaml.SequenceNode:
			for i, item := range n.Content {
				if err := walk(item, indexPath(path, i), false); err != nil {
					return err
				}
			}
		}
		return nil
	}

	return walk(root, "", true)
}

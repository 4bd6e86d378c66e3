package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"rowloader/internal/core/apperror"
)

// Parse converts a decoded filter object into a tree. Plain keys become a
// Fields node; AND and OR must hold arrays of objects and NOT an object.
func Parse(input map[string]any) (Node, error) {
	return parseObject(input, "")
}

// ParseJSON decodes a filter object, keeping numbers as json.Number.
func ParseJSON(data []byte) (Node, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return And{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var input map[string]any
	if err := dec.Decode(&input); err != nil {
		return nil, apperror.NewValidation("filter is not a JSON object").WithCause(err)
	}
	return Parse(input)
}

func parseObject(input map[string]any, path string) (Node, error) {
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := Fields{}
	var combinators []Node

	for _, k := range keys {
		v := input[k]
		switch k {
		case KeyAnd, KeyOr:
			children, err := parseList(v, join(path, k))
			if err != nil {
				return nil, err
			}
			if k == KeyAnd {
				combinators = append(combinators, And(children))
			} else {
				combinators = append(combinators, Or(children))
			}
		case KeyNot:
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, invalidTree(join(path, k), "NOT must be an object")
			}
			child, err := parseObject(obj, join(path, k))
			if err != nil {
				return nil, err
			}
			combinators = append(combinators, Not{Node: child})
		default:
			fields[k] = v
		}
	}

	out := And{}
	if len(fields) > 0 {
		out = append(out, fields)
	}
	return append(out, combinators...), nil
}

func parseList(v any, path string) ([]Node, error) {
	var items []map[string]any
	switch list := v.(type) {
	case []map[string]any:
		items = list
	case []any:
		items = make([]map[string]any, 0, len(list))
		for i, item := range list {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, invalidTree(fmt.Sprintf("%s[%d]", path, i), "expected an object")
			}
			items = append(items, obj)
		}
	default:
		return nil, invalidTree(path, "expected an array of objects")
	}

	nodes := make([]Node, 0, len(items))
	for i, obj := range items {
		n, err := parseObject(obj, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func invalidTree(path, msg string) error {
	return apperror.NewValidation("invalid filter tree: " + msg).WithDetail("path", path)
}

// Package jsonpath evaluates the subset of JSONPath used to select work
// items from a JSON document: $, .field, ['field'], [n], [*], .*, ..field
// and filters of the form [?(@.field op value)].
package jsonpath

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type stepKind int

const (
	stepChild stepKind = iota
	stepIndex
	stepWildcard
	stepRecursive
	stepFilter
)

type step struct {
	kind   stepKind
	name   string
	index  int
	filter *filter
}

// Path is a compiled expression.
type Path struct {
	raw   string
	steps []step
}

// String returns the expression source.
func (p *Path) String() string {
	return p.raw
}

// Compile parses expr. An empty expression or "$" selects the document.
func Compile(expr string) (*Path, error) {
	raw := expr
	expr = strings.TrimSpace(expr)
	expr = strings.TrimPrefix(expr, "$")
	p := &Path{raw: raw}
	for len(expr) > 0 {
		var (
			s    step
			rest string
			err  error
		)
		switch {
		case strings.HasPrefix(expr, ".."):
			s, rest, err = parseRecursive(expr[2:])
		case expr[0] == '.':
			s, rest, err = parseDot(expr[1:])
		case expr[0] == '[':
			s, rest, err = parseBracket(expr)
		default:
			// A leading bare field name, as in "items[*]".
			if len(p.steps) == 0 {
				s, rest, err = parseDot(expr)
			} else {
				err = fmt.Errorf("unexpected %q", expr)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("jsonpath %q: %w", raw, err)
		}
		p.steps = append(p.steps, s)
		expr = rest
	}
	return p, nil
}

func parseName(expr string) (string, string) {
	end := strings.IndexAny(expr, ".[")
	if end < 0 {
		return expr, ""
	}
	return expr[:end], expr[end:]
}

func parseDot(expr string) (step, string, error) {
	name, rest := parseName(expr)
	if name == "" {
		return step{}, "", fmt.Errorf("empty field name")
	}
	if name == "*" {
		return step{kind: stepWildcard}, rest, nil
	}
	return step{kind: stepChild, name: name}, rest, nil
}

func parseRecursive(expr string) (step, string, error) {
	if strings.HasPrefix(expr, "[") {
		// $..[*] is equivalent to $..*
		inner, rest, err := parseBracket(expr)
		if err != nil {
			return step{}, "", err
		}
		if inner.kind == stepWildcard {
			return step{kind: stepRecursive, name: "*"}, rest, nil
		}
		if inner.kind == stepChild {
			return step{kind: stepRecursive, name: inner.name}, rest, nil
		}
		return step{}, "", fmt.Errorf("unsupported recursive selector")
	}
	name, rest := parseName(expr)
	if name == "" {
		return step{}, "", fmt.Errorf("empty field name after ..")
	}
	return step{kind: stepRecursive, name: name}, rest, nil
}

func parseBracket(expr string) (step, string, error) {
	end := matchingBracket(expr)
	if end < 0 {
		return step{}, "", fmt.Errorf("unclosed bracket")
	}
	inner := strings.TrimSpace(expr[1:end])
	rest := expr[end+1:]
	switch {
	case inner == "*":
		return step{kind: stepWildcard}, rest, nil
	case strings.HasPrefix(inner, "?"):
		f, err := parseFilter(inner[1:])
		if err != nil {
			return step{}, "", err
		}
		return step{kind: stepFilter, filter: f}, rest, nil
	case len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0]:
		return step{kind: stepChild, name: inner[1 : len(inner)-1]}, rest, nil
	}
	idx, err := strconv.Atoi(inner)
	if err != nil {
		return step{}, "", fmt.Errorf("invalid index %q", inner)
	}
	return step{kind: stepIndex, index: idx}, rest, nil
}

func matchingBracket(expr string) int {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Select evaluates the path against a decoded JSON document.
func (p *Path) Select(doc any) []any {
	nodes := []any{doc}
	for _, s := range p.steps {
		var next []any
		for _, n := range nodes {
			next = s.apply(n, next)
		}
		nodes = next
	}
	return nodes
}

// Select decodes data and evaluates expr against it. When the path selects a
// single array, the array elements are returned so that "$.items" and
// "$.items[*]" yield the same work items.
func Select(data []byte, expr string) ([]any, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	p, err := Compile(expr)
	if err != nil {
		return nil, err
	}
	out := p.Select(doc)
	if len(out) == 1 {
		if arr, ok := out[0].([]any); ok {
			return arr, nil
		}
	}
	return out, nil
}

func (s step) apply(node any, out []any) []any {
	switch s.kind {
	case stepChild:
		if m, ok := node.(map[string]any); ok {
			if v, ok := m[s.name]; ok {
				out = append(out, v)
			}
		}
	case stepIndex:
		if arr, ok := node.([]any); ok {
			idx := s.index
			if idx < 0 {
				idx += len(arr)
			}
			if idx >= 0 && idx < len(arr) {
				out = append(out, arr[idx])
			}
		}
	case stepWildcard:
		out = append(out, children(node)...)
	case stepRecursive:
		out = descend(node, s.name, out)
	case stepFilter:
		for _, child := range children(node) {
			if s.filter.match(child) {
				out = append(out, child)
			}
		}
	}
	return out
}

func children(node any) []any {
	switch v := node.(type) {
	case []any:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, v[k])
		}
		return out
	}
	return nil
}

// descend collects every value named name at any depth, in document order.
func descend(node any, name string, out []any) []any {
	switch v := node.(type) {
	case map[string]any:
		if name == "*" {
			for _, child := range children(v) {
				out = append(out, child)
				out = descend(child, name, out)
			}
			return out
		}
		if child, ok := v[name]; ok {
			out = append(out, child)
		}
		for _, child := range children(v) {
			out = descend(child, name, out)
		}
	case []any:
		for _, child := range v {
			if name == "*" {
				out = append(out, child)
			}
			out = descend(child, name, out)
		}
	}
	return out
}

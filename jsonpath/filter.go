package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

// filter is a disjunction of conjunctions of comparisons.
type filter struct {
	any [][]comparison
}

type comparison struct {
	path  []string
	op    string
	value any
	// exists is set for bare [?(@.field)] tests.
	exists bool
}

var operators = []string{"==", "!=", "<=", ">=", "<", ">"}

func parseFilter(expr string) (*filter, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") {
		expr = expr[1 : len(expr)-1]
	}
	f := &filter{}
	for _, disjunct := range strings.Split(expr, "||") {
		var all []comparison
		for _, term := range strings.Split(disjunct, "&&") {
			c, err := parseComparison(strings.TrimSpace(term))
			if err != nil {
				return nil, err
			}
			all = append(all, c)
		}
		f.any = append(f.any, all)
	}
	return f, nil
}

func parseComparison(term string) (comparison, error) {
	if !strings.HasPrefix(term, "@") {
		return comparison{}, fmt.Errorf("filter term %q must start with @", term)
	}
	for _, op := range operators {
		idx := strings.Index(term, op)
		if idx < 0 {
			continue
		}
		lhs := strings.TrimSpace(term[:idx])
		rhs := strings.TrimSpace(term[idx+len(op):])
		value, err := parseLiteral(rhs)
		if err != nil {
			return comparison{}, err
		}
		return comparison{path: fieldPath(lhs), op: op, value: value}, nil
	}
	return comparison{path: fieldPath(term), exists: true}, nil
}

func fieldPath(lhs string) []string {
	lhs = strings.TrimPrefix(lhs, "@")
	lhs = strings.TrimPrefix(lhs, ".")
	if lhs == "" {
		return nil
	}
	return strings.Split(lhs, ".")
}

func parseLiteral(s string) (any, error) {
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid filter literal %q", s)
	}
	return f, nil
}

func (f *filter) match(node any) bool {
	for _, all := range f.any {
		ok := true
		for _, c := range all {
			if !c.match(node) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (c comparison) match(node any) bool {
	v, found := resolve(node, c.path)
	if c.exists {
		return found
	}
	if !found {
		return c.op == "!="
	}
	return Compare(v, c.op, c.value)
}

func resolve(node any, path []string) (any, bool) {
	current := node
	for _, seg := range path {
		switch n := current.(type) {
		case map[string]any:
			v, ok := n[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, false
			}
			current = n[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Compare applies op to two decoded JSON values. Numbers compare
// numerically, strings lexically, other types only by equality.
func Compare(left any, op string, right any) bool {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case "==":
				return lf == rf
			case "!=":
				return lf != rf
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			}
			return false
		}
	}
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			switch op {
			case "==":
				return ls == rs
			case "!=":
				return ls != rs
			case "<":
				return ls < rs
			case "<=":
				return ls <= rs
			case ">":
				return ls > rs
			case ">=":
				return ls >= rs
			}
			return false
		}
	}
	switch op {
	case "==":
		return left == right
	case "!=":
		return left != right
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

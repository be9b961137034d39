package script

import (
	"regexp"
	"strconv"
	"strings"
)

var pathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*(\.[A-Za-z0-9_\-]+)*$`)

// IsPath reports whether s is a plain dotted variable reference such as
// "item.name" or "map.successful".
func IsPath(s string) bool {
	return pathPattern.MatchString(strings.TrimSpace(s))
}

// Lookup resolves a dotted path against vars. An exact key match wins over
// traversal, so a variable literally named "map.total" shadows the nested
// "total" field of "map". Numeric segments index into lists.
func Lookup(vars map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if vars == nil || path == "" {
		return nil, false
	}
	if v, ok := vars[path]; ok {
		return v, true
	}
	segments := strings.Split(path, ".")
	var current any = vars
	for i, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			// A dotted key deeper in the tree also takes precedence.
			if rest := strings.Join(segments[i:], "."); i > 0 {
				if v, ok := node[rest]; ok {
					return v, true
				}
			}
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

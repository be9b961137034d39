package mapreduce

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/mapreduce/jsonpath"
	"github.com/deepnoodle-ai/mapreduce/script"
)

// ItemLoader resolves the Map input into work items.
type ItemLoader struct {
	Runner   CommandRunner
	Compiler script.Compiler

	// Dir is where input commands run and relative input files resolve.
	Dir string
}

// Load resolves cfg.Input against vars and runs the item pipeline: select,
// filter, sort, distinct, offset, max_items. Items are numbered after the
// pipeline so indices are dense.
func (l *ItemLoader) Load(ctx context.Context, cfg *MapConfig, vars map[string]any) ([]WorkItem, error) {
	scope := exprEnv(vars)
	input, err := script.Interpolate(ctx, l.Compiler, cfg.Input, scope)
	if err != nil {
		return nil, newError(KindInput, "load items", "", err)
	}
	values, err := l.read(ctx, strings.TrimSpace(input), cfg.JSONPath)
	if err != nil {
		return nil, newError(KindInput, "load items", "", err)
	}
	values, err = l.filter(ctx, values, cfg.Filter, scope)
	if err != nil {
		return nil, newError(KindInput, "load items", "", err)
	}
	if cfg.SortBy != "" {
		if err := sortValues(values, cfg.SortBy); err != nil {
			return nil, newError(KindInput, "load items", "", err)
		}
	}
	if cfg.Distinct != "" {
		values = distinct(values, cfg.Distinct)
	}
	if cfg.Offset > 0 {
		if cfg.Offset >= len(values) {
			values = nil
		} else {
			values = values[cfg.Offset:]
		}
	}
	if cfg.MaxItems > 0 && len(values) > cfg.MaxItems {
		values = values[:cfg.MaxItems]
	}
	items := make([]WorkItem, len(values))
	for i, v := range values {
		items[i] = WorkItem{Index: i, Value: v}
	}
	return items, nil
}

// read returns the raw values of the input. An input naming an existing
// file with valid JSON is read as JSON. Anything else is a command whose
// output lines are the items, or whose output is a JSON document when a
// json_path is set.
func (l *ItemLoader) read(ctx context.Context, input, path string) ([]any, error) {
	if input == "" {
		return nil, fmt.Errorf("input is empty")
	}
	file := input
	if !filepath.IsAbs(file) && l.Dir != "" {
		file = filepath.Join(l.Dir, file)
	}
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
		if json.Valid(data) {
			return selectJSON(data, path)
		}
		if path != "" {
			return nil, fmt.Errorf("input file %s is not valid json", input)
		}
		return lines(string(data)), nil
	}

	res, err := l.Runner.RunCommand(ctx, &Command{Shell: input, Dir: l.Dir})
	if err != nil {
		return nil, fmt.Errorf("input command failed: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("input command exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if path != "" {
		return selectJSON([]byte(res.Stdout), path)
	}
	return lines(res.Stdout), nil
}

func selectJSON(data []byte, path string) ([]any, error) {
	if path == "" {
		path = "$"
	}
	values, err := jsonpath.Select(data, path)
	if err != nil {
		return nil, err
	}
	return values, nil
}

func lines(s string) []any {
	out := []any{}
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// filterScope exposes an item both as "item" and, for objects, field by
// field, so "item.score > 5" and "score > 5" are equivalent.
func filterScope(base map[string]any, value any) map[string]any {
	scope := copyMap(base)
	if scope == nil {
		scope = map[string]any{}
	}
	if obj, ok := value.(map[string]any); ok {
		for k, v := range obj {
			scope[k] = v
		}
	}
	scope[varItem] = value
	return scope
}

func (l *ItemLoader) filter(ctx context.Context, values []any, expression string, base map[string]any) ([]any, error) {
	if expression == "" {
		return values, nil
	}
	compiled, err := l.Compiler.Compile(ctx, expression)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	kept := make([]any, 0, len(values))
	for i, v := range values {
		result, err := compiled.Evaluate(ctx, filterScope(base, v))
		if err != nil {
			return nil, fmt.Errorf("filter failed on item %d: %w", i, err)
		}
		if result.IsTruthy() {
			kept = append(kept, v)
		}
	}
	return kept, nil
}

// field returns the value at a dotted path inside an item. "item" and
// paths starting with "item." are accepted for symmetry with filters.
func field(value any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == varItem || path == "" {
		return value, true
	}
	path = strings.TrimPrefix(path, varItem+".")
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return script.Lookup(obj, path)
}

type sortKey struct {
	path string
	desc bool
}

func parseSortBy(order string) ([]sortKey, error) {
	var keys []sortKey
	for _, part := range strings.Split(order, ",") {
		fields := strings.Fields(part)
		switch len(fields) {
		case 0:
			continue
		case 1:
			keys = append(keys, sortKey{path: fields[0]})
		case 2:
			dir := strings.ToLower(fields[1])
			if dir != "asc" && dir != "desc" {
				return nil, fmt.Errorf("invalid sort direction %q", fields[1])
			}
			keys = append(keys, sortKey{path: fields[0], desc: dir == "desc"})
		default:
			return nil, fmt.Errorf("invalid sort_by %q", part)
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("sort_by is empty")
	}
	return keys, nil
}

// sortValues sorts stably by the given keys. Items missing a key sort
// after the ones that have it, in either direction.
func sortValues(values []any, order string) error {
	keys, err := parseSortBy(order)
	if err != nil {
		return err
	}
	sort.SliceStable(values, func(i, j int) bool {
		for _, key := range keys {
			a, okA := field(values[i], key.path)
			b, okB := field(values[j], key.path)
			okA = okA && a != nil
			okB = okB && b != nil
			if !okA || !okB {
				if okA != okB {
					return okA
				}
				continue
			}
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if key.desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return nil
}

func compareValues(a, b any) int {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(script.FormatValue(a), script.FormatValue(b))
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// distinct keeps the first item for each value of the field.
func distinct(values []any, path string) []any {
	seen := map[string]bool{}
	out := make([]any, 0, len(values))
	for _, v := range values {
		key := "null"
		if fv, ok := field(v, path); ok {
			data, err := json.Marshal(fv)
			if err == nil {
				key = string(data)
			}
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

type segment struct {
	text   string
	expr   string
	code   Script
	isPath bool
	isExpr bool
}

// Template is a string containing ${...} references. Plain dotted paths are
// resolved by lookup and must exist. Anything else is evaluated as an
// expression by the compiler.
type Template struct {
	raw      string
	segments []segment
}

func NewTemplate(engine Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	// Validate that all ${...} expressions are properly closed
	if strings.Count(raw, "${") > len(templatePattern.FindAllStringIndex(raw, -1)) {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}

	matches := templatePattern.FindAllStringSubmatchIndex(raw, -1)
	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.segments = append(t.segments, segment{text: raw[lastEnd:match[0]]})
		}
		code := strings.TrimSpace(raw[match[2]:match[3]])
		seg := segment{expr: code, isExpr: true, isPath: IsPath(code)}
		compiled, err := engine.Compile(context.Background(), code)
		if err != nil {
			// Paths such as map.successful collide with expression
			// builtins but are still valid lookups.
			if !seg.isPath {
				return nil, fmt.Errorf("failed to compile template expression: %w", err)
			}
		} else {
			seg.code = compiled
		}
		t.segments = append(t.segments, seg)
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.segments = append(t.segments, segment{text: raw[lastEnd:]})
	}
	return t, nil
}

// Raw returns the template source.
func (t *Template) Raw() string {
	return t.raw
}

// Eval renders the template against globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if len(t.segments) == 0 {
		return t.raw, nil
	}
	var sb strings.Builder
	for _, seg := range t.segments {
		if !seg.isExpr {
			sb.WriteString(seg.text)
			continue
		}
		if seg.isPath {
			v, ok := Lookup(globals, seg.expr)
			if !ok {
				return "", fmt.Errorf("undefined variable %q", seg.expr)
			}
			sb.WriteString(FormatValue(v))
			continue
		}
		result, err := seg.code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression %q: %w", seg.expr, err)
		}
		sb.WriteString(result.String())
	}
	return sb.String(), nil
}

// Interpolate compiles and renders raw in one call.
func Interpolate(ctx context.Context, engine Compiler, raw string, globals map[string]any) (string, error) {
	if !strings.Contains(raw, "${") {
		return raw, nil
	}
	t, err := NewTemplate(engine, raw)
	if err != nil {
		return "", err
	}
	return t.Eval(ctx, globals)
}

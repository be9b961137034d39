package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const doc = `{
  "items": [
    {"name": "a", "priority": 1, "tags": ["x"]},
    {"name": "b", "priority": 5, "owner": {"name": "kim"}},
    {"name": "c", "priority": 3}
  ],
  "meta": {"count": 3}
}`

func TestSelect(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want []any
	}{
		{"array field expands", "$.items[*].name", []any{"a", "b", "c"}},
		{"bare array path expands", "$.items", nil},
		{"index", "$.items[1].name", []any{"b"}},
		{"negative index", "$.items[-1].name", []any{"c"}},
		{"quoted field", "$['meta']['count']", []any{float64(3)}},
		{"filter", "$.items[?(@.priority > 2)].name", []any{"b", "c"}},
		{"filter on string", `$.items[?(@.name == 'a')].priority`, []any{float64(1)}},
		{"filter conjunction", "$.items[?(@.priority >= 3 && @.priority < 5)].name", []any{"c"}},
		{"filter existence", "$.items[?(@.owner)].name", []any{"b"}},
		{"recursive descent", "$..name", []any{"a", "b", "kim", "c"}},
		{"missing field", "$.nothing", []any(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Select([]byte(doc), tt.expr)
			require.NoError(t, err)
			if tt.expr == "$.items" {
				require.Len(t, got, 3)
				return
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{"$.items[", "$.items[abc]", "$.items[?(name == 1)]", "$.items[?(@.a == nope)]"} {
		_, err := Compile(expr)
		require.Error(t, err, expr)
	}
}

func TestSelectInvalidJSON(t *testing.T) {
	_, err := Select([]byte("{not json"), "$")
	require.Error(t, err)
}

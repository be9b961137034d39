package mapreduce

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/mapreduce/script"
)

// Variable names reserved by the engine.
const (
	varItem      = "item"
	varItemIndex = "item_index"
	varMap       = "map"
	varJob       = "job"
)

// itemVariables returns the variables visible to an agent working on item.
func itemVariables(base map[string]any, item WorkItem) map[string]any {
	vars := copyMap(base)
	if vars == nil {
		vars = map[string]any{}
	}
	vars[varItem] = item.Value
	vars[varItemIndex] = item.Index
	return vars
}

// mapVariables derives the Map aggregates from the Map state. The result
// depends only on the state, so a resumed job sees the same values a
// single uninterrupted run would.
func mapVariables(m *MapPhaseState) map[string]any {
	indices := append(append([]int{}, m.CompletedItems...), m.FailedItems...)
	sort.Ints(indices)

	lastErrors := map[int]string{}
	for _, rec := range m.Records {
		if rec.Outcome != OutcomeSuccess && rec.Outcome != OutcomeInterrupted {
			lastErrors[rec.ItemIndex] = rec.Error
		}
	}

	results := make([]any, 0, len(indices))
	for _, idx := range indices {
		entry := map[string]any{
			"item_index": idx,
			"item":       m.Items[idx].Value,
		}
		if r, ok := m.Results[idx]; ok && containsIndex(m.CompletedItems, idx) {
			entry["status"] = string(StatusCompleted)
			entry["output"] = r.Output
			entry["branch"] = r.Branch
			entry["agent_id"] = r.AgentID
			if len(r.Captured) > 0 {
				entry["captured"] = r.Captured
			}
		} else {
			entry["status"] = string(StatusFailed)
			entry["error"] = lastErrors[idx]
		}
		results = append(results, entry)
	}
	resultsJSON, _ := json.Marshal(results)
	return map[string]any{
		"successful":   len(m.CompletedItems),
		"failed":       len(m.FailedItems),
		"total":        len(m.Items),
		"results":      results,
		"results_json": string(resultsJSON),
	}
}

// exprEnv returns the variables given to expressions. Names that clash
// with expression builtins, such as "map", are also exposed flattened, so
// map.successful is reachable as map_successful.
func exprEnv(vars map[string]any) map[string]any {
	env := copyMap(vars)
	if env == nil {
		env = map[string]any{}
	}
	for _, name := range []string{varMap, varJob} {
		nested, ok := vars[name].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range nested {
			flat := name + "_" + k
			if _, taken := env[flat]; !taken {
				env[flat] = v
			}
		}
	}
	return env
}

// itemEnv returns the environment variables exported to agent commands.
func itemEnv(jobID string, item WorkItem, worktreePath string) map[string]string {
	return map[string]string{
		"MAPREDUCE_JOB_ID":     jobID,
		"MAPREDUCE_ITEM_INDEX": strconv.Itoa(item.Index),
		"MAPREDUCE_ITEM":       script.FormatValue(item.Value),
		"MAPREDUCE_WORKTREE":   worktreePath,
	}
}

// interpolateEnv expands variables in environment values.
func interpolateEnv(ctx context.Context, compiler script.Compiler, vars map[string]any, layers ...map[string]string) (map[string]string, error) {
	out := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			if !strings.Contains(v, "${") {
				out[k] = v
				continue
			}
			expanded, err := script.Interpolate(ctx, compiler, v, vars)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
	}
	return out, nil
}

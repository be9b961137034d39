package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/fatih/color"
)

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// showJobResult prints a job result and passes err through so the exit
// status reflects it.
func showJobResult(cfg *config, result *mapreduce.JobResult, err error) error {
	if result == nil {
		return err
	}
	if cfg.JSON {
		if perr := printJSON(result); perr != nil {
			return perr
		}
		return err
	}

	color.White("Job %s finished in %v", result.JobID, result.Duration)
	color.White("Phase: %s  Status: %s", result.Phase, result.Status)
	if result.Plan != nil {
		color.Cyan("Resume plan: %s", result.Plan.String())
	}
	if result.Total > 0 {
		fmt.Printf("Items: %d total, %d successful, %d failed\n", result.Total, result.Successful, result.Failed)
	}
	switch {
	case mapreduce.IsKind(err, mapreduce.KindInterrupted):
		color.Yellow("Job interrupted. Continue with: mapreduce resume %s", result.JobID)
	case err != nil:
		if mapreduce.Resumable(err) {
			color.Yellow("The job can be resumed with: mapreduce resume %s", result.JobID)
		}
	default:
		color.Green("Job successful!")
	}
	if len(result.Variables) > 0 {
		fmt.Printf("\n")
		color.Magenta("Variables:")
		printVariables(result.Variables)
	}
	return err
}

func printVariables(vars map[string]any) {
	keys := make([]string, 0, len(vars))
	for key := range vars {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if valueBytes, err := json.Marshal(vars[key]); err == nil {
			fmt.Printf("  %s: %s\n", key, string(valueBytes))
		} else {
			fmt.Printf("  %s: %v\n", key, vars[key])
		}
	}
}

func statusColor(status mapreduce.Status) *color.Color {
	switch status {
	case mapreduce.StatusCompleted:
		return color.New(color.FgGreen)
	case mapreduce.StatusFailed:
		return color.New(color.FgRed)
	case mapreduce.StatusRunning:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func warnf(format string, args ...any) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type runFlags struct {
	vars        []string
	jobID       string
	maxParallel int
}

func newRunCmd(cfg *config) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Start a new job",
		Example: `  # Run a workflow in the current repository
  mapreduce run workflow.yaml

  # Pass variables and raise parallelism
  mapreduce run workflow.yaml --var target=main --var limit=20 --max-parallel 8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseVars(f.vars)
			if err != nil {
				return err
			}
			wf, err := loadWorkflow(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			b, err := cfg.open(ctx, wf.Checkpoint().History)
			if err != nil {
				return err
			}
			defer b.Close()

			opts := b.options(wf)
			opts.JobID = f.jobID
			opts.Variables = vars
			opts.MaxParallel = f.maxParallel
			execution, err := mapreduce.NewExecution(opts)
			if err != nil {
				return err
			}
			defer execution.Close()

			if !cfg.JSON {
				color.Green("Starting job %s...", execution.ID())
			}
			result, err := execution.Run(ctx)
			return showJobResult(cfg, result, err)
		},
	}
	cmd.Flags().StringArrayVar(&f.vars, "var", nil, "Variable in format key=value (repeat flag)")
	cmd.Flags().StringVar(&f.jobID, "job-id", "", "Job ID to use instead of a generated one")
	cmd.Flags().IntVarP(&f.maxParallel, "max-parallel", "p", 0, "Override map.max_parallel")
	return cmd
}

func newResumeCmd(cfg *config) *cobra.Command {
	var (
		file       string
		forceRetry bool
	)
	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Continue a job from its last checkpoint",
		Long: `Resume continues an interrupted or failed job. Completed steps and items
are not run again unless --force-retry is given. The workflow is loaded from
the path recorded in the checkpoint unless --file names another.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cfg.open(ctx, 0)
			if err != nil {
				return err
			}
			defer b.Close()

			wf, err := jobWorkflow(ctx, b, args[0], file)
			if err != nil {
				return err
			}
			opts := b.options(wf)
			opts.JobID = args[0]
			execution, err := mapreduce.NewExecution(opts)
			if err != nil {
				return err
			}
			defer execution.Close()

			if !cfg.JSON {
				color.Green("Resuming job %s...", execution.ID())
			}
			result, err := execution.Resume(ctx, mapreduce.ResumeOptions{ForceRetry: forceRetry})
			return showJobResult(cfg, result, err)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Workflow file (default: path recorded in the checkpoint)")
	cmd.Flags().BoolVar(&forceRetry, "force-retry", false, "Also re-run completed map items")
	return cmd
}

func loadWorkflow(path string) (*mapreduce.Workflow, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workflow file '%s' not found", path)
	}
	wf, err := mapreduce.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	return wf, nil
}

// jobWorkflow loads file, or the workflow path recorded in the job's
// checkpoint when file is empty.
func jobWorkflow(ctx context.Context, b *backend, jobID, file string) (*mapreduce.Workflow, error) {
	if file != "" {
		return loadWorkflow(file)
	}
	cp, err := b.checkpointer.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	if cp.WorkflowPath == "" {
		return nil, fmt.Errorf("job %s has no recorded workflow path, use --file", jobID)
	}
	return loadWorkflow(cp.WorkflowPath)
}

// parseVars parses key=value pairs. Values are parsed as JSON if possible,
// otherwise used as strings.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable format '%s'. Use key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		vars[key] = parsed
	}
	return vars, nil
}

package main

import (
	"fmt"
	"sort"

	"github.com/deepnoodle-ai/mapreduce/worktree"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newWorktreeCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage job worktrees",
	}
	cmd.AddCommand(newWorktreeCleanCmd(cfg))
	return cmd
}

func newWorktreeCleanCmd(cfg *config) *cobra.Command {
	opts := worktree.CleanOptions{}
	cmd := &cobra.Command{
		Use:   "clean [job-id]",
		Short: "Remove job worktrees and item branches",
		Long: `Clean removes the worktrees of a job, or of every job with --all. Jobs
held by a running process are skipped unless --force is given. Parent
branches are kept so merged work is not lost.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.JobID = args[0]
			}
			if opts.JobID == "" && !opts.All {
				return fmt.Errorf("a job id or --all is required")
			}
			ctx := cmd.Context()
			b, err := cfg.open(ctx, 0)
			if err != nil {
				return err
			}
			defer b.Close()

			result, err := b.storage.CleanWorktrees(ctx, worktree.NewCLIGit(), b.logger, opts)
			if result == nil {
				return err
			}
			if cfg.JSON {
				if perr := printJSON(result); perr != nil {
					return perr
				}
				return err
			}
			verb := "Removed"
			if result.DryRun {
				verb = "Would remove"
			}
			jobs := make([]string, 0, len(result.Removed))
			for jobID := range result.Removed {
				jobs = append(jobs, jobID)
			}
			sort.Strings(jobs)
			for _, jobID := range jobs {
				color.Cyan("%s %d worktrees of %s", verb, len(result.Removed[jobID]), jobID)
				for _, path := range result.Removed[jobID] {
					fmt.Printf("  %s\n", path)
				}
			}
			for jobID, reason := range result.Skipped {
				warnf("Skipped %s: %s", jobID, reason)
			}
			if len(jobs) == 0 && len(result.Skipped) == 0 {
				color.Blue("Nothing to clean")
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.All, "all", false, "Clean every job")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Also clean jobs held by a running process")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Only report what would be removed")
	return cmd
}

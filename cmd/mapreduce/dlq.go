package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/script"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newDLQCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect, retry and clear dead-lettered work items",
	}
	cmd.AddCommand(
		newDLQListCmd(cfg),
		newDLQStatsCmd(cfg),
		newDLQRetryCmd(cfg),
		newDLQClearCmd(cfg),
	)
	return cmd
}

func newDLQListCmd(cfg *config) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List a job's DLQ entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cfg.open(ctx, 0)
			if err != nil {
				return err
			}
			defer b.Close()

			match, err := dlq.ExprFilter(ctx, script.NewExprEngine(), filter)
			if err != nil {
				return err
			}
			entries, err := b.dlq.Select(ctx, args[0], match)
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				color.Blue("No DLQ entries")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ITEM\tATTEMPTS\tKIND\tEXIT\tELIGIBLE\tLAST FAILURE\tMESSAGE")
			for _, e := range entries {
				kind, exit, message := "", "", ""
				if last := e.Last(); last != nil {
					kind, exit, message = last.Kind, strconv.Itoa(last.ExitCode), truncate(last.Message, 60)
				}
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%t\t%s\t%s\n",
					e.ItemIndex, e.AttemptCount, kind, exit, e.ReprocessEligible,
					e.LastFailure.Local().Format(time.DateTime), message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "Expression selecting entries, e.g. 'exit_code == 2'")
	return cmd
}

func newDLQStatsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <job-id>",
		Short: "Count a job's DLQ entries by error kind and signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cfg.open(ctx, 0)
			if err != nil {
				return err
			}
			defer b.Close()

			stats, err := b.dlq.Stats(ctx, args[0])
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(stats)
			}
			color.Cyan("Entries: %d (%d eligible for retry)", stats.Total, stats.Eligible)
			for kind, n := range stats.ByKind {
				fmt.Printf("  %s: %d\n", kind, n)
			}
			if len(stats.BySignature) > 0 {
				color.Magenta("Signatures:")
				for sig, n := range stats.BySignature {
					fmt.Printf("  %s: %d\n", sig, n)
				}
			}
			return nil
		},
	}
}

func newDLQRetryCmd(cfg *config) *cobra.Command {
	var (
		file        string
		filter      string
		maxParallel int
		maxAttempts int
	)
	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Run dead-lettered items again",
		Long: `Retry runs the selected DLQ entries through the worker pool. Items that
succeed are merged into the job's map results and leave the DLQ. Items that
fail again stay in the DLQ with the new attempts recorded.`,
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
			result, err := mapreduce.NewReprocessor(b.options(wf)).Retry(ctx, args[0], mapreduce.RetryOptions{
				Filter:      filter,
				MaxParallel: maxParallel,
				MaxAttempts: maxAttempts,
			})
			if result == nil {
				return err
			}
			if cfg.JSON {
				if perr := printJSON(result); perr != nil {
					return perr
				}
				return err
			}
			color.White("Retried %d items in %v (batch %s)", len(result.Selected), result.Duration, result.BatchID)
			color.Green("Succeeded: %v", result.Succeeded)
			if len(result.Failed) > 0 {
				color.Red("Failed: %v", result.Failed)
			}
			if len(result.Interrupted) > 0 {
				color.Yellow("Interrupted: %v", result.Interrupted)
			}
			if len(result.Skipped) > 0 {
				warnf("Skipped (not eligible): %v", result.Skipped)
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Workflow file (default: path recorded in the checkpoint)")
	cmd.Flags().StringVar(&filter, "filter", "", "Expression selecting entries to retry")
	cmd.Flags().IntVarP(&maxParallel, "max-parallel", "p", 0, "Override map.max_parallel")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempts per item (default: workflow retry_limit)")
	return cmd
}

func newDLQClearCmd(cfg *config) *cobra.Command {
	var items []int
	cmd := &cobra.Command{
		Use:   "clear <job-id>",
		Short: "Discard DLQ entries of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cfg.open(ctx, 0)
			if err != nil {
				return err
			}
			defer b.Close()

			locks, err := b.storage.Locks(b.logger, "mapreduce dlq clear")
			if err != nil {
				return err
			}
			removed, err := mapreduce.ClearDLQ(ctx, locks, b.dlq, args[0], items)
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(map[string]int{"removed": removed})
			}
			color.Green("Removed %d DLQ entries", removed)
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&items, "item", nil, "Item index to remove (repeat flag, default all)")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

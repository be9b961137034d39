package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newJobsCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs of the repository, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cfg.open(ctx, 0)
			if err != nil {
				return err
			}
			defer b.Close()

			jobs, err := b.jobs(ctx)
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(jobs)
			}
			if len(jobs) == 0 {
				color.Blue("No jobs found")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tWORKFLOW\tPHASE\tSTATUS\tITEMS\tUPDATED")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d (%d failed)\t%s\n",
					job.JobID, job.WorkflowName, job.Phase,
					statusColor(job.Status).Sprint(job.Status),
					job.Successful, job.Total, job.Failed,
					job.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.AddCommand(newJobShowCmd(cfg), newJobEventsCmd(cfg))
	return cmd
}

func newJobShowCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job's checkpoint and resume plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cfg.open(ctx, 0)
			if err != nil {
				return err
			}
			defer b.Close()

			cp, err := b.checkpointer.LoadCheckpoint(ctx, args[0])
			if err != nil {
				return err
			}
			if cp == nil {
				return fmt.Errorf("job %s not found", args[0])
			}
			summary := mapreduce.Summarize(cp)
			var plan *mapreduce.ResumePlan
			if cp.WorkflowPath != "" {
				if wf, err := mapreduce.LoadFile(cp.WorkflowPath); err == nil {
					plan, _ = mapreduce.PlanResume(cp, wf, mapreduce.PlanOptions{})
				}
			}
			if cfg.JSON {
				return printJSON(map[string]any{"summary": summary, "plan": plan})
			}
			color.Cyan("Job: %s", summary.JobID)
			color.White("Workflow: %s", summary.WorkflowName)
			fmt.Printf("Phase: %s  Status: %s\n", summary.Phase, statusColor(summary.Status).Sprint(summary.Status))
			fmt.Printf("Checkpoint: #%d at %s\n", summary.Sequence, summary.UpdatedAt.Local().Format(time.DateTime))
			if summary.Total > 0 {
				fmt.Printf("Items: %d total, %d successful, %d failed\n", summary.Total, summary.Successful, summary.Failed)
			}
			if summary.Error != "" {
				color.Red("Error: %s", summary.Error)
			}
			if plan != nil {
				color.Cyan("Resume plan: %s", plan.String())
			}
			return nil
		},
	}
}

func newJobEventsCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "events <job-id>",
		Short: "Print a job's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := cfg.open(ctx, 0)
			if err != nil {
				return err
			}
			defer b.Close()

			events, err := b.storage.Events().GetEvents(ctx, args[0])
			if err != nil {
				return err
			}
			if cfg.JSON {
				return printJSON(events)
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  %-20s %s", ev.Time.Local().Format(time.TimeOnly), ev.Type, ev.Phase)
				if ev.Step != "" {
					line += " step=" + ev.Step
				}
				if ev.ItemIndex != nil {
					line += fmt.Sprintf(" item=%d", *ev.ItemIndex)
				}
				if ev.Message != "" {
					line += " " + ev.Message
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

// Command mapreduce runs Setup, Map and Reduce jobs over git worktrees and
// manages their checkpoints, dead letter queues and worktrees.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config{}
	root := newRootCmd(cfg)
	if err := root.ExecuteContext(ctx); err != nil {
		color.Red("Error: %v", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status. Interrupted jobs exit
// with 130 so wrappers can tell them from failures.
func exitCode(err error) int {
	switch {
	case mapreduce.IsKind(err, mapreduce.KindInterrupted), errors.Is(err, context.Canceled):
		return 130
	case mapreduce.IsKind(err, mapreduce.KindLockContention):
		return 3
	default:
		return 1
	}
}

func newRootCmd(cfg *config) *cobra.Command {
	root := &cobra.Command{
		Use:   "mapreduce",
		Short: "Crash-safe Setup/Map/Reduce jobs over git worktrees",
		Long: `mapreduce runs a workflow's setup steps, fans its work items out to
parallel agents in isolated git worktrees, and runs its reduce steps over the
merged results. Jobs checkpoint as they go and can be resumed after a crash.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&cfg.RepoDir, "repo", "C", ".", "Git repository the job works in")
	flags.StringVar(&cfg.Home, "home", "", "Storage root (default $"+mapreduce.HomeEnv+" or ~/.deepnoodle/mapreduce)")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&cfg.LogJSON, "log-json", false, "Write logs as JSON")
	flags.BoolVar(&cfg.JSON, "json", false, "Print results as JSON")
	flags.StringVar(&cfg.Backend, "backend", backendFile, "Checkpoint backend: file, sqlite, postgres or s3")
	flags.StringVar(&cfg.SQLitePath, "sqlite-path", "", "SQLite database file (default <storage>/mapreduce.db)")
	flags.StringVar(&cfg.PostgresDSN, "postgres-dsn", os.Getenv("MAPREDUCE_POSTGRES_DSN"), "Postgres connection string")
	flags.StringVar(&cfg.S3.Endpoint, "s3-endpoint", os.Getenv("MAPREDUCE_S3_ENDPOINT"), "S3 endpoint host:port")
	flags.StringVar(&cfg.S3.Bucket, "s3-bucket", os.Getenv("MAPREDUCE_S3_BUCKET"), "S3 bucket")
	flags.StringVar(&cfg.S3.Prefix, "s3-prefix", "", "Key prefix inside the bucket")
	flags.StringVar(&cfg.S3.Region, "s3-region", os.Getenv("MAPREDUCE_S3_REGION"), "S3 region")
	flags.BoolVar(&cfg.S3.UseSSL, "s3-ssl", true, "Use TLS for S3")
	flags.IntVar(&cfg.History, "history", 0, "Earlier checkpoints kept per job (default from workflow)")

	root.AddCommand(
		newRunCmd(cfg),
		newResumeCmd(cfg),
		newJobsCmd(cfg),
		newDLQCmd(cfg),
		newWorktreeCmd(cfg),
	)
	return root
}

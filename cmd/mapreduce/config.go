package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/objectstore"
	"github.com/deepnoodle-ai/mapreduce/postgres"
	"github.com/deepnoodle-ai/mapreduce/sqlite"
	"github.com/deepnoodle-ai/mapreduce/worktree"
)

const (
	backendFile     = "file"
	backendSQLite   = "sqlite"
	backendPostgres = "postgres"
	backendS3       = "s3"

	defaultHistory = 10
)

// config holds the global flags.
type config struct {
	RepoDir     string
	Home        string
	Verbose     bool
	LogJSON     bool
	JSON        bool
	Backend     string
	SQLitePath  string
	PostgresDSN string
	S3          objectstore.Config
	History     int
}

func (c *config) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	if c.LogJSON {
		return mapreduce.NewJSONLogger(level)
	}
	return mapreduce.NewLogger(level)
}

// backend is the storage a command works against. Checkpoints and DLQ
// entries go to the selected backend; locks, worktrees and event logs always
// live under the file storage root.
type backend struct {
	storage      *mapreduce.Storage
	checkpointer mapreduce.Checkpointer
	dlq          *dlq.Queue
	logger       *slog.Logger
	closers      []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.logger.Warn("failed to close backend", "error", err)
		}
	}
}

func (b *backend) jobs(ctx context.Context) ([]*mapreduce.JobSummary, error) {
	lister, ok := b.checkpointer.(mapreduce.JobLister)
	if !ok {
		return nil, fmt.Errorf("backend cannot list jobs")
	}
	return lister.ListJobs(ctx)
}

// options returns execution options wired to the backend.
func (b *backend) options(wf *mapreduce.Workflow) mapreduce.ExecutionOptions {
	return mapreduce.ExecutionOptions{
		Workflow:     wf,
		RepoDir:      b.storage.RepoDir,
		Storage:      b.storage,
		Checkpointer: b.checkpointer,
		DLQ:          b.dlq,
		Git:          worktree.NewCLIGit(),
		Logger:       b.logger,
		EventLogger:  b.storage.Events(),
	}
}

// open resolves storage for the repository and connects the backend.
// history is used when the --history flag is not set.
func (c *config) open(ctx context.Context, history int) (*backend, error) {
	if c.History > 0 {
		history = c.History
	}
	if history <= 0 {
		history = defaultHistory
	}
	logger := c.logger()
	storage, err := mapreduce.OpenStorage(c.Home, c.RepoDir)
	if err != nil {
		return nil, err
	}
	b := &backend{storage: storage, logger: logger}

	switch c.Backend {
	case backendFile, "":
		cp, err := storage.Checkpointer(history)
		if err != nil {
			return nil, err
		}
		queue, err := storage.DLQ(logger)
		if err != nil {
			return nil, err
		}
		b.checkpointer, b.dlq = cp, queue

	case backendSQLite:
		path := c.SQLitePath
		if path == "" {
			path = filepath.Join(storage.Dir, "mapreduce.db")
		}
		store, err := sqlite.Open(path, history)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		b.checkpointer, b.dlq = store, dlq.NewQueue(store.DLQ(), logger)

	case backendPostgres:
		if c.PostgresDSN == "" {
			return nil, fmt.Errorf("--postgres-dsn is required for the postgres backend")
		}
		store, err := postgres.Open(ctx, c.PostgresDSN, postgres.Options{History: history})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, store.Close)
		b.checkpointer, b.dlq = store, dlq.NewQueue(store.DLQ(), logger)

	case backendS3:
		s3 := c.S3
		s3.History = history
		s3.AccessKey = os.Getenv("MAPREDUCE_S3_ACCESS_KEY")
		s3.SecretKey = os.Getenv("MAPREDUCE_S3_SECRET_KEY")
		if s3.Prefix == "" {
			s3.Prefix = storage.Namespace
		}
		client, err := objectstore.NewClient(s3)
		if err != nil {
			return nil, err
		}
		cp, err := objectstore.NewCheckpointer(ctx, client, s3)
		if err != nil {
			return nil, err
		}
		// The object store holds checkpoints only.
		queue, err := storage.DLQ(logger)
		if err != nil {
			return nil, err
		}
		b.checkpointer, b.dlq = cp, queue

	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
	return b, nil
}

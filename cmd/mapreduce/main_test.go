package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/deepnoodle-ai/mapreduce/sqlite"
	"github.com/stretchr/testify/require"
)

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"name=main", "count=5", "tags=[\"a\",\"b\"]", "empty=", "eq=a=b"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"name":  "main",
		"count": float64(5),
		"tags":  []any{"a", "b"},
		"empty": "",
		"eq":    "a=b",
	}, vars)

	for _, bad := range []string{"novalue", "=x"} {
		_, err := parseVars([]string{bad})
		require.Error(t, err, bad)
	}
}

func TestExitCode(t *testing.T) {
	interrupted := &mapreduce.Error{Kind: mapreduce.KindInterrupted, Op: "map"}
	locked := &mapreduce.Error{Kind: mapreduce.KindLockContention, Op: "resume"}
	require.Equal(t, 130, exitCode(interrupted))
	require.Equal(t, 130, exitCode(fmt.Errorf("run: %w", context.Canceled)))
	require.Equal(t, 3, exitCode(locked))
	require.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestOpenBackends(t *testing.T) {
	ctx := context.Background()

	t.Run("file", func(t *testing.T) {
		cfg := &config{RepoDir: t.TempDir(), Home: t.TempDir(), Backend: backendFile}
		b, err := cfg.open(ctx, 0)
		require.NoError(t, err)
		defer b.Close()
		require.IsType(t, &mapreduce.FileCheckpointer{}, b.checkpointer)
		jobs, err := b.jobs(ctx)
		require.NoError(t, err)
		require.Empty(t, jobs)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := &config{RepoDir: t.TempDir(), Home: t.TempDir(), Backend: backendSQLite}
		b, err := cfg.open(ctx, 3)
		require.NoError(t, err)
		defer b.Close()
		require.IsType(t, &sqlite.Store{}, b.checkpointer)
		require.FileExists(t, b.storage.Dir+"/mapreduce.db")
	})

	t.Run("postgres without dsn", func(t *testing.T) {
		cfg := &config{RepoDir: t.TempDir(), Home: t.TempDir(), Backend: backendPostgres}
		_, err := cfg.open(ctx, 0)
		require.ErrorContains(t, err, "--postgres-dsn")
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := &config{RepoDir: t.TempDir(), Home: t.TempDir(), Backend: "tape"}
		_, err := cfg.open(ctx, 0)
		require.ErrorContains(t, err, "unknown backend")
	})
}

func TestRootCommand(t *testing.T) {
	cfg := &config{}
	root := newRootCmd(cfg)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--home", t.TempDir(), "-C", t.TempDir(), "--json", "jobs"})
	require.NoError(t, root.Execute())
	require.True(t, cfg.JSON)

	root = newRootCmd(&config{})
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"worktree", "clean"})
	require.ErrorContains(t, root.Execute(), "--all")
}

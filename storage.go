package mapreduce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/lock"
	"github.com/deepnoodle-ai/mapreduce/worktree"
)

// HomeEnv overrides the storage root.
const HomeEnv = "MAPREDUCE_HOME"

// DefaultRoot returns $MAPREDUCE_HOME, or ~/.deepnoodle/mapreduce.
func DefaultRoot() (string, error) {
	if root := os.Getenv(HomeEnv); root != "" {
		return root, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".deepnoodle", "mapreduce"), nil
}

// Storage is the per-repository directory layout:
//
//	<root>/repos/<namespace>/jobs/<job_id>/checkpoint.json
//	<root>/repos/<namespace>/jobs/<job_id>/history/
//	<root>/repos/<namespace>/jobs/<job_id>/events.jsonl
//	<root>/repos/<namespace>/dlq/<job_id>/
//	<root>/repos/<namespace>/locks/<job_id>.lock
//	<root>/repos/<namespace>/worktrees/<job_id>/
type Storage struct {
	Root      string
	RepoDir   string
	Namespace string
	Dir       string
}

// Namespace names a repository's storage directory: its base name plus a
// short hash of its canonical path.
func Namespace(canonicalRepo string) string {
	sum := sha256.Sum256([]byte(canonicalRepo))
	base := strings.ReplaceAll(filepath.Base(canonicalRepo), " ", "_")
	return base + "-" + hex.EncodeToString(sum[:4])
}

// OpenStorage resolves and creates the layout for repoDir. An empty root
// uses DefaultRoot.
func OpenStorage(root, repoDir string) (*Storage, error) {
	if root == "" {
		var err error
		if root, err = DefaultRoot(); err != nil {
			return nil, err
		}
	}
	canonical, err := worktree.Canonical(repoDir)
	if err != nil {
		return nil, err
	}
	ns := Namespace(canonical)
	s := &Storage{
		Root:      root,
		RepoDir:   canonical,
		Namespace: ns,
		Dir:       filepath.Join(root, "repos", ns),
	}
	for _, dir := range []string{s.JobsDir(), s.DLQDir(), s.LocksDir(), s.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Storage) JobsDir() string      { return filepath.Join(s.Dir, "jobs") }
func (s *Storage) DLQDir() string       { return filepath.Join(s.Dir, "dlq") }
func (s *Storage) LocksDir() string     { return filepath.Join(s.Dir, "locks") }
func (s *Storage) WorktreesDir() string { return filepath.Join(s.Dir, "worktrees") }

// Checkpointer returns the file checkpointer for this repository.
func (s *Storage) Checkpointer(history int) (*FileCheckpointer, error) {
	return NewFileCheckpointer(s.JobsDir(), history)
}

// Events returns the JSONL event log stored next to each checkpoint.
func (s *Storage) Events() *FileEventLogger {
	return NewFileEventLogger(s.JobsDir())
}

// DLQ returns the file-backed dead letter queue.
func (s *Storage) DLQ(logger *slog.Logger) (*dlq.Queue, error) {
	store, err := dlq.NewFileStore(s.DLQDir())
	if err != nil {
		return nil, err
	}
	return dlq.NewQueue(store, logger), nil
}

// Locks returns the resume lock manager.
func (s *Storage) Locks(logger *slog.Logger, command string) (*lock.Manager, error) {
	return lock.NewManager(lock.Options{Dir: s.LocksDir(), Logger: logger, Command: command})
}

// Worktrees returns a worktree manager. The caller must Close it.
func (s *Storage) Worktrees(git worktree.Git, logger *slog.Logger) (*worktree.Manager, error) {
	return worktree.NewManager(worktree.Options{
		Root:    s.WorktreesDir(),
		RepoDir: s.RepoDir,
		Git:     git,
		Logger:  logger,
	})
}

// CleanWorktrees removes job worktrees. Jobs holding a resume lock are
// skipped unless opts.Force is set.
func (s *Storage) CleanWorktrees(ctx context.Context, git worktree.Git, logger *slog.Logger, opts worktree.CleanOptions) (*worktree.CleanResult, error) {
	wt, err := s.Worktrees(git, logger)
	if err != nil {
		return nil, err
	}
	defer wt.Close()
	locks, err := s.Locks(logger, "mapreduce worktree clean")
	if err != nil {
		return nil, err
	}
	if opts.InUse == nil {
		opts.InUse = func(jobID string) (bool, error) {
			info, err := locks.Inspect(jobID)
			return info != nil, err
		}
	}
	return wt.Clean(ctx, opts)
}

package worktree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Status of an item worktree.
type Status string

const (
	StatusActive  Status = "active"
	StatusMerged  Status = "merged"
	StatusFailed  Status = "failed"
	StatusRemoved Status = "removed"
)

// Parent is the job-wide worktree that item branches are merged into.
type Parent struct {
	Path       string `json:"path"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"base_branch"`
	RepoDir    string `json:"repo_dir"`
}

// Item is the worktree of a single work item.
type Item struct {
	Index  int    `json:"index"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Status Status `json:"status"`
}

// Info is the worktree state persisted with every checkpoint.
type Info struct {
	Parent *Parent       `json:"parent,omitempty"`
	Items  map[int]*Item `json:"items,omitempty"`
}

// Clone returns a deep copy.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	out := &Info{Items: make(map[int]*Item, len(i.Items))}
	if i.Parent != nil {
		p := *i.Parent
		out.Parent = &p
	}
	for k, v := range i.Items {
		item := *v
		out.Items[k] = &item
	}
	return out
}

// Active returns the item worktree recorded as active for index.
func (i *Info) Active(index int) (*Item, bool) {
	if i == nil {
		return nil, false
	}
	item, ok := i.Items[index]
	if !ok || item.Status != StatusActive {
		return nil, false
	}
	return item, true
}

// Error describes a failed worktree operation. Op is one of "create",
// "merge" or "remove".
type Error struct {
	Op     string
	Path   string
	Branch string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("worktree %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsMergeError reports whether err came from merging an item branch.
func IsMergeError(err error) bool {
	var wtErr *Error
	return errors.As(err, &wtErr) && wtErr.Op == "merge"
}

// Options configures a Manager.
type Options struct {
	// Root is the directory holding <job_id>/parent and <job_id>/item-<n>.
	Root string

	// RepoDir is the repository the worktrees are created from.
	RepoDir string

	Git    Git
	Pool   *RepoPool
	Logger *slog.Logger
}

// Manager creates, merges and removes worktrees for map jobs.
type Manager struct {
	root    string
	repoDir string
	git     Git
	handle  *RepoHandle
	logger  *slog.Logger
}

// NewManager acquires a pool handle for the repository. Close releases it.
func NewManager(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("worktree root is required")
	}
	if opts.RepoDir == "" {
		return nil, fmt.Errorf("repository directory is required")
	}
	if opts.Git == nil {
		opts.Git = NewCLIGit()
	}
	if opts.Pool == nil {
		opts.Pool = DefaultPool
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(opts.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree root %s: %w", opts.Root, err)
	}
	handle, err := opts.Pool.Acquire(opts.RepoDir)
	if err != nil {
		return nil, err
	}
	return &Manager{
		root:    opts.Root,
		repoDir: handle.Path(),
		git:     opts.Git,
		handle:  handle,
		logger:  opts.Logger,
	}, nil
}

// Close releases the repository handle.
func (m *Manager) Close() {
	m.handle.Release()
}

// Root returns the worktree root directory.
func (m *Manager) Root() string {
	return m.root
}

// ParentBranch is the branch name of a job's parent worktree.
func ParentBranch(jobID string) string {
	return "mr-" + jobID
}

// ItemBranch is the branch name of an item worktree.
func ItemBranch(jobID string, index int) string {
	return fmt.Sprintf("mr-%s-item-%d", jobID, index)
}

func (m *Manager) jobDir(jobID string) string {
	return filepath.Join(m.root, jobID)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// EnsureParent returns the job's parent worktree, reusing the recorded one
// when it still exists on disk.
func (m *Manager) EnsureParent(ctx context.Context, jobID string, recorded *Parent) (*Parent, error) {
	if recorded != nil && exists(recorded.Path) {
		return recorded, nil
	}
	parent := &Parent{
		Path:    filepath.Join(m.jobDir(jobID), "parent"),
		Branch:  ParentBranch(jobID),
		RepoDir: m.repoDir,
	}
	if recorded != nil {
		parent.BaseBranch = recorded.BaseBranch
	}
	err := m.handle.Do(func() error {
		if parent.BaseBranch == "" {
			base, err := m.git.CurrentBranch(ctx, m.repoDir)
			if err != nil {
				return err
			}
			parent.BaseBranch = base
		}
		// A crash can leave the branch behind without its directory.
		create, err := m.needsBranch(ctx, parent.Branch)
		if err != nil {
			return err
		}
		m.git.Prune(ctx, m.repoDir)
		return m.git.AddWorktree(ctx, m.repoDir, parent.Path, parent.Branch, parent.BaseBranch, create)
	})
	if err != nil {
		return nil, &Error{Op: "create", Path: parent.Path, Branch: parent.Branch, Err: err}
	}
	m.logger.Info("created parent worktree", "job_id", jobID, "path", parent.Path, "branch", parent.Branch)
	return parent, nil
}

func (m *Manager) needsBranch(ctx context.Context, branch string) (bool, error) {
	ok, err := m.git.BranchExists(ctx, m.repoDir, branch)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// AcquireItem returns a worktree for a work item. A recorded worktree that
// still exists is reused as is. Otherwise a fresh one is branched from the
// parent's current state.
func (m *Manager) AcquireItem(ctx context.Context, jobID string, parent *Parent, index int, recorded *Item) (*Item, bool, error) {
	if recorded != nil && recorded.Status == StatusActive && exists(recorded.Path) {
		return recorded, true, nil
	}
	item := &Item{
		Index:  index,
		Path:   filepath.Join(m.jobDir(jobID), "item-"+strconv.Itoa(index)),
		Branch: ItemBranch(jobID, index),
		Status: StatusActive,
	}
	err := m.handle.Do(func() error {
		if exists(item.Path) {
			if err := m.git.RemoveWorktree(ctx, m.repoDir, item.Path, true); err != nil {
				if err := os.RemoveAll(item.Path); err != nil {
					return err
				}
			}
		}
		m.git.Prune(ctx, m.repoDir)
		// Stale branches from earlier attempts would carry partial work.
		stale, err := m.git.BranchExists(ctx, m.repoDir, item.Branch)
		if err != nil {
			return err
		}
		if stale {
			if err := m.git.DeleteBranch(ctx, m.repoDir, item.Branch, true); err != nil {
				return err
			}
		}
		return m.git.AddWorktree(ctx, m.repoDir, item.Path, item.Branch, parent.Branch, true)
	})
	if err != nil {
		return nil, false, &Error{Op: "create", Path: item.Path, Branch: item.Branch, Err: err}
	}
	return item, false, nil
}

// MergeItem merges an item branch into the parent worktree. A failed merge
// is aborted so the parent stays clean.
func (m *Manager) MergeItem(ctx context.Context, parent *Parent, item *Item) error {
	msg := fmt.Sprintf("Merge work item %d (%s)", item.Index, item.Branch)
	err := m.handle.Do(func() error {
		if err := m.git.Merge(ctx, parent.Path, item.Branch, msg); err != nil {
			if abortErr := m.git.AbortMerge(ctx, parent.Path); abortErr != nil {
				m.logger.Warn("failed to abort merge", "path", parent.Path, "error", abortErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return &Error{Op: "merge", Path: parent.Path, Branch: item.Branch, Err: err}
	}
	item.Status = StatusMerged
	return nil
}

// RemoveItem deletes an item worktree and, when deleteBranch is set, its
// branch.
func (m *Manager) RemoveItem(ctx context.Context, item *Item, deleteBranch bool) error {
	err := m.handle.Do(func() error {
		if exists(item.Path) {
			if err := m.git.RemoveWorktree(ctx, m.repoDir, item.Path, true); err != nil {
				m.logger.Warn("git worktree remove failed, deleting directory", "path", item.Path, "error", err)
				if err := os.RemoveAll(item.Path); err != nil {
					return err
				}
				m.git.Prune(ctx, m.repoDir)
			}
		}
		if deleteBranch {
			ok, err := m.git.BranchExists(ctx, m.repoDir, item.Branch)
			if err != nil {
				return err
			}
			if ok {
				return m.git.DeleteBranch(ctx, m.repoDir, item.Branch, true)
			}
		}
		return nil
	})
	if err != nil {
		return &Error{Op: "remove", Path: item.Path, Branch: item.Branch, Err: err}
	}
	if item.Status == StatusActive {
		item.Status = StatusRemoved
	}
	return nil
}

// ListJobs returns the job ids that have a worktree directory.
func (m *Manager) ListJobs() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []string
	for _, e := range entries {
		if e.IsDir() {
			jobs = append(jobs, e.Name())
		}
	}
	sort.Strings(jobs)
	return jobs, nil
}

// ListWorktrees returns the worktree directories of a job.
func (m *Manager) ListWorktrees(jobID string) ([]string, error) {
	entries, err := os.ReadDir(m.jobDir(jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() && (e.Name() == "parent" || strings.HasPrefix(e.Name(), "item-")) {
			paths = append(paths, filepath.Join(m.jobDir(jobID), e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RemoveJob deletes every worktree of a job and its item branches. The
// parent branch is kept since it holds the merged results. With dryRun the
// paths are reported without touching anything.
func (m *Manager) RemoveJob(ctx context.Context, jobID string, dryRun bool) ([]string, error) {
	paths, err := m.ListWorktrees(jobID)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return paths, nil
	}
	var removed []string
	err = m.handle.Do(func() error {
		for _, path := range paths {
			if err := m.git.RemoveWorktree(ctx, m.repoDir, path, true); err != nil {
				if err := os.RemoveAll(path); err != nil {
					return err
				}
			}
			removed = append(removed, path)
			name := filepath.Base(path)
			if idx, ok := strings.CutPrefix(name, "item-"); ok {
				if n, err := strconv.Atoi(idx); err == nil {
					branch := ItemBranch(jobID, n)
					if ok, _ := m.git.BranchExists(ctx, m.repoDir, branch); ok {
						m.git.DeleteBranch(ctx, m.repoDir, branch, true)
					}
				}
			}
		}
		m.git.Prune(ctx, m.repoDir)
		return os.RemoveAll(m.jobDir(jobID))
	})
	if err != nil {
		return removed, &Error{Op: "remove", Path: m.jobDir(jobID), Err: err}
	}
	m.logger.Info("removed job worktrees", "job_id", jobID, "count", len(removed))
	return removed, nil
}

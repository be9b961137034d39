// Package testgit provides an in-memory stand-in for git used by tests.
// Worktrees are plain directories and merging copies an item worktree's
// files into the target directory.
package testgit

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Fake implements worktree.Git.
type Fake struct {
	mu sync.Mutex

	// branches maps a branch to the worktree path it is checked out at.
	branches map[string]string
	// merged records merge order per target directory.
	merged map[string][]string
	// adds counts AddWorktree calls per branch.
	adds map[string]int

	// MergeErrors makes Merge fail for the listed branches.
	MergeErrors map[string]error
	// AddErrors makes AddWorktree fail for the listed branches.
	AddErrors map[string]error
	// Base is returned by CurrentBranch for the repository.
	Base string
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		branches:    map[string]string{},
		merged:      map[string][]string{},
		adds:        map[string]int{},
		MergeErrors: map[string]error{},
		AddErrors:   map[string]error{},
		Base:        "main",
	}
}

func (f *Fake) AddWorktree(ctx context.Context, repoDir, path, branch, base string, create bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds[branch]++
	if err := f.AddErrors[branch]; err != nil {
		return err
	}
	if _, ok := f.branches[branch]; ok && create {
		return fmt.Errorf("branch %s already exists", branch)
	}
	f.branches[branch] = path
	return os.MkdirAll(path, 0755)
}

func (f *Fake) RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error {
	return os.RemoveAll(path)
}

func (f *Fake) BranchExists(ctx context.Context, repoDir, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.branches[branch]
	return ok, nil
}

func (f *Fake) DeleteBranch(ctx context.Context, repoDir, branch string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.branches, branch)
	return nil
}

func (f *Fake) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return f.Base, nil
}

func (f *Fake) Merge(ctx context.Context, dir, branch, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MergeErrors[branch]; err != nil {
		return err
	}
	src, ok := f.branches[branch]
	if !ok {
		return fmt.Errorf("unknown branch %s", branch)
	}
	if err := copyTree(src, dir); err != nil {
		return err
	}
	f.merged[dir] = append(f.merged[dir], branch)
	return nil
}

func (f *Fake) AbortMerge(ctx context.Context, dir string) error {
	return nil
}

func (f *Fake) Prune(ctx context.Context, repoDir string) error {
	return nil
}

func (f *Fake) TopLevel(ctx context.Context, dir string) (string, error) {
	return dir, nil
}

// Merged returns the branches merged into dir in order.
func (f *Fake) Merged(dir string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.merged[dir]...)
}

// Adds returns how many times a worktree was added for branch.
func (f *Fake) Adds(branch string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adds[branch]
}

// Branches returns the number of known branches.
func (f *Fake) Branches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.branches)
}

func copyTree(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		// Merged after the worktree was removed: nothing to copy.
		return nil
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}

// Package worktree manages the git worktrees a map job runs in: one parent
// worktree per job that accumulates merged results, and one short-lived
// worktree per work item.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Git is the subset of git plumbing the manager needs.
type Git interface {
	// AddWorktree checks out branch at path. When create is set the branch
	// is created from base first.
	AddWorktree(ctx context.Context, repoDir, path, branch, base string, create bool) error
	RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error
	BranchExists(ctx context.Context, repoDir, branch string) (bool, error)
	DeleteBranch(ctx context.Context, repoDir, branch string, force bool) error
	CurrentBranch(ctx context.Context, dir string) (string, error)
	// Merge merges branch into the branch checked out in dir.
	Merge(ctx context.Context, dir, branch, message string) error
	AbortMerge(ctx context.Context, dir string) error
	Prune(ctx context.Context, repoDir string) error
	TopLevel(ctx context.Context, dir string) (string, error)
}

// CLIGit runs the git binary.
type CLIGit struct {
	// Binary defaults to "git".
	Binary string
}

// NewCLIGit returns a Git backed by the git executable on PATH.
func NewCLIGit() *CLIGit {
	return &CLIGit{Binary: "git"}
}

// CommandError carries the output of a failed git invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), msg)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (g *CLIGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	binary := g.Binary
	if binary == "" {
		binary = "git"
	}
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, binary, full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", &CommandError{Args: args, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *CLIGit) AddWorktree(ctx context.Context, repoDir, path, branch, base string, create bool) error {
	if create {
		_, err := g.run(ctx, repoDir, "worktree", "add", "-b", branch, path, base)
		return err
	}
	_, err := g.run(ctx, repoDir, "worktree", "add", path, branch)
	return err
}

func (g *CLIGit) RemoveWorktree(ctx context.Context, repoDir, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	_, err := g.run(ctx, repoDir, append(args, path)...)
	return err
}

func (g *CLIGit) BranchExists(ctx context.Context, repoDir, branch string) (bool, error) {
	_, err := g.run(ctx, repoDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

func (g *CLIGit) DeleteBranch(ctx context.Context, repoDir, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := g.run(ctx, repoDir, "branch", flag, branch)
	return err
}

func (g *CLIGit) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

func (g *CLIGit) Merge(ctx context.Context, dir, branch, message string) error {
	_, err := g.run(ctx, dir, "merge", "--no-ff", "--no-edit", "-m", message, branch)
	return err
}

func (g *CLIGit) AbortMerge(ctx context.Context, dir string) error {
	_, err := g.run(ctx, dir, "merge", "--abort")
	return err
}

func (g *CLIGit) Prune(ctx context.Context, repoDir string) error {
	_, err := g.run(ctx, repoDir, "worktree", "prune")
	return err
}

func (g *CLIGit) TopLevel(ctx context.Context, dir string) (string, error) {
	return g.run(ctx, dir, "rev-parse", "--show-toplevel")
}

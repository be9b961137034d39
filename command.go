package mapreduce

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"
)

// Command is a shell command run by a CommandRunner.
type Command struct {
	Shell string
	Dir   string
	Env   map[string]string

	// Timeout bounds the run. When it expires the runner returns
	// context.DeadlineExceeded.
	Timeout time.Duration
}

// CommandResult is the outcome of a command that ran to completion.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// CommandRunner runs shell commands. A non-zero exit is reported in the
// result, not as an error. Errors mean the command could not be run or
// was stopped, and wrap the context error in the latter case.
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd *Command) (*CommandResult, error)
}

// ShellCommandRunner runs commands with the platform shell. On
// cancellation the command's process group receives a termination signal
// and is killed if it is still running after GracePeriod.
type ShellCommandRunner struct {
	GracePeriod time.Duration
}

const defaultGracePeriod = 10 * time.Second

func NewShellCommandRunner(gracePeriod time.Duration) *ShellCommandRunner {
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	return &ShellCommandRunner{GracePeriod: gracePeriod}
}

func (r *ShellCommandRunner) RunCommand(ctx context.Context, command *Command) (*CommandResult, error) {
	if command.Shell == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}
	runCtx := ctx
	if command.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, command.Timeout)
		defer cancel()
	}

	cmd := shellCommand(runCtx, command.Shell)
	cmd.Dir = command.Dir
	cmd.Env = mergeEnv(os.Environ(), command.Env)
	cmd.WaitDelay = r.GracePeriod
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if ctxErr := runCtx.Err(); ctxErr != nil {
		killProcessGroup(cmd)
		result.ExitCode = -1
		return result, fmt.Errorf("command stopped: %w", ctxErr)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to execute command: %w", err)
	}
	return result, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string{}, base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

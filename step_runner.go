package mapreduce

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/mapreduce/script"
)

// stepRun is the outcome of one step.
type stepRun struct {
	Skipped  bool
	Command  string
	Result   *CommandResult
	Captured map[string]any

	// Tolerated is set when an on_failure handler let the failure pass.
	Tolerated bool
}

// failed reports whether a step that ran stops its sequence.
func (r *stepRun) failed(step *Step) bool {
	return r.Result.ExitCode != 0 && !step.AllowFailure && !r.Tolerated
}

// runStep evaluates a step's condition, interpolates its command and
// environment, runs it in dir and parses its capture. A non-zero exit is
// returned in the result. Captures are only parsed for successful runs.
func runStep(ctx context.Context, runner CommandRunner, compiler script.Compiler, step *Step, dir string, vars map[string]any, env map[string]string) (*stepRun, error) {
	scope := exprEnv(vars)
	if step.When != "" {
		ok, err := script.EvalBool(ctx, compiler, step.When, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate when condition: %w", err)
		}
		if !ok {
			return &stepRun{Skipped: true}, nil
		}
	}
	run, err := execStep(ctx, runner, compiler, step, dir, scope, env)
	if err != nil || run.Result.ExitCode == 0 || step.OnFailure == nil {
		return run, err
	}
	return handleFailure(ctx, runner, compiler, step, dir, scope, env, run)
}

func execStep(ctx context.Context, runner CommandRunner, compiler script.Compiler, step *Step, dir string, scope map[string]any, env map[string]string) (*stepRun, error) {
	shell, err := script.Interpolate(ctx, compiler, step.Shell, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to interpolate command: %w", err)
	}
	stepEnv, err := interpolateEnv(ctx, compiler, scope, env, step.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to interpolate env: %w", err)
	}
	var before string
	if step.CommitRequired {
		if before, err = headCommit(ctx, runner, dir); err != nil {
			return nil, err
		}
	}
	res, err := runner.RunCommand(ctx, &Command{
		Shell:   shell,
		Dir:     dir,
		Env:     stepEnv,
		Timeout: step.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	if step.CommitRequired && res.ExitCode == 0 {
		after, err := headCommit(ctx, runner, dir)
		if err != nil {
			return nil, err
		}
		if after == before {
			res = &CommandResult{
				Stdout:   res.Stdout,
				Stderr:   fmt.Sprintf("step %q has commit_required but created no commits", step.Label()),
				ExitCode: 1,
				Duration: res.Duration,
			}
		}
	}
	run := &stepRun{Command: shell, Result: res}
	if step.Capture != "" && res.ExitCode == 0 {
		v, err := step.CaptureFormat.Parse(res.Stdout)
		if err != nil {
			return nil, fmt.Errorf("failed to capture %s: %w", step.Capture, err)
		}
		run.Captured = map[string]any{step.Capture: v}
	}
	return run, nil
}

// handleFailure runs a failed step's on_failure handler and retries.
func handleFailure(ctx context.Context, runner CommandRunner, compiler script.Compiler, step *Step, dir string, scope map[string]any, env map[string]string, run *stepRun) (*stepRun, error) {
	h := step.OnFailure
	msg := fmt.Sprintf("step %q exited with code %d", step.Label(), run.Result.ExitCode)
	if stderr := strings.TrimSpace(run.Result.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	scope = copyMap(scope)
	scope["error"] = msg
	scope["last_error"] = msg

	if strings.TrimSpace(h.Shell) != "" {
		handler, err := execStep(ctx, runner, compiler, &Step{Name: step.Label() + " on_failure", Shell: h.Shell, Timeout: step.Timeout, Env: step.Env}, dir, scope, env)
		if err != nil {
			return nil, fmt.Errorf("on_failure handler: %w", err)
		}
		if handler.Result.ExitCode != 0 && !h.Continue {
			return run, nil
		}
	}
	for i := 0; i < h.MaxRetries; i++ {
		retried, err := execStep(ctx, runner, compiler, step, dir, scope, env)
		if err != nil {
			return nil, err
		}
		if retried.Result.ExitCode == 0 {
			return retried, nil
		}
		run = retried
	}
	run.Tolerated = h.Continue
	return run, nil
}

// headCommit returns the commit checked out in dir.
func headCommit(ctx context.Context, runner CommandRunner, dir string) (string, error) {
	res, err := runner.RunCommand(ctx, &Command{Shell: "git rev-parse HEAD", Dir: dir})
	if err != nil {
		return "", fmt.Errorf("failed to read HEAD: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("git rev-parse HEAD failed: %s", strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

const maxRecordedOutput = 4096

// truncate bounds output stored in checkpoints.
func truncate(s string) string {
	if len(s) <= maxRecordedOutput {
		return s
	}
	return s[:maxRecordedOutput] + "...(truncated)"
}

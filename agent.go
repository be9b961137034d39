package mapreduce

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/mapreduce/script"
)

// AgentRequest is one attempt at a work item.
type AgentRequest struct {
	JobID        string
	BatchID      string
	Item         WorkItem
	Attempt      int
	WorktreePath string
	Branch       string
	Steps        []*Step
	Variables    map[string]any
	Env          map[string]string
}

// AgentResult is the outcome of an agent that ran to completion. A
// non-zero ExitCode is a failed attempt.
type AgentResult struct {
	ExitCode   int
	Output     string
	Stderr     string
	Captured   map[string]any
	FailedStep string
}

// AgentRunner executes the agent for a work item inside its worktree. An
// error means the agent crashed or was stopped; errors wrapping
// context.DeadlineExceeded are timeouts.
type AgentRunner interface {
	RunAgent(ctx context.Context, req *AgentRequest) (*AgentResult, error)
}

// StepAgentRunner runs the workflow's agent steps one after another in the
// item worktree. Variables captured by a step are visible to later steps.
type StepAgentRunner struct {
	Runner   CommandRunner
	Compiler script.Compiler
}

func NewStepAgentRunner(runner CommandRunner, compiler script.Compiler) *StepAgentRunner {
	return &StepAgentRunner{Runner: runner, Compiler: compiler}
}

func (r *StepAgentRunner) RunAgent(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
	compiler := r.Compiler
	if compiler == nil {
		var ok bool
		if compiler, ok = CompilerFromContext(ctx); !ok {
			compiler = script.NewExprEngine()
		}
	}
	ctx = WithAttempt(ctx, Attempt{
		JobID:     req.JobID,
		BatchID:   req.BatchID,
		ItemIndex: req.Item.Index,
		Attempt:   req.Attempt,
	})
	logger := LoggerFromContext(ctx).With("item", req.Item.Index, "attempt", req.Attempt)
	vars := itemVariables(req.Variables, req.Item)
	result := &AgentResult{Captured: map[string]any{}}
	var outputs []string
	for _, step := range req.Steps {
		run, err := runStep(ctx, r.Runner, compiler, step, req.WorktreePath, vars, req.Env)
		if err != nil {
			return nil, fmt.Errorf("agent step %q: %w", step.Label(), err)
		}
		if run.Skipped {
			logger.Debug("skipped agent step", "step", step.Label())
			continue
		}
		logger.Debug("ran agent step", "step", step.Label(), "exit_code", run.Result.ExitCode)
		if out := strings.TrimSpace(run.Result.Stdout); out != "" {
			outputs = append(outputs, out)
		}
		if run.failed(step) {
			result.ExitCode = run.Result.ExitCode
			result.Stderr = strings.TrimSpace(run.Result.Stderr)
			result.FailedStep = step.Label()
			result.Output = strings.Join(outputs, "\n")
			return result, nil
		}
		for k, v := range run.Captured {
			vars[k] = v
			result.Captured[k] = v
		}
	}
	result.Output = strings.Join(outputs, "\n")
	return result, nil
}

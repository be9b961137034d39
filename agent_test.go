package mapreduce

import (
	"context"
	"sync"
	"testing"

	"github.com/deepnoodle-ai/mapreduce/script"
	"github.com/stretchr/testify/require"
)

// attemptRecorder wraps a CommandRunner and records the attempt attached
// to each command's context.
type attemptRecorder struct {
	CommandRunner
	mu       sync.Mutex
	attempts []Attempt
}

func (r *attemptRecorder) RunCommand(ctx context.Context, cmd *Command) (*CommandResult, error) {
	if attempt, ok := AttemptFromContext(ctx); ok {
		r.mu.Lock()
		r.attempts = append(r.attempts, attempt)
		r.mu.Unlock()
	}
	return r.CommandRunner.RunCommand(ctx, cmd)
}

func TestStepAgentRunner(t *testing.T) {
	ctx := context.Background()
	commands := newFakeCommands()
	commands.output("count lines", "3\n")
	commands.output("report 3 for a.go", "reported\n")
	commands.on("lint", func(cmd *Command) (*CommandResult, error) {
		return &CommandResult{ExitCode: 1, Stderr: "lint warnings"}, nil
	})
	commands.on("fail", func(cmd *Command) (*CommandResult, error) {
		return &CommandResult{ExitCode: 4, Stderr: "broken\n"}, nil
	})
	recorder := &attemptRecorder{CommandRunner: commands}
	runner := NewStepAgentRunner(recorder, script.NewExprEngine())

	req := &AgentRequest{
		JobID:        "job_agent",
		BatchID:      "batch_1",
		Item:         WorkItem{Index: 3, Value: map[string]any{"file": "a.go"}},
		Attempt:      2,
		WorktreePath: t.TempDir(),
		Steps: []*Step{
			{Shell: "count lines ${item.file}", Capture: "count", CaptureFormat: CaptureNumber},
			{Shell: "lint ${item.file}", AllowFailure: true},
			{Shell: "skipped", When: "count > 5"},
			{Shell: "report ${count} for ${item.file}"},
		},
	}
	res, err := runner.RunAgent(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "3\nreported", res.Output)
	require.Equal(t, map[string]any{"count": float64(3)}, res.Captured)
	require.Equal(t, 0, commands.count("skipped"))
	require.Len(t, recorder.attempts, 3)
	require.Equal(t, Attempt{JobID: "job_agent", BatchID: "batch_1", ItemIndex: 3, Attempt: 2}, recorder.attempts[0])

	t.Run("failing step stops the agent", func(t *testing.T) {
		req.Steps = []*Step{
			{Name: "first", Shell: "count lines"},
			{Name: "broken", Shell: "fail now"},
			{Name: "never", Shell: "never runs"},
		}
		res, err := runner.RunAgent(ctx, req)
		require.NoError(t, err)
		require.Equal(t, 4, res.ExitCode)
		require.Equal(t, "broken", res.FailedStep)
		require.Equal(t, "broken", res.Stderr)
		require.Equal(t, "3", res.Output)
		require.Equal(t, 0, commands.count("never"))
	})

	t.Run("runner errors are wrapped with the step", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		req.Steps = []*Step{{Name: "first", Shell: "count lines"}}
		_, err := runner.RunAgent(cancelled, req)
		require.ErrorIs(t, err, context.Canceled)
		require.Contains(t, err.Error(), `agent step "first"`)
	})
}

func TestStepAgentRunnerCommitRequired(t *testing.T) {
	ctx := context.Background()
	commands := newFakeCommands()
	head := "aaa"
	commands.on("git rev-parse HEAD", func(cmd *Command) (*CommandResult, error) {
		return &CommandResult{Stdout: head + "\n"}, nil
	})
	commands.on("commit", func(cmd *Command) (*CommandResult, error) {
		head = "bbb"
		return &CommandResult{Stdout: "committed"}, nil
	})
	runner := NewStepAgentRunner(commands, script.NewExprEngine())
	req := &AgentRequest{
		Item:         WorkItem{Index: 0, Value: "a.go"},
		WorktreePath: t.TempDir(),
		Steps:        []*Step{{Name: "edit", Shell: "edit ${item}", CommitRequired: true}},
	}

	res, err := runner.RunAgent(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExitCode)
	require.Equal(t, "edit", res.FailedStep)
	require.Contains(t, res.Stderr, "commit_required")

	req.Steps = []*Step{{Name: "commit", Shell: "commit ${item}", CommitRequired: true}}
	res, err = runner.RunAgent(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, 4, commands.count("git rev-parse HEAD"))
}

func TestStepAgentRunnerOnFailure(t *testing.T) {
	ctx := context.Background()
	commands := newFakeCommands()
	flaky := 0
	commands.on("flaky", func(cmd *Command) (*CommandResult, error) {
		flaky++
		if flaky == 1 {
			return &CommandResult{ExitCode: 3, Stderr: "first try"}, nil
		}
		return &CommandResult{Stdout: "ok"}, nil
	})
	commands.on("broken", func(cmd *Command) (*CommandResult, error) {
		return &CommandResult{ExitCode: 2, Stderr: "always"}, nil
	})
	runner := NewStepAgentRunner(commands, script.NewExprEngine())
	req := &AgentRequest{
		Item:         WorkItem{Index: 0, Value: "a.go"},
		WorktreePath: t.TempDir(),
		Steps: []*Step{{
			Name:      "flaky",
			Shell:     "flaky ${item}",
			OnFailure: &OnFailure{Shell: "cleanup ${error}", MaxRetries: 1},
		}},
	}
	res, err := runner.RunAgent(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "ok", res.Output)
	require.Equal(t, 1, commands.count(`cleanup step "flaky" exited with code 3: first try`))

	t.Run("continue tolerates the failure", func(t *testing.T) {
		req.Steps = []*Step{
			{Name: "broken", Shell: "broken", OnFailure: &OnFailure{MaxRetries: 1, Continue: true}},
			{Name: "after", Shell: "after"},
		}
		res, err := runner.RunAgent(ctx, req)
		require.NoError(t, err)
		require.Equal(t, 0, res.ExitCode)
		require.Equal(t, 2, commands.count("broken"))
		require.Equal(t, 1, commands.count("after"))
	})

	t.Run("failed handler fails the step", func(t *testing.T) {
		req.Steps = []*Step{
			{Name: "broken", Shell: "broken", OnFailure: &OnFailure{Shell: "broken handler", MaxRetries: 3}},
			{Name: "never", Shell: "never"},
		}
		res, err := runner.RunAgent(ctx, req)
		require.NoError(t, err)
		require.Equal(t, 2, res.ExitCode)
		require.Equal(t, "broken", res.FailedStep)
		require.Zero(t, commands.count("never"))
	})
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, LoggerFromContext(ctx))
	_, ok := StateFromContext(ctx)
	require.False(t, ok)

	wf := testWorkflow(t, nil)
	st := newExecutionState("job_ctx", wf, "/repo", map[string]any{"x": 1})
	ctx = WithState(ctx, st)
	ctx = WithCompiler(ctx, script.NewExprEngine())
	reader, ok := StateFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "job_ctx", reader.JobID())
	require.Equal(t, string(PhaseSetup), reader.Phase())
	completed, failed, total := reader.Progress()
	require.Zero(t, completed+failed+total)
	require.Equal(t, 1, reader.GetVariables()["x"])
	_, ok = CompilerFromContext(ctx)
	require.True(t, ok)
}

package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/worktree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCompletesAllPhases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(5))
	h.commands.output("get-prefix", "pre\n")
	wf := testWorkflow(t, func(opts *Options) {
		opts.Setup = []*Step{{Name: "prefix", Shell: "get-prefix", Capture: "prefix"}}
		opts.Map.MaxParallel = 3
		opts.Reduce = []*Step{{Name: "report", Shell: "report ${prefix} ${map.successful}/${map.total}"}}
	})

	e := h.execution(wf, "job_complete")
	result, err := e.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, PhaseComplete, result.Phase)
	require.Equal(t, 5, result.Successful)
	require.Equal(t, 0, result.Failed)
	require.Equal(t, 1, h.commands.count("report pre 5/5"))

	cp := h.checkpoint("job_complete")
	require.Equal(t, PhaseComplete, cp.Phase)
	require.Equal(t, []int{0, 1, 2, 3, 4}, cp.Map.CompletedItems)
	require.Empty(t, cp.Map.InProgressItems)
	require.Len(t, h.git.Merged(cp.Worktrees.Parent.Path), 5)
	for i := 0; i < 5; i++ {
		require.FileExists(t, fmt.Sprintf("%s/item-%d.txt", cp.Worktrees.Parent.Path, i))
		require.Equal(t, worktree.StatusMerged, cp.Worktrees.Items[i].Status)
		require.NoDirExists(t, cp.Worktrees.Items[i].Path)
	}

	entries, err := h.dlq().List(ctx, "job_complete")
	require.NoError(t, err)
	require.Empty(t, entries)

	events, err := h.storage.Events().GetEvents(ctx, "job_complete")
	require.NoError(t, err)
	require.Equal(t, EventJobStarted, events[0].Type)
	require.Equal(t, EventJobCompleted, events[len(events)-1].Type)
}

func TestRunRejectsExistingJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(1))
	wf := testWorkflow(t, nil)

	_, err := h.execution(wf, "job_dup").Run(ctx)
	require.NoError(t, err)

	_, err = h.execution(wf, "job_dup").Run(ctx)
	require.True(t, IsKind(err, KindValidation), "got %v", err)
}

func TestResumeUnknownJob(t *testing.T) {
	h := newHarness(t)
	_, err := h.execution(testWorkflow(t, nil), "job_missing").Resume(context.Background(), ResumeOptions{})
	require.True(t, IsKind(err, KindNotFound), "got %v", err)
}

func TestResumeCompletedJobIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(2))
	wf := testWorkflow(t, nil)
	_, err := h.execution(wf, "job_done").Run(ctx)
	require.NoError(t, err)
	before := h.checkpoint("job_done").Sequence

	result, err := h.execution(wf, "job_done").Resume(ctx, ResumeOptions{})
	require.NoError(t, err)
	require.True(t, result.Plan.Complete)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, 2, h.agent.total())
	require.Equal(t, before, h.checkpoint("job_done").Sequence)
}

func TestRunFailsWhenLocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	locks, err := h.storage.Locks(nil, "test")
	require.NoError(t, err)
	guard, err := locks.Acquire(ctx, "job_locked")
	require.NoError(t, err)
	defer guard.Release()

	_, err = h.execution(testWorkflow(t, nil), "job_locked").Run(ctx)
	require.True(t, IsKind(err, KindLockContention), "got %v", err)
}

func TestInterruptedMapResumesWithoutDuplicates(t *testing.T) {
	h := newHarness(t)
	h.commands.output("list-items", itemLines(20))
	wf := testWorkflow(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 8 {
			cancel()
			return nil, fmt.Errorf("agent stopped: %w", ctx.Err())
		}
		return succeedAgent(ctx, req)
	})
	_, err := h.execution(wf, "job_interrupt").Run(ctx)
	require.True(t, IsKind(err, KindInterrupted), "got %v", err)

	cp := h.checkpoint("job_interrupt")
	require.Equal(t, ReasonSignal, cp.Reason)
	require.Equal(t, PhaseMap, cp.Phase)
	require.Equal(t, StatusRunning, cp.Status)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, cp.Map.CompletedItems)
	require.Equal(t, []int{8}, cp.Map.InProgressItems)
	require.Empty(t, cp.Map.FailedItems)

	first := h.agent
	h.agent = newFakeAgent(succeedAgent)
	result, err := h.execution(wf, "job_interrupt").Resume(context.Background(), ResumeOptions{})
	require.NoError(t, err)
	require.Equal(t, 20, result.Successful)
	require.Equal(t, ActionResumeParallel, result.Plan.Map.Kind)
	require.Contains(t, result.Plan.Map.ReuseWorktrees, 8)

	for i := 0; i < 20; i++ {
		require.Equal(t, 1, first.callsFor(i)+h.agent.callsFor(i)-boolInt(i == 8), "item %d", i)
	}
	cp = h.checkpoint("job_interrupt")
	merged := h.git.Merged(cp.Worktrees.Parent.Path)
	require.Len(t, merged, 20)
	sort.Strings(merged)
	for i := 1; i < len(merged); i++ {
		require.NotEqual(t, merged[i-1], merged[i])
	}
}

func TestResumeReusesInterruptedWorktree(t *testing.T) {
	h := newHarness(t)
	h.commands.output("list-items", itemLines(3))
	wf := testWorkflow(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 1 {
			// Partial work that the resumed attempt builds on.
			require.NoError(t, os.WriteFile(filepath.Join(req.WorktreePath, "partial.txt"), []byte("half"), 0644))
			cancel()
			return nil, ctx.Err()
		}
		return succeedAgent(ctx, req)
	})
	_, err := h.execution(wf, "job_reuse").Run(ctx)
	require.True(t, IsKind(err, KindInterrupted), "got %v", err)
	branch := worktree.ItemBranch("job_reuse", 1)
	require.Equal(t, 1, h.git.Adds(branch))

	var seen string
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 1 {
			seen = req.WorktreePath
		}
		return succeedAgent(ctx, req)
	})
	result, err := h.execution(wf, "job_reuse").Resume(context.Background(), ResumeOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, result.Successful)
	require.Equal(t, 1, h.git.Adds(branch), "reused worktree must not be added again")
	require.Equal(t, result.Plan.Map.ReuseWorktrees[1].Path, seen)

	cp := h.checkpoint("job_reuse")
	require.FileExists(t, filepath.Join(cp.Worktrees.Parent.Path, "partial.txt"))
}

// mapCheckpoints returns the archived Map phase checkpoints of a job
// in sequence order.
func mapCheckpoints(t *testing.T, h *harness, jobID string) []*Checkpoint {
	t.Helper()
	ctx := context.Background()
	cps := h.checkpointer()
	sequences, err := cps.ListHistory(ctx, jobID)
	require.NoError(t, err)
	var out []*Checkpoint
	for _, seq := range sequences {
		cp, err := cps.LoadHistory(ctx, jobID, seq)
		require.NoError(t, err)
		if cp.Phase == PhaseMap {
			out = append(out, cp)
		}
	}
	return out
}

func TestCheckpointEveryItems(t *testing.T) {
	h := newHarness(t)
	h.commands.output("list-items", itemLines(12))
	wf := testWorkflow(t, func(opts *Options) {
		opts.Checkpoint = CheckpointPolicy{EveryItems: 5, History: 100}
	})

	_, err := h.execution(wf, "job_every").Run(context.Background())
	require.NoError(t, err)

	var completed []int
	for _, cp := range mapCheckpoints(t, h, "job_every") {
		if cp.Reason == ReasonPeriodic {
			completed = append(completed, len(cp.Map.CompletedItems))
		}
	}
	require.Equal(t, []int{5, 10, 12}, completed)
}

func TestCheckpointInterval(t *testing.T) {
	h := newHarness(t)
	h.commands.output("list-items", itemLines(3))
	wf := testWorkflow(t, func(opts *Options) {
		opts.Checkpoint = CheckpointPolicy{EveryItems: 100, Interval: Duration(20 * time.Millisecond), History: 100}
	})
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		time.Sleep(80 * time.Millisecond)
		return succeedAgent(ctx, req)
	})

	_, err := h.execution(wf, "job_interval").Run(context.Background())
	require.NoError(t, err)

	var interval []*Checkpoint
	for _, cp := range mapCheckpoints(t, h, "job_interval") {
		if cp.Reason == ReasonInterval {
			interval = append(interval, cp)
		}
	}
	require.NotEmpty(t, interval)
	// Interval checkpoints land between items, before the batch ends.
	require.Less(t, len(interval[0].Map.CompletedItems), 3)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestForceRetryRerunsCompletedItems(t *testing.T) {
	h := newHarness(t)
	h.commands.output("list-items", itemLines(4))
	wf := testWorkflow(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 2 {
			cancel()
			return nil, ctx.Err()
		}
		return succeedAgent(ctx, req)
	})
	_, err := h.execution(wf, "job_force").Run(ctx)
	require.True(t, IsKind(err, KindInterrupted))

	h.agent = newFakeAgent(succeedAgent)
	result, err := h.execution(wf, "job_force").Resume(context.Background(), ResumeOptions{ForceRetry: true})
	require.NoError(t, err)
	require.Equal(t, 4, result.Successful)
	for i := 0; i < 4; i++ {
		require.Equal(t, 1, h.agent.callsFor(i), "item %d", i)
	}
}

func TestRetryLimitSendsItemToDLQ(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(20))
	wf := testWorkflow(t, func(opts *Options) {
		opts.Map.RetryLimit = 2
		opts.Map.MaxParallel = 4
	})
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 7 {
			return &AgentResult{ExitCode: 1, Stderr: "boom"}, nil
		}
		return succeedAgent(ctx, req)
	})

	result, err := h.execution(wf, "job_retry").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 19, result.Successful)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 2, h.agent.callsFor(7))

	entry, err := h.dlq().Get(ctx, "job_retry", 7)
	require.NoError(t, err)
	require.Len(t, entry.FailureHistory, 2)
	require.Equal(t, 2, entry.AttemptCount)
	require.Equal(t, FailureExit, entry.Last().Kind)
	require.Equal(t, []int{1, 2}, []int{entry.FailureHistory[0].Attempt, entry.FailureHistory[1].Attempt})
	require.Equal(t, "item-7", entry.Value)

	cp := h.checkpoint("job_retry")
	require.Equal(t, []int{7}, cp.Map.FailedItems)
	require.Equal(t, 2, cp.Map.Attempts[7])
}

func TestRetryLimitCountsAttemptsBeforeResume(t *testing.T) {
	h := newHarness(t)
	h.commands.output("list-items", itemLines(1))
	wf := testWorkflow(t, func(opts *Options) {
		opts.Map.RetryLimit = 3
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Attempt == 1 {
			return &AgentResult{ExitCode: 1, Stderr: "boom"}, nil
		}
		cancel()
		return nil, fmt.Errorf("agent stopped: %w", ctx.Err())
	})
	_, err := h.execution(wf, "job_budget").Run(ctx)
	require.True(t, IsKind(err, KindInterrupted), "got %v", err)
	require.Equal(t, 1, h.checkpoint("job_budget").Map.Attempts[0])

	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		return &AgentResult{ExitCode: 1, Stderr: "still broken"}, nil
	})
	result, err := h.execution(wf, "job_budget").Resume(context.Background(), ResumeOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 2, h.agent.callsFor(0))

	cp := h.checkpoint("job_budget")
	require.Equal(t, 3, cp.Map.Attempts[0])
	require.Equal(t, []int{0}, cp.Map.FailedItems)

	entry, err := h.dlq().Get(context.Background(), "job_budget", 0)
	require.NoError(t, err)
	require.Equal(t, 3, entry.AttemptCount)
	var attempts []int
	for _, f := range entry.FailureHistory {
		attempts = append(attempts, f.Attempt)
		require.Equal(t, FailureExit, f.Kind)
	}
	require.Equal(t, []int{1, 2, 3}, attempts)
}

func TestResumeSendsExhaustedItemToDLQ(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(2))
	wf := testWorkflow(t, func(opts *Options) {
		opts.Map.RetryLimit = 2
	})

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 1 {
			cancel()
			return nil, ctx.Err()
		}
		return succeedAgent(ctx, req)
	})
	_, err := h.execution(wf, "job_exhausted").Run(cctx)
	require.True(t, IsKind(err, KindInterrupted), "got %v", err)

	// Both attempts were spent before the crash, but the item was never
	// marked failed.
	cp := h.checkpoint("job_exhausted")
	require.Equal(t, []int{1}, cp.Map.InProgressItems)
	cp.Map.Attempts[1] = 2
	for attempt := 1; attempt <= 2; attempt++ {
		cp.Map.Records = append(cp.Map.Records, AgentRecord{
			ID:        fmt.Sprintf("agent-crashed-%d", attempt),
			ItemIndex: 1,
			Attempt:   attempt,
			Outcome:   OutcomeCrashed,
			ExitCode:  -1,
			Error:     "signal: killed",
		})
	}
	require.NoError(t, h.checkpointer().SaveCheckpoint(ctx, cp))

	h.agent = newFakeAgent(succeedAgent)
	result, err := h.execution(wf, "job_exhausted").Resume(ctx, ResumeOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Successful)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, h.agent.callsFor(1))

	entry, err := h.dlq().Get(ctx, "job_exhausted", 1)
	require.NoError(t, err)
	require.Equal(t, 2, entry.AttemptCount)
	require.Equal(t, FailureCrash, entry.Last().Kind)
	require.Equal(t, 2, h.checkpoint("job_exhausted").Map.Attempts[1])
}

func TestKilledAgentIsCrash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(1))
	wf := testWorkflow(t, func(opts *Options) {
		opts.Map.RetryLimit = 2
	})
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		return &AgentResult{ExitCode: -1, Stderr: "signal: killed"}, nil
	})

	result, err := h.execution(wf, "job_killed").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 2, h.agent.callsFor(0))

	entry, err := h.dlq().Get(ctx, "job_killed", 0)
	require.NoError(t, err)
	require.Equal(t, FailureCrash, entry.Last().Kind)
	for _, rec := range h.checkpoint("job_killed").Map.Records {
		require.Equal(t, OutcomeCrashed, rec.Outcome)
	}
}

func TestPermanentExitCodeStopsRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(2))
	wf := testWorkflow(t, func(opts *Options) {
		opts.Map.RetryLimit = 5
		opts.Map.PermanentExitCodes = []int{42}
	})
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 1 {
			return &AgentResult{ExitCode: 42}, nil
		}
		return succeedAgent(ctx, req)
	})

	result, err := h.execution(wf, "job_permanent").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Failed)
	require.Equal(t, 1, h.agent.callsFor(1))
}

func TestErrorPolicyStopsMap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(10))
	wf := testWorkflow(t, func(opts *Options) {
		opts.ErrorPolicy.MaxFailures = 2
	})
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 1 || req.Item.Index == 3 {
			return &AgentResult{ExitCode: 1}, nil
		}
		return succeedAgent(ctx, req)
	})

	_, err := h.execution(wf, "job_policy").Run(ctx)
	require.True(t, IsKind(err, KindItemFailed), "got %v", err)
	require.LessOrEqual(t, h.agent.total(), 5)

	cp := h.checkpoint("job_policy")
	require.Equal(t, StatusFailed, cp.Status)
	require.Equal(t, StatusFailed, cp.Map.Status)
	require.Equal(t, PhaseMap, cp.Phase)
	require.Equal(t, []int{1, 3}, cp.Map.FailedItems)
}

func TestStopOnFirstFailedItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(6))
	stop := false
	wf := testWorkflow(t, func(opts *Options) {
		opts.ErrorPolicy.ContinueOnFailure = &stop
	})
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 1 {
			return &AgentResult{ExitCode: 1}, nil
		}
		return succeedAgent(ctx, req)
	})

	_, err := h.execution(wf, "job_stop").Run(ctx)
	require.True(t, IsKind(err, KindItemFailed), "got %v", err)
	require.LessOrEqual(t, h.agent.total(), 3)
	require.Equal(t, []int{1}, h.checkpoint("job_stop").Map.FailedItems)
}

func TestSkippedItemsStayOutOfDLQ(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(3))
	wf := testWorkflow(t, func(opts *Options) {
		opts.ErrorPolicy.OnItemFailure = ItemFailureSkip
	})
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 2 {
			return &AgentResult{ExitCode: 1}, nil
		}
		return succeedAgent(ctx, req)
	})

	result, err := h.execution(wf, "job_skip").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Successful)
	require.Equal(t, 1, result.Failed)
	entries, err := h.dlq().List(ctx, "job_skip")
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Equal(t, []int{2}, h.checkpoint("job_skip").Map.FailedItems)
}

func TestMergeConflictGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(3))
	h.git.MergeErrors[worktree.ItemBranch("job_merge", 1)] = errors.New("CONFLICT in README")
	wf := testWorkflow(t, nil)

	result, err := h.execution(wf, "job_merge").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Successful)
	require.Equal(t, 1, result.Failed)

	entry, err := h.dlq().Get(ctx, "job_merge", 1)
	require.NoError(t, err)
	require.Equal(t, FailureMerge, entry.Last().Kind)
	require.DirExists(t, h.checkpoint("job_merge").Worktrees.Parent.Path)
}

func TestDLQRetryMergesResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(5))
	wf := testWorkflow(t, nil)
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 2 {
			return &AgentResult{ExitCode: 1, Stderr: "flaky"}, nil
		}
		return succeedAgent(ctx, req)
	})
	_, err := h.execution(wf, "job_dlq").Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{2}, h.checkpoint("job_dlq").Map.FailedItems)

	// An unmatched filter leaves the entry alone.
	reprocessor := NewReprocessor(h.options(wf, ""))
	result, err := reprocessor.Retry(ctx, "job_dlq", RetryOptions{Filter: `error_kind == "timeout"`})
	require.NoError(t, err)
	require.Empty(t, result.Selected)

	h.agent = newFakeAgent(succeedAgent)
	reprocessor = NewReprocessor(h.options(wf, ""))
	result, err = reprocessor.Retry(ctx, "job_dlq", RetryOptions{Filter: `error_kind == "failure" && failure_count < 3`})
	require.NoError(t, err)
	require.Equal(t, []int{2}, result.Selected)
	require.Equal(t, []int{2}, result.Succeeded)
	require.Empty(t, result.Failed)

	entries, err := h.dlq().List(ctx, "job_dlq")
	require.NoError(t, err)
	require.Empty(t, entries)

	cp := h.checkpoint("job_dlq")
	require.Equal(t, ReasonReprocess, cp.Reason)
	require.Equal(t, []int{0, 1, 2, 3, 4}, cp.Map.CompletedItems)
	require.Empty(t, cp.Map.FailedItems)
	require.Equal(t, result.BatchID, cp.Map.Results[2].BatchID)
	mapVars := cp.Variables["map"].(map[string]any)
	require.EqualValues(t, 5, mapVars["successful"])
	require.EqualValues(t, 0, mapVars["failed"])
}

func TestDLQRetryAppendsFailureHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(2))
	wf := testWorkflow(t, nil)
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		if req.Item.Index == 0 {
			return &AgentResult{ExitCode: 1}, nil
		}
		return succeedAgent(ctx, req)
	})
	_, err := h.execution(wf, "job_again").Run(ctx)
	require.NoError(t, err)

	result, err := NewReprocessor(h.options(wf, "")).Retry(ctx, "job_again", RetryOptions{MaxAttempts: 2})
	require.NoError(t, err)
	require.Equal(t, []int{0}, result.Failed)

	entry, err := h.dlq().Get(ctx, "job_again", 0)
	require.NoError(t, err)
	require.Len(t, entry.FailureHistory, 3)
	require.Equal(t, 3, entry.Last().Attempt)
	require.Equal(t, result.BatchID, entry.Last().BatchID)
}

func TestClearDLQHonoursResumeLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	queue := h.dlq()
	_, err := queue.Add(ctx, "job_clear", 0, "item-0", dlq.FailureRecord{Attempt: 1, Kind: FailureExit, Message: "boom"})
	require.NoError(t, err)

	locks, err := h.storage.Locks(nil, "test")
	require.NoError(t, err)
	guard, err := locks.Acquire(ctx, "job_clear")
	require.NoError(t, err)

	_, err = ClearDLQ(ctx, locks, queue, "job_clear", nil)
	require.True(t, IsKind(err, KindLockContention), "got %v", err)
	entries, err := queue.List(ctx, "job_clear")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, guard.Release())
	removed, err := ClearDLQ(ctx, locks, queue, "job_clear", nil)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestReduceFailureResumesAtFailedStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(3))
	h.commands.output("summarize", "ok\n")
	publishes := 0
	h.commands.on("publish", func(cmd *Command) (*CommandResult, error) {
		publishes++
		if publishes == 1 {
			return &CommandResult{ExitCode: 1, Stderr: "remote rejected"}, nil
		}
		return &CommandResult{}, nil
	})
	wf := testWorkflow(t, func(opts *Options) {
		opts.Reduce = []*Step{
			{Name: "summarize", Shell: "summarize ${map.results_json}", Capture: "summary"},
			{Name: "publish", Shell: "publish ${summary} ${map.successful}"},
		}
	})

	_, err := h.execution(wf, "job_reduce").Run(ctx)
	require.True(t, IsKind(err, KindStepFailed), "got %v", err)
	failed := h.checkpoint("job_reduce")
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, PhaseReduce, failed.Phase)
	require.Equal(t, StatusFailed, failed.Reduce.Status)
	require.Len(t, failed.Reduce.CompletedSteps, 1)

	result, err := h.execution(wf, "job_reduce").Resume(ctx, ResumeOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, ActionResumeSequential, result.Plan.Reduce.Kind)
	require.Equal(t, 1, result.Plan.Reduce.StartStep)
	require.Equal(t, 1, h.commands.count("summarize"))
	require.Equal(t, 2, h.commands.count("publish ok 3"))
	require.Equal(t, 3, h.agent.total())

	done := h.checkpoint("job_reduce")
	require.Equal(t, failed.Variables["map"], done.Variables["map"])
	require.Equal(t, "ok", done.Variables["summary"])
}

func TestVariablesSurviveResume(t *testing.T) {
	h := newHarness(t)
	h.commands.output("list-items", itemLines(3))
	h.commands.output("get-version", "v1\n")
	wf := testWorkflow(t, func(opts *Options) {
		opts.Setup = []*Step{{Shell: "get-version", Capture: "version"}}
		opts.Map.Agent = []*Step{{Shell: "build ${version} ${item}"}}
		opts.Reduce = []*Step{{Shell: "release ${version}"}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		assert.Equal(t, "v1", req.Variables["version"])
		if req.Item.Index == 1 {
			cancel()
			return nil, ctx.Err()
		}
		return succeedAgent(ctx, req)
	})
	_, err := h.execution(wf, "job_vars").Run(ctx)
	require.True(t, IsKind(err, KindInterrupted))

	h.agent = newFakeAgent(func(ctx context.Context, req *AgentRequest) (*AgentResult, error) {
		assert.Equal(t, "v1", req.Variables["version"])
		return succeedAgent(ctx, req)
	})
	_, err = h.execution(wf, "job_vars").Resume(context.Background(), ResumeOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, h.commands.count("get-version"))
	require.Equal(t, 1, h.commands.count("release v1"))
}

func TestCheckpointWriteFailureStopsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.commands.output("list-items", itemLines(3))
	backend := NewMemoryCheckpointer()
	backend.FailSave = func(cp *Checkpoint) error {
		if len(cp.Map.CompletedItems) >= 2 {
			return errors.New("disk full")
		}
		return nil
	}
	opts := h.options(testWorkflow(t, nil), "job_disk")
	opts.Checkpointer = backend
	e, err := NewExecution(opts)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Run(ctx)
	require.True(t, IsKind(err, KindCheckpointWrite), "got %v", err)

	cp, err := backend.LoadCheckpoint(ctx, "job_disk")
	require.NoError(t, err)
	require.Equal(t, []int{0}, cp.Map.CompletedItems)
}

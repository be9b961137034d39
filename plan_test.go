package mapreduce

import (
	"testing"

	"github.com/deepnoodle-ai/mapreduce/worktree"
	"github.com/stretchr/testify/require"
)

func planWorkflow(t *testing.T) *Workflow {
	return testWorkflow(t, func(opts *Options) {
		opts.Setup = []*Step{{Shell: "prepare"}, {Shell: "configure"}}
		opts.Reduce = []*Step{{Shell: "summarize"}, {Shell: "publish"}}
	})
}

func TestPlanResumeMidMap(t *testing.T) {
	wf := planWorkflow(t)
	cp := sampleCheckpoint("job_plan", 6, 0, 1)
	cp.WorkflowHash = wf.Hash()
	cp.Setup.CompletedSteps = []StepRecord{{Index: 0}, {Index: 1}}
	cp.Map.InProgressItems = []int{2, 3}
	cp.Map.FailedItems = []int{5}
	cp.Map.refreshCounts()
	cp.Worktrees.Items[2] = &worktree.Item{Index: 2, Path: "/wt/2", Branch: "b2", Status: worktree.StatusActive}
	cp.Worktrees.Items[3] = &worktree.Item{Index: 3, Path: "/wt/3", Branch: "b3", Status: worktree.StatusFailed}

	plan, err := PlanResume(cp, wf, PlanOptions{})
	require.NoError(t, err)
	require.False(t, plan.Complete)
	require.False(t, plan.WorkflowChanged)
	require.Equal(t, ActionSkip, plan.Setup.Kind)

	m := plan.Map
	require.Equal(t, ActionResumeParallel, m.Kind)
	require.Equal(t, []int{0, 1}, m.SkipItems)
	require.ElementsMatch(t, []int{2, 3}, m.RetryItems)
	require.Equal(t, []int{4}, m.PendingItems)
	require.Equal(t, []int{5}, m.FailedItems)
	require.Equal(t, []int{2, 3, 4}, m.Dispatch())

	require.Len(t, m.ReuseWorktrees, 1, "only active worktrees are reused")
	require.Equal(t, "/wt/2", m.ReuseWorktrees[2].Path)

	require.Equal(t, ActionExecute, plan.Reduce.Kind)
	require.Equal(t, plan.Action(PhaseMap), &plan.Map)
	require.Contains(t, plan.String(), "retry=2 pending=1 failed=1")
}

func TestPlanResumeSequentialPhases(t *testing.T) {
	wf := planWorkflow(t)

	t.Run("setup interrupted after first step", func(t *testing.T) {
		cp := sampleCheckpoint("job_setup", 0)
		cp.Phase = PhaseSetup
		cp.Setup.Status = StatusRunning
		cp.Setup.CompletedSteps = []StepRecord{{Index: 0}}
		cp.Map.Status = StatusPending
		cp.Map.ItemsLoaded = false

		plan, err := PlanResume(cp, wf, PlanOptions{})
		require.NoError(t, err)
		require.Equal(t, ActionResumeSequential, plan.Setup.Kind)
		require.Equal(t, 1, plan.Setup.StartStep)
		require.Equal(t, ActionExecute, plan.Map.Kind)
		require.Equal(t, ActionExecute, plan.Reduce.Kind)
	})

	t.Run("reduce failed at second step", func(t *testing.T) {
		cp := sampleCheckpoint("job_reduce", 2, 0, 1)
		cp.Phase = PhaseReduce
		cp.Status = StatusFailed
		cp.Map.Status = StatusCompleted
		cp.Reduce.Status = StatusFailed
		cp.Reduce.CompletedSteps = []StepRecord{{Index: 0}}

		plan, err := PlanResume(cp, wf, PlanOptions{})
		require.NoError(t, err)
		require.Equal(t, ActionSkip, plan.Map.Kind)
		require.Equal(t, ActionResumeSequential, plan.Reduce.Kind)
		require.Equal(t, 1, plan.Reduce.StartStep)
		require.Equal(t, "job job_reduce: setup=skip map=skip reduce=resume@1", plan.String())
	})

	t.Run("more completed steps than the workflow has", func(t *testing.T) {
		cp := sampleCheckpoint("job_shrunk", 0)
		cp.Phase = PhaseSetup
		cp.Setup.Status = StatusRunning
		cp.Setup.CompletedSteps = []StepRecord{{Index: 0}, {Index: 1}, {Index: 2}}

		_, err := PlanResume(cp, wf, PlanOptions{})
		require.True(t, IsKind(err, KindValidation), "got %v", err)
	})
}

func TestPlanResumeForceRetry(t *testing.T) {
	wf := planWorkflow(t)
	cp := sampleCheckpoint("job_force", 3, 0, 1, 2)
	cp.Phase = PhaseReduce
	cp.Map.Status = StatusCompleted
	cp.Reduce.Status = StatusFailed
	cp.Reduce.CompletedSteps = []StepRecord{{Index: 0}}

	plan, err := PlanResume(cp, wf, PlanOptions{ForceRetry: true})
	require.NoError(t, err)
	require.Equal(t, ActionResumeParallel, plan.Map.Kind)
	require.Empty(t, plan.Map.SkipItems)
	require.Equal(t, []int{0, 1, 2}, plan.Map.RetryItems)
	require.Equal(t, ActionExecute, plan.Reduce.Kind, "reduce restarts when map results change")
}

func TestPlanResumeCompletedJob(t *testing.T) {
	wf := planWorkflow(t)
	cp := sampleCheckpoint("job_done", 1, 0)
	cp.Phase = PhaseComplete
	cp.Status = StatusCompleted
	cp.Map.Status = StatusCompleted
	cp.Reduce.Status = StatusCompleted
	cp.WorkflowHash = "something-else"

	plan, err := PlanResume(cp, wf, PlanOptions{})
	require.NoError(t, err)
	require.True(t, plan.Complete)
	require.True(t, plan.WorkflowChanged)
	require.Equal(t, ActionSkip, plan.Map.Kind)
	require.Equal(t, "job job_done is complete", plan.String())

	_, err = PlanResume(nil, wf, PlanOptions{})
	require.True(t, IsKind(err, KindValidation))
}

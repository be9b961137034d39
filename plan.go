package mapreduce

import (
	"fmt"
	"slices"

	"github.com/deepnoodle-ai/mapreduce/worktree"
)

// ActionKind says what a resumed job does with one phase.
type ActionKind string

const (
	// ActionSkip leaves the phase alone. It already completed, or the
	// workflow has no steps for it.
	ActionSkip ActionKind = "skip"

	// ActionExecute runs the phase from the beginning.
	ActionExecute ActionKind = "execute"

	// ActionResumeSequential continues a Setup or Reduce phase at StartStep.
	ActionResumeSequential ActionKind = "resume_sequential"

	// ActionResumeParallel continues the Map phase with the item sets of
	// the PhaseAction.
	ActionResumeParallel ActionKind = "resume_parallel"
)

// PhaseAction is the plan for one phase.
type PhaseAction struct {
	Phase  Phase      `json:"phase"`
	Kind   ActionKind `json:"kind"`
	Reason string     `json:"reason,omitempty"`

	// StartStep is the first step to run for ActionResumeSequential.
	StartStep int `json:"start_step,omitempty"`

	// Map item sets for ActionResumeParallel. SkipItems already completed.
	// RetryItems were in progress when the checkpoint was taken (or are
	// completed items forced to re-run). PendingItems were never
	// dispatched. FailedItems stay in the DLQ and are not dispatched.
	SkipItems    []int `json:"skip_items,omitempty"`
	RetryItems   []int `json:"retry_items,omitempty"`
	PendingItems []int `json:"pending_items,omitempty"`
	FailedItems  []int `json:"failed_items,omitempty"`

	// ReuseWorktrees maps retry items to their recorded active worktree.
	ReuseWorktrees map[int]*worktree.Item `json:"reuse_worktrees,omitempty"`
}

// Dispatch returns the items the Map phase runs, in index order.
func (a *PhaseAction) Dispatch() []int {
	out := append(slices.Clone(a.RetryItems), a.PendingItems...)
	slices.Sort(out)
	return out
}

// ResumePlan says how a job continues from a checkpoint.
type ResumePlan struct {
	JobID string `json:"job_id"`

	// Complete is set for jobs that already finished. Executing the plan
	// does nothing.
	Complete bool `json:"complete"`

	// WorkflowChanged is set when the definition hash differs from the one
	// recorded in the checkpoint.
	WorkflowChanged bool `json:"workflow_changed"`

	Setup  PhaseAction `json:"setup"`
	Map    PhaseAction `json:"map"`
	Reduce PhaseAction `json:"reduce"`
}

// Action returns the plan for phase.
func (p *ResumePlan) Action(phase Phase) *PhaseAction {
	switch phase {
	case PhaseSetup:
		return &p.Setup
	case PhaseMap:
		return &p.Map
	case PhaseReduce:
		return &p.Reduce
	}
	return nil
}

// PlanOptions adjust resume planning.
type PlanOptions struct {
	// ForceRetry re-dispatches completed Map items as well.
	ForceRetry bool
}

// PlanResume decides what a resumed job runs. It performs no I/O.
func PlanResume(cp *Checkpoint, wf *Workflow, opts PlanOptions) (*ResumePlan, error) {
	if cp == nil {
		return nil, errorf(KindValidation, "plan resume", "", "no checkpoint")
	}
	if wf == nil {
		return nil, errorf(KindValidation, "plan resume", cp.JobID, "no workflow")
	}
	plan := &ResumePlan{
		JobID:           cp.JobID,
		WorkflowChanged: cp.WorkflowHash != "" && cp.WorkflowHash != wf.Hash(),
		Setup:           PhaseAction{Phase: PhaseSetup, Kind: ActionSkip},
		Map:             PhaseAction{Phase: PhaseMap, Kind: ActionSkip},
		Reduce:          PhaseAction{Phase: PhaseReduce, Kind: ActionSkip},
	}
	if cp.Phase == PhaseComplete || cp.Status == StatusCompleted {
		plan.Complete = true
		plan.Setup.Reason = "job complete"
		plan.Map.Reason = "job complete"
		plan.Reduce.Reason = "job complete"
		return plan, nil
	}

	setup, err := planSequential(cp.JobID, PhaseSetup, cp.Setup, wf.Setup())
	if err != nil {
		return nil, err
	}
	plan.Setup = setup

	plan.Map = planMap(cp, opts)

	if plan.Map.Kind != ActionSkip && cp.Reduce.NextStep() > 0 {
		// Map results are about to change, so Reduce starts over.
		if len(wf.Reduce()) > 0 {
			plan.Reduce = PhaseAction{Phase: PhaseReduce, Kind: ActionExecute, Reason: "map re-run"}
		} else {
			plan.Reduce = PhaseAction{Phase: PhaseReduce, Kind: ActionSkip, Reason: "no steps"}
		}
		return plan, nil
	}
	reduce, err := planSequential(cp.JobID, PhaseReduce, cp.Reduce, wf.Reduce())
	if err != nil {
		return nil, err
	}
	plan.Reduce = reduce
	return plan, nil
}

func planSequential(jobID string, phase Phase, ps *SequentialPhaseState, steps []*Step) (PhaseAction, error) {
	action := PhaseAction{Phase: phase, Kind: ActionSkip}
	if ps != nil && ps.Status == StatusCompleted {
		action.Reason = "completed"
		return action, nil
	}
	done := ps.NextStep()
	if done > len(steps) {
		return action, errorf(KindValidation, "plan resume", jobID,
			"workflow has %d %s steps but checkpoint recorded %d completed", len(steps), phase, done)
	}
	if len(steps) == 0 {
		action.Reason = "no steps"
		return action, nil
	}
	if done == 0 {
		action.Kind = ActionExecute
		return action, nil
	}
	action.Kind = ActionResumeSequential
	action.StartStep = done
	return action, nil
}

func planMap(cp *Checkpoint, opts PlanOptions) PhaseAction {
	m := cp.Map
	action := PhaseAction{Phase: PhaseMap, Kind: ActionSkip}
	if m.Status == StatusCompleted && !opts.ForceRetry {
		action.Reason = "completed"
		return action
	}
	if !m.ItemsLoaded {
		action.Kind = ActionExecute
		return action
	}
	action.Kind = ActionResumeParallel
	action.RetryItems = slices.Clone(m.InProgressItems)
	action.PendingItems = m.Pending()
	action.FailedItems = slices.Clone(m.FailedItems)
	if opts.ForceRetry {
		action.RetryItems = append(action.RetryItems, m.CompletedItems...)
		slices.Sort(action.RetryItems)
		action.Reason = "forced retry"
	} else {
		action.SkipItems = slices.Clone(m.CompletedItems)
	}
	for _, idx := range m.InProgressItems {
		if item, ok := cp.Worktrees.Active(idx); ok {
			if action.ReuseWorktrees == nil {
				action.ReuseWorktrees = map[int]*worktree.Item{}
			}
			wt := *item
			action.ReuseWorktrees[idx] = &wt
		}
	}
	return action
}

// String renders the plan for operators.
func (p *ResumePlan) String() string {
	if p.Complete {
		return fmt.Sprintf("job %s is complete", p.JobID)
	}
	s := fmt.Sprintf("job %s: setup=%s", p.JobID, describe(&p.Setup))
	s += fmt.Sprintf(" map=%s", describe(&p.Map))
	s += fmt.Sprintf(" reduce=%s", describe(&p.Reduce))
	return s
}

func describe(a *PhaseAction) string {
	switch a.Kind {
	case ActionResumeSequential:
		return fmt.Sprintf("resume@%d", a.StartStep)
	case ActionResumeParallel:
		return fmt.Sprintf("resume(skip=%d retry=%d pending=%d failed=%d)",
			len(a.SkipItems), len(a.RetryItems), len(a.PendingItems), len(a.FailedItems))
	}
	return string(a.Kind)
}

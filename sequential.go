package mapreduce

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// runSequentialPhase runs the Setup or Reduce steps in the parent
// worktree. Every completed step is checkpointed before the next starts.
func (e *Execution) runSequentialPhase(ctx context.Context, phase Phase, action *PhaseAction) error {
	steps := e.workflow.Steps(phase)
	if action.Kind == ActionSkip {
		return e.skipPhase(ctx, phase)
	}
	start := 0
	if action.Kind == ActionResumeSequential {
		start = action.StartStep
	}
	e.state.update(func(cp *Checkpoint) {
		ps := cp.sequential(phase)
		if action.Kind == ActionExecute {
			ps.CompletedSteps = []StepRecord{}
		}
		ps.Status = StatusRunning
		ps.CurrentStep = start
		ps.Error = ""
		cp.Phase = phase
		cp.Status = StatusRunning
	})
	phaseStart := time.Now()
	e.callbacks.BeforePhase(ctx, &PhaseEvent{JobID: e.jobID, Phase: phase, Status: StatusRunning, StartTime: phaseStart})
	if err := e.checkpoint(ctx, ReasonPhaseTransition); err != nil {
		return err
	}
	logger := e.logger.With("phase", phase)
	if start > 0 {
		logger.Info("resuming phase", "start_step", start, "steps", len(steps))
	}

	dir := e.parentPath()
	for i := start; i < len(steps); i++ {
		if ctx.Err() != nil {
			return newError(KindInterrupted, string(phase), e.jobID, ctx.Err())
		}
		step := steps[i]
		stepStart := time.Now()
		run, err := runStep(ctx, e.runner, e.compiler, step, dir, e.state.GetVariables(), e.workflow.Env())
		if err != nil {
			if ctx.Err() != nil {
				return newError(KindInterrupted, string(phase), e.jobID, ctx.Err())
			}
			return e.failStep(ctx, phase, i, step, err)
		}
		rec := StepRecord{Index: i, Name: step.Label(), CompletedAt: time.Now().UTC()}
		event := &StepEvent{JobID: e.jobID, Phase: phase, Index: i, Name: step.Label()}
		if run.Skipped {
			rec.Skipped = true
			event.Skipped = true
			logger.Info("skipped step", "step", step.Label(), "when", step.When)
		} else {
			event.ExitCode = run.Result.ExitCode
			if run.Result.ExitCode != 0 {
				stepErr := fmt.Errorf("exited with code %d: %s", run.Result.ExitCode, strings.TrimSpace(run.Result.Stderr))
				if run.failed(step) {
					return e.failStep(ctx, phase, i, step, stepErr)
				}
				logger.Warn("step failed, continuing", "step", step.Label(), "exit_code", run.Result.ExitCode)
			}
			rec.Output = truncate(run.Result.Stdout)
			rec.Captured = run.Captured
			logger.Info("completed step", "step", step.Label(), "duration", run.Result.Duration)
		}
		e.state.update(func(cp *Checkpoint) {
			ps := cp.sequential(phase)
			ps.CompletedSteps = append(ps.CompletedSteps, rec)
			ps.CurrentStep = i + 1
			for k, v := range rec.Captured {
				cp.Variables[k] = v
			}
		})
		event.Duration = time.Since(stepStart)
		e.callbacks.AfterStep(ctx, event)
		if err := e.checkpoint(ctx, ReasonStepBoundary); err != nil {
			return err
		}
	}

	e.state.update(func(cp *Checkpoint) {
		cp.sequential(phase).Status = StatusCompleted
		if next := phase.Next(); next != PhaseComplete {
			cp.Phase = next
		}
	})
	e.callbacks.AfterPhase(ctx, &PhaseEvent{JobID: e.jobID, Phase: phase, Status: StatusCompleted,
		StartTime: phaseStart, Duration: time.Since(phaseStart)})
	return e.checkpoint(ctx, ReasonPhaseTransition)
}

// skipPhase marks a phase without steps completed and moves past it.
func (e *Execution) skipPhase(ctx context.Context, phase Phase) error {
	changed := false
	e.state.update(func(cp *Checkpoint) {
		ps := cp.sequential(phase)
		if ps.Status != StatusCompleted {
			ps.Status = StatusCompleted
			changed = true
		}
		if cp.Phase == phase && phase.Next() != PhaseComplete {
			cp.Phase = phase.Next()
			changed = true
		}
	})
	if !changed {
		return nil
	}
	return e.checkpoint(ctx, ReasonPhaseTransition)
}

// failStep marks the phase failed without advancing it.
func (e *Execution) failStep(ctx context.Context, phase Phase, index int, step *Step, err error) error {
	stepErr := errorf(KindStepFailed, string(phase), e.jobID, "step %d (%s) failed: %w", index, step.Label(), err)
	e.state.update(func(cp *Checkpoint) {
		ps := cp.sequential(phase)
		ps.Status = StatusFailed
		ps.CurrentStep = index
		ps.Error = stepErr.Error()
	})
	e.callbacks.AfterStep(ctx, &StepEvent{JobID: e.jobID, Phase: phase, Index: index, Name: step.Label(), Error: err})
	e.callbacks.AfterPhase(ctx, &PhaseEvent{JobID: e.jobID, Phase: phase, Status: StatusFailed, Error: stepErr})
	return stepErr
}

package mapreduce

import (
	"sync"
	"time"

	"github.com/deepnoodle-ai/mapreduce/worktree"
)

// ExecutionState is the live state of a job. All of it is serializable: a
// checkpoint is a snapshot of this state. Only the coordinating goroutine
// mutates it; readers such as callbacks take snapshots.
type ExecutionState struct {
	cp    *Checkpoint
	mutex sync.RWMutex
}

// newExecutionState creates the state of a fresh job.
func newExecutionState(jobID string, wf *Workflow, repoDir string, vars map[string]any) *ExecutionState {
	now := time.Now().UTC()
	variables := copyMap(vars)
	if variables == nil {
		variables = map[string]any{}
	}
	variables[varJob] = map[string]any{
		"id":       jobID,
		"workflow": wf.Name(),
	}
	return &ExecutionState{cp: &Checkpoint{
		Version:      CheckpointVersion,
		JobID:        jobID,
		WorkflowName: wf.Name(),
		WorkflowPath: wf.Path(),
		WorkflowHash: wf.Hash(),
		RepoDir:      repoDir,
		Phase:        PhaseSetup,
		Status:       StatusPending,
		Setup:        &SequentialPhaseState{Status: StatusPending, CompletedSteps: []StepRecord{}},
		Map:          newMapPhaseState(),
		Reduce:       &SequentialPhaseState{Status: StatusPending, CompletedSteps: []StepRecord{}},
		Variables:    variables,
		Worktrees:    &worktree.Info{Items: map[int]*worktree.Item{}},
		CreatedAt:    now,
		UpdatedAt:    now,
	}}
}

// stateFromCheckpoint restores state from a loaded checkpoint.
func stateFromCheckpoint(cp *Checkpoint) *ExecutionState {
	restored := cp.Clone()
	if restored.Variables == nil {
		restored.Variables = map[string]any{}
	}
	if restored.Worktrees == nil {
		restored.Worktrees = &worktree.Info{}
	}
	if restored.Worktrees.Items == nil {
		restored.Worktrees.Items = map[int]*worktree.Item{}
	}
	m := restored.Map
	if m.Results == nil {
		m.Results = map[int]*ItemResult{}
	}
	if m.Attempts == nil {
		m.Attempts = map[int]int{}
	}
	return &ExecutionState{cp: restored}
}

// update applies fn under the write lock.
func (s *ExecutionState) update(fn func(cp *Checkpoint)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	fn(s.cp)
}

// view applies fn under the read lock. fn must not modify cp.
func (s *ExecutionState) view(fn func(cp *Checkpoint)) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	fn(s.cp)
}

// Snapshot returns a deep copy of the state as a checkpoint.
func (s *ExecutionState) Snapshot() *Checkpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cp.Clone()
}

// stamp records the metadata the manager assigned to a saved snapshot.
func (s *ExecutionState) stamp(saved *Checkpoint) {
	s.update(func(cp *Checkpoint) {
		cp.Sequence = saved.Sequence
		cp.ID = saved.ID
		cp.Reason = saved.Reason
		cp.CheckpointAt = saved.CheckpointAt
		cp.UpdatedAt = saved.UpdatedAt
		cp.CreatedAt = saved.CreatedAt
	})
}

func (s *ExecutionState) JobID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cp.JobID
}

func (s *ExecutionState) Phase() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return string(s.cp.Phase)
}

func (s *ExecutionState) GetPhase() Phase {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cp.Phase
}

func (s *ExecutionState) GetStatus() Status {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cp.Status
}

// Progress returns the Map item counts.
func (s *ExecutionState) Progress() (completed, failed, total int) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.cp.Map == nil {
		return 0, 0, 0
	}
	return len(s.cp.Map.CompletedItems), len(s.cp.Map.FailedItems), len(s.cp.Map.Items)
}

// GetVariables returns a copy of the variables map.
func (s *ExecutionState) GetVariables() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return copyMap(s.cp.Variables)
}

func (s *ExecutionState) setVariables(vars map[string]any) {
	s.update(func(cp *Checkpoint) {
		for k, v := range vars {
			cp.Variables[k] = v
		}
	})
}

// sequential returns the state of a Setup or Reduce phase.
func (cp *Checkpoint) sequential(phase Phase) *SequentialPhaseState {
	if phase == PhaseReduce {
		return cp.Reduce
	}
	return cp.Setup
}

// fail marks the job failed in its current phase.
func (s *ExecutionState) fail(err error) {
	s.update(func(cp *Checkpoint) {
		cp.Status = StatusFailed
		cp.Error = errString(err)
	})
}

package mapreduce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/lock"
	"github.com/deepnoodle-ai/mapreduce/retry"
	"github.com/deepnoodle-ai/mapreduce/script"
	"github.com/deepnoodle-ai/mapreduce/worktree"
)

// ExecutionOptions configures a job execution. Collaborators left nil are
// built from Storage, which defaults to OpenStorage("", RepoDir).
type ExecutionOptions struct {
	Workflow *Workflow
	JobID    string
	RepoDir  string

	Storage      *Storage
	Checkpointer Checkpointer
	DLQ          *dlq.Queue
	Locks        *lock.Manager
	Worktrees    *worktree.Manager
	Git          worktree.Git

	CommandRunner  CommandRunner
	AgentRunner    AgentRunner
	ScriptCompiler script.Compiler

	Logger             *slog.Logger
	EventLogger        EventLogger
	ExecutionCallbacks ExecutionCallbacks

	// Variables are visible to every step from the start of the job.
	Variables map[string]any

	// MaxParallel overrides the workflow's map.max_parallel.
	MaxParallel int

	// GracePeriod is how long a cancelled command may run after the
	// termination signal. Used for the default CommandRunner.
	GracePeriod time.Duration
}

// JobResult summarizes a finished Run, Resume or DLQ retry.
type JobResult struct {
	JobID      string         `json:"job_id"`
	Phase      Phase          `json:"phase"`
	Status     Status         `json:"status"`
	Resumed    bool           `json:"resumed"`
	Plan       *ResumePlan    `json:"plan,omitempty"`
	Variables  map[string]any `json:"variables"`
	Successful int            `json:"successful"`
	Failed     int            `json:"failed"`
	Total      int            `json:"total"`
	Duration   time.Duration  `json:"duration"`
}

// ResumeOptions adjust Resume.
type ResumeOptions struct {
	// ForceRetry also re-runs completed Map items.
	ForceRetry bool
}

// Execution runs one job. Run starts it, Resume continues it from its last
// checkpoint. An Execution is used once.
type Execution struct {
	workflow *Workflow
	jobID    string
	repoDir  string

	state       *ExecutionState
	checkpoints *CheckpointManager
	dlq         *dlq.Queue
	locks       *lock.Manager
	worktrees   *worktree.Manager
	owned       []func()

	runner    CommandRunner
	agent     AgentRunner
	compiler  script.Compiler
	callbacks ExecutionCallbacks
	events    EventLogger
	logger    *slog.Logger

	variables   map[string]any
	maxParallel int

	mutex   sync.Mutex
	started bool
}

// NewExecution creates a new execution
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.JobID == "" {
		opts.JobID = NewJobID()
	}
	if opts.ScriptCompiler == nil {
		opts.ScriptCompiler = script.NewExprEngine()
	}
	if opts.CommandRunner == nil {
		opts.CommandRunner = NewShellCommandRunner(opts.GracePeriod)
	}
	if opts.AgentRunner == nil {
		opts.AgentRunner = NewStepAgentRunner(opts.CommandRunner, opts.ScriptCompiler)
	}
	logger := opts.Logger.With("job_id", opts.JobID)

	e := &Execution{
		workflow:    opts.Workflow,
		jobID:       opts.JobID,
		runner:      opts.CommandRunner,
		agent:       opts.AgentRunner,
		compiler:    opts.ScriptCompiler,
		logger:      logger,
		variables:   copyMap(opts.Variables),
		maxParallel: opts.MaxParallel,
	}

	needStorage := opts.Checkpointer == nil || opts.DLQ == nil || opts.Locks == nil || opts.Worktrees == nil
	if needStorage && opts.Storage == nil {
		if opts.RepoDir == "" {
			return nil, fmt.Errorf("repository directory is required")
		}
		storage, err := OpenStorage("", opts.RepoDir)
		if err != nil {
			return nil, err
		}
		opts.Storage = storage
	}
	if opts.Checkpointer == nil {
		cp, err := opts.Storage.Checkpointer(opts.Workflow.Checkpoint().History)
		if err != nil {
			return nil, err
		}
		opts.Checkpointer = cp
		if opts.EventLogger == nil {
			opts.EventLogger = opts.Storage.Events()
		}
	}
	if opts.DLQ == nil {
		queue, err := opts.Storage.DLQ(opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.DLQ = queue
	}
	if opts.Locks == nil {
		locks, err := opts.Storage.Locks(opts.Logger, "mapreduce "+opts.Workflow.Name())
		if err != nil {
			return nil, err
		}
		opts.Locks = locks
	}
	if opts.Worktrees == nil {
		wt, err := opts.Storage.Worktrees(opts.Git, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Worktrees = wt
		e.owned = append(e.owned, wt.Close)
	}
	if opts.EventLogger == nil {
		opts.EventLogger = NewNullEventLogger()
	}

	chain := NewCallbackChain(newEventRecorder(opts.EventLogger, logger))
	if opts.ExecutionCallbacks != nil {
		chain.Add(opts.ExecutionCallbacks)
	}

	e.repoDir = opts.RepoDir
	if opts.Storage != nil && e.repoDir == "" {
		e.repoDir = opts.Storage.RepoDir
	}
	e.checkpoints = NewCheckpointManager(opts.Checkpointer, logger)
	e.dlq = opts.DLQ
	e.locks = opts.Locks
	e.worktrees = opts.Worktrees
	e.callbacks = chain
	e.events = opts.EventLogger
	return e, nil
}

// ID returns the job ID
func (e *Execution) ID() string {
	return e.jobID
}

// State returns the live job state, or nil before Run or Resume.
func (e *Execution) State() *ExecutionState {
	return e.state
}

// Close releases resources that NewExecution created.
func (e *Execution) Close() {
	for _, release := range e.owned {
		release()
	}
	e.owned = nil
}

func (e *Execution) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true
	return nil
}

func (e *Execution) acquire(ctx context.Context, op string) (*lock.Guard, error) {
	guard, err := e.locks.Acquire(ctx, e.jobID)
	if err != nil {
		return nil, newError(KindLockContention, op, e.jobID, err)
	}
	return guard, nil
}

func (e *Execution) release(guard *lock.Guard) {
	if err := guard.Release(); err != nil {
		e.logger.Warn("failed to release lock", "error", err)
	}
}

// Run starts a new job with the execution's job ID.
func (e *Execution) Run(ctx context.Context) (*JobResult, error) {
	if err := e.start(); err != nil {
		return nil, err
	}
	guard, err := e.acquire(ctx, "run")
	if err != nil {
		return nil, err
	}
	defer e.release(guard)

	existing, err := e.checkpoints.Load(ctx, e.jobID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errorf(KindValidation, "run", e.jobID, "job already exists, resume it instead")
	}
	e.state = newExecutionState(e.jobID, e.workflow, e.repoDir, e.variables)
	plan := &ResumePlan{
		JobID:  e.jobID,
		Setup:  PhaseAction{Phase: PhaseSetup, Kind: ActionExecute},
		Map:    PhaseAction{Phase: PhaseMap, Kind: ActionExecute},
		Reduce: PhaseAction{Phase: PhaseReduce, Kind: ActionExecute},
	}
	if len(e.workflow.Setup()) == 0 {
		plan.Setup = PhaseAction{Phase: PhaseSetup, Kind: ActionSkip, Reason: "no steps"}
	}
	if len(e.workflow.Reduce()) == 0 {
		plan.Reduce = PhaseAction{Phase: PhaseReduce, Kind: ActionSkip, Reason: "no steps"}
	}
	e.logger.Info("starting job", "workflow", e.workflow.Name())
	return e.execute(ctx, plan, false)
}

// Resume continues the job from its last checkpoint. A completed job is
// left alone and reported as completed.
func (e *Execution) Resume(ctx context.Context, opts ResumeOptions) (*JobResult, error) {
	if err := e.start(); err != nil {
		return nil, err
	}
	guard, err := e.acquire(ctx, "resume")
	if err != nil {
		return nil, err
	}
	defer e.release(guard)

	cp, err := e.checkpoints.Load(ctx, e.jobID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, errorf(KindNotFound, "resume", e.jobID, "no checkpoint found")
	}
	plan, err := PlanResume(cp, e.workflow, PlanOptions{ForceRetry: opts.ForceRetry})
	if err != nil {
		return nil, err
	}
	e.state = stateFromCheckpoint(cp)
	if plan.Complete {
		e.logger.Info("job already completed")
		result := e.result(time.Now())
		result.Resumed = true
		result.Plan = plan
		return result, nil
	}
	if plan.WorkflowChanged {
		e.logger.Warn("workflow definition changed since the job started",
			"recorded_hash", cp.WorkflowHash, "current_hash", e.workflow.Hash())
	}
	if cp.Status == StatusFailed {
		e.logger.Info("resuming job from failure", "original_error", cp.Error, "phase", cp.Phase)
	}
	e.restoreCapturedVariables()
	e.logger.Info("resuming job", "plan", plan.String())
	return e.execute(ctx, plan, true)
}

// restoreCapturedVariables re-applies the captures of completed steps.
// They are already part of the stored variables; re-applying keeps the
// variables consistent with the step records.
func (e *Execution) restoreCapturedVariables() {
	e.state.update(func(cp *Checkpoint) {
		for _, ps := range []*SequentialPhaseState{cp.Setup, cp.Reduce} {
			for _, rec := range ps.CompletedSteps {
				for k, v := range rec.Captured {
					cp.Variables[k] = v
				}
			}
		}
	})
}

func (e *Execution) execute(ctx context.Context, plan *ResumePlan, resumed bool) (*JobResult, error) {
	startTime := time.Now()
	e.state.update(func(cp *Checkpoint) {
		cp.Status = StatusRunning
		cp.Error = ""
	})
	ctx = WithLogger(ctx, e.logger)
	ctx = WithState(ctx, e.state)
	ctx = WithCompiler(ctx, e.compiler)

	e.callbacks.BeforeJob(ctx, &JobEvent{
		JobID:        e.jobID,
		WorkflowName: e.workflow.Name(),
		Resumed:      resumed,
		Phase:        e.state.GetPhase(),
		Status:       StatusRunning,
		StartTime:    startTime,
	})

	err := e.runPhases(ctx, plan)
	if err != nil {
		err = e.handleError(ctx, err)
	}

	result := e.result(startTime)
	result.Resumed = resumed
	if resumed {
		result.Plan = plan
	}
	e.callbacks.AfterJob(ctx, &JobEvent{
		JobID:        e.jobID,
		WorkflowName: e.workflow.Name(),
		Resumed:      resumed,
		Phase:        result.Phase,
		Status:       result.Status,
		StartTime:    startTime,
		EndTime:      time.Now(),
		Duration:     result.Duration,
		Variables:    result.Variables,
		Error:        err,
	})
	if err != nil {
		e.logger.Error("job stopped", "phase", result.Phase, "error", err)
		return result, err
	}
	e.logger.Info("job completed",
		"successful", result.Successful,
		"failed", result.Failed,
		"total", result.Total,
		"duration", result.Duration)
	return result, nil
}

func (e *Execution) runPhases(ctx context.Context, plan *ResumePlan) error {
	parent, err := e.worktrees.EnsureParent(ctx, e.jobID, e.state.Snapshot().Worktrees.Parent)
	if err != nil {
		return newError(KindWorktree, "prepare", e.jobID, err)
	}
	e.state.update(func(cp *Checkpoint) {
		cp.Worktrees.Parent = parent
	})
	if err := e.runSequentialPhase(ctx, PhaseSetup, &plan.Setup); err != nil {
		return err
	}
	if err := e.runMapPhase(ctx, &plan.Map); err != nil {
		return err
	}
	if err := e.runSequentialPhase(ctx, PhaseReduce, &plan.Reduce); err != nil {
		return err
	}
	e.state.update(func(cp *Checkpoint) {
		cp.Phase = PhaseComplete
		cp.Status = StatusCompleted
		cp.Error = ""
	})
	return e.checkpoint(ctx, ReasonPhaseTransition)
}

// handleError records why the job stopped. Interruptions write a signal
// checkpoint and leave the job running so it can be resumed. Other errors
// mark the job failed.
func (e *Execution) handleError(ctx context.Context, err error) error {
	saveCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil || IsKind(err, KindInterrupted) {
		if cpErr := e.checkpoint(saveCtx, ReasonSignal); cpErr != nil {
			e.logger.Error("failed to save checkpoint after interruption", "error", cpErr)
		}
		if IsKind(err, KindInterrupted) {
			return err
		}
		return newError(KindInterrupted, string(e.state.GetPhase()), e.jobID, ctx.Err())
	}
	if IsKind(err, KindCheckpointWrite) {
		return err
	}
	e.state.fail(err)
	if cpErr := e.checkpoint(saveCtx, ReasonFailure); cpErr != nil {
		e.logger.Error("failed to save failure checkpoint", "error", cpErr)
	}
	return err
}

// checkpoint saves a snapshot of the current state.
func (e *Execution) checkpoint(ctx context.Context, reason CheckpointReason) error {
	snap := e.state.Snapshot()
	if err := e.checkpoints.Save(ctx, snap, reason); err != nil {
		return err
	}
	e.state.stamp(snap)
	e.callbacks.AfterCheckpoint(ctx, &CheckpointEvent{
		JobID:    e.jobID,
		Sequence: snap.Sequence,
		Reason:   reason,
		Phase:    snap.Phase,
	})
	return nil
}

func (e *Execution) result(startTime time.Time) *JobResult {
	snap := e.state.Snapshot()
	return &JobResult{
		JobID:      e.jobID,
		Phase:      snap.Phase,
		Status:     snap.Status,
		Variables:  snap.Variables,
		Successful: len(snap.Map.CompletedItems),
		Failed:     len(snap.Map.FailedItems),
		Total:      len(snap.Map.Items),
		Duration:   time.Since(startTime),
	}
}

// retryPolicy is the per-item attempt policy of the Map phase.
func (e *Execution) retryPolicy(attempts int) retry.Policy {
	return retry.New(
		retry.WithMaxAttempts(attempts),
		retry.WithBaseWait(e.workflow.Map().RetryBackoff.Std()),
	)
}

func (e *Execution) parallelism() int {
	if e.maxParallel > 0 {
		return e.maxParallel
	}
	return e.workflow.Map().MaxParallel
}

func (e *Execution) parentPath() string {
	var path string
	e.state.view(func(cp *Checkpoint) {
		if cp.Worktrees.Parent != nil {
			path = cp.Worktrees.Parent.Path
		}
	})
	return path
}

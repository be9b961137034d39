package mapreduce

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/lock"
	"github.com/google/uuid"
)

// RetryOptions controls a DLQ retry.
type RetryOptions struct {
	// Filter is an expression over item, index, failure_count, error_kind,
	// error_message, exit_code and signature. Empty selects every entry.
	Filter string

	MaxParallel int

	// MaxAttempts is the number of attempts per item in this retry. Zero
	// uses the workflow's retry_limit.
	MaxAttempts int
}

// ReprocessResult reports a DLQ retry.
type ReprocessResult struct {
	JobID       string        `json:"job_id"`
	BatchID     string        `json:"batch_id"`
	Selected    []int         `json:"selected"`
	Succeeded   []int         `json:"succeeded"`
	Failed      []int         `json:"failed"`
	Interrupted []int         `json:"interrupted,omitempty"`
	Skipped     []int         `json:"skipped,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Reprocessor retries dead-lettered items of existing jobs.
type Reprocessor struct {
	opts ExecutionOptions
}

// NewReprocessor uses opts, minus JobID, for every job it retries.
func NewReprocessor(opts ExecutionOptions) *Reprocessor {
	return &Reprocessor{opts: opts}
}

// Retry runs the selected DLQ entries of a job through the worker pool.
// Items that succeed are merged into the job's Map results and leave the
// DLQ once the reprocess checkpoint is durable. Items that fail again get
// the new attempts appended to their entries.
func (r *Reprocessor) Retry(ctx context.Context, jobID string, opts RetryOptions) (*ReprocessResult, error) {
	eopts := r.opts
	eopts.JobID = jobID
	if opts.MaxParallel > 0 {
		eopts.MaxParallel = opts.MaxParallel
	}
	e, err := NewExecution(eopts)
	if err != nil {
		return nil, err
	}
	defer e.Close()
	return e.retryDLQ(ctx, opts)
}

// ClearDLQ discards DLQ entries of a job while holding its resume lock.
// Empty indices clears every entry.
func ClearDLQ(ctx context.Context, locks *lock.Manager, queue *dlq.Queue, jobID string, indices []int) (int, error) {
	guard, err := locks.Acquire(ctx, jobID)
	if err != nil {
		return 0, newError(KindLockContention, "dlq clear", jobID, err)
	}
	defer guard.Release()
	return queue.Clear(ctx, jobID, indices)
}

func (e *Execution) retryDLQ(ctx context.Context, opts RetryOptions) (*ReprocessResult, error) {
	if err := e.start(); err != nil {
		return nil, err
	}
	guard, err := e.acquire(ctx, "dlq retry")
	if err != nil {
		return nil, err
	}
	defer e.release(guard)

	startTime := time.Now()
	cp, err := e.checkpoints.Load(ctx, e.jobID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, errorf(KindNotFound, "dlq retry", e.jobID, "no checkpoint found")
	}
	e.state = stateFromCheckpoint(cp)

	filter, err := dlq.ExprFilter(ctx, e.compiler, opts.Filter)
	if err != nil {
		return nil, newError(KindValidation, "dlq retry", e.jobID, err)
	}
	entries, err := e.dlq.Select(ctx, e.jobID, filter)
	if err != nil {
		return nil, newError(KindValidation, "dlq retry", e.jobID, err)
	}

	result := &ReprocessResult{JobID: e.jobID, BatchID: NewBatchID()}
	batch := &mapBatch{
		batchID:     result.BatchID,
		attempts:    opts.MaxAttempts,
		maxParallel: e.parallelism(),
		offset:      map[int]int{},
	}
	if batch.attempts <= 0 {
		batch.attempts = e.workflow.Map().RetryLimit
	}
	e.state.view(func(cp *Checkpoint) {
		for _, entry := range entries {
			idx := entry.ItemIndex
			if !entry.ReprocessEligible || idx < 0 || idx >= len(cp.Map.Items) || !containsIndex(cp.Map.FailedItems, idx) {
				result.Skipped = append(result.Skipped, idx)
				continue
			}
			result.Selected = append(result.Selected, idx)
			batch.items = append(batch.items, cp.Map.Items[idx])
			batch.offset[idx] = entry.AttemptCount
		}
	})
	if len(result.Skipped) > 0 {
		e.logger.Warn("skipping dlq entries that cannot be retried", "items", result.Skipped)
	}
	if len(batch.items) == 0 {
		e.logger.Info("no dlq entries selected")
		result.Duration = time.Since(startTime)
		return result, nil
	}

	ctx = WithLogger(ctx, e.logger)
	ctx = WithState(ctx, e.state)
	ctx = WithCompiler(ctx, e.compiler)
	saveCtx := context.WithoutCancel(ctx)

	parent, err := e.worktrees.EnsureParent(ctx, e.jobID, cp.Worktrees.Parent)
	if err != nil {
		return nil, newError(KindWorktree, "dlq retry", e.jobID, err)
	}
	e.state.update(func(cp *Checkpoint) {
		cp.Worktrees.Parent = parent
	})

	e.logger.Info("retrying dlq entries", "batch_id", batch.batchID, "count", len(batch.items))
	outcome, runErr := e.runBatch(ctx, batch)
	if outcome != nil {
		result.Succeeded = outcome.Succeeded
		result.Failed = outcome.Failed
		result.Interrupted = outcome.Interrupted
	}
	if runErr != nil && !IsKind(runErr, KindInterrupted) {
		return result, runErr
	}

	e.state.update(func(cp *Checkpoint) {
		if cp.Map.Status == StatusCompleted {
			cp.Map.refreshCounts()
			cp.Variables[varMap] = mapVariables(cp.Map)
		}
	})
	reason := ReasonReprocess
	if runErr != nil {
		reason = ReasonSignal
	}
	if err := e.checkpoint(saveCtx, reason); err != nil {
		return result, err
	}
	result.Duration = time.Since(startTime)

	if err := e.events.LogEvent(saveCtx, &Event{
		ID:      uuid.NewString(),
		JobID:   e.jobID,
		Type:    EventDLQRetried,
		Phase:   PhaseMap,
		Message: opts.Filter,
		Data: map[string]any{
			"batch_id":    result.BatchID,
			"selected":    len(result.Selected),
			"succeeded":   len(result.Succeeded),
			"failed":      len(result.Failed),
			"interrupted": len(result.Interrupted),
		},
		Time: time.Now().UTC(),
	}); err != nil {
		e.logger.Warn("failed to write event log", "error", err)
	}
	e.logger.Info("dlq retry finished",
		"batch_id", result.BatchID,
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed))
	return result, runErr
}

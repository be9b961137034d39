package mapreduce

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/retry"
	"github.com/deepnoodle-ai/mapreduce/worktree"
)

// mapBatch is one dispatch of Map items through the pool.
type mapBatch struct {
	batchID     string
	items       []WorkItem
	attempts    int
	maxParallel int
	reuse       map[int]*worktree.Item
	offset      map[int]int

	// used holds attempts that count against the retry limit. When set,
	// failures of earlier runs are carried into the DLQ entry.
	used map[int]int

	// enforcePolicy stops the batch when the error policy is exceeded.
	enforcePolicy bool
}

// batchOutcome counts what happened to the items of a batch.
type batchOutcome struct {
	Succeeded   []int
	Failed      []int
	Interrupted []int
}

// runMapPhase loads the work items if needed and runs every item that is
// neither completed nor in the DLQ.
func (e *Execution) runMapPhase(ctx context.Context, action *PhaseAction) error {
	if action.Kind == ActionSkip {
		return nil
	}
	cfg := e.workflow.Map()
	logger := e.logger.With("phase", PhaseMap)
	phaseStart := time.Now()

	e.state.update(func(cp *Checkpoint) {
		cp.Phase = PhaseMap
		cp.Status = StatusRunning
		cp.Map.Status = StatusRunning
		cp.Map.Error = ""
	})
	e.callbacks.BeforePhase(ctx, &PhaseEvent{JobID: e.jobID, Phase: PhaseMap, Status: StatusRunning, StartTime: phaseStart})

	var dispatch []int
	var forced []int
	if action.Kind == ActionExecute {
		loader := &ItemLoader{Runner: e.runner, Compiler: e.compiler, Dir: e.parentPath()}
		items, err := loader.Load(ctx, cfg, e.state.GetVariables())
		if err != nil {
			if ctx.Err() != nil {
				return newError(KindInterrupted, "load items", e.jobID, ctx.Err())
			}
			return e.failMap(ctx, err)
		}
		e.state.update(func(cp *Checkpoint) {
			m := newMapPhaseState()
			m.Status = StatusRunning
			m.Items = items
			m.ItemsLoaded = true
			cp.Map = m
			cp.Worktrees.Items = map[int]*worktree.Item{}
		})
		for _, item := range items {
			dispatch = append(dispatch, item.Index)
		}
		logger.Info("loaded work items", "count", len(items))
	} else {
		dispatch = action.Dispatch()
		e.state.update(func(cp *Checkpoint) {
			for _, idx := range action.RetryItems {
				if containsIndex(cp.Map.CompletedItems, idx) {
					cp.Map.CompletedItems = removeIndex(cp.Map.CompletedItems, idx)
					delete(cp.Map.Results, idx)
					forced = append(forced, idx)
				}
			}
		})
		if len(forced) > 0 {
			e.checkpoints.ResetProgress(e.jobID)
		}
		logger.Info("resuming map phase",
			"completed", len(action.SkipItems),
			"retry", len(action.RetryItems),
			"pending", len(action.PendingItems),
			"failed", len(action.FailedItems))
	}
	if err := e.checkpoint(ctx, ReasonPhaseTransition); err != nil {
		return err
	}

	if len(dispatch) > 0 {
		snap := e.state.Snapshot()
		items := make([]WorkItem, 0, len(dispatch))
		for _, idx := range dispatch {
			items = append(items, snap.Map.Items[idx])
		}
		// Forced items start a fresh budget.
		used := make(map[int]int, len(snap.Map.Attempts))
		for idx, n := range snap.Map.Attempts {
			if !containsIndex(forced, idx) {
				used[idx] = n
			}
		}
		batch := &mapBatch{
			batchID:       NewBatchID(),
			items:         items,
			attempts:      cfg.RetryLimit,
			maxParallel:   e.parallelism(),
			reuse:         action.ReuseWorktrees,
			offset:        snap.Map.Attempts,
			used:          used,
			enforcePolicy: true,
		}
		if _, err := e.runBatch(ctx, batch); err != nil {
			if IsKind(err, KindItemFailed) {
				return e.failMap(ctx, err)
			}
			return err
		}
	}
	if exceeded, reason := e.policyExceeded(); exceeded {
		return e.failMap(ctx, errorf(KindItemFailed, "map", e.jobID, "error policy exceeded: %s", reason))
	}
	return e.completeMap(ctx, phaseStart)
}

// completeMap publishes the Map aggregates and moves the job to Reduce.
func (e *Execution) completeMap(ctx context.Context, phaseStart time.Time) error {
	e.state.update(func(cp *Checkpoint) {
		cp.Map.Status = StatusCompleted
		cp.Map.Error = ""
		cp.Map.refreshCounts()
		cp.Variables[varMap] = mapVariables(cp.Map)
		cp.Phase = PhaseReduce
	})
	snap := e.state.Snapshot()
	e.logger.Info("map phase completed",
		"successful", len(snap.Map.CompletedItems),
		"failed", len(snap.Map.FailedItems),
		"total", len(snap.Map.Items))
	e.callbacks.AfterPhase(ctx, &PhaseEvent{JobID: e.jobID, Phase: PhaseMap, Status: StatusCompleted,
		StartTime: phaseStart, Duration: time.Since(phaseStart)})
	return e.checkpoint(ctx, ReasonPhaseTransition)
}

func (e *Execution) failMap(ctx context.Context, err error) error {
	e.state.update(func(cp *Checkpoint) {
		cp.Map.Status = StatusFailed
		cp.Map.Error = err.Error()
	})
	e.callbacks.AfterPhase(ctx, &PhaseEvent{JobID: e.jobID, Phase: PhaseMap, Status: StatusFailed, Error: err})
	return err
}

// policyExceeded checks the workflow error policy against the Map state.
func (e *Execution) policyExceeded() (bool, string) {
	policy := e.workflow.ErrorPolicy()
	var failed, total int
	e.state.view(func(cp *Checkpoint) {
		failed = len(cp.Map.FailedItems)
		total = len(cp.Map.Items)
	})
	if policy.stopOnFailure() && failed > 0 {
		return true, fmt.Sprintf("%d items failed and failures stop the map phase", failed)
	}
	if policy.MaxFailures > 0 && failed >= policy.MaxFailures {
		return true, fmt.Sprintf("%d items failed, limit is %d", failed, policy.MaxFailures)
	}
	if policy.FailureThreshold > 0 && total > 0 && float64(failed)/float64(total) > policy.FailureThreshold {
		return true, fmt.Sprintf("%d of %d items failed, threshold is %.2f", failed, total, policy.FailureThreshold)
	}
	return false, ""
}

// runBatch dispatches a batch and applies its events to the job state.
// The calling goroutine is the only writer of the Map state. Merges, DLQ
// writes and checkpoints run on a context that ignores cancellation so
// that work an agent finished is recorded even during shutdown.
func (e *Execution) runBatch(ctx context.Context, batch *mapBatch) (*batchOutcome, error) {
	cfg := e.workflow.Map()
	saveCtx := context.WithoutCancel(ctx)
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var parent *worktree.Parent
	e.state.view(func(cp *Checkpoint) {
		if cp.Worktrees.Parent != nil {
			p := *cp.Worktrees.Parent
			parent = &p
		}
	})
	pool := NewPool(PoolOptions{
		JobID:         e.jobID,
		BatchID:       batch.batchID,
		MaxParallel:   batch.maxParallel,
		Policy:        e.retryPolicy(batch.attempts),
		ExitCodes:     retry.ExitCodes{Permanent: cfg.PermanentExitCodes},
		Timeout:       cfg.AgentTimeout.Std(),
		Agent:         e.agent,
		Steps:         cfg.Agent,
		Variables:     e.state.GetVariables(),
		Env:           e.workflow.Env(),
		Worktrees:     e.worktrees,
		Parent:        parent,
		Reuse:         batch.reuse,
		AttemptOffset: batch.offset,
		Used:          batch.used,
		Logger:        e.logger.With("batch_id", batch.batchID),
	})
	c := &mapCoordinator{
		e:         e,
		batch:     batch,
		pool:      pool,
		parent:    parent,
		every:     e.workflow.Checkpoint().EveryItems,
		lastAgent: map[int]AgentRecord{},
		outcome:   &batchOutcome{},
	}
	e.logger.Info("dispatching work items",
		"batch_id", batch.batchID,
		"count", len(batch.items),
		"max_parallel", batch.maxParallel)

	var tick <-chan time.Time
	if interval := e.workflow.Checkpoint().Interval.Std(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var fatal error
	events := pool.Execute(poolCtx, batch.items)
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if fatal != nil {
				continue
			}
			if err := c.handle(saveCtx, ev); err != nil {
				fatal = err
				pool.Stop()
				cancel()
			}
		case <-tick:
			if fatal == nil && c.dirty {
				if err := c.flush(saveCtx, ReasonInterval); err != nil {
					fatal = err
					pool.Stop()
					cancel()
				}
			}
		}
	}
	if fatal != nil {
		return c.outcome, fatal
	}
	if err := c.flush(saveCtx, ReasonPeriodic); err != nil {
		return c.outcome, err
	}
	if ctx.Err() != nil {
		return c.outcome, newError(KindInterrupted, "map", e.jobID, ctx.Err())
	}
	if c.stopErr != nil {
		return c.outcome, c.stopErr
	}
	return c.outcome, nil
}

// mapCoordinator applies pool events for one batch.
type mapCoordinator struct {
	e      *Execution
	batch  *mapBatch
	pool   *Pool
	parent *worktree.Parent

	every    int
	terminal int
	dirty    bool

	// removals are DLQ entries of items that succeeded. They are deleted
	// once a checkpoint records the success.
	removals []int

	lastAgent map[int]AgentRecord
	outcome   *batchOutcome
	stopErr   error
}

func (c *mapCoordinator) handle(ctx context.Context, ev PoolEvent) error {
	e := c.e
	idx := ev.Index
	switch ev.Type {
	case PoolStarted:
		e.state.update(func(cp *Checkpoint) {
			if !containsIndex(cp.Map.FailedItems, idx) {
				cp.Map.InProgressItems = addIndex(cp.Map.InProgressItems, idx)
			}
			wt := *ev.Worktree
			cp.Worktrees.Items[idx] = &wt
		})
		c.dirty = true
		return nil

	case PoolAttempt:
		rec := *ev.Record
		e.state.update(func(cp *Checkpoint) {
			cp.Map.Records = append(cp.Map.Records, rec)
			if rec.Outcome != OutcomeInterrupted {
				cp.Map.Attempts[idx]++
			}
		})
		c.lastAgent[idx] = rec
		c.dirty = true
		e.callbacks.AfterAttempt(ctx, &AttemptEvent{JobID: e.jobID, Record: rec})
		return nil
	}

	switch ev.Outcome {
	case ItemSucceeded:
		return c.succeed(ctx, ev)
	case ItemFailed:
		return c.fail(ctx, ev, ev.Failures)
	}
	c.outcome.Interrupted = append(c.outcome.Interrupted, idx)
	if ev.Worktree != nil {
		e.state.update(func(cp *Checkpoint) {
			wt := *ev.Worktree
			cp.Worktrees.Items[idx] = &wt
		})
	}
	return nil
}

func (c *mapCoordinator) succeed(ctx context.Context, ev PoolEvent) error {
	e := c.e
	idx := ev.Index
	wt := *ev.Worktree
	rec := c.lastAgent[idx]
	if err := e.worktrees.MergeItem(ctx, c.parent, &wt); err != nil {
		e.logger.Warn("failed to merge item", "item", idx, "branch", wt.Branch, "error", err)
		return c.fail(ctx, ev, []dlq.FailureRecord{{
			Attempt:      rec.Attempt,
			Timestamp:    time.Now().UTC(),
			Kind:         FailureMerge,
			ExitCode:     -1,
			Message:      err.Error(),
			AgentID:      rec.ID,
			BatchID:      c.batch.batchID,
			WorktreePath: wt.Path,
			Branch:       wt.Branch,
		}})
	}
	if err := e.worktrees.RemoveItem(ctx, &wt, true); err != nil {
		e.logger.Warn("failed to remove item worktree", "item", idx, "path", wt.Path, "error", err)
	}

	result := &ItemResult{
		Branch:      wt.Branch,
		AgentID:     rec.ID,
		BatchID:     c.batch.batchID,
		Attempts:    ev.Attempts,
		CompletedAt: time.Now().UTC(),
	}
	if ev.Result != nil {
		result.Output = truncate(ev.Result.Output)
		result.Captured = ev.Result.Captured
	}
	wasFailed := false
	e.state.update(func(cp *Checkpoint) {
		m := cp.Map
		wasFailed = containsIndex(m.FailedItems, idx)
		m.FailedItems = removeIndex(m.FailedItems, idx)
		m.InProgressItems = removeIndex(m.InProgressItems, idx)
		m.CompletedItems = addIndex(m.CompletedItems, idx)
		m.Results[idx] = result
		cp.Worktrees.Items[idx] = &wt
	})
	if wasFailed {
		c.removals = append(c.removals, idx)
	}
	c.outcome.Succeeded = append(c.outcome.Succeeded, idx)
	e.callbacks.AfterItem(ctx, &ItemEvent{JobID: e.jobID, BatchID: c.batch.batchID, Index: idx,
		Status: StatusCompleted, Attempts: ev.Attempts})
	return c.terminated(ctx)
}

func (c *mapCoordinator) fail(ctx context.Context, ev PoolEvent, failures []dlq.FailureRecord) error {
	e := c.e
	idx := ev.Index
	if c.batch.used != nil {
		e.state.view(func(cp *Checkpoint) {
			earlier := earlierFailures(cp.Map, idx, c.batch.offset[idx]-c.batch.used[idx], c.batch.offset[idx])
			failures = append(earlier, failures...)
		})
	}
	if len(failures) == 0 {
		msg := "item failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		failures = []dlq.FailureRecord{{
			Attempt:   c.batch.offset[idx],
			Timestamp: time.Now().UTC(),
			Kind:      FailureCrash,
			ExitCode:  -1,
			Message:   msg,
			BatchID:   c.batch.batchID,
		}}
	}
	if c.batch.enforcePolicy && e.workflow.ErrorPolicy().OnItemFailure == ItemFailureSkip {
		e.logger.Info("skipping failed item", "item", idx, "attempts", ev.Attempts)
	} else if _, err := e.dlq.Add(ctx, e.jobID, idx, ev.Item.Value, failures...); err != nil {
		return newError(KindCheckpointWrite, "dlq add", e.jobID, err)
	}
	var wt *worktree.Item
	if ev.Worktree != nil {
		w := *ev.Worktree
		wt = &w
		if err := e.worktrees.RemoveItem(ctx, wt, false); err != nil {
			e.logger.Warn("failed to remove item worktree", "item", idx, "path", wt.Path, "error", err)
		}
		wt.Status = worktree.StatusFailed
	}
	e.state.update(func(cp *Checkpoint) {
		m := cp.Map
		m.InProgressItems = removeIndex(m.InProgressItems, idx)
		m.FailedItems = addIndex(m.FailedItems, idx)
		if wt != nil {
			cp.Worktrees.Items[idx] = wt
		}
	})
	c.outcome.Failed = append(c.outcome.Failed, idx)
	e.callbacks.AfterItem(ctx, &ItemEvent{JobID: e.jobID, BatchID: c.batch.batchID, Index: idx,
		Status: StatusFailed, Attempts: ev.Attempts, Error: ev.Err})

	if err := c.terminated(ctx); err != nil {
		return err
	}
	if c.batch.enforcePolicy && c.stopErr == nil {
		if exceeded, reason := e.policyExceeded(); exceeded {
			e.logger.Warn("error policy exceeded, stopping dispatch", "reason", reason)
			c.stopErr = errorf(KindItemFailed, "map", e.jobID, "error policy exceeded: %s", reason)
			c.pool.Stop()
		}
	}
	return nil
}

// terminated counts a finished item and flushes every few items.
func (c *mapCoordinator) terminated(ctx context.Context) error {
	c.terminal++
	c.dirty = true
	if c.terminal >= c.every {
		return c.flush(ctx, ReasonPeriodic)
	}
	return nil
}

func (c *mapCoordinator) flush(ctx context.Context, reason CheckpointReason) error {
	if err := c.e.checkpoint(ctx, reason); err != nil {
		return err
	}
	for _, idx := range c.removals {
		if err := c.e.dlq.Remove(ctx, c.e.jobID, idx); err != nil {
			c.e.logger.Warn("failed to remove dlq entry", "item", idx, "error", err)
		}
	}
	c.removals = nil
	c.terminal = 0
	c.dirty = false
	return nil
}

// earlierFailures rebuilds the failure records of attempts after..upTo of
// an item from its agent records, in attempt order.
func earlierFailures(m *MapPhaseState, idx, after, upTo int) []dlq.FailureRecord {
	var out []dlq.FailureRecord
	for _, rec := range m.Records {
		if rec.ItemIndex != idx || rec.Attempt <= after || rec.Attempt > upTo {
			continue
		}
		kind := failureKind(rec.Outcome)
		if kind == "" {
			continue
		}
		out = append(out, dlq.FailureRecord{
			Attempt:      rec.Attempt,
			Timestamp:    rec.EndedAt,
			Kind:         kind,
			ExitCode:     rec.ExitCode,
			Message:      rec.Error,
			AgentID:      rec.ID,
			BatchID:      rec.BatchID,
			WorktreePath: rec.WorktreePath,
			Branch:       rec.Branch,
			Duration:     rec.Duration,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out
}

// failureKind maps a failed attempt outcome to its DLQ kind, or "" for
// outcomes that are not failures.
func failureKind(outcome AgentOutcome) string {
	switch outcome {
	case OutcomeFailure:
		return FailureExit
	case OutcomeTimeout:
		return FailureTimeout
	case OutcomeCrashed:
		return FailureCrash
	}
	return ""
}

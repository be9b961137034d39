package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/retry"
	"github.com/deepnoodle-ai/mapreduce/worktree"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Failure kinds recorded in the DLQ.
const (
	FailureExit     = "failure"
	FailureCrash    = "crashed"
	FailureTimeout  = "timeout"
	FailureWorktree = "worktree_error"
	FailureMerge    = "merge_conflict"
)

// PoolEventType identifies a pool event.
type PoolEventType string

const (
	PoolStarted PoolEventType = "started"
	PoolAttempt PoolEventType = "attempt"
	PoolDone    PoolEventType = "done"
)

// ItemOutcome is the terminal state of an item in one pool run.
type ItemOutcome string

const (
	ItemSucceeded   ItemOutcome = "success"
	ItemFailed      ItemOutcome = "failed"
	ItemInterrupted ItemOutcome = "interrupted"
)

// PoolEvent is sent by workers to the coordinator. Every started item ends
// with exactly one done event.
type PoolEvent struct {
	Type  PoolEventType
	Index int
	Item  WorkItem

	// Worktree is set on started and done events.
	Worktree *worktree.Item
	Reused   bool

	// Record is set on attempt events.
	Record *AgentRecord

	// Set on done events.
	Outcome  ItemOutcome
	Result   *AgentResult
	Attempts int
	Failures []dlq.FailureRecord
	Err      error
}

// PoolOptions configures a Pool.
type PoolOptions struct {
	JobID       string
	BatchID     string
	MaxParallel int

	// Policy.MaxAttempts is the number of attempts each item gets in this
	// run.
	Policy    retry.Policy
	ExitCodes retry.ExitCodes
	Timeout   time.Duration

	Agent     AgentRunner
	Steps     []*Step
	Variables map[string]any
	Env       map[string]string

	Worktrees *worktree.Manager
	Parent    *worktree.Parent

	// Reuse maps items to recorded worktrees that may be reused.
	Reuse map[int]*worktree.Item

	// AttemptOffset numbers attempts after earlier ones, so the first
	// attempt of item i in this run is AttemptOffset[i]+1.
	AttemptOffset map[int]int

	// Used holds attempts item i already spent against Policy.MaxAttempts.
	// An item with no attempts left fails without running.
	Used map[int]int

	Logger *slog.Logger
}

// Pool runs Map items with bounded parallelism.
type Pool struct {
	opts     PoolOptions
	stop     chan struct{}
	stopOnce sync.Once
}

func NewPool(opts PoolOptions) *Pool {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy.MaxAttempts = 1
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	return &Pool{opts: opts, stop: make(chan struct{})}
}

// Stop prevents further items from starting. Running items finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// Execute starts the items and returns the event stream. The stream is
// closed once every started item has sent its done event. The receiver
// must drain it.
func (p *Pool) Execute(ctx context.Context, items []WorkItem) <-chan PoolEvent {
	events := make(chan PoolEvent)
	go func() {
		defer close(events)
		var g errgroup.Group
		g.SetLimit(p.opts.MaxParallel)
		for _, item := range items {
			if p.stopped(ctx) {
				break
			}
			// Go blocks while MaxParallel items are running.
			g.Go(func() error {
				p.runItem(ctx, item, events)
				return nil
			})
		}
		g.Wait()
	}()
	return events
}

func (p *Pool) runItem(ctx context.Context, item WorkItem, events chan<- PoolEvent) {
	if p.stopped(ctx) {
		return
	}
	idx := item.Index
	offset := p.opts.AttemptOffset[idx]
	logger := p.opts.Logger.With("item", idx)

	budget := p.opts.Policy.MaxAttempts - p.opts.Used[idx]
	if budget <= 0 {
		logger.Warn("retry limit already reached", "attempts", p.opts.Used[idx])
		ev := PoolEvent{Type: PoolDone, Index: idx, Item: item, Outcome: ItemFailed,
			Err: fmt.Errorf("retry limit of %d attempts reached", p.opts.Policy.MaxAttempts)}
		if recorded := p.opts.Reuse[idx]; recorded != nil {
			wt := *recorded
			ev.Worktree = &wt
		}
		events <- ev
		return
	}

	wt, reused, err := p.opts.Worktrees.AcquireItem(ctx, p.opts.JobID, p.opts.Parent, idx, p.opts.Reuse[idx])
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("failed to create item worktree", "error", err)
		events <- PoolEvent{Type: PoolDone, Index: idx, Item: item, Outcome: ItemFailed, Err: err,
			Failures: []dlq.FailureRecord{{
				Attempt:   offset + 1,
				Timestamp: time.Now().UTC(),
				Kind:      FailureWorktree,
				ExitCode:  -1,
				Message:   err.Error(),
				BatchID:   p.opts.BatchID,
			}}}
		return
	}
	if reused {
		logger.Info("reusing item worktree", "path", wt.Path)
	}
	events <- PoolEvent{Type: PoolStarted, Index: idx, Item: item, Worktree: wt, Reused: reused}

	var failures []dlq.FailureRecord
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= budget; attempt++ {
		if attempt > 1 {
			if err := retry.Sleep(ctx, p.opts.Policy.Delay(attempt)); err != nil {
				events <- PoolEvent{Type: PoolDone, Index: idx, Item: item, Worktree: wt, Outcome: ItemInterrupted, Attempts: attempts}
				return
			}
			// Each retry starts from a clean branch.
			fresh, _, err := p.opts.Worktrees.AcquireItem(ctx, p.opts.JobID, p.opts.Parent, idx, nil)
			if err != nil {
				if ctx.Err() != nil {
					events <- PoolEvent{Type: PoolDone, Index: idx, Item: item, Worktree: wt, Outcome: ItemInterrupted, Attempts: attempts}
					return
				}
				failures = append(failures, dlq.FailureRecord{
					Attempt: offset + attempt, Timestamp: time.Now().UTC(), Kind: FailureWorktree,
					ExitCode: -1, Message: err.Error(), BatchID: p.opts.BatchID,
				})
				lastErr = err
				break
			}
			wt = fresh
		}

		res := p.attempt(ctx, item, wt, offset+attempt)
		if res.record.Outcome != OutcomeInterrupted {
			attempts++
		}
		events <- PoolEvent{Type: PoolAttempt, Index: idx, Item: item, Record: &res.record}

		switch res.record.Outcome {
		case OutcomeSuccess:
			events <- PoolEvent{Type: PoolDone, Index: idx, Item: item, Worktree: wt, Outcome: ItemSucceeded,
				Result: res.result, Attempts: attempts}
			return
		case OutcomeInterrupted:
			events <- PoolEvent{Type: PoolDone, Index: idx, Item: item, Worktree: wt, Outcome: ItemInterrupted, Attempts: attempts}
			return
		}
		failures = append(failures, *res.failure)
		lastErr = errors.New(res.record.Error)
		if !res.recoverable {
			logger.Warn("permanent failure", "attempt", offset+attempt, "exit_code", res.record.ExitCode)
			break
		}
		logger.Warn("attempt failed", "attempt", offset+attempt, "outcome", res.record.Outcome, "error", res.record.Error)
	}
	events <- PoolEvent{Type: PoolDone, Index: idx, Item: item, Worktree: wt, Outcome: ItemFailed,
		Attempts: attempts, Failures: failures, Err: lastErr}
}

type attemptResult struct {
	record      AgentRecord
	result      *AgentResult
	failure     *dlq.FailureRecord
	recoverable bool
}

// attempt runs the agent once and classifies the outcome. A successful
// agent counts even if the context was cancelled while it returned.
func (p *Pool) attempt(ctx context.Context, item WorkItem, wt *worktree.Item, number int) attemptResult {
	runCtx := ctx
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}
	env := copyStrings(p.opts.Env)
	for k, v := range itemEnv(p.opts.JobID, item, wt.Path) {
		env[k] = v
	}
	started := time.Now().UTC()
	res, err := p.opts.Agent.RunAgent(runCtx, &AgentRequest{
		JobID:        p.opts.JobID,
		BatchID:      p.opts.BatchID,
		Item:         item,
		Attempt:      number,
		WorktreePath: wt.Path,
		Branch:       wt.Branch,
		Steps:        p.opts.Steps,
		Variables:    itemVariables(p.opts.Variables, item),
		Env:          env,
	})
	ended := time.Now().UTC()

	out := attemptResult{
		record: AgentRecord{
			ID:           uuid.NewString(),
			BatchID:      p.opts.BatchID,
			ItemIndex:    item.Index,
			Attempt:      number,
			WorktreePath: wt.Path,
			Branch:       wt.Branch,
			StartedAt:    started,
			EndedAt:      ended,
			Duration:     ended.Sub(started),
		},
		result: res,
	}
	if res != nil {
		out.record.ExitCode = res.ExitCode
		out.record.Output = truncate(res.Output)
	}

	var kind string
	switch {
	case err == nil && res != nil && res.ExitCode == 0:
		out.record.Outcome = OutcomeSuccess
		return out
	case ctx.Err() != nil:
		out.record.Outcome = OutcomeInterrupted
		out.record.Error = "interrupted"
		return out
	case errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil:
		out.record.Outcome = OutcomeTimeout
		out.record.ExitCode = -1
		out.record.Error = fmt.Sprintf("agent timed out after %s", p.opts.Timeout)
		out.recoverable = true
		kind = FailureTimeout
	case err != nil:
		out.record.Outcome = OutcomeCrashed
		out.record.ExitCode = -1
		out.record.Error = err.Error()
		out.recoverable = true
		kind = FailureCrash
	case res == nil:
		out.record.Outcome = OutcomeCrashed
		out.record.ExitCode = -1
		out.record.Error = "agent returned no result"
		out.recoverable = true
		kind = FailureCrash
	case res.ExitCode < 0:
		// Killed by a signal before it could exit.
		out.record.Outcome = OutcomeCrashed
		out.record.Error = "agent was killed"
		if res.Stderr != "" {
			out.record.Error += ": " + truncate(res.Stderr)
		}
		out.recoverable = true
		kind = FailureCrash
	default:
		out.record.Outcome = OutcomeFailure
		out.record.Error = fmt.Sprintf("agent exited with code %d", res.ExitCode)
		if res.FailedStep != "" {
			out.record.Error = fmt.Sprintf("step %q exited with code %d", res.FailedStep, res.ExitCode)
		}
		if res.Stderr != "" {
			out.record.Error += ": " + truncate(res.Stderr)
		}
		out.recoverable = p.opts.ExitCodes.Recoverable(res.ExitCode)
		kind = FailureExit
	}
	out.failure = &dlq.FailureRecord{
		Attempt:      number,
		Timestamp:    ended,
		Kind:         kind,
		ExitCode:     out.record.ExitCode,
		Message:      out.record.Error,
		AgentID:      out.record.ID,
		BatchID:      p.opts.BatchID,
		WorktreePath: wt.Path,
		Branch:       wt.Branch,
		Duration:     out.record.Duration,
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package mapreduce

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ExecutionCallbacks defines the callback interface for job execution events.
// Callbacks run on the coordinating goroutine and must not block for long.
type ExecutionCallbacks interface {
	// Job-level callbacks
	BeforeJob(ctx context.Context, event *JobEvent)
	AfterJob(ctx context.Context, event *JobEvent)

	// Phase-level callbacks
	BeforePhase(ctx context.Context, event *PhaseEvent)
	AfterPhase(ctx context.Context, event *PhaseEvent)

	// Setup and Reduce steps
	AfterStep(ctx context.Context, event *StepEvent)

	// Map items
	AfterAttempt(ctx context.Context, event *AttemptEvent)
	AfterItem(ctx context.Context, event *ItemEvent)

	AfterCheckpoint(ctx context.Context, event *CheckpointEvent)
}

// JobEvent provides context for job-level events
type JobEvent struct {
	JobID        string
	WorkflowName string
	Resumed      bool
	Phase        Phase
	Status       Status
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Variables    map[string]any
	Error        error
}

// PhaseEvent provides context for phase-level events
type PhaseEvent struct {
	JobID     string
	Phase     Phase
	Status    Status
	StartTime time.Time
	Duration  time.Duration
	Error     error
}

// StepEvent describes a finished Setup or Reduce step
type StepEvent struct {
	JobID    string
	Phase    Phase
	Index    int
	Name     string
	Skipped  bool
	ExitCode int
	Duration time.Duration
	Error    error
}

// AttemptEvent describes one finished agent attempt
type AttemptEvent struct {
	JobID  string
	Record AgentRecord
}

// ItemEvent describes a Map item reaching a terminal state
type ItemEvent struct {
	JobID    string
	BatchID  string
	Index    int
	Status   Status
	Attempts int
	Error    error
}

// CheckpointEvent describes a durable checkpoint write
type CheckpointEvent struct {
	JobID    string
	Sequence int64
	Reason   CheckpointReason
	Phase    Phase
}

// BaseExecutionCallbacks provides a default implementation that does nothing
type BaseExecutionCallbacks struct{}

func (n *BaseExecutionCallbacks) BeforeJob(ctx context.Context, event *JobEvent) {}

func (n *BaseExecutionCallbacks) AfterJob(ctx context.Context, event *JobEvent) {}

func (n *BaseExecutionCallbacks) BeforePhase(ctx context.Context, event *PhaseEvent) {}

func (n *BaseExecutionCallbacks) AfterPhase(ctx context.Context, event *PhaseEvent) {}

func (n *BaseExecutionCallbacks) AfterStep(ctx context.Context, event *StepEvent) {}

func (n *BaseExecutionCallbacks) AfterAttempt(ctx context.Context, event *AttemptEvent) {}

func (n *BaseExecutionCallbacks) AfterItem(ctx context.Context, event *ItemEvent) {}

func (n *BaseExecutionCallbacks) AfterCheckpoint(ctx context.Context, event *CheckpointEvent) {}

// NewBaseExecutionCallbacks creates a new no-op callbacks implementation.
// Embed BaseExecutionCallbacks in your own callbacks to only implement the
// events you care about.
func NewBaseExecutionCallbacks() ExecutionCallbacks {
	return &BaseExecutionCallbacks{}
}

// CallbackChain allows chaining multiple callback implementations
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a new callback chain
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add adds a callback to the chain
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeJob(ctx context.Context, event *JobEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeJob(ctx, event)
	}
}

func (c *CallbackChain) AfterJob(ctx context.Context, event *JobEvent) {
	for _, callback := range c.callbacks {
		callback.AfterJob(ctx, event)
	}
}

func (c *CallbackChain) BeforePhase(ctx context.Context, event *PhaseEvent) {
	for _, callback := range c.callbacks {
		callback.BeforePhase(ctx, event)
	}
}

func (c *CallbackChain) AfterPhase(ctx context.Context, event *PhaseEvent) {
	for _, callback := range c.callbacks {
		callback.AfterPhase(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, callback := range c.callbacks {
		callback.AfterStep(ctx, event)
	}
}

func (c *CallbackChain) AfterAttempt(ctx context.Context, event *AttemptEvent) {
	for _, callback := range c.callbacks {
		callback.AfterAttempt(ctx, event)
	}
}

func (c *CallbackChain) AfterItem(ctx context.Context, event *ItemEvent) {
	for _, callback := range c.callbacks {
		callback.AfterItem(ctx, event)
	}
}

func (c *CallbackChain) AfterCheckpoint(ctx context.Context, event *CheckpointEvent) {
	for _, callback := range c.callbacks {
		callback.AfterCheckpoint(ctx, event)
	}
}

// eventRecorder writes callbacks to an EventLogger. Event log failures are
// logged and otherwise ignored.
type eventRecorder struct {
	events EventLogger
	logger *slog.Logger
}

func newEventRecorder(events EventLogger, logger *slog.Logger) *eventRecorder {
	return &eventRecorder{events: events, logger: logger}
}

func (r *eventRecorder) log(ctx context.Context, event *Event) {
	event.ID = uuid.NewString()
	event.Time = time.Now().UTC()
	if err := r.events.LogEvent(context.WithoutCancel(ctx), event); err != nil {
		r.logger.Warn("failed to write event log", "job_id", event.JobID, "type", event.Type, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (r *eventRecorder) BeforeJob(ctx context.Context, event *JobEvent) {
	t := EventJobStarted
	if event.Resumed {
		t = EventJobResumed
	}
	r.log(ctx, &Event{JobID: event.JobID, Type: t, Phase: event.Phase,
		Data: map[string]any{"workflow": event.WorkflowName}})
}

func (r *eventRecorder) AfterJob(ctx context.Context, event *JobEvent) {
	t := EventJobCompleted
	switch {
	case IsKind(event.Error, KindInterrupted):
		t = EventJobInterrupted
	case event.Error != nil:
		t = EventJobFailed
	}
	r.log(ctx, &Event{JobID: event.JobID, Type: t, Phase: event.Phase, Message: errString(event.Error),
		Data: map[string]any{"duration_ms": event.Duration.Milliseconds()}})
}

func (r *eventRecorder) BeforePhase(ctx context.Context, event *PhaseEvent) {
	r.log(ctx, &Event{JobID: event.JobID, Type: EventPhaseStarted, Phase: event.Phase})
}

func (r *eventRecorder) AfterPhase(ctx context.Context, event *PhaseEvent) {
	r.log(ctx, &Event{JobID: event.JobID, Type: EventPhaseCompleted, Phase: event.Phase,
		Message: errString(event.Error), Data: map[string]any{"status": event.Status}})
}

func (r *eventRecorder) AfterStep(ctx context.Context, event *StepEvent) {
	t := EventStepCompleted
	if event.Skipped {
		t = EventStepSkipped
	}
	r.log(ctx, &Event{JobID: event.JobID, Type: t, Phase: event.Phase, Step: event.Name,
		Message: errString(event.Error), Data: map[string]any{"index": event.Index, "exit_code": event.ExitCode}})
}

func (r *eventRecorder) AfterAttempt(ctx context.Context, event *AttemptEvent) {
	rec := event.Record
	r.log(ctx, &Event{JobID: event.JobID, Type: EventItemAttempt, Phase: PhaseMap, ItemIndex: &rec.ItemIndex,
		Attempt: rec.Attempt, Message: rec.Error,
		Data: map[string]any{"outcome": rec.Outcome, "exit_code": rec.ExitCode, "agent_id": rec.ID, "batch_id": rec.BatchID}})
}

func (r *eventRecorder) AfterItem(ctx context.Context, event *ItemEvent) {
	t := EventItemCompleted
	if event.Status == StatusFailed {
		t = EventItemFailed
	}
	index := event.Index
	r.log(ctx, &Event{JobID: event.JobID, Type: t, Phase: PhaseMap, ItemIndex: &index, Attempt: event.Attempts,
		Message: errString(event.Error), Data: map[string]any{"batch_id": event.BatchID}})
}

func (r *eventRecorder) AfterCheckpoint(ctx context.Context, event *CheckpointEvent) {
	r.log(ctx, &Event{JobID: event.JobID, Type: EventCheckpointSaved, Phase: event.Phase,
		Data: map[string]any{"sequence": event.Sequence, "reason": event.Reason}})
}

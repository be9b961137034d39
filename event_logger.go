package mapreduce

import (
	"context"
	"time"
)

// EventType names a job event.
type EventType string

const (
	EventJobStarted      EventType = "job_started"
	EventJobResumed      EventType = "job_resumed"
	EventJobCompleted    EventType = "job_completed"
	EventJobFailed       EventType = "job_failed"
	EventJobInterrupted  EventType = "job_interrupted"
	EventPhaseStarted    EventType = "phase_started"
	EventPhaseCompleted  EventType = "phase_completed"
	EventStepCompleted   EventType = "step_completed"
	EventStepSkipped     EventType = "step_skipped"
	EventItemAttempt     EventType = "item_attempt"
	EventItemCompleted   EventType = "item_completed"
	EventItemFailed      EventType = "item_failed"
	EventCheckpointSaved EventType = "checkpoint_saved"
	EventDLQRetried      EventType = "dlq_retried"
)

// Event is a single entry of a job's audit log
type Event struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Type      EventType      `json:"type"`
	Phase     Phase          `json:"phase,omitempty"`
	Step      string         `json:"step,omitempty"`
	ItemIndex *int           `json:"item_index,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

// EventLogger defines simple event logging interface
type EventLogger interface {
	// LogEvent appends an event to the job's log
	LogEvent(ctx context.Context, event *Event) error

	// GetEvents retrieves the event log for a job
	GetEvents(ctx context.Context, jobID string) ([]*Event, error)
}

// NullEventLogger is a no-op implementation of EventLogger.
type NullEventLogger struct{}

func NewNullEventLogger() *NullEventLogger {
	return &NullEventLogger{}
}

func (l *NullEventLogger) LogEvent(ctx context.Context, event *Event) error {
	return nil
}

func (l *NullEventLogger) GetEvents(ctx context.Context, jobID string) ([]*Event, error) {
	return nil, nil
}

package mapreduce

import (
	"go.jetify.com/typeid"
)

// NewJobID returns a new job identifier.
func NewJobID() string {
	id, err := typeid.WithPrefix("job")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewBatchID returns a new identifier for one dispatch of work items, such
// as a DLQ retry.
func NewBatchID() string {
	id, err := typeid.WithPrefix("batch")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Phase is a stage of a job.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseMap      Phase = "map"
	PhaseReduce   Phase = "reduce"
	PhaseComplete Phase = "complete"
)

var phaseOrder = []Phase{PhaseSetup, PhaseMap, PhaseReduce, PhaseComplete}

// Next returns the phase that follows p.
func (p Phase) Next() Phase {
	for i, phase := range phaseOrder {
		if phase == p && i+1 < len(phaseOrder) {
			return phaseOrder[i+1]
		}
	}
	return PhaseComplete
}

// Before reports whether p comes before other.
func (p Phase) Before(other Phase) bool {
	return p.rank() < other.rank()
}

func (p Phase) rank() int {
	for i, phase := range phaseOrder {
		if phase == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.rank() >= 0
}

// Status of a job or of one of its phases.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// CheckpointReason records why a checkpoint was written.
type CheckpointReason string

const (
	ReasonPeriodic        CheckpointReason = "periodic"
	ReasonInterval        CheckpointReason = "interval"
	ReasonSignal          CheckpointReason = "signal"
	ReasonStepBoundary    CheckpointReason = "step_boundary"
	ReasonPhaseTransition CheckpointReason = "phase_transition"
	ReasonFailure         CheckpointReason = "failure"
	ReasonReprocess       CheckpointReason = "reprocess"
)

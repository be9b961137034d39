package mapreduce

import (
	"context"
)

// Checkpointer persists checkpoints. Implementations encode with
// EncodeCheckpoint and decode with DecodeCheckpoint so that integrity and
// version checks apply to every backend.
type Checkpointer interface {
	// SaveCheckpoint atomically replaces the job's current checkpoint
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LoadCheckpoint loads the job's current checkpoint. It returns nil and
	// no error when the job has none.
	LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error)

	// DeleteCheckpoint removes the job's checkpoint and its history
	DeleteCheckpoint(ctx context.Context, jobID string) error
}

// CheckpointHistory is implemented by backends that keep earlier
// checkpoints for forensic recovery.
type CheckpointHistory interface {
	// ListHistory returns the sequence numbers of retained earlier
	// checkpoints, oldest first.
	ListHistory(ctx context.Context, jobID string) ([]int64, error)

	// LoadHistory loads one retained checkpoint by sequence number.
	LoadHistory(ctx context.Context, jobID string, sequence int64) (*Checkpoint, error)
}

// JobLister is implemented by backends that can enumerate jobs.
type JobLister interface {
	ListJobs(ctx context.Context) ([]*JobSummary, error)
}

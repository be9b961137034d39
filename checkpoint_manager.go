package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// progressMark is what the manager remembers about a job's last durable
// checkpoint.
type progressMark struct {
	sequence  int64
	completed []int
}

// CheckpointManager is the single writer of checkpoints. Saves are
// serialized, numbered, validated, and checked for monotonic progress
// before they reach the backend.
type CheckpointManager struct {
	mu      sync.Mutex
	backend Checkpointer
	logger  *slog.Logger
	marks   map[string]*progressMark
	now     func() time.Time
}

// NewCheckpointManager wraps a backend. A nil logger discards output.
func NewCheckpointManager(backend Checkpointer, logger *slog.Logger) *CheckpointManager {
	if logger == nil {
		logger = discardLogger()
	}
	return &CheckpointManager{
		backend: backend,
		logger:  logger,
		marks:   map[string]*progressMark{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Backend returns the underlying checkpointer.
func (m *CheckpointManager) Backend() Checkpointer {
	return m.backend
}

// Load returns the job's current checkpoint, or nil when there is none.
func (m *CheckpointManager) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := m.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		m.marks[jobID] = markOf(cp)
	}
	return cp, nil
}

func (m *CheckpointManager) load(ctx context.Context, jobID string) (*Checkpoint, error) {
	cp, err := m.backend.LoadCheckpoint(ctx, jobID)
	if err != nil {
		var mrErr *Error
		if errors.As(err, &mrErr) {
			if mrErr.JobID == "" {
				mrErr.JobID = jobID
			}
			return nil, mrErr
		}
		return nil, newError(KindCheckpointWrite, "load checkpoint", jobID, err)
	}
	return cp, nil
}

func markOf(cp *Checkpoint) *progressMark {
	mark := &progressMark{sequence: cp.Sequence}
	if cp.Map != nil {
		mark.completed = slices.Clone(cp.Map.CompletedItems)
	}
	return mark
}

// ResetProgress forgets the completed items recorded for a job, so the
// next save may contain fewer. Forced re-runs of completed items use it.
func (m *CheckpointManager) ResetProgress(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mark, ok := m.marks[jobID]; ok {
		mark.completed = nil
	}
}

// Save stamps cp with the next sequence number, a fresh id and reason,
// and writes it through the backend. A checkpoint that fails validation
// or drops a completed Map item is rejected with KindCheckpointWrite and
// nothing is written.
func (m *CheckpointManager) Save(ctx context.Context, cp *Checkpoint, reason CheckpointReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mark, ok := m.marks[cp.JobID]
	if !ok {
		prev, err := m.load(ctx, cp.JobID)
		if err != nil {
			m.logger.Warn("previous checkpoint unreadable", "job_id", cp.JobID, "error", err)
		}
		mark = &progressMark{}
		if prev != nil {
			mark = markOf(prev)
		}
	}

	now := m.now()
	cp.Version = CheckpointVersion
	cp.ID = uuid.NewString()
	cp.Sequence = mark.sequence + 1
	cp.Reason = reason
	cp.CheckpointAt = now
	cp.UpdatedAt = now
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.Map != nil {
		cp.Map.refreshCounts()
	}

	if err := cp.Validate(); err != nil {
		return newError(KindCheckpointWrite, "save checkpoint", cp.JobID, fmt.Errorf("inconsistent checkpoint: %w", err))
	}
	for _, idx := range mark.completed {
		if !containsIndex(cp.Map.CompletedItems, idx) {
			return errorf(KindCheckpointWrite, "save checkpoint", cp.JobID,
				"completed item %d missing from checkpoint %d", idx, cp.Sequence)
		}
	}
	if err := m.backend.SaveCheckpoint(ctx, cp); err != nil {
		return newError(KindCheckpointWrite, "save checkpoint", cp.JobID, err)
	}
	m.marks[cp.JobID] = markOf(cp)
	m.logger.Debug("saved checkpoint",
		"job_id", cp.JobID,
		"sequence", cp.Sequence,
		"reason", reason,
		"phase", cp.Phase)
	return nil
}

package mapreduce

import (
	"context"
	"sync"
)

// MemoryCheckpointer keeps encoded checkpoints in memory. Every saved
// checkpoint is retained as history, which makes it useful for tests that
// inspect the sequence of writes.
type MemoryCheckpointer struct {
	mu      sync.Mutex
	current map[string][]byte
	history map[string][][]byte

	// FailSave, when set, is consulted before each save. A non-nil return
	// fails the save.
	FailSave func(cp *Checkpoint) error
}

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		current: map[string][]byte{},
		history: map[string][][]byte{},
	}
}

func (c *MemoryCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSave != nil {
		if err := c.FailSave(checkpoint); err != nil {
			return err
		}
	}
	data, err := EncodeCheckpoint(checkpoint)
	if err != nil {
		return err
	}
	c.current[checkpoint.JobID] = data
	c.history[checkpoint.JobID] = append(c.history[checkpoint.JobID], data)
	return nil
}

func (c *MemoryCheckpointer) LoadCheckpoint(ctx context.Context, jobID string) (*Checkpoint, error) {
	c.mu.Lock()
	data, ok := c.current[jobID]
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return DecodeCheckpoint(data)
}

func (c *MemoryCheckpointer) DeleteCheckpoint(ctx context.Context, jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.current, jobID)
	delete(c.history, jobID)
	return nil
}

// Raw returns the encoded current checkpoint of a job.
func (c *MemoryCheckpointer) Raw(jobID string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.current[jobID]
	return data, ok
}

// SetRaw replaces the encoded current checkpoint of a job.
func (c *MemoryCheckpointer) SetRaw(jobID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[jobID] = data
}

// All decodes every checkpoint saved for a job, oldest first.
func (c *MemoryCheckpointer) All(jobID string) ([]*Checkpoint, error) {
	c.mu.Lock()
	saved := append([][]byte(nil), c.history[jobID]...)
	c.mu.Unlock()
	out := make([]*Checkpoint, 0, len(saved))
	for _, data := range saved {
		cp, err := DecodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (c *MemoryCheckpointer) ListHistory(ctx context.Context, jobID string) ([]int64, error) {
	all, err := c.All(jobID)
	if err != nil {
		return nil, err
	}
	sequences := make([]int64, 0, len(all))
	for _, cp := range all {
		sequences = append(sequences, cp.Sequence)
	}
	return sequences, nil
}

func (c *MemoryCheckpointer) LoadHistory(ctx context.Context, jobID string, sequence int64) (*Checkpoint, error) {
	all, err := c.All(jobID)
	if err != nil {
		return nil, err
	}
	for _, cp := range all {
		if cp.Sequence == sequence {
			return cp, nil
		}
	}
	return nil, errorf(KindNotFound, "load history", jobID, "no checkpoint with sequence %d", sequence)
}

func (c *MemoryCheckpointer) ListJobs(ctx context.Context) ([]*JobSummary, error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.current))
	for id := range c.current {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	summaries := []*JobSummary{}
	for _, id := range ids {
		cp, err := c.LoadCheckpoint(ctx, id)
		if err != nil || cp == nil {
			continue
		}
		summaries = append(summaries, Summarize(cp))
	}
	SortSummaries(summaries)
	return summaries, nil
}

package mapreduce

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointManagerNumbersSaves(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryCheckpointer()
	m := NewCheckpointManager(backend, nil)

	cp := sampleCheckpoint("job_seq", 3)
	require.NoError(t, m.Save(ctx, cp, ReasonPhaseTransition))
	firstID := cp.ID
	cp.Map.CompletedItems = []int{0}
	cp.Map.Results[0] = &ItemResult{Output: "ok"}
	require.NoError(t, m.Save(ctx, cp, ReasonPeriodic))

	all, err := backend.All("job_seq")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, int64(1), all[0].Sequence)
	require.Equal(t, int64(2), all[1].Sequence)
	require.Equal(t, ReasonPhaseTransition, all[0].Reason)
	require.Equal(t, ReasonPeriodic, all[1].Reason)
	require.NotEqual(t, firstID, all[1].ID)
	require.Equal(t, 1, all[1].Map.Successful, "counters are refreshed before saving")
}

func TestCheckpointManagerContinuesSequenceAfterRestart(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryCheckpointer()
	require.NoError(t, NewCheckpointManager(backend, nil).Save(ctx, sampleCheckpoint("job_restart", 2), ReasonPeriodic))

	// A new manager discovers the stored sequence on its first save.
	m := NewCheckpointManager(backend, nil)
	cp := sampleCheckpoint("job_restart", 2)
	require.NoError(t, m.Save(ctx, cp, ReasonSignal))
	require.Equal(t, int64(2), cp.Sequence)
}

func TestCheckpointManagerRejectsLostProgress(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryCheckpointer()
	m := NewCheckpointManager(backend, nil)

	require.NoError(t, m.Save(ctx, sampleCheckpoint("job_mono", 3, 0, 1), ReasonPeriodic))

	err := m.Save(ctx, sampleCheckpoint("job_mono", 3, 0), ReasonPeriodic)
	require.True(t, IsKind(err, KindCheckpointWrite), "got %v", err)
	require.Contains(t, err.Error(), "completed item 1 missing")

	stored, err := backend.LoadCheckpoint(ctx, "job_mono")
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, stored.Map.CompletedItems, "rejected save must not reach the backend")

	m.ResetProgress("job_mono")
	require.NoError(t, m.Save(ctx, sampleCheckpoint("job_mono", 3, 0), ReasonPeriodic))
}

func TestCheckpointManagerRejectsInconsistentState(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryCheckpointer()
	m := NewCheckpointManager(backend, nil)

	cp := sampleCheckpoint("job_bad", 2, 0)
	cp.Map.FailedItems = []int{0}
	err := m.Save(ctx, cp, ReasonPeriodic)
	require.True(t, IsKind(err, KindCheckpointWrite), "got %v", err)

	_, ok := backend.Raw("job_bad")
	require.False(t, ok)
}

func TestCheckpointManagerWrapsBackendErrors(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryCheckpointer()
	backend.FailSave = func(cp *Checkpoint) error { return errors.New("disk full") }
	m := NewCheckpointManager(backend, nil)

	err := m.Save(ctx, sampleCheckpoint("job_full", 1), ReasonPeriodic)
	require.True(t, IsKind(err, KindCheckpointWrite), "got %v", err)
	require.Contains(t, err.Error(), "disk full")
}

func TestCheckpointManagerLoadReportsCorruption(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryCheckpointer()
	m := NewCheckpointManager(backend, nil)
	require.NoError(t, m.Save(ctx, sampleCheckpoint("job_corrupt", 1), ReasonPeriodic))

	data, _ := backend.Raw("job_corrupt")
	backend.SetRaw("job_corrupt", data[:len(data)-10])

	_, err := NewCheckpointManager(backend, nil).Load(ctx, "job_corrupt")
	require.True(t, IsKind(err, KindCheckpointCorrupt), "got %v", err)
	require.False(t, Resumable(err))

	var mrErr *Error
	require.True(t, errors.As(err, &mrErr))
	require.Equal(t, "job_corrupt", mrErr.JobID)
}

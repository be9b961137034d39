// Package storetest holds behavior tests shared by the checkpoint and dead
// letter backends.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/deepnoodle-ai/mapreduce/dlq"
	"github.com/deepnoodle-ai/mapreduce/worktree"
	"github.com/stretchr/testify/require"
)

// Backend is what the checkpoint tests exercise.
type Backend interface {
	mapreduce.Checkpointer
	mapreduce.CheckpointHistory
	mapreduce.JobLister
}

// Checkpoint returns a valid Map phase checkpoint with n items, the first
// done of which are completed.
func Checkpoint(jobID string, seq int64, n, done int) *mapreduce.Checkpoint {
	now := time.Now().UTC().Truncate(time.Millisecond)
	cp := &mapreduce.Checkpoint{
		Version:      mapreduce.CheckpointVersion,
		ID:           "cp-" + jobID,
		Sequence:     seq,
		Reason:       mapreduce.ReasonPeriodic,
		JobID:        jobID,
		WorkflowName: "storetest",
		Phase:        mapreduce.PhaseMap,
		Status:       mapreduce.StatusRunning,
		Setup:        &mapreduce.SequentialPhaseState{Status: mapreduce.StatusCompleted, CompletedSteps: []mapreduce.StepRecord{}},
		Map: &mapreduce.MapPhaseState{
			Status:          mapreduce.StatusRunning,
			ItemsLoaded:     true,
			CompletedItems:  []int{},
			FailedItems:     []int{},
			InProgressItems: []int{},
			Results:         map[int]*mapreduce.ItemResult{},
			Attempts:        map[int]int{},
			Records:         []mapreduce.AgentRecord{},
		},
		Reduce:    &mapreduce.SequentialPhaseState{Status: mapreduce.StatusPending, CompletedSteps: []mapreduce.StepRecord{}},
		Variables: map[string]any{"job": map[string]any{"id": jobID}},
		Worktrees: &worktree.Info{Items: map[int]*worktree.Item{}},
		CreatedAt: now.Add(time.Duration(seq) * time.Second),
		UpdatedAt: now.Add(time.Duration(seq) * time.Second),
	}
	for i := 0; i < n; i++ {
		cp.Map.Items = append(cp.Map.Items, mapreduce.WorkItem{Index: i, Value: map[string]any{"n": float64(i)}})
	}
	for i := 0; i < done; i++ {
		cp.Map.CompletedItems = append(cp.Map.CompletedItems, i)
		cp.Map.Results[i] = &mapreduce.ItemResult{Output: "ok", Attempts: 1}
	}
	cp.Map.Successful = done
	cp.Map.Total = n
	return cp
}

// RunCheckpointer checks save, load, history and delete. history is the
// number of earlier checkpoints the backend was configured to keep and
// must be at least 2.
func RunCheckpointer(t *testing.T, b Backend, history int) {
	ctx := context.Background()

	t.Run("missing job", func(t *testing.T) {
		cp, err := b.LoadCheckpoint(ctx, "job_absent")
		require.NoError(t, err)
		require.Nil(t, cp)
	})

	t.Run("round trip", func(t *testing.T) {
		saved := Checkpoint("job_rt", 1, 3, 2)
		require.NoError(t, b.SaveCheckpoint(ctx, saved))
		loaded, err := b.LoadCheckpoint(ctx, "job_rt")
		require.NoError(t, err)
		require.Equal(t, saved.IntegrityHash, loaded.IntegrityHash)
		require.Equal(t, []int{0, 1}, loaded.Map.CompletedItems)
		require.Equal(t, "ok", loaded.Map.Results[1].Output)
	})

	t.Run("bounded history", func(t *testing.T) {
		total := int64(history + 2)
		for seq := int64(1); seq <= total; seq++ {
			require.NoError(t, b.SaveCheckpoint(ctx, Checkpoint("job_hist", seq, 4, int(seq%4))))
		}
		sequences, err := b.ListHistory(ctx, "job_hist")
		require.NoError(t, err)
		require.Len(t, sequences, history)
		require.Equal(t, total-1, sequences[len(sequences)-1])

		old, err := b.LoadHistory(ctx, "job_hist", total-1)
		require.NoError(t, err)
		require.Equal(t, total-1, old.Sequence)

		_, err = b.LoadHistory(ctx, "job_hist", 1)
		require.True(t, mapreduce.IsKind(err, mapreduce.KindNotFound), "got %v", err)

		current, err := b.LoadCheckpoint(ctx, "job_hist")
		require.NoError(t, err)
		require.Equal(t, total, current.Sequence)
	})

	t.Run("list jobs", func(t *testing.T) {
		require.NoError(t, b.SaveCheckpoint(ctx, Checkpoint("job_list_a", 1, 2, 1)))
		require.NoError(t, b.SaveCheckpoint(ctx, Checkpoint("job_list_b", 5, 2, 2)))
		jobs, err := b.ListJobs(ctx)
		require.NoError(t, err)
		byID := map[string]*mapreduce.JobSummary{}
		for _, j := range jobs {
			byID[j.JobID] = j
		}
		require.Contains(t, byID, "job_list_a")
		require.Equal(t, 2, byID["job_list_b"].Successful)
		for i := 1; i < len(jobs); i++ {
			require.False(t, jobs[i].CreatedAt.After(jobs[i-1].CreatedAt), "newest first")
		}
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, b.SaveCheckpoint(ctx, Checkpoint("job_del", 1, 1, 0)))
		require.NoError(t, b.SaveCheckpoint(ctx, Checkpoint("job_del", 2, 1, 1)))
		require.NoError(t, b.DeleteCheckpoint(ctx, "job_del"))
		cp, err := b.LoadCheckpoint(ctx, "job_del")
		require.NoError(t, err)
		require.Nil(t, cp)
		sequences, err := b.ListHistory(ctx, "job_del")
		require.NoError(t, err)
		require.Empty(t, sequences)
	})

	t.Run("manager sequencing", func(t *testing.T) {
		m := mapreduce.NewCheckpointManager(b, nil)
		cp := Checkpoint("job_mgr", 0, 2, 1)
		require.NoError(t, m.Save(ctx, cp, mapreduce.ReasonPhaseTransition))
		require.NoError(t, m.Save(ctx, cp, mapreduce.ReasonPeriodic))
		loaded, err := mapreduce.NewCheckpointManager(b, nil).Load(ctx, "job_mgr")
		require.NoError(t, err)
		require.Equal(t, int64(2), loaded.Sequence)
		require.Equal(t, mapreduce.ReasonPeriodic, loaded.Reason)
	})
}

// RunDLQStore checks a dlq.Store through the queue API.
func RunDLQStore(t *testing.T, store dlq.Store) {
	ctx := context.Background()
	q := dlq.NewQueue(store, nil)

	failure := func(attempt int, kind, msg string) dlq.FailureRecord {
		return dlq.FailureRecord{Attempt: attempt, Timestamp: time.Now().UTC(), Kind: kind, ExitCode: 1, Message: msg}
	}

	_, err := store.Get(ctx, "job_dlq", 0)
	require.True(t, errors.Is(err, dlq.ErrNotFound), "got %v", err)

	entry, err := q.Add(ctx, "job_dlq", 3, "item-3", failure(1, "failure", "exit 1"))
	require.NoError(t, err)
	require.Equal(t, 1, entry.AttemptCount)

	entry, err = q.Add(ctx, "job_dlq", 3, "item-3", failure(2, "timeout", "took 30s"))
	require.NoError(t, err)
	require.Equal(t, 2, entry.AttemptCount)

	_, err = q.Add(ctx, "job_dlq", 1, "item-1", failure(1, "crashed", "signal 9"))
	require.NoError(t, err)
	_, err = q.Add(ctx, "job_other", 1, "x", failure(1, "failure", "exit 1"))
	require.NoError(t, err)

	entries, err := q.List(ctx, "job_dlq")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 1, entries[0].ItemIndex)
	require.Equal(t, 3, entries[1].ItemIndex)
	require.Len(t, entries[1].FailureHistory, 2)
	require.Equal(t, "timeout", entries[1].Last().Kind)

	require.NoError(t, q.Remove(ctx, "job_dlq", 1))
	require.True(t, errors.Is(store.Delete(ctx, "job_dlq", 1), dlq.ErrNotFound))

	cleared, err := q.Clear(ctx, "job_dlq", nil)
	require.NoError(t, err)
	require.Equal(t, 1, cleared)
	entries, err = q.List(ctx, "job_dlq")
	require.NoError(t, err)
	require.Empty(t, entries)

	others, err := q.List(ctx, "job_other")
	require.NoError(t, err)
	require.Len(t, others, 1)
}

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/mapreduce"
	"github.com/deepnoodle-ai/mapreduce/internal/storetest"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, path string, history int) *Store {
	t.Helper()
	s, err := Open(path, history)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "mapreduce.db"), 3)
	storetest.RunCheckpointer(t, s, 3)
	storetest.RunDLQStore(t, s.DLQ())
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mapreduce.db")

	s, err := Open(path, 1)
	require.NoError(t, err)
	m := mapreduce.NewCheckpointManager(s, nil)
	require.NoError(t, m.Save(ctx, storetest.Checkpoint("job_reopen", 0, 3, 2), mapreduce.ReasonSignal))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path, 1)
	cp, err := mapreduce.NewCheckpointManager(reopened, nil).Load(ctx, "job_reopen")
	require.NoError(t, err)
	require.Equal(t, int64(1), cp.Sequence)
	require.Equal(t, mapreduce.ReasonSignal, cp.Reason)
	require.Equal(t, []int{0, 1}, cp.Map.CompletedItems)
}
